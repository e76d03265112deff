// Package websocket provides the reconnecting client behind the venue
// price streams. Subscriptions registered on the client are replayed
// after every reconnect, so a dropped connection resumes its channels
// without the caller noticing.
package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autotrader/internal/core"
	"autotrader/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Handler receives each raw message from the stream
type Handler func(message []byte)

// Config shapes a stream client. Zero durations take defaults; a negative
// PingInterval disables the heartbeat.
type Config struct {
	URL           string
	Handler       Handler
	Logger        core.ILogger
	ReconnectWait time.Duration
	PingInterval  time.Duration
	PingWait      time.Duration
	PongWait      time.Duration
}

// Client keeps one websocket connection alive, redialing on any failure
type Client struct {
	cfg Config

	mu   sync.Mutex
	conn *websocket.Conn
	subs []interface{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	dialCounter metric.Int64Counter
	handleHist  metric.Float64Histogram
}

// New creates a stream client; Start begins dialing
func New(cfg Config) *Client {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 5 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PingWait <= 0 {
		cfg.PingWait = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}

	meter := telemetry.GetMeter("ws-stream")
	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Stream messages received"))
	dialCounter, _ := meter.Int64Counter("ws_dials_total",
		metric.WithDescription("Stream dial attempts"))
	handleHist, _ := meter.Float64Histogram("ws_handle_latency_seconds",
		metric.WithDescription("Stream message handling latency in seconds"))

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		tracer:      telemetry.GetTracer("ws-stream"),
		msgCounter:  msgCounter,
		dialCounter: dialCounter,
		handleHist:  handleHist,
	}
}

// Subscribe registers a subscription payload. It is sent on the current
// connection if one is up and replayed after every redial.
func (c *Client) Subscribe(payload interface{}) {
	c.mu.Lock()
	c.subs = append(c.subs, payload)
	connected := c.conn != nil
	c.mu.Unlock()

	if connected {
		if err := c.Send(payload); err != nil {
			c.cfg.Logger.Warn("Subscribe failed, will replay on reconnect", "error", err)
		}
	}
}

// Send writes a JSON payload on the current connection
func (c *Client) Send(payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	return c.conn.WriteJSON(payload)
}

// Start launches the dial loop
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop tears the connection down and waits for the dial loop to exit
func (c *Client) Stop() {
	c.cancel()
	c.dropConn()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.cfg.Logger.Warn("Stream client did not stop within timeout")
	}
}

func (c *Client) run() {
	defer c.wg.Done()

	for {
		conn, err := c.dial()
		if err != nil {
			c.cfg.Logger.Error("Stream dial failed", "url", c.cfg.URL, "error", err)
		} else {
			c.replaySubscriptions()
			c.serve(conn)
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectWait):
		}
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	ctx, span := c.tracer.Start(c.ctx, "ws.dial",
		trace.WithAttributes(attribute.String("ws.url", c.cfg.URL)),
	)
	defer span.End()
	c.dialCounter.Add(ctx, 1)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if c.cfg.PingInterval > 0 {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		})
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) replaySubscriptions() {
	c.mu.Lock()
	subs := append([]interface{}(nil), c.subs...)
	c.mu.Unlock()

	for _, sub := range subs {
		if err := c.Send(sub); err != nil {
			c.cfg.Logger.Error("Subscription replay failed", "error", err)
			return
		}
	}
}

// serve pumps one connection until it fails or the client stops. The
// reader goroutine is joined through readErr before serve returns, so
// Stop never leaves it behind.
func (c *Client) serve(conn *websocket.Conn) {
	readErr := make(chan error, 1)
	go func() {
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			c.dispatch(message)
		}
	}()

	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			c.dropConn()
			<-readErr
			return
		case err := <-readErr:
			c.cfg.Logger.Warn("Stream read failed, reconnecting", "error", err)
			c.dropConn()
			return
		case <-ping:
			deadline := time.Now().Add(c.cfg.PingWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.dropConn()
				<-readErr
				return
			}
		}
	}
}

func (c *Client) dispatch(message []byte) {
	start := time.Now()
	c.msgCounter.Add(c.ctx, 1)
	if c.cfg.Handler != nil {
		c.cfg.Handler(message)
	}
	c.handleHist.Record(c.ctx, time.Since(start).Seconds())
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
