package krakenx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/core"
	"autotrader/pkg/websocket"
)

const defaultStreamURL = "wss://ws.kraken.com/v2"

// Streamer pushes live ticker updates over Kraken's public websocket,
// implementing core.IVenueStreamer. Public channel only, no nonce needed.
type Streamer struct {
	url    string
	logger core.ILogger
	client *websocket.Client
}

// NewStreamer creates a Kraken ticker streamer
func NewStreamer(url string, logger core.ILogger) *Streamer {
	if url == "" {
		url = defaultStreamURL
	}
	return &Streamer{
		url:    url,
		logger: logger.WithField("component", "kraken_stream"),
	}
}

type tickerMessage struct {
	Channel string `json:"channel"`
	Data    []struct {
		Symbol string          `json:"symbol"`
		Last   decimal.Decimal `json:"last"`
		Volume decimal.Decimal `json:"volume"`
	} `json:"data"`
}

// StartPriceStream subscribes to the ticker channel for symbols and feeds
// each update to callback until StopPriceStream or ctx cancellation
func (s *Streamer) StartPriceStream(ctx context.Context, symbols []string, callback func(core.Snapshot)) error {
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols to stream")
	}

	s.client = websocket.New(websocket.Config{
		URL:    s.url,
		Logger: s.logger,
		Handler: func(message []byte) {
			var msg tickerMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				return
			}
			if msg.Channel != "ticker" {
				return
			}
			for _, tick := range msg.Data {
				callback(core.Snapshot{
					Symbol:    tick.Symbol,
					Price:     tick.Last,
					Volume:    tick.Volume,
					FetchedAt: time.Now(),
				})
			}
		},
	})

	// Registered before Start so the first connection and every redial
	// carry the same subscription.
	s.client.Subscribe(map[string]interface{}{
		"method": "subscribe",
		"params": map[string]interface{}{
			"channel": "ticker",
			"symbol":  symbols,
		},
	})

	s.client.Start()
	s.logger.Info("Price stream started", "symbols", len(symbols))

	go func() {
		<-ctx.Done()
		_ = s.StopPriceStream()
	}()
	return nil
}

// StopPriceStream closes the websocket connection
func (s *Streamer) StopPriceStream() error {
	if s.client != nil {
		s.client.Stop()
		s.client = nil
	}
	return nil
}
