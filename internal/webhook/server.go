// Package webhook receives signed external trade intents (charting alerts)
// and hands the verified ones to the master trading loop.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/config"
	"autotrader/internal/core"
)

const signatureHeader = "X-Signature"

// maxBodySize caps inbound payloads
const maxBodySize = 4 << 10

// IntentSink receives verified intents. Implemented by the master loop.
type IntentSink interface {
	SubmitIntent(intent core.TradeIntent) bool
}

// Server is the HTTP listener for signed trade-intent alerts
type Server struct {
	cfg    config.WebhookConfig
	sink   IntentSink
	logger core.ILogger
	srv    *http.Server
}

type intentPayload struct {
	Symbol string `json:"symbol"`
	Action string `json:"action"`
	Price  string `json:"price"`
}

func NewServer(cfg config.WebhookConfig, sink IntentSink, logger core.ILogger) *Server {
	return &Server{
		cfg:    cfg,
		sink:   sink,
		logger: logger.WithField("component", "webhook"),
	}
}

// Start launches the listener. No-op when disabled in config.
func (s *Server) Start() {
	if !s.cfg.Enabled {
		s.logger.Info("Webhook listener disabled")
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleIntent)

	s.srv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("Webhook listener started", "addr", s.cfg.ListenAddr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Webhook listener failed", "error", err)
		}
	}()
}

// Stop gracefully stops the listener
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping webhook listener")
	return s.srv.Shutdown(ctx)
}

// handleIntent verifies the HMAC signature before the payload is allowed
// to influence any position
func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	if !s.verify(body, r.Header.Get(signatureHeader)) {
		s.logger.Warn("Webhook signature verification failed", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload intentPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if payload.Symbol == "" || !validAction(payload.Action) {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	price, err := decimal.NewFromString(payload.Price)
	if err != nil || price.IsNegative() {
		http.Error(w, "invalid price", http.StatusBadRequest)
		return
	}

	intent := core.TradeIntent{
		Symbol:     payload.Symbol,
		Action:     payload.Action,
		Price:      price,
		ReceivedAt: time.Now(),
	}

	if !s.sink.SubmitIntent(intent) {
		http.Error(w, "intent queue full", http.StatusServiceUnavailable)
		return
	}

	s.logger.Info("Trade intent accepted", "symbol", intent.Symbol, "action", intent.Action)
	w.WriteHeader(http.StatusAccepted)
}

// verify checks the hex HMAC-SHA256 of the body against the signature
// header using a constant-time compare
func (s *Server) verify(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.SigningKey.Reveal()))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

func validAction(action string) bool {
	return action == "buy" || action == "sell" || action == "close"
}
