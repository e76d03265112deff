// Package venue provides venue implementations
package venue

import (
	"fmt"
	"strings"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/mock"
	"autotrader/internal/nonce"
	"autotrader/internal/venue/bitget"
	"autotrader/internal/venue/coinbase"
	"autotrader/internal/venue/krakenx"
)

// New creates a venue client based on configuration. Each account gets its
// own client instance so credentials and nonce sequences are never shared.
func New(venueName, accountID string, cfg *config.Config, nonces *nonce.Registry, logger core.ILogger) (core.IVenue, error) {
	if strings.ToLower(venueName) == "mock" {
		return mock.NewVenue("mock"), nil
	}

	venueConfig, exists := cfg.Venues[venueName]
	if !exists {
		return nil, fmt.Errorf("configuration not found for venue: %s", venueName)
	}

	timeout := 10 * time.Second
	if cfg.System.RequestTimeout > 0 {
		timeout = time.Duration(cfg.System.RequestTimeout) * time.Second
	}

	switch strings.ToLower(venueName) {
	case "kraken":
		// Nonce counters are scoped to (venue, credential); the account id
		// keys the credential since each account carries its own keys.
		counter := nonces.For(venueName + ":" + accountID)
		return krakenx.New(&venueConfig, counter, timeout, logger), nil
	case "bitget":
		return bitget.New(&venueConfig, timeout, logger), nil
	case "coinbase":
		return coinbase.New(&venueConfig, timeout, logger), nil
	default:
		return nil, fmt.Errorf("unsupported venue: %s", venueName)
	}
}
