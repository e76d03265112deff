// Package base provides common functionality for venue adapters
package base

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/core"
	apperrors "autotrader/pkg/errors"
	"autotrader/pkg/httpx"
	"autotrader/pkg/retry"
)

// SignRequestFunc is a function type for venue-specific request signing
type SignRequestFunc func(req *http.Request, body []byte) error

// ParseErrorFunc maps a venue error payload to a standardized error.
// Returning nil means the payload carried no error.
type ParseErrorFunc func(statusCode int, body []byte) error

// MapOrderStatusFunc maps a venue order status string to the normalized enum
type MapOrderStatusFunc func(rawStatus string) core.OrderStatus

// Adapter provides the shared request path for all venue adapters: rate
// limiting, signing, transport resilience, error normalization and
// operation-level retry with jittered backoff.
type Adapter struct {
	Name   string
	Config *config.VenueConfig
	Logger core.ILogger
	Client *httpx.Client

	RetryPolicy retry.Policy

	parseError     ParseErrorFunc
	mapOrderStatus MapOrderStatusFunc
}

// NewAdapter creates a base adapter. sign may be nil for public endpoints
// only.
func NewAdapter(name string, cfg *config.VenueConfig, timeout time.Duration, sign SignRequestFunc, logger core.ILogger) *Adapter {
	return &Adapter{
		Name:        name,
		Config:      cfg,
		Logger:      logger.WithField("venue", name),
		Client:      httpx.NewClient(cfg.BaseURL, timeout, cfg.RateLimit, httpx.SignFunc(sign)),
		RetryPolicy: retry.DefaultPolicy,
	}
}

// GetName returns the venue name
func (a *Adapter) GetName() string {
	return a.Name
}

// SetParseError sets the venue-specific error parsing function
func (a *Adapter) SetParseError(fn ParseErrorFunc) {
	a.parseError = fn
}

// SetMapOrderStatus sets the venue-specific order status mapping function
func (a *Adapter) SetMapOrderStatus(fn MapOrderStatusFunc) {
	a.mapOrderStatus = fn
}

// MapOrderStatus maps a raw status through the venue hook
func (a *Adapter) MapOrderStatus(raw string) core.OrderStatus {
	if a.mapOrderStatus == nil {
		return core.OrderStatusUnspecified
	}
	return a.mapOrderStatus(raw)
}

// Get performs a GET and normalizes errors
func (a *Adapter) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	body, err := a.Client.Get(ctx, path, params)
	return body, a.normalize(body, err)
}

// Post performs a POST and normalizes errors
func (a *Adapter) Post(ctx context.Context, path, contentType string, payload []byte) ([]byte, error) {
	body, err := a.Client.Post(ctx, path, contentType, payload)
	return body, a.normalize(body, err)
}

// Delete performs a DELETE and normalizes errors
func (a *Adapter) Delete(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	body, err := a.Client.Delete(ctx, path, params)
	return body, a.normalize(body, err)
}

// normalize maps transport and venue errors onto the apperrors taxonomy.
// Some venues return HTTP 200 with an error payload, so the parse hook also
// runs on success bodies.
func (a *Adapter) normalize(body []byte, err error) error {
	if err != nil {
		var apiErr *httpx.APIError
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == http.StatusTooManyRequests {
				return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, a.Name)
			}
			if apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
				return fmt.Errorf("%w: HTTP %d", apperrors.ErrAuthenticationFailed, apiErr.StatusCode)
			}
			if a.parseError != nil {
				if parsed := a.parseError(apiErr.StatusCode, apiErr.Body); parsed != nil {
					return parsed
				}
			}
			if apiErr.StatusCode >= 500 {
				return fmt.Errorf("%w: HTTP %d", apperrors.ErrSystemOverload, apiErr.StatusCode)
			}
			return apiErr
		}
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	if a.parseError != nil {
		if parsed := a.parseError(http.StatusOK, body); parsed != nil {
			return parsed
		}
	}
	return nil
}

// DoWithRetry runs fn with the adapter's retry policy, retrying only
// transient failures with jittered exponential backoff. Terminal failures
// (insufficient funds, invalid symbol, rejected order) surface immediately.
func (a *Adapter) DoWithRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, a.RetryPolicy, apperrors.IsTransient, fn)
}
