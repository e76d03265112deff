// Package coinbase provides the Coinbase Advanced Trade venue
// implementation. Authentication is a per-request ES256 JWT bearer token;
// there is no nonce counter, replay is bounded by the token's two-minute
// expiry.
package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/venue/base"
	apperrors "autotrader/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultCoinbaseURL  = "https://api.coinbase.com"
	defaultCoinbaseHost = "api.coinbase.com"
)

// Venue implements core.IVenue for Coinbase Advanced Trade
type Venue struct {
	*base.Adapter
	host string
}

// New creates a new Coinbase venue instance. The venue secret key is the
// EC private key PEM issued with the API key.
func New(cfg *config.VenueConfig, timeout time.Duration, logger core.ILogger) *Venue {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCoinbaseURL
	}

	v := &Venue{host: hostOf(cfg.BaseURL)}
	v.Adapter = base.NewAdapter("coinbase", cfg, timeout, v.signRequest, logger)
	v.SetParseError(v.parseError)
	v.SetMapOrderStatus(v.mapOrderStatus)
	return v
}

func hostOf(baseURL string) string {
	host := strings.TrimPrefix(baseURL, "https://")
	host = strings.TrimPrefix(host, "http://")
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if host == "" {
		return defaultCoinbaseHost
	}
	return host
}

func (v *Venue) signRequest(req *http.Request, body []byte) error {
	uri := fmt.Sprintf("%s %s%s", req.Method, v.host, req.URL.Path)
	token, err := buildJWT(v.Config.APIKey.Reveal(), v.Config.SecretKey.Reveal(), uri)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrAuthenticationFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (v *Venue) parseError(statusCode int, body []byte) error {
	if statusCode == http.StatusOK {
		return nil
	}

	var errResp struct {
		Error        string `json:"error"`
		Message      string `json:"message"`
		ErrorDetails string `json:"error_details"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return nil
	}

	msg := errResp.Message
	if msg == "" {
		msg = errResp.ErrorDetails
	}

	switch errResp.Error {
	case "INSUFFICIENT_FUND", "INSUFFICIENT_FUNDS":
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, msg)
	case "INVALID_PRICE_PRECISION", "INVALID_SIZE_PRECISION", "INVALID_ORDER_CONFIG":
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, msg)
	case "UNKNOWN_ORDER_ID":
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, msg)
	case "PRODUCT_NOT_FOUND", "INVALID_PRODUCT_ID":
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, msg)
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, msg)
	}
	return nil
}

func (v *Venue) mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "OPEN", "PENDING", "QUEUED":
		return core.OrderStatusNew
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELLED", "EXPIRED":
		return core.OrderStatusCanceled
	case "FAILED":
		return core.OrderStatusRejected
	default:
		return core.OrderStatusUnspecified
	}
}

func (v *Venue) CheckHealth(ctx context.Context) error {
	_, err := v.Get(ctx, "/api/v3/brokerage/time", nil)
	return err
}

func (v *Venue) GetBalance(ctx context.Context) (core.Balance, error) {
	var balance core.Balance
	err := v.DoWithRetry(ctx, func() error {
		raw, err := v.Get(ctx, "/api/v3/brokerage/accounts", map[string]string{"limit": "250"})
		if err != nil {
			return err
		}

		var resp struct {
			Accounts []struct {
				Currency         string `json:"currency"`
				AvailableBalance struct {
					Value string `json:"value"`
				} `json:"available_balance"`
				Hold struct {
					Value string `json:"value"`
				} `json:"hold"`
			} `json:"accounts"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("accounts unmarshal: %w", err)
		}

		total := decimal.Zero
		available := decimal.Zero
		for _, a := range resp.Accounts {
			if a.Currency != "USD" && a.Currency != "USDC" {
				continue
			}
			avail, err := decimal.NewFromString(a.AvailableBalance.Value)
			if err != nil {
				continue
			}
			hold, _ := decimal.NewFromString(a.Hold.Value)
			total = total.Add(avail).Add(hold)
			available = available.Add(avail)
		}
		balance = core.Balance{Asset: "USD", Equity: total, Available: available}
		return nil
	})
	return balance, err
}

// GetPositions reports spot holdings as long positions; entry price is not
// tracked venue-side for spot, so it is left zero and reconciliation keys on
// quantity only.
func (v *Venue) GetPositions(ctx context.Context) ([]core.VenuePosition, error) {
	var positions []core.VenuePosition
	err := v.DoWithRetry(ctx, func() error {
		raw, err := v.Get(ctx, "/api/v3/brokerage/accounts", map[string]string{"limit": "250"})
		if err != nil {
			return err
		}

		var resp struct {
			Accounts []struct {
				Currency         string `json:"currency"`
				AvailableBalance struct {
					Value string `json:"value"`
				} `json:"available_balance"`
			} `json:"accounts"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("accounts unmarshal: %w", err)
		}

		positions = positions[:0]
		for _, a := range resp.Accounts {
			if a.Currency == "USD" || a.Currency == "USDC" {
				continue
			}
			qty, err := decimal.NewFromString(a.AvailableBalance.Value)
			if err != nil || qty.IsZero() {
				continue
			}
			positions = append(positions, core.VenuePosition{
				Symbol:   a.Currency + "-USD",
				Side:     core.OrderSideBuy,
				Quantity: qty,
			})
		}
		return nil
	})
	return positions, err
}

func (v *Venue) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	side := "BUY"
	if req.Side == core.OrderSideSell {
		side = "SELL"
	}

	var orderConfig map[string]interface{}
	if req.Type == core.OrderTypeLimit {
		orderConfig = map[string]interface{}{
			"limit_limit_gtc": map[string]string{
				"base_size":   req.Quantity.String(),
				"limit_price": req.Price.String(),
			},
		}
	} else {
		orderConfig = map[string]interface{}{
			"market_market_ioc": map[string]string{
				"base_size": req.Quantity.String(),
			},
		}
	}

	payload, err := json.Marshal(map[string]interface{}{
		"client_order_id":     clientID,
		"product_id":          req.Symbol,
		"side":                side,
		"order_configuration": orderConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	var order *core.Order
	err = v.DoWithRetry(ctx, func() error {
		raw, err := v.Post(ctx, "/api/v3/brokerage/orders", "application/json", payload)
		if err != nil {
			return err
		}

		var resp struct {
			Success bool `json:"success"`
			Order   struct {
				OrderID string `json:"order_id"`
			} `json:"success_response"`
			FailureReason string `json:"failure_reason"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("order response unmarshal: %w", err)
		}
		if !resp.Success {
			return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, resp.FailureReason)
		}

		order = &core.Order{
			ID:            resp.Order.OrderID,
			ClientOrderID: clientID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Price:         req.Price,
			Quantity:      req.Quantity,
			Status:        core.OrderStatusNew,
			CreatedAt:     time.Now(),
		}
		return nil
	})
	return order, err
}

func (v *Venue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"order_ids": []string{orderID},
	})
	if err != nil {
		return err
	}
	return v.DoWithRetry(ctx, func() error {
		_, err := v.Post(ctx, "/api/v3/brokerage/orders/batch_cancel", "application/json", payload)
		return err
	})
}

func (v *Venue) GetOrderStatus(ctx context.Context, symbol, orderID string) (*core.Order, error) {
	var order *core.Order
	err := v.DoWithRetry(ctx, func() error {
		raw, err := v.Get(ctx, "/api/v3/brokerage/orders/historical/"+orderID, nil)
		if err != nil {
			return err
		}

		var resp struct {
			Order struct {
				OrderID            string `json:"order_id"`
				ClientOrderID      string `json:"client_order_id"`
				ProductID          string `json:"product_id"`
				Side               string `json:"side"`
				Status             string `json:"status"`
				FilledSize         string `json:"filled_size"`
				AverageFilledPrice string `json:"average_filled_price"`
			} `json:"order"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("order unmarshal: %w", err)
		}
		if resp.Order.OrderID == "" {
			return apperrors.ErrOrderNotFound
		}

		side := core.OrderSideBuy
		if resp.Order.Side == "SELL" {
			side = core.OrderSideSell
		}
		filled, _ := decimal.NewFromString(resp.Order.FilledSize)
		avgPrice, _ := decimal.NewFromString(resp.Order.AverageFilledPrice)

		status := v.MapOrderStatus(resp.Order.Status)
		if status == core.OrderStatusNew && filled.IsPositive() {
			status = core.OrderStatusPartiallyFilled
		}

		order = &core.Order{
			ID:            resp.Order.OrderID,
			ClientOrderID: resp.Order.ClientOrderID,
			Symbol:        resp.Order.ProductID,
			Side:          side,
			FilledQty:     filled,
			AvgFillPrice:  avgPrice,
			Status:        status,
		}
		return nil
	})
	return order, err
}

func (v *Venue) GetSymbols(ctx context.Context) ([]string, error) {
	var symbols []string
	err := v.DoWithRetry(ctx, func() error {
		raw, err := v.Get(ctx, "/api/v3/brokerage/products",
			map[string]string{"product_type": "SPOT"})
		if err != nil {
			return err
		}

		var resp struct {
			Products []struct {
				ProductID      string `json:"product_id"`
				QuoteCurrency  string `json:"quote_currency_id"`
				TradingDisabled bool  `json:"trading_disabled"`
			} `json:"products"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("products unmarshal: %w", err)
		}

		symbols = symbols[:0]
		for _, p := range resp.Products {
			if p.TradingDisabled || p.QuoteCurrency != "USD" {
				continue
			}
			symbols = append(symbols, p.ProductID)
		}
		return nil
	})
	return symbols, err
}

func (v *Venue) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error) {
	if limit <= 0 {
		limit = 50
	}
	step := intervalDuration(interval)
	end := time.Now()
	start := end.Add(-time.Duration(limit) * step)

	var candles []core.Candle
	err := v.DoWithRetry(ctx, func() error {
		raw, err := v.Get(ctx, "/api/v3/brokerage/products/"+symbol+"/candles",
			map[string]string{
				"start":       strconv.FormatInt(start.Unix(), 10),
				"end":         strconv.FormatInt(end.Unix(), 10),
				"granularity": granularity(interval),
			})
		if err != nil {
			return err
		}

		var resp struct {
			Candles []struct {
				Start  string `json:"start"`
				Open   string `json:"open"`
				High   string `json:"high"`
				Low    string `json:"low"`
				Close  string `json:"close"`
				Volume string `json:"volume"`
			} `json:"candles"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("candles unmarshal: %w", err)
		}

		candles = candles[:0]
		// Coinbase returns newest first; flip to chronological
		for i := len(resp.Candles) - 1; i >= 0; i-- {
			c := resp.Candles[i]
			ts, err := strconv.ParseInt(c.Start, 10, 64)
			if err != nil {
				continue
			}
			open, _ := decimal.NewFromString(c.Open)
			high, _ := decimal.NewFromString(c.High)
			low, _ := decimal.NewFromString(c.Low)
			closePx, _ := decimal.NewFromString(c.Close)
			volume, _ := decimal.NewFromString(c.Volume)

			candles = append(candles, core.Candle{
				Symbol:   symbol,
				OpenTime: time.Unix(ts, 0),
				Open:     open,
				High:     high,
				Low:      low,
				Close:    closePx,
				Volume:   volume,
			})
		}
		return nil
	})
	return candles, err
}

func granularity(interval string) string {
	switch interval {
	case "1m":
		return "ONE_MINUTE"
	case "5m":
		return "FIVE_MINUTE"
	case "15m":
		return "FIFTEEN_MINUTE"
	case "1h":
		return "ONE_HOUR"
	case "4h":
		return "FOUR_HOUR"
	case "1d":
		return "ONE_DAY"
	default:
		return "FIVE_MINUTE"
	}
}

func intervalDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return 5 * time.Minute
	}
}
