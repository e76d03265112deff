// Package krakenx provides the Kraken venue implementation. Kraken is the
// nonce-disciplined venue: every private call carries a strictly increasing
// per-credential nonce drawn from a durable counter, and private requests
// are serialized so no two in-flight calls share the credential.
package krakenx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/nonce"
	"autotrader/internal/venue/base"
	apperrors "autotrader/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const defaultKrakenURL = "https://api.kraken.com"

// Venue implements core.IVenue for Kraken
type Venue struct {
	*base.Adapter
	nonces *nonce.Counter

	// Serializes private calls so nonces reach the wire in the order they
	// were reserved. The nonce counter's own lock stays narrow.
	privateMu sync.Mutex
}

// New creates a new Kraken venue instance
func New(cfg *config.VenueConfig, counter *nonce.Counter, timeout time.Duration, logger core.ILogger) *Venue {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultKrakenURL
	}

	v := &Venue{nonces: counter}
	v.Adapter = base.NewAdapter("kraken", cfg, timeout, v.signRequest, logger)
	v.SetParseError(v.parseError)
	v.SetMapOrderStatus(v.mapOrderStatus)
	return v
}

// signRequest implements Kraken's HMAC-SHA512 scheme:
// sign = HMAC-SHA512(path + SHA256(nonce + body), base64decode(secret))
func (v *Venue) signRequest(req *http.Request, body []byte) error {
	if req.Method != http.MethodPost {
		return nil // public endpoint
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return fmt.Errorf("parse signing body: %w", err)
	}
	nonceVal := form.Get("nonce")
	if nonceVal == "" {
		return fmt.Errorf("private request without nonce")
	}

	secret, err := base64.StdEncoding.DecodeString(v.Config.SecretKey.Reveal())
	if err != nil {
		return fmt.Errorf("%w: secret is not base64", apperrors.ErrAuthenticationFailed)
	}

	sha := sha256.Sum256([]byte(nonceVal + string(body)))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(req.URL.Path))
	mac.Write(sha[:])

	req.Header.Set("API-Key", v.Config.APIKey.Reveal())
	req.Header.Set("API-Sign", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return nil
}

type krakenResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (v *Venue) parseError(statusCode int, body []byte) error {
	var resp krakenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		if statusCode != http.StatusOK {
			return fmt.Errorf("kraken error (unmarshal failed): HTTP %d", statusCode)
		}
		return nil
	}
	if len(resp.Error) == 0 {
		return nil
	}

	msg := resp.Error[0]
	switch {
	case strings.Contains(msg, "Invalid nonce"):
		return fmt.Errorf("%w: %s", apperrors.ErrNonceRejected, msg)
	case strings.Contains(msg, "Rate limit"), strings.Contains(msg, "Too many requests"):
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, msg)
	case strings.Contains(msg, "Insufficient funds"), strings.Contains(msg, "Insufficient margin"):
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, msg)
	case strings.Contains(msg, "Unknown asset pair"), strings.Contains(msg, "Unknown asset"):
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, msg)
	case strings.Contains(msg, "Invalid key"), strings.Contains(msg, "Invalid signature"), strings.Contains(msg, "Permission denied"):
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, msg)
	case strings.Contains(msg, "Unknown order"):
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, msg)
	case strings.Contains(msg, "Unavailable"), strings.Contains(msg, "Busy"), strings.Contains(msg, "Internal error"):
		return fmt.Errorf("%w: %s", apperrors.ErrSystemOverload, msg)
	case strings.Contains(msg, "Order minimum not met"), strings.Contains(msg, "Invalid arguments"):
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, msg)
	}
	return fmt.Errorf("kraken error: %s", msg)
}

func (v *Venue) mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "pending", "open":
		return core.OrderStatusNew
	case "closed":
		return core.OrderStatusFilled
	case "canceled", "expired":
		return core.OrderStatusCanceled
	default:
		return core.OrderStatusUnspecified
	}
}

// private performs one private call. Every attempt draws a fresh nonce: a
// burned nonce cannot be resent, so the retry wraps the whole signed
// request, not just the network hop.
func (v *Venue) private(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	var result json.RawMessage
	err := v.DoWithRetry(ctx, func() error {
		v.privateMu.Lock()
		raw, err := v.sendPrivate(ctx, path, params)
		v.privateMu.Unlock()
		if err != nil {
			return err
		}

		var resp krakenResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("kraken response unmarshal: %w", err)
		}
		result = resp.Result
		return nil
	})
	return result, err
}

// sendPrivate reserves a nonce and sends one signed request. The caller
// holds privateMu across both steps: a nonce reserved under the lock is
// also sent under it, so nonces reach the wire in reservation order even
// when the venue client is shared across goroutines.
func (v *Venue) sendPrivate(ctx context.Context, path string, params url.Values) ([]byte, error) {
	n, err := v.nonces.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("draw nonce: %w", err)
	}

	form := url.Values{}
	for k, vals := range params {
		for _, val := range vals {
			form.Add(k, val)
		}
	}
	form.Set("nonce", strconv.FormatUint(n, 10))
	return v.Post(ctx, path, "application/x-www-form-urlencoded", []byte(form.Encode()))
}

func (v *Venue) public(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	var result json.RawMessage
	err := v.DoWithRetry(ctx, func() error {
		raw, err := v.Get(ctx, path, params)
		if err != nil {
			return err
		}
		var resp krakenResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("kraken response unmarshal: %w", err)
		}
		result = resp.Result
		return nil
	})
	return result, err
}

func (v *Venue) CheckHealth(ctx context.Context) error {
	_, err := v.Get(ctx, "/0/public/SystemStatus", nil)
	return err
}

func (v *Venue) GetBalance(ctx context.Context) (core.Balance, error) {
	result, err := v.private(ctx, "/0/private/Balance", url.Values{})
	if err != nil {
		return core.Balance{}, err
	}

	var balances map[string]string
	if err := json.Unmarshal(result, &balances); err != nil {
		return core.Balance{}, fmt.Errorf("balance unmarshal: %w", err)
	}

	// Quote-currency equity; margin venues report collateral under ZUSD/USD
	total := decimal.Zero
	for asset, amt := range balances {
		if asset != "ZUSD" && asset != "USD" && asset != "USDT" {
			continue
		}
		d, err := decimal.NewFromString(amt)
		if err != nil {
			continue
		}
		total = total.Add(d)
	}

	return core.Balance{Asset: "USD", Equity: total, Available: total}, nil
}

func (v *Venue) GetPositions(ctx context.Context) ([]core.VenuePosition, error) {
	result, err := v.private(ctx, "/0/private/OpenPositions", url.Values{})
	if err != nil {
		return nil, err
	}

	var raw map[string]struct {
		Pair  string `json:"pair"`
		Type  string `json:"type"`
		Vol   string `json:"vol"`
		Cost  string `json:"cost"`
		Price string `json:"price"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("positions unmarshal: %w", err)
	}

	positions := make([]core.VenuePosition, 0, len(raw))
	for _, p := range raw {
		side := core.OrderSideBuy
		if p.Type == "sell" {
			side = core.OrderSideSell
		}
		qty, err := decimal.NewFromString(p.Vol)
		if err != nil {
			continue
		}
		entry, _ := decimal.NewFromString(p.Price)
		positions = append(positions, core.VenuePosition{
			Symbol:     p.Pair,
			Side:       side,
			Quantity:   qty,
			EntryPrice: entry,
		})
	}
	return positions, nil
}

func (v *Venue) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	params := url.Values{}
	params.Set("pair", req.Symbol)
	params.Set("volume", req.Quantity.String())

	if req.Side == core.OrderSideSell {
		params.Set("type", "sell")
	} else {
		params.Set("type", "buy")
	}

	if req.Type == core.OrderTypeLimit {
		params.Set("ordertype", "limit")
		params.Set("price", req.Price.String())
	} else {
		params.Set("ordertype", "market")
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	params.Set("cl_ord_id", clientID)

	if req.ReduceOnly {
		params.Set("reduce_only", "true")
	}

	result, err := v.private(ctx, "/0/private/AddOrder", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		TxID []string `json:"txid"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("add order unmarshal: %w", err)
	}
	if len(resp.TxID) == 0 {
		return nil, fmt.Errorf("%w: no txid returned", apperrors.ErrOrderRejected)
	}

	return &core.Order{
		ID:            resp.TxID[0],
		ClientOrderID: clientID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Status:        core.OrderStatusNew,
		CreatedAt:     time.Now(),
	}, nil
}

func (v *Venue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("txid", orderID)
	_, err := v.private(ctx, "/0/private/CancelOrder", params)
	return err
}

func (v *Venue) GetOrderStatus(ctx context.Context, symbol, orderID string) (*core.Order, error) {
	params := url.Values{}
	params.Set("txid", orderID)

	result, err := v.private(ctx, "/0/private/QueryOrders", params)
	if err != nil {
		return nil, err
	}

	var raw map[string]struct {
		Status  string `json:"status"`
		Vol     string `json:"vol"`
		VolExec string `json:"vol_exec"`
		Price   string `json:"price"`
		Descr   struct {
			Pair      string `json:"pair"`
			Type      string `json:"type"`
			OrderType string `json:"ordertype"`
			Price     string `json:"price"`
		} `json:"descr"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("query orders unmarshal: %w", err)
	}

	o, ok := raw[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}

	qty, _ := decimal.NewFromString(o.Vol)
	filled, _ := decimal.NewFromString(o.VolExec)
	avgPrice, _ := decimal.NewFromString(o.Price)

	side := core.OrderSideBuy
	if o.Descr.Type == "sell" {
		side = core.OrderSideSell
	}
	orderType := core.OrderTypeMarket
	if o.Descr.OrderType == "limit" {
		orderType = core.OrderTypeLimit
	}

	status := v.MapOrderStatus(o.Status)
	if status == core.OrderStatusNew && filled.IsPositive() {
		status = core.OrderStatusPartiallyFilled
	}

	return &core.Order{
		ID:           orderID,
		Symbol:       o.Descr.Pair,
		Side:         side,
		Type:         orderType,
		Quantity:     qty,
		FilledQty:    filled,
		AvgFillPrice: avgPrice,
		Status:       status,
	}, nil
}

func (v *Venue) GetSymbols(ctx context.Context) ([]string, error) {
	result, err := v.public(ctx, "/0/public/AssetPairs", nil)
	if err != nil {
		return nil, err
	}

	var pairs map[string]struct {
		WSName string `json:"wsname"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result, &pairs); err != nil {
		return nil, fmt.Errorf("asset pairs unmarshal: %w", err)
	}

	symbols := make([]string, 0, len(pairs))
	for name, p := range pairs {
		if p.Status != "" && p.Status != "online" {
			continue
		}
		symbols = append(symbols, name)
	}
	return symbols, nil
}

func (v *Venue) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error) {
	params := map[string]string{
		"pair":     symbol,
		"interval": intervalMinutes(interval),
	}

	result, err := v.public(ctx, "/0/public/OHLC", params)
	if err != nil {
		return nil, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("ohlc unmarshal: %w", err)
	}

	// Rows mix types: the timestamp is a JSON number, prices and volume
	// come back as strings.
	var rows [][]json.RawMessage
	for key, raw := range payload {
		if key == "last" {
			continue
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("ohlc rows unmarshal: %w", err)
		}
		break
	}

	candles := make([]core.Candle, 0, len(rows))
	for _, row := range rows {
		// [time, open, high, low, close, vwap, volume, count]
		if len(row) < 7 {
			continue
		}
		ts, err := strconv.ParseInt(string(row[0]), 10, 64)
		if err != nil {
			continue
		}
		open, _ := decimal.NewFromString(unquote(row[1]))
		high, _ := decimal.NewFromString(unquote(row[2]))
		low, _ := decimal.NewFromString(unquote(row[3]))
		closePx, _ := decimal.NewFromString(unquote(row[4]))
		volume, _ := decimal.NewFromString(unquote(row[6]))

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

	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

func unquote(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return string(raw)
	}
	return s
}

// intervalMinutes converts "1m"/"5m"/"1h" style intervals to Kraken's
// minute counts
func intervalMinutes(interval string) string {
	switch interval {
	case "1m":
		return "1"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "1h":
		return "60"
	case "4h":
		return "240"
	case "1d":
		return "1440"
	default:
		return "5"
	}
}
