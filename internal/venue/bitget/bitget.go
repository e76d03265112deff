// Package bitget provides the Bitget venue implementation. Authentication
// is HMAC-SHA256 over timestamp+method+path+body; no nonce counter is
// involved, the venue bounds replay via a timestamp recv window.
package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/venue/base"
	apperrors "autotrader/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultBitgetURL   = "https://api.bitget.com"
	defaultProductType = "USDT-FUTURES"
	defaultMarginCoin  = "USDT"
)

// Venue implements core.IVenue for Bitget
type Venue struct {
	*base.Adapter
	productType string
	marginCoin  string
}

// New creates a new Bitget venue instance
func New(cfg *config.VenueConfig, timeout time.Duration, logger core.ILogger) *Venue {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBitgetURL
	}

	v := &Venue{
		productType: defaultProductType,
		marginCoin:  defaultMarginCoin,
	}
	v.Adapter = base.NewAdapter("bitget", cfg, timeout, v.signRequest, logger)
	v.SetParseError(v.parseError)
	v.SetMapOrderStatus(v.mapOrderStatus)
	return v
}

// signRequest adds authentication headers to the request
func (v *Venue) signRequest(req *http.Request, body []byte) error {
	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())
	method := req.Method
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	payload := timestamp + method + path + string(body)

	mac := hmac.New(sha256.New, []byte(v.Config.SecretKey))
	mac.Write([]byte(payload))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("ACCESS-KEY", v.Config.APIKey.Reveal())
	req.Header.Set("ACCESS-SIGN", signature)
	req.Header.Set("ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("ACCESS-PASSPHRASE", v.Config.Passphrase.Reveal())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("locale", "en-US")
	return nil
}

func (v *Venue) parseError(statusCode int, body []byte) error {
	var errResp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		if statusCode != http.StatusOK {
			return fmt.Errorf("bitget error (unmarshal failed): %s", string(body))
		}
		return nil
	}

	// Map Bitget error codes (strings)
	switch errResp.Code {
	case "", "00000":
		return nil
	case "40019", "45110": // 45110: less than min amount
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, errResp.Msg)
	case "40014", "40012": // bad access key / API key expired
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, errResp.Msg)
	case "43009": // insufficient balance
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, errResp.Msg)
	case "40029": // order not found
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, errResp.Msg)
	case "40009": // system error
		return fmt.Errorf("%w: %s", apperrors.ErrSystemOverload, errResp.Msg)
	case "40003": // request too frequent
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, errResp.Msg)
	case "40034": // symbol does not exist
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, errResp.Msg)
	}
	return fmt.Errorf("bitget error: %s (%s)", errResp.Msg, errResp.Code)
}

func (v *Venue) mapOrderStatus(rawStatus string) core.OrderStatus {
	switch rawStatus {
	case "new", "live":
		return core.OrderStatusNew
	case "filled":
		return core.OrderStatusFilled
	case "cancelled", "canceled":
		return core.OrderStatusCanceled
	case "partial-fill", "partially_filled":
		return core.OrderStatusPartiallyFilled
	default:
		return core.OrderStatusUnspecified
	}
}

type bitgetResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (v *Venue) request(ctx context.Context, method, path string, params map[string]string, payload interface{}) (json.RawMessage, error) {
	var data json.RawMessage
	err := v.DoWithRetry(ctx, func() error {
		var raw []byte
		var err error
		switch method {
		case http.MethodGet:
			raw, err = v.Get(ctx, path, params)
		case http.MethodPost:
			var body []byte
			if payload != nil {
				body, err = json.Marshal(payload)
				if err != nil {
					return fmt.Errorf("marshal payload: %w", err)
				}
			}
			raw, err = v.Post(ctx, path, "application/json", body)
		default:
			return fmt.Errorf("unsupported method %s", method)
		}
		if err != nil {
			return err
		}

		var resp bitgetResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("bitget response unmarshal: %w", err)
		}
		data = resp.Data
		return nil
	})
	return data, err
}

func (v *Venue) CheckHealth(ctx context.Context) error {
	_, err := v.Get(ctx, "/api/v2/public/time", nil)
	return err
}

func (v *Venue) GetBalance(ctx context.Context) (core.Balance, error) {
	data, err := v.request(ctx, http.MethodGet, "/api/v2/mix/account/accounts",
		map[string]string{"productType": v.productType}, nil)
	if err != nil {
		return core.Balance{}, err
	}

	var accounts []struct {
		MarginCoin string `json:"marginCoin"`
		Equity     string `json:"accountEquity"`
		Available  string `json:"available"`
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return core.Balance{}, fmt.Errorf("accounts unmarshal: %w", err)
	}

	for _, a := range accounts {
		if a.MarginCoin != v.marginCoin {
			continue
		}
		equity, err := decimal.NewFromString(a.Equity)
		if err != nil {
			return core.Balance{}, fmt.Errorf("parse equity: %w", err)
		}
		available, _ := decimal.NewFromString(a.Available)
		return core.Balance{Asset: a.MarginCoin, Equity: equity, Available: available}, nil
	}
	return core.Balance{Asset: v.marginCoin}, nil
}

func (v *Venue) GetPositions(ctx context.Context) ([]core.VenuePosition, error) {
	data, err := v.request(ctx, http.MethodGet, "/api/v2/mix/position/all-position",
		map[string]string{"productType": v.productType, "marginCoin": v.marginCoin}, nil)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Symbol       string `json:"symbol"`
		HoldSide     string `json:"holdSide"`
		Total        string `json:"total"`
		OpenPriceAvg string `json:"openPriceAvg"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("positions unmarshal: %w", err)
	}

	positions := make([]core.VenuePosition, 0, len(raw))
	for _, p := range raw {
		side := core.OrderSideBuy
		if p.HoldSide == "short" {
			side = core.OrderSideSell
		}
		qty, err := decimal.NewFromString(p.Total)
		if err != nil || qty.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(p.OpenPriceAvg)
		positions = append(positions, core.VenuePosition{
			Symbol:     p.Symbol,
			Side:       side,
			Quantity:   qty,
			EntryPrice: entry,
		})
	}
	return positions, nil
}

func (v *Venue) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	side := "buy"
	if req.Side == core.OrderSideSell {
		side = "sell"
	}
	orderType := "market"
	if req.Type == core.OrderTypeLimit {
		orderType = "limit"
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	payload := map[string]interface{}{
		"symbol":      req.Symbol,
		"productType": v.productType,
		"marginCoin":  v.marginCoin,
		"marginMode":  "crossed",
		"size":        req.Quantity.String(),
		"side":        side,
		"orderType":   orderType,
		"clientOid":   clientID,
	}
	if req.Type == core.OrderTypeLimit {
		payload["price"] = req.Price.String()
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = "YES"
	}

	data, err := v.request(ctx, http.MethodPost, "/api/v2/mix/order/place-order", nil, payload)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("place order unmarshal: %w", err)
	}

	return &core.Order{
		ID:            resp.OrderID,
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
	payload := map[string]interface{}{
		"symbol":      symbol,
		"productType": v.productType,
		"orderId":     orderID,
	}
	_, err := v.request(ctx, http.MethodPost, "/api/v2/mix/order/cancel-order", nil, payload)
	return err
}

func (v *Venue) GetOrderStatus(ctx context.Context, symbol, orderID string) (*core.Order, error) {
	data, err := v.request(ctx, http.MethodGet, "/api/v2/mix/order/detail",
		map[string]string{"symbol": symbol, "productType": v.productType, "orderId": orderID}, nil)
	if err != nil {
		return nil, err
	}

	var o struct {
		OrderID    string `json:"orderId"`
		ClientOid  string `json:"clientOid"`
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		OrderType  string `json:"orderType"`
		Size       string `json:"size"`
		FilledQty  string `json:"baseVolume"`
		PriceAvg   string `json:"priceAvg"`
		Price      string `json:"price"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("order detail unmarshal: %w", err)
	}
	if o.OrderID == "" {
		return nil, apperrors.ErrOrderNotFound
	}

	side := core.OrderSideBuy
	if o.Side == "sell" {
		side = core.OrderSideSell
	}
	orderType := core.OrderTypeMarket
	if o.OrderType == "limit" {
		orderType = core.OrderTypeLimit
	}

	qty, _ := decimal.NewFromString(o.Size)
	filled, _ := decimal.NewFromString(o.FilledQty)
	price, _ := decimal.NewFromString(o.Price)
	avgPrice, _ := decimal.NewFromString(o.PriceAvg)

	return &core.Order{
		ID:            o.OrderID,
		ClientOrderID: o.ClientOid,
		Symbol:        o.Symbol,
		Side:          side,
		Type:          orderType,
		Price:         price,
		Quantity:      qty,
		FilledQty:     filled,
		AvgFillPrice:  avgPrice,
		Status:        v.MapOrderStatus(o.Status),
	}, nil
}

func (v *Venue) GetSymbols(ctx context.Context) ([]string, error) {
	data, err := v.request(ctx, http.MethodGet, "/api/v2/mix/market/contracts",
		map[string]string{"productType": v.productType}, nil)
	if err != nil {
		return nil, err
	}

	var contracts []struct {
		Symbol       string `json:"symbol"`
		SymbolStatus string `json:"symbolStatus"`
	}
	if err := json.Unmarshal(data, &contracts); err != nil {
		return nil, fmt.Errorf("contracts unmarshal: %w", err)
	}

	symbols := make([]string, 0, len(contracts))
	for _, c := range contracts {
		if c.SymbolStatus != "" && c.SymbolStatus != "normal" {
			continue
		}
		symbols = append(symbols, c.Symbol)
	}
	return symbols, nil
}

func (v *Venue) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error) {
	params := map[string]string{
		"symbol":      symbol,
		"productType": v.productType,
		"granularity": granularity(interval),
	}
	if limit > 0 {
		params["limit"] = fmt.Sprintf("%d", limit)
	}

	data, err := v.request(ctx, http.MethodGet, "/api/v2/mix/market/candles", params, nil)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("candles unmarshal: %w", err)
	}

	candles := make([]core.Candle, 0, len(rows))
	for _, row := range rows {
		// [ts, open, high, low, close, baseVolume, quoteVolume]
		if len(row) < 6 {
			continue
		}
		tsMillis, err := decimal.NewFromString(row[0])
		if err != nil {
			continue
		}
		open, _ := decimal.NewFromString(row[1])
		high, _ := decimal.NewFromString(row[2])
		low, _ := decimal.NewFromString(row[3])
		closePx, _ := decimal.NewFromString(row[4])
		volume, _ := decimal.NewFromString(row[5])

		candles = append(candles, core.Candle{
			Symbol:   symbol,
			OpenTime: time.UnixMilli(tsMillis.IntPart()),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePx,
			Volume:   volume,
		})
	}
	return candles, nil
}

func granularity(interval string) string {
	switch interval {
	case "1m":
		return "1m"
	case "5m":
		return "5m"
	case "15m":
		return "15m"
	case "1h":
		return "1H"
	case "4h":
		return "4H"
	case "1d":
		return "1D"
	default:
		return "5m"
	}
}
