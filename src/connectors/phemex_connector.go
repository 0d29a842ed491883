// REST ADAPTER FOR PHEMEX USDT-M FUTURES (LINEAR CONTRACTS)
package connectors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"
)

const (
	phemexCodeOK            = 0
	phemexCodeOrderNotFound = 10002
	phemexCodeRequestExpiry = 10500
)

// phemexResponse is the common API envelope.
type phemexResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// phemexSign builds the request signature: HMAC-SHA256 over
// path + query + expiry + body, hex encoded.
func phemexSign(path, query, body string, expiry int64, secret string) string {
	base := path
	if query != "" {
		base += query
	}
	base += fmt.Sprintf("%d", expiry)
	if body != "" {
		base += body
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

// PhemexAdapter implements Adapter for Phemex USDT-margined perpetuals.
// Quantity and P&L are quoted directly in USDT (linear convention).
type PhemexAdapter struct {
	pipeline     *Pipeline
	cache        *TieredCache
	takerFeeRate float64
}

func NewPhemexAdapter(cfg Config, clock Clock) *PhemexAdapter {
	if clock == nil {
		clock = SystemClock()
	}

	a := &PhemexAdapter{
		cache:        NewTieredCache(cfg.cacheTTLs(), clock),
		takerFeeRate: cfg.TakerFeeRate,
	}

	apiKey := cfg.APIKey
	apiSecret := cfg.APISecret

	sign := func(req *resty.Request, method, path, query string, body []byte, serverTime time.Time) {
		expiry := serverTime.Add(time.Minute).Unix()
		sig := phemexSign(path, query, string(body), expiry, apiSecret)
		req.SetHeader("x-phemex-access-token", apiKey).
			SetHeader("x-phemex-request-expiry", fmt.Sprintf("%d", expiry)).
			SetHeader("x-phemex-request-signature", sig)
	}

	a.pipeline = NewPipeline(PipelineParams{
		Name:           "phemex",
		BaseURL:        cfg.PhemexBaseURL,
		Sign:           sign,
		Classify:       phemexClassify(clock),
		ServerTimePath: "/public/time",
		ParseServerTime: func(body []byte) (time.Time, error) {
			var resp struct {
				Code int `json:"code"`
				Data struct {
					ServerTime int64 `json:"serverTime"`
				} `json:"data"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return time.Time{}, fmt.Errorf("unmarshal server time: %w", err)
			}
			return time.UnixMilli(resp.Data.ServerTime), nil
		},
		Config: cfg.pipelineConfig(),
		Clock:  clock,
	})

	return a
}

func phemexClassify(clock Clock) ClassifyFunc {
	return func(status int, header http.Header, body []byte) *RequestError {
		switch {
		case status == 401 || status == 403:
			return &RequestError{Kind: KindAuth, StatusCode: status, Msg: strings.TrimSpace(string(body))}
		case status == 429:
			if until, ok := parseBanUntil(string(body)); ok {
				return &RequestError{Kind: KindBanned, StatusCode: status, BanUntil: until}
			}
			if ra := header.Get("Retry-After"); ra != "" {
				return &RequestError{Kind: KindBanned, StatusCode: status, BanUntil: clock.Now().Add(time.Duration(parseFloat(ra)) * time.Second)}
			}
			return &RequestError{Kind: KindRateLimited, StatusCode: status}
		case status == 408 || status >= 500:
			return &RequestError{Kind: KindTransient, StatusCode: status}
		case status < 200 || status > 299:
			return &RequestError{Kind: KindExchange, StatusCode: status, Msg: strings.TrimSpace(string(body))}
		}

		var resp phemexResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return &RequestError{Kind: KindMalformed, StatusCode: status, Err: err}
		}
		switch resp.Code {
		case phemexCodeOK:
			return nil
		case phemexCodeRequestExpiry:
			return &RequestError{Kind: KindTimestampSkew, Code: resp.Code, Msg: resp.Msg}
		default:
			if until, ok := parseBanUntil(resp.Msg); ok {
				return &RequestError{Kind: KindBanned, Code: resp.Code, Msg: resp.Msg, BanUntil: until}
			}
			return &RequestError{Kind: KindExchange, Code: resp.Code, Msg: resp.Msg}
		}
	}
}

func (a *PhemexAdapter) Name() string { return "phemex" }

// Cache exposes the adapter's tiered cache for the ticker stream warmer.
func (a *PhemexAdapter) Cache() *TieredCache { return a.cache }

// NormalizeSymbol maps BTCUSDT-style internal symbols onto Phemex contract
// ids, which use the same spelling for USDT-M perpetuals.
func (a *PhemexAdapter) NormalizeSymbol(local string) string {
	return strings.ToUpper(strings.TrimSpace(local))
}

func (a *PhemexAdapter) ToLocalSymbol(exchangeSymbol string) string {
	return strings.ToUpper(strings.TrimSpace(exchangeSymbol))
}

func (a *PhemexAdapter) get(ctx context.Context, path string, params url.Values, private bool, out interface{}) error {
	body, err := a.pipeline.Execute(ctx, http.MethodGet, path, params, nil, private)
	if err != nil {
		return err
	}
	var resp phemexResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return &RequestError{Kind: KindMalformed, Err: err}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return &RequestError{Kind: KindMalformed, Err: fmt.Errorf("unmarshal %s data: %w", path, err)}
	}
	return nil
}

func (a *PhemexAdapter) mutate(ctx context.Context, method, path string, params url.Values, payload interface{}, out interface{}) error {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
		body = b
	}
	raw, err := a.pipeline.ExecuteOnce(ctx, method, path, params, body)
	if err != nil {
		return err
	}

	// Every successful private mutation invalidates the snapshot tiers.
	a.cache.Invalidate(CachePositions, CacheAccount)

	if out == nil {
		return nil
	}
	var resp phemexResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return &RequestError{Kind: KindMalformed, Err: err}
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return &RequestError{Kind: KindMalformed, Err: fmt.Errorf("unmarshal %s data: %w", path, err)}
	}
	return nil
}

type phemexTicker struct {
	Symbol string `json:"symbol"`
	LastRp string `json:"lastRp"`
	BidRp  string `json:"bidRp"`
	AskRp  string `json:"askRp"`
	TsNs   int64  `json:"timestamp"`
}

func (a *PhemexAdapter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	exSymbol := a.NormalizeSymbol(symbol)
	return fetchCached(a.cache, CacheTicker, exSymbol, func() (*Ticker, error) {
		params := url.Values{"symbol": {exSymbol}}
		var tk phemexTicker
		if err := a.get(ctx, "/md/v3/ticker/24hr", params, false, &tk); err != nil {
			return nil, err
		}
		last, err := parsePrice("lastRp", tk.LastRp)
		if err != nil {
			return nil, err
		}
		return &Ticker{
			Symbol: symbol,
			Last:   last,
			Bid:    parseFloat(tk.BidRp),
			Ask:    parseFloat(tk.AskRp),
			At:     time.Unix(0, tk.TsNs),
		}, nil
	})
}

type phemexKlineRow struct {
	Timestamp int64  `json:"timestamp"`
	OpenRp    string `json:"openRp"`
	HighRp    string `json:"highRp"`
	LowRp     string `json:"lowRp"`
	CloseRp   string `json:"closeRp"`
	VolumeRq  string `json:"volumeRq"`
}

func (a *PhemexAdapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	exSymbol := a.NormalizeSymbol(symbol)
	key := fmt.Sprintf("%s:%s:%d", exSymbol, interval, limit)
	return fetchCached(a.cache, CacheCandles, key, func() ([]Candle, error) {
		params := url.Values{
			"symbol":     {exSymbol},
			"resolution": {interval},
			"limit":      {fmt.Sprintf("%d", limit)},
		}
		var data struct {
			Rows []phemexKlineRow `json:"rows"`
		}
		if err := a.get(ctx, "/exchange/public/md/v2/kline", params, false, &data); err != nil {
			return nil, err
		}
		candles := make([]Candle, 0, len(data.Rows))
		for _, row := range data.Rows {
			candles = append(candles, Candle{
				OpenTime: time.Unix(row.Timestamp, 0),
				Open:     parseFloat(row.OpenRp),
				High:     parseFloat(row.HighRp),
				Low:      parseFloat(row.LowRp),
				Close:    parseFloat(row.CloseRp),
				Volume:   parseFloat(row.VolumeRq),
			})
		}
		return candles, nil
	})
}

type phemexAccountPositions struct {
	Account struct {
		Currency         string `json:"currency"`
		AccountBalanceRv string `json:"accountBalanceRv"`
		TotalUsedRv      string `json:"totalUsedBalanceRv"`
	} `json:"account"`
	Positions []struct {
		Symbol          string `json:"symbol"`
		PosSide         string `json:"posSide"`
		SizeRq          string `json:"sizeRq"`
		AvgEntryPriceRp string `json:"avgEntryPriceRp"`
		MarkPriceRp     string `json:"markPriceRp"`
		LeverageRr      string `json:"leverageRr"`
	} `json:"positions"`
}

func (a *PhemexAdapter) fetchAccountPositions(ctx context.Context) (*phemexAccountPositions, error) {
	params := url.Values{"currency": {"USDT"}}
	var data phemexAccountPositions
	if err := a.get(ctx, "/g-accounts/positions", params, true, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

func (a *PhemexAdapter) GetAccount(ctx context.Context) (*Account, error) {
	return fetchCached(a.cache, CacheAccount, "USDT", func() (*Account, error) {
		data, err := a.fetchAccountPositions(ctx)
		if err != nil {
			return nil, err
		}
		balance := parseFloat(data.Account.AccountBalanceRv)
		used := parseFloat(data.Account.TotalUsedRv)
		return &Account{
			Currency:  data.Account.Currency,
			Equity:    balance,
			Available: balance - used,
		}, nil
	})
}

func (a *PhemexAdapter) GetPositions(ctx context.Context) ([]PositionInfo, error) {
	return fetchCached(a.cache, CachePositions, "all", func() ([]PositionInfo, error) {
		data, err := a.fetchAccountPositions(ctx)
		if err != nil {
			return nil, err
		}
		positions := make([]PositionInfo, 0, len(data.Positions))
		for _, p := range data.Positions {
			size := parseFloat(p.SizeRq)
			if size == 0 {
				continue
			}
			positions = append(positions, PositionInfo{
				Symbol:     a.ToLocalSymbol(p.Symbol),
				Side:       strings.ToLower(p.PosSide),
				Size:       size,
				EntryPrice: parseFloat(p.AvgEntryPriceRp),
				MarkPrice:  parseFloat(p.MarkPriceRp),
				Leverage:   int(parseFloat(p.LeverageRr)),
			})
		}
		return positions, nil
	})
}

type phemexOrderRow struct {
	OrderID    string `json:"orderID"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	PosSide    string `json:"posSide"`
	OrdType    string `json:"ordType"`
	StopPxRp   string `json:"stopPxRp"`
	OrderQtyRq string `json:"orderQtyRq"`
}

func (a *PhemexAdapter) GetOpenStopOrders(ctx context.Context) ([]StopOrder, error) {
	var data struct {
		Rows []phemexOrderRow `json:"rows"`
	}
	params := url.Values{"ordType": {"Stop,MarketIfTouched"}}
	if err := a.get(ctx, "/g-orders/activeList", params, true, &data); err != nil {
		return nil, err
	}

	orders := make([]StopOrder, 0, len(data.Rows))
	for _, row := range data.Rows {
		kind := ""
		switch row.OrdType {
		case "Stop", "StopLimit":
			kind = "stop_loss"
		case "MarketIfTouched", "LimitIfTouched":
			kind = "take_profit"
		default:
			continue
		}
		orders = append(orders, StopOrder{
			OrderID:      row.OrderID,
			Symbol:       a.ToLocalSymbol(row.Symbol),
			Side:         strings.ToLower(row.PosSide),
			Kind:         kind,
			TriggerPrice: parseFloat(row.StopPxRp),
			Quantity:     parseFloat(row.OrderQtyRq),
		})
	}
	return orders, nil
}

type phemexFillRow struct {
	ExecID         string `json:"execID"`
	OrderID        string `json:"orderID"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	ExecPriceRp    string `json:"execPriceRp"`
	ExecQtyRq      string `json:"execQtyRq"`
	ExecFeeRv      string `json:"execFeeRv"`
	TransactTimeNs int64  `json:"transactTimeNs"`
}

// GetTrades returns fills since the given time, normalized into the
// canonical TradeFill shape at this boundary.
func (a *PhemexAdapter) GetTrades(ctx context.Context, symbol string, since time.Time) ([]TradeFill, error) {
	params := url.Values{
		"symbol": {a.NormalizeSymbol(symbol)},
		"start":  {fmt.Sprintf("%d", since.UnixMilli())},
	}
	var data struct {
		Rows []phemexFillRow `json:"rows"`
	}
	if err := a.get(ctx, "/g-trades/fills", params, true, &data); err != nil {
		return nil, err
	}

	fills := make([]TradeFill, 0, len(data.Rows))
	for _, row := range data.Rows {
		fills = append(fills, TradeFill{
			OrderID:    row.OrderID,
			TradeID:    row.ExecID,
			Symbol:     a.ToLocalSymbol(row.Symbol),
			Side:       strings.ToLower(row.Side),
			Price:      parseFloat(row.ExecPriceRp),
			Quantity:   parseFloat(row.ExecQtyRq),
			Fee:        parseFloat(row.ExecFeeRv),
			ExecutedAt: time.Unix(0, row.TransactTimeNs),
		})
	}
	return fills, nil
}

type phemexProduct struct {
	Symbol          string  `json:"symbol"`
	LotSize         float64 `json:"lotSize"`
	TickSize        float64 `json:"tickSize"`
	MinOrderQty     float64 `json:"minOrderQty"`
	MaxOrderQty     float64 `json:"maxOrderQty"`
	MinOrderValueRv float64 `json:"minOrderValueRv"`
}

func (a *PhemexAdapter) GetContractSpec(ctx context.Context, symbol string) (*ContractSpec, error) {
	exSymbol := a.NormalizeSymbol(symbol)
	return fetchCached(a.cache, CacheContract, exSymbol, func() (*ContractSpec, error) {
		params := url.Values{"symbol": {exSymbol}}
		var product phemexProduct
		if err := a.get(ctx, "/public/products", params, false, &product); err != nil {
			return nil, err
		}
		return &ContractSpec{
			Symbol:      symbol,
			LotSize:     product.LotSize,
			TickSize:    product.TickSize,
			MinQty:      product.MinOrderQty,
			MaxQty:      product.MaxOrderQty,
			MinNotional: product.MinOrderValueRv,
			Multiplier:  1,
			Inverse:     false,
		}, nil
	})
}

type phemexOrderResult struct {
	OrderID    string `json:"orderID"`
	ClOrdID    string `json:"clOrdID"`
	Symbol     string `json:"symbol"`
	PriceRp    string `json:"priceRp"`
	OrderQtyRq string `json:"orderQtyRq"`
	OrdStatus  string `json:"ordStatus"`
}

func (a *PhemexAdapter) PlaceOrder(ctx context.Context, symbol string, signedSize, price float64, reduceOnly bool) (*OrderResult, error) {
	side := "Buy"
	posSide := "Long"
	if signedSize < 0 {
		side = "Sell"
		posSide = "Short"
	}
	if reduceOnly {
		// A reduce-only sell closes a long, and vice versa.
		if side == "Sell" {
			posSide = "Long"
		} else {
			posSide = "Short"
		}
	}
	qty := math.Abs(signedSize)

	payload := map[string]interface{}{
		"symbol":      a.NormalizeSymbol(symbol),
		"side":        side,
		"posSide":     posSide,
		"ordType":     "Market",
		"orderQtyRq":  fmt.Sprintf("%g", qty),
		"reduceOnly":  reduceOnly,
		"clOrdID":     uuid.NewString(),
		"timeInForce": "ImmediateOrCancel",
	}
	if price != PriceUnset {
		payload["ordType"] = "Limit"
		payload["priceRp"] = fmt.Sprintf("%g", price)
		payload["timeInForce"] = "GoodTillCancel"
	}

	logger.WithFields(map[string]interface{}{
		"exchange":    "phemex",
		"symbol":      symbol,
		"side":        side,
		"qty":         qty,
		"reduce_only": reduceOnly,
	}).Info("Placing order")

	var result phemexOrderResult
	if err := a.mutate(ctx, http.MethodPost, "/g-orders", nil, payload, &result); err != nil {
		return nil, err
	}
	return &OrderResult{
		OrderID:       result.OrderID,
		ClientOrderID: result.ClOrdID,
		Symbol:        symbol,
		Price:         parseFloat(result.PriceRp),
		Quantity:      parseFloat(result.OrderQtyRq),
		Status:        result.OrdStatus,
	}, nil
}

func (a *PhemexAdapter) PlaceStopOrder(ctx context.Context, symbol, side, kind string, triggerPrice, quantity float64) (*OrderResult, error) {
	// Protective orders are reduce-only market orders on the opposite
	// side of the position, armed by a trigger price.
	orderSide := "Sell"
	posSide := "Long"
	if side == "short" {
		orderSide = "Buy"
		posSide = "Short"
	}
	ordType := "Stop"
	if kind == "take_profit" {
		ordType = "MarketIfTouched"
	}

	payload := map[string]interface{}{
		"symbol":      a.NormalizeSymbol(symbol),
		"side":        orderSide,
		"posSide":     posSide,
		"ordType":     ordType,
		"stopPxRp":    fmt.Sprintf("%g", triggerPrice),
		"orderQtyRq":  fmt.Sprintf("%g", quantity),
		"triggerType": "ByLastPrice",
		"reduceOnly":  true,
		"clOrdID":     uuid.NewString(),
	}

	logger.WithFields(map[string]interface{}{
		"exchange": "phemex",
		"symbol":   symbol,
		"kind":     kind,
		"trigger":  triggerPrice,
		"qty":      quantity,
	}).Info("Placing protective order")

	var result phemexOrderResult
	if err := a.mutate(ctx, http.MethodPost, "/g-orders", nil, payload, &result); err != nil {
		return nil, err
	}
	return &OrderResult{
		OrderID:       result.OrderID,
		ClientOrderID: result.ClOrdID,
		Symbol:        symbol,
		Price:         triggerPrice,
		Quantity:      parseFloat(result.OrderQtyRq),
		Status:        result.OrdStatus,
	}, nil
}

// CancelOrder treats an already-gone order as success.
func (a *PhemexAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{
		"symbol":  {a.NormalizeSymbol(symbol)},
		"orderID": {orderID},
	}
	err := a.mutate(ctx, http.MethodDelete, "/g-orders/cancel", params, nil, nil)
	if err == nil {
		return nil
	}
	if reqErr, ok := AsRequestError(err); ok && reqErr.Kind == KindExchange {
		if reqErr.Code == phemexCodeOrderNotFound || strings.Contains(strings.ToLower(reqErr.Msg), "not found") {
			logger.WithFields(map[string]interface{}{
				"exchange": "phemex",
				"order_id": orderID,
			}).Info("Cancel for unknown order treated as success")
			return nil
		}
	}
	return err
}

// RequiredQuantity converts a margin amount into a base-coin quantity,
// rounded down to the lot size and bumped up when the resulting notional
// falls under the exchange minimum.
func (a *PhemexAdapter) RequiredQuantity(marginAmount, price float64, leverage int, spec *ContractSpec) float64 {
	if price <= 0 || leverage <= 0 {
		return 0
	}
	qty := roundToStep(marginAmount*float64(leverage)/price, spec.LotSize)
	if qty < spec.MinQty {
		qty = spec.MinQty
	}
	if spec.MinNotional > 0 && qty*price < spec.MinNotional {
		bumped := roundToStep(spec.MinNotional/price, spec.LotSize)
		for bumped*price < spec.MinNotional {
			bumped += spec.LotSize
		}
		logger.WithFields(map[string]interface{}{
			"exchange": "phemex",
			"symbol":   spec.Symbol,
			"qty":      qty,
			"bumped":   bumped,
		}).Warn("Order size below minimum notional, adjusting upward")
		qty = bumped
	}
	if spec.MaxQty > 0 && qty > spec.MaxQty {
		qty = spec.MaxQty
	}
	return qty
}

// ComputePnl for linear contracts: quantity is in base coin, P&L scales
// directly with the quote currency.
func (a *PhemexAdapter) ComputePnl(entry, exit, quantity float64, side string, spec *ContractSpec) float64 {
	if side == "short" {
		return (entry - exit) * quantity
	}
	return (exit - entry) * quantity
}

func (a *PhemexAdapter) EstimateFee(price, quantity float64, spec *ContractSpec) float64 {
	return price * quantity * a.takerFeeRate
}
