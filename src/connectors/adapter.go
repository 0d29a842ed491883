package connectors

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"
)

// PriceUnset is the market-order price sentinel accepted by PlaceOrder.
const PriceUnset float64 = 0

// Ticker is the canonical ticker shape shared by all adapters.
type Ticker struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
	At     time.Time
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Account is the futures margin account snapshot.
type Account struct {
	Currency  string
	Equity    float64
	Available float64
}

// PositionInfo is an open position as reported by the exchange.
type PositionInfo struct {
	Symbol     string
	Side       string // long / short
	Size       float64
	EntryPrice float64
	MarkPrice  float64
	Leverage   int
}

// StopOrder is an open exchange-resident conditional order.
type StopOrder struct {
	OrderID      string
	Symbol       string
	Side         string // side of the protected position
	Kind         string // stop_loss / take_profit
	TriggerPrice float64
	Quantity     float64
}

// TradeFill is one canonical executed trade. Adapters normalize the
// exchange's assorted id fields into OrderID/TradeID exactly once at this
// boundary; downstream code never branches on field presence.
type TradeFill struct {
	OrderID    string
	TradeID    string
	Symbol     string
	Side       string // buy / sell
	Price      float64
	Quantity   float64
	Fee        float64
	ExecutedAt time.Time
}

// OrderResult is the canonical response to a placed or cancelled order.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Price         float64
	Quantity      float64
	Status        string
}

// ContractSpec carries the per-symbol trading rules. Cached for the process
// lifetime.
type ContractSpec struct {
	Symbol      string
	LotSize     float64
	TickSize    float64
	MinQty      float64
	MaxQty      float64
	MinNotional float64
	// Multiplier is the base-asset value of one contract on inverse
	// exchanges; 1.0 on linear ones.
	Multiplier float64
	Inverse    bool
}

// Adapter is the canonical exchange contract. Each exchange implements it
// once; the factory selects the concrete implementation at startup and call
// sites never re-inspect the type.
type Adapter interface {
	Name() string

	// NormalizeSymbol maps the internal symbol to the exchange's
	// contract identifier; ToLocalSymbol is its inverse.
	NormalizeSymbol(local string) string
	ToLocalSymbol(exchangeSymbol string) string

	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]PositionInfo, error)
	GetOpenStopOrders(ctx context.Context) ([]StopOrder, error)
	GetTrades(ctx context.Context, symbol string, since time.Time) ([]TradeFill, error)
	GetContractSpec(ctx context.Context, symbol string) (*ContractSpec, error)

	// PlaceOrder submits an order for a signed size (negative = sell).
	// Price PriceUnset means market.
	PlaceOrder(ctx context.Context, symbol string, signedSize, price float64, reduceOnly bool) (*OrderResult, error)
	// PlaceStopOrder submits an exchange-resident protective order.
	PlaceStopOrder(ctx context.Context, symbol, side, kind string, triggerPrice, quantity float64) (*OrderResult, error)
	// CancelOrder is idempotent: an absent or unknown order is success.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// RequiredQuantity and ComputePnl are pure; they differ per quoting
	// convention (linear vs inverse) and are fixture-tested per adapter.
	RequiredQuantity(marginAmount, price float64, leverage int, spec *ContractSpec) float64
	ComputePnl(entry, exit, quantity float64, side string, spec *ContractSpec) float64
	EstimateFee(price, quantity float64, spec *ContractSpec) float64
}

// NewAdapter builds the configured exchange adapter. Selection happens once
// here; everything downstream talks to the interface.
func NewAdapter(cfg Config, clock Clock) (Adapter, error) {
	switch cfg.TargetExchange {
	case "phemex":
		return NewPhemexAdapter(cfg, clock), nil
	case "kucoin":
		return NewKucoinAdapter(cfg, clock), nil
	default:
		return nil, fmt.Errorf("exchange %s not supported", cfg.TargetExchange)
	}
}

// roundToStep rounds a quantity down to the contract's lot size.
func roundToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	steps := math.Floor(qty/step + 1e-9)
	return steps * step
}

var banUntilRe = regexp.MustCompile(`banned until (\d{10,13})`)

// parseBanUntil extracts an explicit ban expiry from an exchange error
// message, e.g. "Too many requests; IP banned until 1695123456789".
func parseBanUntil(msg string) (time.Time, bool) {
	m := banUntilRe.FindStringSubmatch(msg)
	if m == nil {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	if len(m[1]) > 10 {
		return time.UnixMilli(n), true
	}
	return time.Unix(n, 0), true
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// parsePrice parses a mandatory price field. The payload decoded as JSON, but
// garbage in a field downstream math depends on must surface as malformed,
// not as a silent zero.
func parsePrice(field, s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &RequestError{Kind: KindMalformed, Err: fmt.Errorf("parse %s %q: %w", field, s, err)}
	}
	return f, nil
}
