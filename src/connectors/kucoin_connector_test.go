package connectors

// Test index:
//  1. TestKucoinSignRequest validates the base64 HMAC signature.
//  2. TestKucoinSymbolMapping round-trips internal and exchange symbols.
//  3. TestKucoinComputePnlInverse pins inverse P&L through the contract multiplier.
//  4. TestKucoinRequiredQuantity converts margin into whole contracts.
//  5. TestKucoinGetOpenStopOrders maps trigger directions onto protective kinds.
//  6. TestKucoinCancelUnknownOrder treats a missing order as cancelled.
//  7. TestKucoinMalformedTickerPrice rejects a garbage price field instead of
//     reporting a zero ticker.

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func kucoinEnvelope(code, data string) string {
	return `{"code":"` + code + `","data":` + data + `}`
}

func newTestKucoinAdapter(t *testing.T, handler http.HandlerFunc) (*KucoinAdapter, func()) {
	t.Helper()
	clock := newFakeClock()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/timestamp" {
			ms := clock.Now().UnixMilli()
			_, _ = w.Write([]byte(kucoinEnvelope("200000", strconv.FormatInt(ms, 10))))
			return
		}
		handler(w, r)
	}))

	cfg := Config{
		APIKey:        "test-key",
		APISecret:     "test-secret",
		APIPassphrase: "test-pass",
		KeyVersion:    "3",
		KucoinBaseURL: server.URL,
		MaxAttempts:   1,
		TakerFeeRate:  0.0006,
	}
	return NewKucoinAdapter(cfg, clock), server.Close
}

// TestKucoinSignRequest ensures the signature matches the expected base64
// digest for a fixed timestamp, method, path and body.
func TestKucoinSignRequest(t *testing.T) {
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("1700000000000" + "POST" + "/api/v1/orders" + `{"side":"buy"}`))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	got := kucoinSignRequest("secret", "1700000000000", "POST", "/api/v1/orders", `{"side":"buy"}`)
	if got != want {
		t.Fatalf("expected signature %s, got %s", want, got)
	}
}

// TestKucoinSymbolMapping round-trips BTCUSD through the XBTUSDM contract id.
func TestKucoinSymbolMapping(t *testing.T) {
	a := &KucoinAdapter{}

	if got := a.NormalizeSymbol("BTCUSD"); got != "XBTUSDM" {
		t.Fatalf("expected XBTUSDM, got %s", got)
	}
	if got := a.ToLocalSymbol("XBTUSDM"); got != "BTCUSD" {
		t.Fatalf("expected BTCUSD, got %s", got)
	}
	if got := a.NormalizeSymbol("ETHUSD"); got != "ETHUSDM" {
		t.Fatalf("expected ETHUSDM, got %s", got)
	}
}

// TestKucoinComputePnlInverse pins the inverse fixtures: 100 contracts with a
// 0.0001 multiplier is 0.01 of the base asset, and a short from 50000 to
// 48000 earns 20 in quote terms.
func TestKucoinComputePnlInverse(t *testing.T) {
	a := &KucoinAdapter{}
	spec := &ContractSpec{Multiplier: 0.0001, Inverse: true}

	if got := a.ComputePnl(50000, 48000, 100, "short", spec); math.Abs(got-20) > 1e-6 {
		t.Fatalf("expected short pnl 20, got %f", got)
	}
	if got := a.ComputePnl(50000, 52000, 100, "long", spec); math.Abs(got-20) > 1e-6 {
		t.Fatalf("expected long pnl 20, got %f", got)
	}
	if got := a.ComputePnl(50000, 52000, 100, "short", spec); math.Abs(got+20) > 1e-6 {
		t.Fatalf("expected short loss -20, got %f", got)
	}
}

// TestKucoinRequiredQuantity converts a quote margin into whole contracts
// with a floor of one.
func TestKucoinRequiredQuantity(t *testing.T) {
	a := &KucoinAdapter{}
	spec := &ContractSpec{Multiplier: 0.0001, LotSize: 1, MinQty: 1, MaxQty: 100000, Inverse: true}

	// 100 quote at 10x over a 5-quote contract value buys 200 contracts.
	if got := a.RequiredQuantity(100, 50000, 10, spec); got != 200 {
		t.Fatalf("expected 200 contracts, got %f", got)
	}

	// Anything smaller than one contract still trades one contract.
	if got := a.RequiredQuantity(0.1, 50000, 1, spec); got != 1 {
		t.Fatalf("expected minimum of 1 contract, got %f", got)
	}

	if got := a.RequiredQuantity(1e9, 50000, 10, spec); got != 100000 {
		t.Fatalf("expected capped quantity, got %f", got)
	}
}

// TestKucoinGetOpenStopOrders maps the closing side and trigger direction
// onto the protected position side and protective kind.
func TestKucoinGetOpenStopOrders(t *testing.T) {
	a, closeFn := newTestKucoinAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/stopOrders" {
			w.WriteHeader(404)
			return
		}
		_, _ = w.Write([]byte(kucoinEnvelope("200000", `{"items":[
			{"id":"sl-long","symbol":"XBTUSDM","side":"sell","stop":"down","stopPrice":"48000","size":100},
			{"id":"tp-long","symbol":"XBTUSDM","side":"sell","stop":"up","stopPrice":"55000","size":100},
			{"id":"sl-short","symbol":"XBTUSDM","side":"buy","stop":"up","stopPrice":"52000","size":50}
		]}`)))
	})
	defer closeFn()

	orders, err := a.GetOpenStopOrders(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(orders))
	}
	if orders[0].Side != "long" || orders[0].Kind != "stop_loss" {
		t.Fatalf("unexpected first order: %+v", orders[0])
	}
	if orders[1].Side != "long" || orders[1].Kind != "take_profit" {
		t.Fatalf("unexpected second order: %+v", orders[1])
	}
	if orders[2].Side != "short" || orders[2].Kind != "stop_loss" {
		t.Fatalf("unexpected third order: %+v", orders[2])
	}
	if orders[0].Symbol != "BTCUSD" {
		t.Fatalf("expected local symbol BTCUSD, got %s", orders[0].Symbol)
	}
}

// TestKucoinCancelUnknownOrder treats the order-not-exist code as success.
func TestKucoinCancelUnknownOrder(t *testing.T) {
	a, closeFn := newTestKucoinAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"100004","msg":"order not exist"}`))
	})
	defer closeFn()

	if err := a.CancelOrder(context.Background(), "BTCUSD", "gone"); err != nil {
		t.Fatalf("expected idempotent cancel, got %v", err)
	}
}

// TestKucoinMalformedTickerPrice surfaces a garbage price as a malformed
// payload; a silent zero would poison sizing and matching downstream.
func TestKucoinMalformedTickerPrice(t *testing.T) {
	a, closeFn := newTestKucoinAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(kucoinEnvelope("200000", `{"symbol":"XBTUSDM","price":"not-a-number","bestBidPrice":"49999","bestAskPrice":"50001","ts":1700000000000000000}`)))
	})
	defer closeFn()

	_, err := a.GetTicker(context.Background(), "BTCUSD")
	if err == nil {
		t.Fatal("expected error for unparseable price")
	}
	reqErr, ok := AsRequestError(err)
	if !ok || reqErr.Kind != KindMalformed {
		t.Fatalf("expected malformed request error, got %v", err)
	}
}
