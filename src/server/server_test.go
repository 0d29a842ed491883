package server

// Test index:
//  1. TestHealthcheck returns OK.
//  2. TestPositionsEndpoint serves positions as JSON.
//  3. TestOrdersEndpoint serves active orders.
//  4. TestCloseEventsEndpoint serves recent close events.
//  5. TestInconsistentStatesEndpoint serves unresolved rows.
//  6. TestListErrorReturns500 maps store failures to 500.
//  7. TestEmptyListServesArray encodes an empty result as [] not null.

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"perpexecutor/src/model"
)

type fakeReadStore struct {
	positions       []model.Position
	orders          []model.PriceOrder
	trades          []model.Trade
	events          []model.PositionCloseEvent
	inconsistencies []model.InconsistentState

	err error
}

func (s *fakeReadStore) FindAll(ctx context.Context) ([]model.Position, error) {
	return s.positions, s.err
}

func (s *fakeReadStore) FindActive(ctx context.Context) ([]model.PriceOrder, error) {
	return s.orders, s.err
}

func (s *fakeReadStore) FindLatest(ctx context.Context, limit int) ([]model.Trade, error) {
	return s.trades, s.err
}

func (s *fakeReadStore) FindUnresolved(ctx context.Context) ([]model.InconsistentState, error) {
	return s.inconsistencies, s.err
}

type fakeEventReadStore struct{ store *fakeReadStore }

func (s fakeEventReadStore) FindLatest(ctx context.Context, limit int) ([]model.PositionCloseEvent, error) {
	return s.store.events, s.store.err
}

func newTestServer(t *testing.T, store *fakeReadStore) *httptest.Server {
	oldPositions := newPositionLister
	oldOrders := newOrderLister
	oldTrades := newTradeLister
	oldEvents := newCloseEventLister
	oldInconsistencies := newInconsistencyLister
	t.Cleanup(func() {
		newPositionLister = oldPositions
		newOrderLister = oldOrders
		newTradeLister = oldTrades
		newCloseEventLister = oldEvents
		newInconsistencyLister = oldInconsistencies
	})

	newPositionLister = func() positionLister { return store }
	newOrderLister = func() orderLister { return store }
	newTradeLister = func() tradeLister { return store }
	newCloseEventLister = func() closeEventLister { return fakeEventReadStore{store} }
	newInconsistencyLister = func() inconsistencyLister { return store }

	srv := httptest.NewServer(NewRouter(&Config{ListLimit: 50}))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

// TestHealthcheck returns 200 OK.
func TestHealthcheck(t *testing.T) {
	srv := newTestServer(t, &fakeReadStore{})

	resp := getJSON(t, srv.URL+"/healthcheck", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

// TestPositionsEndpoint serves the live positions.
func TestPositionsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeReadStore{
		positions: []model.Position{{Symbol: "BTCUSDT", Side: model.SideLong, Quantity: 0.1}},
	})

	var rows []model.Position
	resp := getJSON(t, srv.URL+"/positions", &rows)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(rows) != 1 || rows[0].Symbol != "BTCUSDT" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

// TestOrdersEndpoint serves the active protective orders.
func TestOrdersEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeReadStore{
		orders: []model.PriceOrder{{OrderID: "sl-1", Kind: model.OrderKindStopLoss, Status: model.OrderStatusActive}},
	})

	var rows []model.PriceOrder
	resp := getJSON(t, srv.URL+"/orders", &rows)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(rows) != 1 || rows[0].OrderID != "sl-1" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

// TestCloseEventsEndpoint serves recent close events.
func TestCloseEventsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeReadStore{
		events: []model.PositionCloseEvent{{Symbol: "BTCUSDT", CloseReason: model.CloseReasonStopLoss}},
	})

	var rows []model.PositionCloseEvent
	resp := getJSON(t, srv.URL+"/close-events", &rows)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(rows) != 1 || rows[0].CloseReason != model.CloseReasonStopLoss {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

// TestInconsistentStatesEndpoint serves unresolved inconsistencies.
func TestInconsistentStatesEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeReadStore{
		inconsistencies: []model.InconsistentState{{Operation: "close_position"}},
	})

	var rows []model.InconsistentState
	resp := getJSON(t, srv.URL+"/inconsistent-states", &rows)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(rows) != 1 || rows[0].Operation != "close_position" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

// TestListErrorReturns500 maps store failures to an internal error.
func TestListErrorReturns500(t *testing.T) {
	srv := newTestServer(t, &fakeReadStore{err: errors.New("db down")})

	resp := getJSON(t, srv.URL+"/positions", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

// TestEmptyListServesArray returns [] rather than null for empty tables.
func TestEmptyListServesArray(t *testing.T) {
	srv := newTestServer(t, &fakeReadStore{})

	resp := getJSON(t, srv.URL+"/trades", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var rows []model.Trade
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rows == nil {
		t.Fatal("expected empty array, got null")
	}
}
