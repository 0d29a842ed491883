package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	logger "github.com/sirupsen/logrus"
)

// streamSpec describes how one exchange's ticker stream speaks: how to
// subscribe and how to parse a pushed message back into a canonical Ticker.
type streamSpec struct {
	url       string
	subscribe func(exchangeSymbols []string) []interface{}
	parse     func(msg []byte) (exchangeSymbol string, ticker *Ticker, ok bool)
}

// MarketStream keeps the ticker tier of the cache warm from the exchange's
// websocket feed so the polling loop rarely pays a REST round trip for
// prices. The stream is best effort: on any failure the REST path still
// works, it just hits the network more often.
type MarketStream struct {
	name    string
	spec    streamSpec
	cache   *TieredCache
	symbols []string // exchange symbols
	clock   Clock
}

func NewMarketStream(cfg Config, adapter Adapter, localSymbols []string, clock Clock) (*MarketStream, error) {
	if clock == nil {
		clock = SystemClock()
	}

	provider, ok := adapter.(interface{ Cache() *TieredCache })
	if !ok {
		return nil, fmt.Errorf("adapter %s exposes no ticker cache", adapter.Name())
	}
	cache := provider.Cache()

	var spec streamSpec
	switch adapter.Name() {
	case "phemex":
		spec = phemexStreamSpec(cfg.PhemexWSURL, adapter)
	case "kucoin":
		spec = kucoinStreamSpec(cfg.KucoinWSURL, adapter)
	default:
		return nil, fmt.Errorf("no ticker stream for exchange %s", adapter.Name())
	}

	symbols := make([]string, 0, len(localSymbols))
	for _, s := range localSymbols {
		symbols = append(symbols, adapter.NormalizeSymbol(s))
	}

	return &MarketStream{
		name:    adapter.Name(),
		spec:    spec,
		cache:   cache,
		symbols: symbols,
		clock:   clock,
	}, nil
}

// Run connects, subscribes and pumps tickers into the cache until the
// context is cancelled, reconnecting with backoff on any error.
func (s *MarketStream) Run(ctx context.Context) {
	bo := &backoff.Backoff{
		Min:    time.Second,
		Max:    time.Minute,
		Factor: 2,
		Jitter: true,
	}

	for ctx.Err() == nil {
		if err := s.runOnce(ctx); err != nil && ctx.Err() == nil {
			wait := bo.Duration()
			logger.WithFields(map[string]interface{}{
				"exchange": s.name,
				"retry_in": wait.String(),
			}).WithError(err).Warn("Ticker stream disconnected")
			s.clock.Sleep(wait)
			continue
		}
		bo.Reset()
	}
}

func (s *MarketStream) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.spec.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.spec.url, err)
	}
	defer conn.Close()

	for _, msg := range s.spec.subscribe(s.symbols) {
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	logger.WithFields(map[string]interface{}{
		"exchange": s.name,
		"symbols":  s.symbols,
	}).Info("Ticker stream connected")

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		exSymbol, ticker, ok := s.spec.parse(raw)
		if !ok {
			continue
		}
		s.cache.Put(CacheTicker, exSymbol, ticker)
	}
}

func phemexStreamSpec(wsURL string, adapter Adapter) streamSpec {
	return streamSpec{
		url: wsURL + "/ws",
		subscribe: func(exchangeSymbols []string) []interface{} {
			msgs := make([]interface{}, 0, len(exchangeSymbols))
			for i, symbol := range exchangeSymbols {
				msgs = append(msgs, map[string]interface{}{
					"id":     i + 1,
					"method": "tick.subscribe",
					"params": []string{symbol},
				})
			}
			return msgs
		},
		parse: func(raw []byte) (string, *Ticker, bool) {
			var msg struct {
				Tick struct {
					Symbol    string `json:"symbol"`
					LastRp    string `json:"lastRp"`
					BidRp     string `json:"bidRp"`
					AskRp     string `json:"askRp"`
					Timestamp int64  `json:"timestamp"` // nanoseconds
				} `json:"tick"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil || msg.Tick.Symbol == "" {
				return "", nil, false
			}
			return msg.Tick.Symbol, &Ticker{
				Symbol: adapter.ToLocalSymbol(msg.Tick.Symbol),
				Last:   parseFloat(msg.Tick.LastRp),
				Bid:    parseFloat(msg.Tick.BidRp),
				Ask:    parseFloat(msg.Tick.AskRp),
				At:     time.Unix(0, msg.Tick.Timestamp),
			}, true
		},
	}
}

func kucoinStreamSpec(wsURL string, adapter Adapter) streamSpec {
	return streamSpec{
		url: wsURL + "/endpoint",
		subscribe: func(exchangeSymbols []string) []interface{} {
			msgs := make([]interface{}, 0, len(exchangeSymbols))
			for i, symbol := range exchangeSymbols {
				msgs = append(msgs, map[string]interface{}{
					"id":       fmt.Sprintf("%d", i+1),
					"type":     "subscribe",
					"topic":    "/contractMarket/ticker:" + symbol,
					"response": true,
				})
			}
			return msgs
		},
		parse: func(raw []byte) (string, *Ticker, bool) {
			var msg struct {
				Type string `json:"type"`
				Data struct {
					Symbol    string `json:"symbol"`
					Price     string `json:"price"`
					BestBid   string `json:"bestBidPrice"`
					BestAsk   string `json:"bestAskPrice"`
					Timestamp int64  `json:"ts"` // nanoseconds
				} `json:"data"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "message" || msg.Data.Symbol == "" {
				return "", nil, false
			}
			return msg.Data.Symbol, &Ticker{
				Symbol: adapter.ToLocalSymbol(msg.Data.Symbol),
				Last:   parseFloat(msg.Data.Price),
				Bid:    parseFloat(msg.Data.BestBid),
				Ask:    parseFloat(msg.Data.BestAsk),
				At:     time.Unix(0, msg.Data.Timestamp),
			}, true
		},
	}
}
