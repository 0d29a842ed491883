package connectors

import (
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
)

// CacheClass identifies one entity tier of the cache. Each tier carries its
// own TTL.
type CacheClass string

const (
	CacheTicker    CacheClass = "ticker"
	CacheCandles   CacheClass = "candles"
	CacheAccount   CacheClass = "account"
	CachePositions CacheClass = "positions"
	// CacheContract entries never expire within a process lifetime;
	// contract specs rarely change.
	CacheContract CacheClass = "contract"
)

type cacheEntry struct {
	value    interface{}
	storedAt time.Time
}

// TieredCache is a per-adapter-instance TTL cache consulted before and, on
// pipeline failure, instead of the network call.
type TieredCache struct {
	mu      sync.RWMutex
	entries map[CacheClass]map[string]cacheEntry
	ttl     map[CacheClass]time.Duration
	clock   Clock
}

// CacheTTLs holds the per-tier lifetimes.
type CacheTTLs struct {
	Ticker    time.Duration
	Candles   time.Duration
	Account   time.Duration
	Positions time.Duration
}

func (t *CacheTTLs) applyDefaults() {
	if t.Ticker == 0 {
		t.Ticker = 10 * time.Second
	}
	if t.Candles == 0 {
		t.Candles = 5 * time.Minute
	}
	if t.Account == 0 {
		t.Account = 3 * time.Second
	}
	if t.Positions == 0 {
		t.Positions = 5 * time.Second
	}
}

func NewTieredCache(ttls CacheTTLs, clock Clock) *TieredCache {
	ttls.applyDefaults()
	if clock == nil {
		clock = SystemClock()
	}
	return &TieredCache{
		entries: make(map[CacheClass]map[string]cacheEntry),
		ttl: map[CacheClass]time.Duration{
			CacheTicker:    ttls.Ticker,
			CacheCandles:   ttls.Candles,
			CacheAccount:   ttls.Account,
			CachePositions: ttls.Positions,
			CacheContract:  0, // process lifetime
		},
		clock: clock,
	}
}

// Get returns a fresh entry only.
func (c *TieredCache) Get(class CacheClass, key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[class][key]
	if !ok {
		return nil, false
	}
	ttl := c.ttl[class]
	if ttl > 0 && c.clock.Now().Sub(entry.storedAt) > ttl {
		return nil, false
	}
	return entry.value, true
}

// GetStale returns an entry regardless of age, with its age.
func (c *TieredCache) GetStale(class CacheClass, key string) (interface{}, time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[class][key]
	if !ok {
		return nil, 0, false
	}
	return entry.value, c.clock.Now().Sub(entry.storedAt), true
}

func (c *TieredCache) Put(class CacheClass, key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[class] == nil {
		c.entries[class] = make(map[string]cacheEntry)
	}
	c.entries[class][key] = cacheEntry{value: value, storedAt: c.clock.Now()}
}

// Invalidate drops whole tiers. Called after every successful private
// mutation for the positions and account tiers.
func (c *TieredCache) Invalidate(classes ...CacheClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, class := range classes {
		delete(c.entries, class)
	}
}

// fetchCached implements the read path of the tiered cache: fresh hit,
// otherwise network, otherwise a stale entry logged as degraded. The error
// propagates only when no cache entry exists at all.
func fetchCached[T any](c *TieredCache, class CacheClass, key string, fetch func() (T, error)) (T, error) {
	if v, ok := c.Get(class, key); ok {
		return v.(T), nil
	}

	value, err := fetch()
	if err == nil {
		c.Put(class, key, value)
		return value, nil
	}

	if v, age, ok := c.GetStale(class, key); ok {
		logger.WithFields(map[string]interface{}{
			"class": string(class),
			"key":   key,
			"age":   age.String(),
		}).WithError(err).Warn("Serving stale cache entry, exchange call failed")
		return v.(T), nil
	}

	var zero T
	return zero, err
}
