package connectors

// Test index:
//  1. TestCacheFreshHit serves a second read from cache without fetching.
//  2. TestCacheExpiryRefetches fetches again once the TTL has passed.
//  3. TestCacheStaleFallback serves an expired entry when the fetch fails.
//  4. TestCacheErrorWhenEmpty propagates the fetch error with no entry to fall back on.
//  5. TestCacheInvalidate drops whole tiers.
//  6. TestContractTierNeverExpires keeps contract specs for the process lifetime.

import (
	"errors"
	"testing"
	"time"
)

func newTestCache() (*TieredCache, *fakeClock) {
	clock := newFakeClock()
	return NewTieredCache(CacheTTLs{Ticker: 10 * time.Second}, clock), clock
}

// TestCacheFreshHit serves a repeated read from the cache.
func TestCacheFreshHit(t *testing.T) {
	cache, _ := newTestCache()

	fetches := 0
	fetch := func() (string, error) {
		fetches++
		return "v1", nil
	}

	for i := 0; i < 2; i++ {
		got, err := fetchCached(cache, CacheTicker, "BTCUSDT", fetch)
		if err != nil || got != "v1" {
			t.Fatalf("expected v1, got %q err %v", got, err)
		}
	}
	if fetches != 1 {
		t.Fatalf("expected a single fetch, got %d", fetches)
	}
}

// TestCacheExpiryRefetches fetches fresh data once the TTL has passed.
func TestCacheExpiryRefetches(t *testing.T) {
	cache, clock := newTestCache()

	fetches := 0
	fetch := func() (string, error) {
		fetches++
		return "v", nil
	}

	_, _ = fetchCached(cache, CacheTicker, "BTCUSDT", fetch)
	clock.Advance(11 * time.Second)
	_, _ = fetchCached(cache, CacheTicker, "BTCUSDT", fetch)

	if fetches != 2 {
		t.Fatalf("expected refetch after expiry, got %d fetches", fetches)
	}
}

// TestCacheStaleFallback serves the expired entry when the network fails.
func TestCacheStaleFallback(t *testing.T) {
	cache, clock := newTestCache()

	_, _ = fetchCached(cache, CacheTicker, "BTCUSDT", func() (string, error) { return "old", nil })
	clock.Advance(time.Minute)

	got, err := fetchCached(cache, CacheTicker, "BTCUSDT", func() (string, error) {
		return "", errors.New("exchange down")
	})
	if err != nil {
		t.Fatalf("expected stale value instead of error, got %v", err)
	}
	if got != "old" {
		t.Fatalf("expected stale value old, got %q", got)
	}
}

// TestCacheErrorWhenEmpty propagates the error when nothing can be served.
func TestCacheErrorWhenEmpty(t *testing.T) {
	cache, _ := newTestCache()

	_, err := fetchCached(cache, CacheTicker, "BTCUSDT", func() (string, error) {
		return "", errors.New("exchange down")
	})
	if err == nil {
		t.Fatal("expected error with empty cache")
	}
}

// TestCacheInvalidate drops whole tiers after a mutation.
func TestCacheInvalidate(t *testing.T) {
	cache, _ := newTestCache()

	cache.Put(CachePositions, "all", "positions")
	cache.Put(CacheTicker, "BTCUSDT", "ticker")
	cache.Invalidate(CachePositions)

	if _, ok := cache.Get(CachePositions, "all"); ok {
		t.Fatal("expected positions tier to be dropped")
	}
	if _, ok := cache.Get(CacheTicker, "BTCUSDT"); !ok {
		t.Fatal("expected ticker tier to survive")
	}
}

// TestContractTierNeverExpires keeps contract specs fresh indefinitely.
func TestContractTierNeverExpires(t *testing.T) {
	cache, clock := newTestCache()

	cache.Put(CacheContract, "BTCUSDT", "spec")
	clock.Advance(240 * time.Hour)

	if _, ok := cache.Get(CacheContract, "BTCUSDT"); !ok {
		t.Fatal("expected contract entry to survive")
	}
}
