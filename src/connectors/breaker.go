package connectors

import (
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
)

// circuitBreaker counts consecutive request failures and, at a threshold,
// blocks outbound calls for a cool-down period. An explicit ban signal from
// the exchange opens the breaker for exactly the signaled duration instead.
type circuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
	clock     Clock
}

func newCircuitBreaker(threshold int, cooldown time.Duration, clock Clock) *circuitBreaker {
	return &circuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock,
	}
}

// Allow reports whether a call may go out. When the breaker is open it also
// returns the time it will close again.
func (b *circuitBreaker) Allow() (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clock.Now().Before(b.openUntil) {
		return false, b.openUntil
	}
	return true, time.Time{}
}

// Success resets the consecutive failure counter.
func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// Failure records one more consecutive failure and opens the breaker once
// the threshold is reached.
func (b *circuitBreaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = b.clock.Now().Add(b.cooldown)
		logger.WithFields(map[string]interface{}{
			"failures":   b.failures,
			"open_until": b.openUntil,
		}).Warn("Circuit breaker opened after consecutive failures")
	}
}

// TripUntil opens the breaker until the given instant, regardless of the
// failure count. Used for explicit ban-until responses.
func (b *circuitBreaker) TripUntil(until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if until.After(b.openUntil) {
		b.openUntil = until
	}
	logger.WithField("open_until", b.openUntil).Warn("Circuit breaker opened by exchange ban signal")
}
