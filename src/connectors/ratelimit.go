package connectors

import (
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
)

// slidingWindowLimiter keeps a rolling list of send timestamps. Before a
// request goes out it prunes entries older than the window and, if the
// window is full, sleeps until the oldest entry exits it. A minimum fixed
// delay between consecutive sends is enforced on top.
type slidingWindowLimiter struct {
	mu          sync.Mutex
	window      time.Duration
	maxRequests int
	minInterval time.Duration
	sent        []time.Time
	lastSend    time.Time
	clock       Clock
}

func newSlidingWindowLimiter(window time.Duration, maxRequests int, minInterval time.Duration, clock Clock) *slidingWindowLimiter {
	return &slidingWindowLimiter{
		window:      window,
		maxRequests: maxRequests,
		minInterval: minInterval,
		clock:       clock,
	}
}

// Wait blocks until a request may be sent and records the send.
func (l *slidingWindowLimiter) Wait() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()

	if !l.lastSend.IsZero() {
		if since := now.Sub(l.lastSend); since < l.minInterval {
			l.clock.Sleep(l.minInterval - since)
			now = l.clock.Now()
		}
	}

	l.prune(now)

	if l.maxRequests > 0 && len(l.sent) >= l.maxRequests {
		oldest := l.sent[0]
		wait := oldest.Add(l.window).Sub(now)
		if wait > 0 {
			logger.WithFields(map[string]interface{}{
				"in_window": len(l.sent),
				"wait":      wait.String(),
			}).Debug("Rate limit window full, waiting")
			l.clock.Sleep(wait)
			now = l.clock.Now()
		}
		l.prune(now)
	}

	l.sent = append(l.sent, now)
	l.lastSend = now
}

func (l *slidingWindowLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	idx := 0
	for idx < len(l.sent) && !l.sent[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.sent = append(l.sent[:0], l.sent[idx:]...)
	}
}

// inWindow returns the number of sends currently inside the window.
func (l *slidingWindowLimiter) inWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	return len(l.sent)
}
