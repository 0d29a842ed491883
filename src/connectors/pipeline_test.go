package connectors

// Test index:
//  1. TestSyncClockOffset verifies the stored offset includes the safety margin.
//  2. TestPerAttemptResigning ensures every retry carries a fresh signature timestamp.
//  3. TestSkewRetryResyncs confirms a timestamp rejection triggers a resync and an uncounted retry.
//  4. TestAuthFailsFast asserts auth errors are returned after a single attempt.
//  5. TestBreakerOpensAndRecovers walks the breaker through open, fail-fast and cool-down.
//  6. TestBanUntilTripsBreaker checks an explicit ban opens the breaker for the signaled window.
//  7. TestSlidingWindowLimiter covers window-full waiting and pruning.
//  8. TestLimiterMinInterval enforces the fixed spacing between consecutive sends.
//  9. TestBreakerResetOnSuccess verifies the consecutive-failure counter resets.

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
)

// fakeClock advances only when asked or when something sleeps, making the
// limiter, breaker and clock-sync logic deterministic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.Advance(d)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testClassify maps plain status codes onto failure kinds for pipeline tests:
// 409 stands in for a timestamp rejection.
func testClassify(clock Clock) ClassifyFunc {
	return func(status int, header http.Header, body []byte) *RequestError {
		switch {
		case status == 200:
			return nil
		case status == 401:
			return &RequestError{Kind: KindAuth, StatusCode: status}
		case status == 409:
			return &RequestError{Kind: KindTimestampSkew, StatusCode: status}
		case status == 429:
			if ra := header.Get("Retry-After"); ra != "" {
				return &RequestError{Kind: KindBanned, StatusCode: status, BanUntil: clock.Now().Add(time.Duration(parseFloat(ra)) * time.Second)}
			}
			return &RequestError{Kind: KindRateLimited, StatusCode: status}
		default:
			return &RequestError{Kind: KindTransient, StatusCode: status}
		}
	}
}

type testPipeline struct {
	pipeline   *Pipeline
	clock      *fakeClock
	signTimes  []time.Time
	timeCalls  *int32
	reqCalls   *int32
	signTimeMu sync.Mutex
}

func (tp *testPipeline) recordedSignTimes() []time.Time {
	tp.signTimeMu.Lock()
	defer tp.signTimeMu.Unlock()
	out := make([]time.Time, len(tp.signTimes))
	copy(out, tp.signTimes)
	return out
}

// newTestPipeline wires a pipeline against an httptest server. The handler
// receives every request except the server-time endpoint, which is answered
// with the fake clock shifted by serverSkew.
func newTestPipeline(t *testing.T, cfg PipelineConfig, serverSkew time.Duration, handler http.HandlerFunc) (*testPipeline, func()) {
	t.Helper()

	clock := newFakeClock()
	var timeCalls, reqCalls int32

	tp := &testPipeline{clock: clock, timeCalls: &timeCalls, reqCalls: &reqCalls}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/time" {
			atomic.AddInt32(&timeCalls, 1)
			ms := clock.Now().Add(serverSkew).UnixMilli()
			_, _ = w.Write([]byte(`{"serverTime":` + strconv.FormatInt(ms, 10) + `}`))
			return
		}
		atomic.AddInt32(&reqCalls, 1)
		handler(w, r)
	}))

	sign := func(req *resty.Request, method, path, query string, body []byte, serverTime time.Time) {
		tp.signTimeMu.Lock()
		tp.signTimes = append(tp.signTimes, serverTime)
		tp.signTimeMu.Unlock()
	}

	tp.pipeline = NewPipeline(PipelineParams{
		Name:           "test",
		BaseURL:        server.URL,
		Sign:           sign,
		Classify:       testClassify(clock),
		ServerTimePath: "/time",
		ParseServerTime: func(body []byte) (time.Time, error) {
			s := strings.TrimSuffix(strings.TrimPrefix(string(body), `{"serverTime":`), "}")
			ms, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return time.Time{}, err
			}
			return time.UnixMilli(ms), nil
		},
		Config: cfg,
		Clock:  clock,
	})

	return tp, server.Close
}

// TestSyncClockOffset verifies the offset formula: with a zero round trip the
// stored offset is the raw skew minus the safety margin.
func TestSyncClockOffset(t *testing.T) {
	cfg := PipelineConfig{ClockSafetyMargin: 2 * time.Second}
	tp, closeFn := newTestPipeline(t, cfg, 3*time.Second, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})
	defer closeFn()

	if err := tp.pipeline.SyncClock(context.Background()); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}

	got := tp.pipeline.ServerNow().Sub(tp.clock.Now())
	want := 3*time.Second - 2*time.Second
	if got != want {
		t.Fatalf("expected server-now offset %v, got %v", want, got)
	}
}

// TestPerAttemptResigning ensures a retried request is signed again with a
// later server-time estimate.
func TestPerAttemptResigning(t *testing.T) {
	var calls int32
	cfg := PipelineConfig{MaxAttempts: 3}
	tp, closeFn := newTestPipeline(t, cfg, 0, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(200)
	})
	defer closeFn()

	if _, err := tp.pipeline.Execute(context.Background(), http.MethodGet, "/private", nil, nil, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	times := tp.recordedSignTimes()
	if len(times) != 2 {
		t.Fatalf("expected 2 signatures, got %d", len(times))
	}
	if !times[1].After(times[0]) {
		t.Fatalf("expected second signature timestamp after first: %v vs %v", times[1], times[0])
	}
}

// TestSkewRetryResyncs confirms a timestamp rejection resyncs the clock and
// retries without consuming the attempt budget.
func TestSkewRetryResyncs(t *testing.T) {
	var calls int32
	cfg := PipelineConfig{MaxAttempts: 1}
	tp, closeFn := newTestPipeline(t, cfg, 0, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(409)
			return
		}
		w.WriteHeader(200)
	})
	defer closeFn()

	if _, err := tp.pipeline.Execute(context.Background(), http.MethodGet, "/private", nil, nil, true); err != nil {
		t.Fatalf("expected success after skew retry, got %v", err)
	}
	if got := atomic.LoadInt32(tp.reqCalls); got != 2 {
		t.Fatalf("expected 2 request attempts, got %d", got)
	}
	// Initial lazy sync plus the forced resync after the rejection.
	if got := atomic.LoadInt32(tp.timeCalls); got != 2 {
		t.Fatalf("expected 2 server-time calls, got %d", got)
	}
}

// TestAuthFailsFast asserts an auth failure is surfaced after one attempt.
func TestAuthFailsFast(t *testing.T) {
	cfg := PipelineConfig{MaxAttempts: 5}
	tp, closeFn := newTestPipeline(t, cfg, 0, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
	})
	defer closeFn()

	_, err := tp.pipeline.Execute(context.Background(), http.MethodGet, "/private", nil, nil, true)
	reqErr, ok := AsRequestError(err)
	if !ok || reqErr.Kind != KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if got := atomic.LoadInt32(tp.reqCalls); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

// TestBreakerOpensAndRecovers opens the breaker with consecutive failures,
// verifies fail-fast without network calls, then recovers after the cooldown.
func TestBreakerOpensAndRecovers(t *testing.T) {
	var healthy int32
	cfg := PipelineConfig{MaxAttempts: 2, BreakerThreshold: 2, BreakerCooldown: time.Minute}
	tp, closeFn := newTestPipeline(t, cfg, 0, func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&healthy) == 1 {
			w.WriteHeader(200)
			return
		}
		w.WriteHeader(500)
	})
	defer closeFn()

	if _, err := tp.pipeline.Execute(context.Background(), http.MethodGet, "/data", nil, nil, false); err == nil {
		t.Fatal("expected failure")
	}
	if got := atomic.LoadInt32(tp.reqCalls); got != 2 {
		t.Fatalf("expected 2 attempts before breaker opened, got %d", got)
	}

	_, err := tp.pipeline.Execute(context.Background(), http.MethodGet, "/data", nil, nil, false)
	if !IsBreakerOpen(err) {
		t.Fatalf("expected breaker-open error, got %v", err)
	}
	if got := atomic.LoadInt32(tp.reqCalls); got != 2 {
		t.Fatalf("expected fail-fast without a network call, got %d attempts", got)
	}

	atomic.StoreInt32(&healthy, 1)
	tp.clock.Advance(time.Minute + time.Second)
	if _, err := tp.pipeline.Execute(context.Background(), http.MethodGet, "/data", nil, nil, false); err != nil {
		t.Fatalf("expected recovery after cooldown, got %v", err)
	}
}

// TestBanUntilTripsBreaker checks an explicit ban opens the breaker for the
// signaled duration rather than the default cooldown.
func TestBanUntilTripsBreaker(t *testing.T) {
	var banned int32 = 1
	cfg := PipelineConfig{MaxAttempts: 3, BreakerCooldown: time.Minute}
	tp, closeFn := newTestPipeline(t, cfg, 0, func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&banned) == 1 {
			w.Header().Set("Retry-After", "90")
			w.WriteHeader(429)
			return
		}
		w.WriteHeader(200)
	})
	defer closeFn()

	start := tp.clock.Now()
	_, err := tp.pipeline.Execute(context.Background(), http.MethodGet, "/data", nil, nil, false)
	reqErr, ok := AsRequestError(err)
	if !ok || reqErr.Kind != KindBanned {
		t.Fatalf("expected ban error, got %v", err)
	}

	_, err = tp.pipeline.Execute(context.Background(), http.MethodGet, "/data", nil, nil, false)
	reqErr, ok = AsRequestError(err)
	if !ok || reqErr.Kind != KindBreakerOpen {
		t.Fatalf("expected breaker-open error, got %v", err)
	}
	if want := start.Add(90 * time.Second); !reqErr.BanUntil.Equal(want) {
		t.Fatalf("expected breaker open until %v, got %v", want, reqErr.BanUntil)
	}

	atomic.StoreInt32(&banned, 0)
	tp.clock.Advance(91 * time.Second)
	if _, err := tp.pipeline.Execute(context.Background(), http.MethodGet, "/data", nil, nil, false); err != nil {
		t.Fatalf("expected success after ban expiry, got %v", err)
	}
}

// TestSlidingWindowLimiter fills the window and verifies the next send waits
// until the oldest entry exits it.
func TestSlidingWindowLimiter(t *testing.T) {
	clock := newFakeClock()
	limiter := newSlidingWindowLimiter(time.Minute, 3, 0, clock)

	first := clock.Now()
	for i := 0; i < 3; i++ {
		limiter.Wait()
		clock.Advance(time.Second)
	}
	if got := limiter.inWindow(); got != 3 {
		t.Fatalf("expected 3 sends in window, got %d", got)
	}

	limiter.Wait()
	if clock.Now().Before(first.Add(time.Minute)) {
		t.Fatalf("expected fourth send after %v, clock at %v", first.Add(time.Minute), clock.Now())
	}
	if got := limiter.inWindow(); got > 3 {
		t.Fatalf("expected window to stay within limit, got %d", got)
	}
}

// TestLimiterMinInterval enforces fixed spacing between consecutive sends.
func TestLimiterMinInterval(t *testing.T) {
	clock := newFakeClock()
	limiter := newSlidingWindowLimiter(time.Minute, 100, 100*time.Millisecond, clock)

	limiter.Wait()
	first := clock.Now()
	limiter.Wait()
	if got := clock.Now().Sub(first); got < 100*time.Millisecond {
		t.Fatalf("expected at least 100ms between sends, got %v", got)
	}
}

// TestBreakerResetOnSuccess verifies one success clears the consecutive
// failure count.
func TestBreakerResetOnSuccess(t *testing.T) {
	clock := newFakeClock()
	breaker := newCircuitBreaker(5, time.Minute, clock)

	for i := 0; i < 4; i++ {
		breaker.Failure()
	}
	breaker.Success()
	for i := 0; i < 4; i++ {
		breaker.Failure()
	}
	if allowed, _ := breaker.Allow(); !allowed {
		t.Fatal("expected breaker closed after reset")
	}
	breaker.Failure()
	if allowed, _ := breaker.Allow(); allowed {
		t.Fatal("expected breaker open at threshold")
	}
}
