// SIGNED REQUEST PIPELINE SHARED BY ALL EXCHANGE ADAPTERS
// RESTY ONLY + INTERNAL RETRY
package connectors

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jpillora/backoff"
	logger "github.com/sirupsen/logrus"
)

const (
	defaultRetryAttempts   = 5
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 8 * time.Second
)

// SignFunc attaches exchange-specific authentication to an outgoing request.
// It is invoked once per attempt so a retried request always carries a fresh
// timestamp and signature.
type SignFunc func(req *resty.Request, method, path, query string, body []byte, serverTime time.Time)

// ClassifyFunc inspects a completed HTTP exchange and returns nil for
// success or a RequestError describing the failure class.
type ClassifyFunc func(status int, header http.Header, body []byte) *RequestError

// PipelineConfig carries the tunables of the request pipeline. Zero values
// fall back to the defaults below.
type PipelineConfig struct {
	Timeout             time.Duration
	RateWindow          time.Duration
	RateMaxRequests     int
	MinRequestInterval  time.Duration
	BreakerThreshold    int
	BreakerCooldown     time.Duration
	MaxAttempts         int
	RecvWindow          time.Duration
	ClockSafetyMargin   time.Duration
	ClockResyncInterval time.Duration
}

func (c *PipelineConfig) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.RateWindow == 0 {
		c.RateWindow = time.Minute
	}
	if c.RateMaxRequests == 0 {
		c.RateMaxRequests = 100
	}
	if c.MinRequestInterval == 0 {
		c.MinRequestInterval = 100 * time.Millisecond
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown == 0 {
		c.BreakerCooldown = time.Minute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultRetryAttempts
	}
	if c.RecvWindow == 0 {
		c.RecvWindow = 5 * time.Second
	}
	if c.ClockSafetyMargin == 0 {
		c.ClockSafetyMargin = 2 * time.Second
	}
	if c.ClockResyncInterval == 0 {
		c.ClockResyncInterval = 2 * time.Minute
	}
}

// PipelineParams wires a Pipeline for one exchange.
type PipelineParams struct {
	Name            string
	BaseURL         string
	Sign            SignFunc
	Classify        ClassifyFunc
	ServerTimePath  string
	ParseServerTime func(body []byte) (time.Time, error)
	Config          PipelineConfig
	Clock           Clock             // nil means system clock
	Transport       http.RoundTripper // test override
}

// Pipeline builds authenticated requests, compensates clock skew, enforces a
// sliding-window rate limit, retries transient failures with backoff and
// trips a circuit breaker on sustained failure or explicit ban signals. All
// pipeline state is per instance; nothing is package-global.
type Pipeline struct {
	name            string
	http            *resty.Client
	sign            SignFunc
	classify        ClassifyFunc
	serverTimePath  string
	parseServerTime func(body []byte) (time.Time, error)
	cfg             PipelineConfig
	clock           Clock
	limiter         *slidingWindowLimiter
	breaker         *circuitBreaker

	mu       sync.Mutex
	offset   time.Duration
	lastSync time.Time
}

func NewPipeline(params PipelineParams) *Pipeline {
	cfg := params.Config
	cfg.applyDefaults()

	clock := params.Clock
	if clock == nil {
		clock = SystemClock()
	}

	httpClient := resty.New().
		SetBaseURL(params.BaseURL).
		SetTimeout(cfg.Timeout)
	if params.Transport != nil {
		httpClient.SetTransport(params.Transport)
	}

	return &Pipeline{
		name:            params.Name,
		http:            httpClient,
		sign:            params.Sign,
		classify:        params.Classify,
		serverTimePath:  params.ServerTimePath,
		parseServerTime: params.ParseServerTime,
		cfg:             cfg,
		clock:           clock,
		limiter:         newSlidingWindowLimiter(cfg.RateWindow, cfg.RateMaxRequests, cfg.MinRequestInterval, clock),
		breaker:         newCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, clock),
	}
}

// RecvWindow exposes the configured receive window for signers that embed it.
func (p *Pipeline) RecvWindow() time.Duration { return p.cfg.RecvWindow }

// ServerNow is the local clock shifted by the estimated exchange offset.
func (p *Pipeline) ServerNow() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clock.Now().Add(p.offset)
}

// SyncClock measures the round trip to the exchange's server-time endpoint,
// estimates server time as serverTime + rtt/2 and stores the offset with a
// deliberate negative safety margin so a signed timestamp never lands ahead
// of the exchange clock.
func (p *Pipeline) SyncClock(ctx context.Context) error {
	start := p.clock.Now()
	resp, err := p.http.R().SetContext(ctx).Get(p.serverTimePath)
	if err != nil {
		return transientErr(err)
	}
	rtt := p.clock.Now().Sub(start)

	serverTime, err := p.parseServerTime(resp.Body())
	if err != nil {
		return &RequestError{Kind: KindMalformed, StatusCode: resp.StatusCode(), Err: err}
	}

	estimate := serverTime.Add(rtt / 2)
	now := p.clock.Now()

	p.mu.Lock()
	p.offset = estimate.Sub(now) - p.cfg.ClockSafetyMargin
	p.lastSync = now
	offset := p.offset
	p.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"exchange": p.name,
		"rtt":      rtt.String(),
		"offset":   offset.String(),
	}).Debug("Exchange clock synchronized")

	return nil
}

func (p *Pipeline) ensureSynced(ctx context.Context) {
	p.mu.Lock()
	stale := p.lastSync.IsZero() || p.clock.Now().Sub(p.lastSync) > p.cfg.ClockResyncInterval
	p.mu.Unlock()
	if !stale {
		return
	}
	if err := p.SyncClock(ctx); err != nil {
		logger.WithField("exchange", p.name).WithError(err).Warn("Clock sync failed, keeping previous offset")
	}
}

// Execute sends one request through the limiter, breaker and retry policy
// and returns the raw response body. Private requests are signed with a
// fresh server-time estimate on every attempt.
func (p *Pipeline) Execute(ctx context.Context, method, path string, params url.Values, body []byte, private bool) ([]byte, error) {
	return p.execute(ctx, method, path, params, body, private, p.cfg.MaxAttempts)
}

// ExecuteOnce sends a request without transient retries. Mutations go
// through here: a timeout after send is ambiguous and the caller must
// re-query state instead of resending. Timestamp-skew rejections are still
// retried once, since a rejected timestamp means the exchange never
// executed the request.
func (p *Pipeline) ExecuteOnce(ctx context.Context, method, path string, params url.Values, body []byte) ([]byte, error) {
	return p.execute(ctx, method, path, params, body, true, 1)
}

func (p *Pipeline) execute(ctx context.Context, method, path string, params url.Values, body []byte, private bool, maxAttempts int) ([]byte, error) {
	if allowed, until := p.breaker.Allow(); !allowed {
		return nil, &RequestError{Kind: KindBreakerOpen, BanUntil: until, Msg: "circuit breaker open"}
	}

	bo := &backoff.Backoff{
		Min:    defaultRetryBaseDelay,
		Max:    defaultRetryMaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	query := ""
	if params != nil {
		query = params.Encode()
	}

	var lastErr *RequestError
	skewRetries := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		p.limiter.Wait()

		req := p.http.R().SetContext(ctx)
		if private {
			p.ensureSynced(ctx)
			p.sign(req, method, path, query, body, p.ServerNow())
		}
		if query != "" {
			req.SetQueryString(query)
		}
		if body != nil {
			req.SetBody(body).SetHeader("Content-Type", "application/json")
		}

		resp, err := req.Execute(method, path)

		var reqErr *RequestError
		if err != nil {
			reqErr = transientErr(err)
		} else {
			reqErr = p.classify(resp.StatusCode(), resp.Header(), resp.Body())
		}

		if reqErr == nil {
			p.breaker.Success()
			return resp.Body(), nil
		}
		lastErr = reqErr

		logger.WithFields(map[string]interface{}{
			"exchange": p.name,
			"method":   method,
			"path":     path,
			"attempt":  attempt,
			"kind":     string(reqErr.Kind),
		}).WithError(reqErr).Warn("Exchange request attempt failed")

		switch reqErr.Kind {
		case KindTimestampSkew:
			// Uncounted toward the breaker and the attempt budget:
			// resync and retry immediately with a fresh signature.
			if err := p.SyncClock(ctx); err != nil {
				logger.WithField("exchange", p.name).WithError(err).Warn("Clock resync after skew rejection failed")
			}
			if skewRetries < 2 {
				skewRetries++
				attempt--
			}
			continue

		case KindTransient, KindRateLimited:
			p.breaker.Failure()
			if attempt < maxAttempts {
				p.clock.Sleep(bo.Duration())
			}
			continue

		case KindBanned:
			p.breaker.TripUntil(reqErr.BanUntil)
			return nil, reqErr

		default:
			// Auth and malformed payloads fail fast; retrying cannot
			// fix a bad secret or an outage page.
			return nil, reqErr
		}
	}

	return nil, lastErr
}
