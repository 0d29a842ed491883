package connectors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failed exchange request so the pipeline can decide
// between retrying, resyncing the clock, tripping the breaker, or failing
// fast.
type ErrorKind string

const (
	// KindTransient covers timeouts, connection resets and transient 5xx.
	KindTransient ErrorKind = "transient"
	// KindTimestampSkew means the exchange rejected our request timestamp.
	KindTimestampSkew ErrorKind = "timestamp_skew"
	// KindRateLimited is a plain 429 without an explicit ban window.
	KindRateLimited ErrorKind = "rate_limited"
	// KindBanned carries an explicit ban expiry from the exchange.
	KindBanned ErrorKind = "banned"
	// KindAuth is a bad key/secret; retrying cannot fix it.
	KindAuth ErrorKind = "auth"
	// KindMalformed is a non-JSON or otherwise unparseable payload,
	// typically an outage page or a wrong endpoint.
	KindMalformed ErrorKind = "malformed"
	// KindBreakerOpen is returned without a network round-trip while the
	// circuit breaker is open.
	KindBreakerOpen ErrorKind = "breaker_open"
	// KindExchange is a business rejection (bad quantity, unknown order).
	// The request reached the exchange and was refused; never retried.
	KindExchange ErrorKind = "exchange"
)

// RequestError is the single error type surfaced by the signed request
// pipeline.
type RequestError struct {
	Kind       ErrorKind
	StatusCode int
	Code       int    // exchange business error code, when present
	Msg        string // exchange message, when present
	BanUntil   time.Time
	Err        error
}

func (e *RequestError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("exchange request failed (%s, code=%d): %s", e.Kind, e.Code, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("exchange request failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("exchange request failed (%s, http=%d)", e.Kind, e.StatusCode)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Retryable reports whether the pipeline may retry the request with a fresh
// signature. Auth and malformed payloads fail fast, bans open the breaker.
func (e *RequestError) Retryable() bool {
	switch e.Kind {
	case KindTransient, KindTimestampSkew, KindRateLimited:
		return true
	default:
		return false
	}
}

func transientErr(err error) *RequestError {
	return &RequestError{Kind: KindTransient, Err: err}
}

// AsRequestError unwraps err into a *RequestError when possible.
func AsRequestError(err error) (*RequestError, bool) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr, true
	}
	return nil, false
}

// IsBreakerOpen reports whether err was a fail-fast due to the open breaker.
func IsBreakerOpen(err error) bool {
	reqErr, ok := AsRequestError(err)
	return ok && reqErr.Kind == KindBreakerOpen
}
