// Package retry implements the transport-level retry and backoff policy.
//
// Every physical call runs inside Executor.Do. A failed attempt is
// classified, the Policy decides whether to retry and how long to wait,
// and the call is re-issued with a fresh request. Quota rejections get a
// long fixed delay; everything else backs off exponentially.
package retry

import (
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/Sternrassler/searchconsole-client/pkg/transport"
)

// Common errors returned by the executor.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of a failed attempt.
type ErrorClass string

const (
	// ErrorClassNone is a response that needs no retry decision.
	ErrorClassNone ErrorClass = ""

	// ErrorClassNetwork represents connection-level failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassQuota represents an upstream quota-exceeded signal.
	ErrorClassQuota ErrorClass = "quota"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassClient represents other 4xx client errors.
	ErrorClassClient ErrorClass = "client"
)

// Retryable reports whether failures of this class are worth retrying.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorClassNetwork, ErrorClassQuota, ErrorClassServer, ErrorClassRateLimit:
		return true
	default:
		return false
	}
}

// Policy holds the retry configuration.
type Policy struct {
	// MaxRetries is the maximum number of attempts (including the initial request).
	MaxRetries int

	// InitialBackoff is the delay after the first failed attempt.
	InitialBackoff time.Duration

	// BackoffFactor is the multiplier for exponential backoff.
	BackoffFactor float64

	// MaxBackoff caps the exponential delay. Zero means uncapped.
	MaxBackoff time.Duration

	// QuotaDelay is the fixed delay after a quota rejection.
	QuotaDelay time.Duration
}

// DefaultPolicy returns the default retry configuration.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		BackoffFactor:  2.0,
		MaxBackoff:     60 * time.Second,
		QuotaDelay:     30 * time.Second,
	}
}

// Decision is the outcome of Decide.
type Decision struct {
	Retry bool
	Delay time.Duration
	Class ErrorClass
}

// Classify inspects one attempt. The response body is left readable.
func Classify(resp *http.Response, err error) ErrorClass {
	if err != nil {
		return ErrorClassNetwork
	}
	if resp == nil {
		return ErrorClassNone
	}
	if (resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusForbidden) && transport.QuotaExceeded(resp) {
		return ErrorClassQuota
	}
	switch {
	case resp.StatusCode >= 500:
		return ErrorClassServer
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case resp.StatusCode >= 400:
		return ErrorClassClient
	default:
		return ErrorClassNone
	}
}

// Decide applies the retry predicate to one failed or successful attempt.
// attempt is the 1-based number of attempts made so far.
func (p Policy) Decide(attempt int, req *http.Request, resp *http.Response, err error) Decision {
	class := Classify(resp, err)
	d := Decision{Class: class}
	if attempt >= p.MaxRetries || !class.Retryable() {
		return d
	}
	d.Retry = true
	d.Delay = p.Delay(attempt, class)
	return d
}

// Delay returns the wait before the next attempt.
func (p Policy) Delay(attempt int, class ErrorClass) time.Duration {
	if class == ErrorClassQuota {
		return p.QuotaDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	backoff := time.Duration(float64(p.InitialBackoff) * math.Pow(p.BackoffFactor, float64(attempt-1)))
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff
}
