package retry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/searchconsole-client/pkg/transport"
)

// Prometheus metrics for retry operations.
var (
	scRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sc_requests_total",
		Help: "Total physical search analytics calls by endpoint and status",
	}, []string{"endpoint", "status"})

	scRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sc_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	scRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sc_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	scRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sc_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Executor runs physical calls under a Policy. It implements transport.Doer.
type Executor struct {
	client *http.Client
	policy Policy
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

var _ transport.Doer = (*Executor)(nil)

// NewExecutor creates an executor sending through client.
func NewExecutor(client *http.Client, policy Policy, logger zerolog.Logger) *Executor {
	return &Executor{
		client: client,
		policy: policy,
		logger: logger.With().Str("component", "retry").Logger(),
		sleep:  Sleep,
	}
}

// SetSleep replaces the backoff wait (for testing).
func (e *Executor) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	e.sleep = fn
}

// Policy returns the active policy.
func (e *Executor) Policy() Policy { return e.policy }

// Do implements transport.Doer. Retryable failures are retried until the
// policy gives up; the last failure is then returned wrapped in
// ErrRetryExhausted. Non-retryable responses are returned as-is.
func (e *Executor) Do(ctx context.Context, newRequest func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	for attempt := 1; ; attempt++ {
		req, err := newRequest(ctx)
		if err != nil {
			return nil, err
		}
		endpoint := endpointLabel(req)

		resp, err := e.client.Do(req)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
		if err != nil {
			scRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		} else {
			scRequestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", resp.StatusCode)).Inc()
		}

		d := e.policy.Decide(attempt, req, resp, err)
		if d.Class == ErrorClassNone || (!d.Retry && !d.Class.Retryable()) {
			if attempt > 1 {
				e.logger.Info().
					Str("endpoint", endpoint).
					Int("attempt", attempt).
					Msg("Request finished after retry")
			}
			return resp, nil
		}

		lastErr := attemptError(resp, err, d.Class)
		if !d.Retry {
			scRetryExhaustedTotal.WithLabelValues(string(d.Class)).Inc()
			e.logger.Warn().
				Err(lastErr).
				Str("endpoint", endpoint).
				Str("error_class", string(d.Class)).
				Int("max_attempts", e.policy.MaxRetries).
				Msg("Retry attempts exhausted")
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, lastErr)
		}

		scRetriesTotal.WithLabelValues(string(d.Class)).Inc()
		scRetryBackoffSeconds.WithLabelValues(string(d.Class)).Observe(d.Delay.Seconds())
		e.logger.Warn().
			Err(lastErr).
			Str("endpoint", endpoint).
			Str("error_class", string(d.Class)).
			Int("attempt", attempt).
			Dur("backoff", d.Delay).
			Msg("Retrying request after backoff")

		if err := e.sleep(ctx, d.Delay); err != nil {
			e.logger.Warn().
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}
}

// attemptError converts a failed attempt into a transport error and
// releases the response.
func attemptError(resp *http.Response, err error, class ErrorClass) error {
	if err != nil {
		return transport.ConnectionError(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	te := transport.ErrorFromResponse(resp.StatusCode, body)
	if class == ErrorClassQuota && te.Kind != transport.KindQuotaExceeded {
		te.Kind = transport.KindQuotaExceeded
		te.Domain = transport.QuotaDomain
		te.Reason = transport.ReasonQuotaExceeded
	}
	return te
}

func endpointLabel(req *http.Request) string {
	switch {
	case transport.IsBatchPath(req.URL.Path):
		return "batch"
	case transport.IsQueryPath(req.URL.Path):
		return "query"
	default:
		return "other"
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
