// Package ratelimit implements client-side admission control against the
// upstream query quota.
//
// A TokenBucket charges every physical call for the logical queries it
// carries before the call may leave the process. The Transport wraps an
// http.RoundTripper, estimates that cost by introspecting the outgoing
// request, and records admitted queries on a Counter.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/searchconsole-client/pkg/transport"
)

// Defaults sit below the documented upstream quota.
const (
	// DefaultRate is 90% of the documented queries-per-second quota.
	DefaultRate = transport.DocumentedQPS * 0.9

	// DefaultCapacity allows 20 seconds of burst at DefaultRate.
	DefaultCapacity = DefaultRate * 20
)

// Prometheus metrics for the throttle gate.
var (
	scBucketTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sc_throttle_tokens",
		Help: "Tokens left in the throttle bucket after the last admission",
	})

	scThrottleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sc_throttle_wait_seconds",
		Help:    "Time callers slept in the throttle gate before admission",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	scThrottleAdmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sc_throttle_admitted_tokens_total",
		Help: "Total tokens admitted by the throttle gate",
	})
)

// TokenBucket is the throttle gate. Refill and deduct happen under one
// lock; a caller that has to wait for a deficit sleeps while holding it,
// so later callers are never admitted ahead of it.
type TokenBucket struct {
	// lock is a single-slot semaphore so that waiting for it honours ctx.
	lock chan struct{}

	rate     float64
	capacity float64
	tokens   float64
	last     time.Time

	// level is the last logged fill grade.
	level fillLevel

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger zerolog.Logger
}

// NewTokenBucket creates a full bucket refilling at rate tokens per second.
func NewTokenBucket(rate, capacity float64, logger zerolog.Logger) (*TokenBucket, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("rate must be > 0 (got %v)", rate)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("capacity must be >= 1 (got %v)", capacity)
	}
	b := &TokenBucket{
		lock:     make(chan struct{}, 1),
		rate:     rate,
		capacity: capacity,
		tokens:   capacity,
		now:      time.Now,
		sleep:    sleepCtx,
		logger:   logger.With().Str("component", "throttle").Logger(),
	}
	b.last = b.now()
	return b, nil
}

// SetClock replaces the time source and sleep function (for testing).
// The bucket is refilled to capacity at the new clock's current time.
func (b *TokenBucket) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	b.lock <- struct{}{}
	defer func() { <-b.lock }()
	b.now = now
	b.sleep = sleep
	b.tokens = b.capacity
	b.level = fillHealthy
	b.last = now()
}

// Acquire blocks until cost tokens are available and deducts them.
// A cancelled context aborts the wait without deducting anything.
func (b *TokenBucket) Acquire(ctx context.Context, cost float64) error {
	if cost <= 0 {
		return nil
	}
	select {
	case b.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-b.lock }()

	b.refill(b.now())
	wait := b.snapshot().WaitFor(cost)
	if wait == 0 {
		b.tokens -= cost
		b.admitted(cost, 0)
		return nil
	}

	b.logger.Debug().
		Float64("cost", cost).
		Float64("tokens", b.tokens).
		Dur("wait", wait).
		Msg("Throttling request")

	if err := b.sleep(ctx, wait); err != nil {
		return err
	}
	b.tokens = 0
	b.last = b.now()
	b.admitted(cost, wait)
	return nil
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.last = now
}

func (b *TokenBucket) admitted(cost float64, wait time.Duration) {
	scBucketTokens.Set(b.tokens)
	scThrottleAdmittedTotal.Add(cost)
	scThrottleWaitSeconds.Observe(wait.Seconds())
	b.grade(b.snapshot())
}

// grade logs when the bucket enters the warning or critical fill level.
func (b *TokenBucket) grade(state BucketState) {
	level := fillHealthy
	switch {
	case state.NeedsCriticalBlock():
		level = fillCritical
	case state.NeedsThrottling():
		level = fillWarning
	}
	if level == b.level {
		return
	}
	b.level = level

	switch level {
	case fillCritical:
		b.logger.Error().
			Float64("tokens", state.Tokens).
			Float64("capacity", state.Capacity).
			Dur("refill_in", state.WaitFor(state.Capacity*FillWarning)).
			Msg("Throttle bucket nearly empty, batches will wait")
	case fillWarning:
		b.logger.Warn().
			Float64("tokens", state.Tokens).
			Float64("capacity", state.Capacity).
			Msg("Throttle bucket running low")
	}
}

func (b *TokenBucket) snapshot() BucketState {
	return BucketState{
		Tokens:     b.tokens,
		Capacity:   b.capacity,
		Rate:       b.rate,
		LastRefill: b.last,
	}
}

// State returns a refilled snapshot of the bucket. It waits for a caller
// that is sleeping off a deficit, unless ctx ends first.
func (b *TokenBucket) State(ctx context.Context) (BucketState, error) {
	select {
	case b.lock <- struct{}{}:
	case <-ctx.Done():
		return BucketState{}, ctx.Err()
	}
	defer func() { <-b.lock }()
	b.refill(b.now())
	return b.snapshot(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
