package ratelimit

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var scQueriesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sc_queries_sent_total",
	Help: "Total logical queries admitted onto the wire",
})

// minElapsed guards Rate against division by zero right after start.
const minElapsed = 1e-3

// Counter tracks logical queries sent over the lifetime of a client.
// It is lock-free and independent of the bucket's lock.
type Counter struct {
	total atomic.Int64
	start time.Time
	now   func() time.Time
}

// NewCounter starts counting now.
func NewCounter() *Counter {
	return NewCounterWithClock(time.Now)
}

// NewCounterWithClock starts counting at now() using the given clock.
func NewCounterWithClock(now func() time.Time) *Counter {
	return &Counter{start: now(), now: now}
}

// Record adds n sent queries.
func (c *Counter) Record(n int) {
	if n <= 0 {
		return
	}
	c.total.Add(int64(n))
	scQueriesSentTotal.Add(float64(n))
}

// Total returns the number of queries recorded so far.
func (c *Counter) Total() int64 { return c.total.Load() }

// Rate returns the average queries per second since the counter started.
func (c *Counter) Rate() float64 {
	elapsed := max(minElapsed, c.now().Sub(c.start).Seconds())
	return float64(c.total.Load()) / elapsed
}
