package ratelimit

import (
	"math"
	"time"
)

// Fill levels used to grade the bucket for logging and alerting.
const (
	// FillCritical means the next multi-query batch will almost surely wait.
	FillCritical = 0.05

	// FillWarning means the burst allowance is mostly spent.
	FillWarning = 0.25
)

type fillLevel int

const (
	fillHealthy fillLevel = iota
	fillWarning
	fillCritical
)

// BucketState is a point-in-time view of the throttle gate.
type BucketState struct {
	// Tokens currently available.
	Tokens float64 `json:"tokens"`

	// Capacity is the burst ceiling.
	Capacity float64 `json:"capacity"`

	// Rate is the refill rate in tokens per second.
	Rate float64 `json:"rate"`

	// LastRefill is when Tokens was last brought up to date.
	LastRefill time.Time `json:"last_refill"`
}

// Fill returns Tokens as a fraction of Capacity.
func (s BucketState) Fill() float64 {
	if s.Capacity <= 0 {
		return 0
	}
	return s.Tokens / s.Capacity
}

// NeedsCriticalBlock reports whether the bucket is nearly empty.
func (s BucketState) NeedsCriticalBlock() bool {
	return s.Fill() < FillCritical
}

// NeedsThrottling reports whether the burst allowance is mostly spent but
// the bucket is not yet critical.
func (s BucketState) NeedsThrottling() bool {
	return s.Fill() < FillWarning && !s.NeedsCriticalBlock()
}

// WaitFor returns how long an Acquire of cost would sleep right now.
// Returns 0 if enough tokens are available.
func (s BucketState) WaitFor(cost float64) time.Duration {
	if s.Tokens >= cost || s.Rate <= 0 {
		return 0
	}
	return time.Duration(math.Ceil((cost - s.Tokens) / s.Rate * float64(time.Second)))
}
