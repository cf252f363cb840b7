// Package batch groups logical queries into physical batch calls and
// recovers failed items by halving the batch size.
//
// A Scheduler partitions its input into chunks, sends each chunk as one
// physical call and demultiplexes the response by correlation id. Items
// that fail are retried together at half the batch size after a cooldown.
// Once the batch size is 1, failing items are retried with exponential
// backoff until MaxAttempts is reached and are then reported as
// permanently failed. Results are produced lazily: the next chunk is only
// dispatched when the consumer pulls past the current one.
package batch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/searchconsole-client/pkg/query"
	"github.com/Sternrassler/searchconsole-client/pkg/retry"
	"github.com/Sternrassler/searchconsole-client/pkg/transport"
)

// Batch size bounds.
const (
	MinBatchSize     = 1
	MaxBatchSize     = transport.MaxBatchSize
	DefaultBatchSize = 20
)

// ErrMissingResult marks a correlation id absent from a batch response.
var ErrMissingResult = errors.New("batch response has no result for item")

// Prometheus metrics for the batch scheduler.
var (
	scBatchesDispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sc_batches_dispatched_total",
		Help: "Total physical batch calls dispatched by the scheduler",
	})

	scBatchItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sc_batch_items_total",
		Help: "Total batch items by outcome (success, failed, permanent_failure, build_error)",
	}, []string{"outcome"})

	scBatchHalvingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sc_batch_halvings_total",
		Help: "Total batch size reductions after failed items",
	})

	scBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sc_batch_size",
		Help:    "Number of logical queries per dispatched batch",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 500, 1000},
	})
)

var validate = validator.New()

// Config holds scheduler configuration.
type Config struct {
	// BatchSize is the initial number of items per physical call.
	BatchSize int `validate:"min=1,max=1000"`

	// Cooldown is the wait before a pass at a halved batch size.
	Cooldown time.Duration `validate:"min=0"`

	// BaseDelay is the first backoff at batch size 1. Retry n waits
	// BaseDelay * 2^n.
	BaseDelay time.Duration `validate:"min=0"`

	// MaxAttempts is the number of retries at batch size 1 before an item
	// is reported as permanently failed.
	MaxAttempts int `validate:"min=0"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:   DefaultBatchSize,
		Cooldown:    2 * time.Second,
		BaseDelay:   1 * time.Second,
		MaxAttempts: 3,
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid batch config: %w", err)
	}
	return nil
}

// ExecuteFunc sends one physical batch call.
type ExecuteFunc func(ctx context.Context, reqs []transport.BatchRequest) (map[string]transport.BatchResult, error)

// ItemError reports an item that failed permanently or could not be built.
type ItemError struct {
	Item     any
	Attempts int
	Err      error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %v failed after %d attempts: %v", e.Item, e.Attempts, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// Scheduler dispatches items of type T and produces results of type R.
type Scheduler[T, R any] struct {
	config  Config
	build   func(item T) (query.Query, error)
	execute ExecuteFunc
	handle  func(item T, page *transport.Page) (R, error)
	onError func(item T, err error)
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a scheduler. build turns an item into its logical query,
// execute sends a chunk and handle converts a successful page into a
// result.
func New[T, R any](
	config Config,
	build func(item T) (query.Query, error),
	execute ExecuteFunc,
	handle func(item T, page *transport.Page) (R, error),
	logger zerolog.Logger,
) (*Scheduler[T, R], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if build == nil || execute == nil || handle == nil {
		return nil, fmt.Errorf("build, execute and handle are required")
	}
	return &Scheduler[T, R]{
		config:  config,
		build:   build,
		execute: execute,
		handle:  handle,
		logger:  logger.With().Str("component", "batch").Logger(),
		sleep:   retry.Sleep,
	}, nil
}

// OnError registers a callback for build failures and permanent failures.
// Each failing item is reported exactly once.
func (s *Scheduler[T, R]) OnError(fn func(item T, err error)) {
	s.onError = fn
}

// SetSleep replaces the cooldown and backoff wait (for testing).
func (s *Scheduler[T, R]) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	s.sleep = fn
}

// entry is an item in flight with its correlation id and dispatch count.
type entry[T any] struct {
	item       T
	id         string
	dispatches int
	lastErr    error
}

// Run streams results for items. Successful results are yielded with a nil
// error; failed items are yielded as a zero R and an *ItemError, after
// which the stream continues. Breaking out of the loop stops dispatch.
// A cancelled context yields its error once and ends the stream.
func (s *Scheduler[T, R]) Run(ctx context.Context, items []T) iter.Seq2[R, error] {
	return func(yield func(R, error) bool) {
		pending := make([]*entry[T], len(items))
		for i, item := range items {
			pending[i] = &entry[T]{item: item, id: strconv.Itoa(i)}
		}

		size := s.config.BatchSize
		attempt := 0
		for len(pending) > 0 {
			var failed []*entry[T]
			for start := 0; start < len(pending); start += size {
				if err := ctx.Err(); err != nil {
					var zero R
					yield(zero, err)
					return
				}
				chunk := pending[start:min(start+size, len(pending))]
				chunkFailed, ok := s.dispatch(ctx, chunk, yield)
				if !ok {
					return
				}
				failed = append(failed, chunkFailed...)
			}
			if len(failed) == 0 {
				return
			}

			var wait time.Duration
			switch {
			case size > 1:
				size = max(MinBatchSize, size/2)
				attempt = 0
				wait = s.config.Cooldown
				scBatchHalvingsTotal.Inc()
				s.logger.Warn().
					Int("failed", len(failed)).
					Int("batch_size", size).
					Msg("Retrying failed items with smaller batch size")
			case attempt < s.config.MaxAttempts:
				wait = s.config.BaseDelay << attempt
				attempt++
				s.logger.Warn().
					Int("failed", len(failed)).
					Int("attempt", attempt).
					Dur("backoff", wait).
					Msg("Retrying failed items individually")
			default:
				for _, e := range failed {
					if !s.fail(e, yield, "permanent_failure") {
						return
					}
				}
				return
			}

			if err := s.sleep(ctx, wait); err != nil {
				var zero R
				yield(zero, err)
				return
			}
			pending = failed
		}
	}
}

// dispatch sends one chunk and yields its successes in chunk order. It
// returns the items to retry and false if the consumer stopped.
func (s *Scheduler[T, R]) dispatch(ctx context.Context, chunk []*entry[T], yield func(R, error) bool) ([]*entry[T], bool) {
	reqs := make([]transport.BatchRequest, 0, len(chunk))
	sent := make([]*entry[T], 0, len(chunk))
	for _, e := range chunk {
		q, err := s.build(e.item)
		if err != nil {
			e.lastErr = err
			if !s.fail(e, yield, "build_error") {
				return nil, false
			}
			continue
		}
		reqs = append(reqs, transport.BatchRequest{ID: e.id, Query: q})
		sent = append(sent, e)
	}
	if len(reqs) == 0 {
		return nil, true
	}

	for _, e := range sent {
		e.dispatches++
	}
	scBatchesDispatchedTotal.Inc()
	scBatchSize.Observe(float64(len(reqs)))

	results, err := s.execute(ctx, reqs)
	if err != nil {
		s.logger.Warn().Err(err).Int("items", len(sent)).Msg("Batch call failed")
		for _, e := range sent {
			e.lastErr = err
		}
		scBatchItemsTotal.WithLabelValues("failed").Add(float64(len(sent)))
		return sent, true
	}

	var failed []*entry[T]
	for _, e := range sent {
		res, found := results[e.id]
		switch {
		case !found:
			e.lastErr = ErrMissingResult
		case res.Err != nil:
			e.lastErr = res.Err
		case res.Page == nil:
			e.lastErr = ErrMissingResult
		default:
			out, err := s.handle(e.item, res.Page)
			if err != nil {
				e.lastErr = err
				break
			}
			scBatchItemsTotal.WithLabelValues("success").Inc()
			if !yield(out, nil) {
				return nil, false
			}
			continue
		}
		scBatchItemsTotal.WithLabelValues("failed").Inc()
		failed = append(failed, e)
	}
	return failed, true
}

func (s *Scheduler[T, R]) fail(e *entry[T], yield func(R, error) bool, outcome string) bool {
	err := &ItemError{Item: e.item, Attempts: e.dispatches, Err: e.lastErr}
	scBatchItemsTotal.WithLabelValues(outcome).Inc()
	s.logger.Error().
		Err(e.lastErr).
		Interface("item", e.item).
		Int("attempts", e.dispatches).
		Str("outcome", outcome).
		Msg("Batch item failed")
	if s.onError != nil {
		s.onError(e.item, err)
	}
	var zero R
	return yield(zero, err)
}
