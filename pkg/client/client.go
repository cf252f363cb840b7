// Package client provides the search analytics client with throttling,
// batching, retry and streaming of result rows.
package client

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/searchconsole-client/pkg/batch"
	"github.com/Sternrassler/searchconsole-client/pkg/cache"
	"github.com/Sternrassler/searchconsole-client/pkg/pagination"
	"github.com/Sternrassler/searchconsole-client/pkg/query"
	"github.com/Sternrassler/searchconsole-client/pkg/ratelimit"
	"github.com/Sternrassler/searchconsole-client/pkg/retry"
	"github.com/Sternrassler/searchconsole-client/pkg/rows"
	"github.com/Sternrassler/searchconsole-client/pkg/transport"
)

// Prometheus metrics for report operations.
var (
	scReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sc_reports_total",
		Help: "Total report invocations by kind",
	}, []string{"kind"})

	scReportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sc_report_duration_seconds",
		Help:    "Report duration in seconds by kind, measured until the stream ends",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 300, 900},
	}, []string{"kind"})

	scReportRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sc_report_rows_total",
		Help: "Total rows yielded to callers by report kind",
	}, []string{"kind"})
)

// ItemizedDimensions returns the grouping keys of an itemized report.
func ItemizedDimensions() []query.Dimension {
	return []query.Dimension{
		query.DimensionDate,
		query.DimensionPage,
		query.DimensionQuery,
		query.DimensionCountry,
		query.DimensionDevice,
	}
}

var validate = validator.New()

// Client is the search analytics client. It is safe for concurrent use;
// all calls share one throttle bucket and one query counter.
type Client struct {
	api      transport.Analytics
	executor *retry.Executor
	http     *http.Client
	bucket   *ratelimit.TokenBucket
	counter  *ratelimit.Counter
	cache    *cache.Manager
	config   Config
	logger   zerolog.Logger

	batchSize atomic.Int32
	sleep     func(ctx context.Context, d time.Duration) error
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the API host. Empty selects transport.DefaultBaseURL.
	BaseURL string `validate:"omitempty,url"`

	// User-Agent header sent with every request.
	UserAgent string `validate:"required"`

	// HTTPClient carries authentication (REQUIRED). Its transport is
	// wrapped by the throttle gate.
	HTTPClient *http.Client `validate:"required"`

	// Throttle gate
	Rate     float64 `validate:"gt=0"`  // Logical queries per second
	Capacity float64 `validate:"gte=1"` // Burst ceiling in queries

	// Batching and the scheduler's retry cascade
	Batch batch.Config

	// Retry policy around every physical call
	Retry retry.Policy `validate:"-"`

	// PageSize is the row window of itemized reports.
	PageSize int `validate:"min=1,max=25000"`

	// Caching (optional). Only final data is cached.
	Redis    *redis.Client `validate:"-"`
	CacheTTL time.Duration `validate:"min=0"`

	// OnError is called once for every day or row window that failed
	// permanently. Optional.
	OnError func(q query.Query, err error) `validate:"-"`

	Logger zerolog.Logger `validate:"-"`
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(httpClient *http.Client, userAgent string) Config {
	return Config{
		BaseURL:    transport.DefaultBaseURL,
		UserAgent:  userAgent,
		HTTPClient: httpClient,
		Rate:       ratelimit.DefaultRate,
		Capacity:   ratelimit.DefaultCapacity,
		Batch:      batch.DefaultConfig(),
		Retry:      retry.DefaultPolicy(),
		PageSize:   query.MaxRowLimit,
		CacheTTL:   cache.DefaultTTL,
		Logger:     log.Logger,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return configError(err)
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("%w: retry max_retries must be >= 1 (got %d)", ErrInvalidConfig, c.Retry.MaxRetries)
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("%w: retry backoff_factor must be >= 1 (got %v)", ErrInvalidConfig, c.Retry.BackoffFactor)
	}
	return nil
}

// New creates a new search analytics client.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger.With().Str("component", "sc-client").Logger()

	bucket, err := ratelimit.NewTokenBucket(cfg.Rate, cfg.Capacity, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	counter := ratelimit.NewCounter()

	// Every physical call, including retries, passes the throttle gate.
	throttled := &http.Client{
		Transport: &ratelimit.Transport{
			Base:    cfg.HTTPClient.Transport,
			Bucket:  bucket,
			Counter: counter,
		},
		CheckRedirect: cfg.HTTPClient.CheckRedirect,
		Jar:           cfg.HTTPClient.Jar,
		Timeout:       cfg.HTTPClient.Timeout,
	}
	executor := retry.NewExecutor(throttled, cfg.Retry, cfg.Logger)

	api, err := transport.NewHTTP(transport.Config{
		BaseURL:   cfg.BaseURL,
		UserAgent: cfg.UserAgent,
		Doer:      executor,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var pageCache *cache.Manager
	if cfg.Redis != nil {
		pageCache = cache.NewManager(cfg.Redis, cfg.CacheTTL)
		pageCache.SetLogger(cfg.Logger)
	}

	c := &Client{
		api:      api,
		executor: executor,
		http:     throttled,
		bucket:   bucket,
		counter:  counter,
		cache:    pageCache,
		config:   cfg,
		logger:   logger,
		sleep:    retry.Sleep,
	}
	c.batchSize.Store(int32(cfg.Batch.BatchSize))

	logger.Debug().
		Float64("rate", cfg.Rate).
		Float64("capacity", cfg.Capacity).
		Int("batch_size", cfg.Batch.BatchSize).
		Bool("cache", pageCache != nil).
		Msg("Client created")
	return c, nil
}

// BatchSize returns the number of logical queries per physical call used
// by the next report.
func (c *Client) BatchSize() int {
	return int(c.batchSize.Load())
}

// SetBatchSize changes the batch size of subsequent reports. Reports
// already streaming keep their size.
func (c *Client) SetBatchSize(n int) error {
	if n < batch.MinBatchSize || n > batch.MaxBatchSize {
		return fmt.Errorf("%w: batch size must be in %d..%d (got %d)",
			ErrInvalidConfig, batch.MinBatchSize, batch.MaxBatchSize, n)
	}
	c.batchSize.Store(int32(n))
	return nil
}

// QPS returns the observed logical queries per second since the client
// was created.
func (c *Client) QPS() float64 {
	return c.counter.Rate()
}

// TotalQueries returns the number of logical queries sent so far.
func (c *Client) TotalQueries() int64 {
	return c.counter.Total()
}

// ThrottleState returns a snapshot of the throttle gate. It waits while
// another call sleeps off a deficit in the gate, unless ctx ends first.
func (c *Client) ThrottleState(ctx context.Context) (ratelimit.BucketState, error) {
	return c.bucket.State(ctx)
}

// Sites lists the properties visible to the credentials.
func (c *Client) Sites(ctx context.Context) ([]transport.Site, error) {
	return c.api.ListSites(ctx)
}

// ValidateSite checks that site is listed and verified.
func (c *Client) ValidateSite(ctx context.Context, site string) error {
	sites, err := c.api.ListSites(ctx)
	if err != nil {
		return fmt.Errorf("list sites: %w", err)
	}
	for _, s := range sites {
		if s.SiteURL != site {
			continue
		}
		if s.Unverified() {
			return fmt.Errorf("%w: %s is unverified", ErrSiteNotAccessible, site)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSiteNotAccessible, site)
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// SetSleep replaces every retry and cooldown wait (for testing). The
// throttle gate keeps its own clock.
func (c *Client) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	c.sleep = fn
	c.executor.SetSleep(fn)
}

// dayPage is one fetched day of a top-N report.
type dayPage struct {
	src  rows.Source
	page *transport.Page
}

// TopByDay streams the top rowsPerDay rows of every day in params, grouped
// by dim. Days are delivered in ascending order and rows keep the
// upstream order within a day. Configuration errors are yielded first,
// before any network activity; failed days are yielded as *batch.ItemError
// and the stream continues.
func (c *Client) TopByDay(ctx context.Context, params query.Params, dim query.Dimension, rowsPerDay int) iter.Seq2[rows.ResultRow, error] {
	return func(yield func(rows.ResultRow, error) bool) {
		if err := checkTopByDay(params, dim, rowsPerDay); err != nil {
			yield(rows.ResultRow{}, err)
			return
		}
		dims := []query.Dimension{dim}

		sched, err := batch.New(
			c.batchConfig(),
			func(day time.Time) (query.Query, error) {
				return params.DayQuery(day, dims, rowsPerDay, 0), nil
			},
			c.send(params.Site),
			func(day time.Time, page *transport.Page) (dayPage, error) {
				return dayPage{src: rows.SourceFor(params.Site, params.DayQuery(day, dims, rowsPerDay, 0)), page: page}, nil
			},
			c.logger,
		)
		if err != nil {
			yield(rows.ResultRow{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err))
			return
		}
		sched.SetSleep(c.sleep)
		if c.config.OnError != nil {
			sched.OnError(func(day time.Time, err error) {
				c.config.OnError(params.DayQuery(day, dims, rowsPerDay, 0), err)
			})
		}

		const kind = "top_by_day"
		c.report(kind, params, func() {
			for res, err := range sched.Run(ctx, params.Days()) {
				if err != nil {
					if !yield(rows.ResultRow{}, err) {
						return
					}
					continue
				}
				if !c.emit(kind, res.page, res.src, yield) {
					return
				}
			}
		})
	}
}

// Itemized streams the fully itemized report (date, page, query, country,
// device) of every day in params. Each day is read in row windows of
// PageSize until a window comes back short. Rows arrive in date order:
// every window of a day is emitted before the next day, while first
// windows of the following days share its batch calls.
func (c *Client) Itemized(ctx context.Context, params query.Params) iter.Seq2[rows.ResultRow, error] {
	return func(yield func(rows.ResultRow, error) bool) {
		if err := params.Validate(); err != nil {
			yield(rows.ResultRow{}, err)
			return
		}
		pageSize := c.config.PageSize
		dims := ItemizedDimensions()
		cursorQuery := func(cur pagination.Cursor[time.Time]) query.Query {
			return params.DayQuery(cur.Key, dims, cur.Limit, cur.Offset)
		}

		fetch := func(ctx context.Context, wave []pagination.Cursor[time.Time]) iter.Seq2[pagination.PageResult[time.Time], error] {
			sched, err := batch.New(
				c.batchConfig(),
				func(cur pagination.Cursor[time.Time]) (query.Query, error) {
					return cursorQuery(cur), nil
				},
				c.send(params.Site),
				func(cur pagination.Cursor[time.Time], page *transport.Page) (pagination.PageResult[time.Time], error) {
					return pagination.PageResult[time.Time]{Cursor: cur, Page: page}, nil
				},
				c.logger,
			)
			if err != nil {
				return func(yield func(pagination.PageResult[time.Time], error) bool) {
					yield(pagination.PageResult[time.Time]{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err))
				}
			}
			sched.SetSleep(c.sleep)
			if c.config.OnError != nil {
				sched.OnError(func(cur pagination.Cursor[time.Time], err error) {
					c.config.OnError(cursorQuery(cur), err)
				})
			}
			return func(yield func(pagination.PageResult[time.Time], error) bool) {
				for res, err := range sched.Run(ctx, wave) {
					var itemErr *batch.ItemError
					if errors.As(err, &itemErr) {
						if cur, ok := itemErr.Item.(pagination.Cursor[time.Time]); ok {
							res.Cursor = cur
						}
					}
					if !yield(res, err) {
						return
					}
				}
			}
		}

		walker, err := pagination.NewWalker(fetch, pagination.Config{
			PageSize: pageSize,
			Width:    c.BatchSize(),
			Logger:   c.logger,
		})
		if err != nil {
			yield(rows.ResultRow{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err))
			return
		}

		const kind = "itemized"
		c.report(kind, params, func() {
			for res, err := range walker.Walk(ctx, params.Days()) {
				if err != nil {
					if !yield(rows.ResultRow{}, err) {
						return
					}
					continue
				}
				if !c.emit(kind, res.Page, rows.SourceFor(params.Site, cursorQuery(res.Cursor)), yield) {
					return
				}
			}
		})
	}
}

// report runs one report body with metrics and timing.
func (c *Client) report(kind string, params query.Params, body func()) {
	start := time.Now()
	scReportsTotal.WithLabelValues(kind).Inc()
	c.logger.Debug().
		Str("kind", kind).
		Str("site", params.Site).
		Str("start", params.StartDate.Format(query.DateLayout)).
		Str("end", params.EndDate.Format(query.DateLayout)).
		Int("batch_size", c.BatchSize()).
		Msg("Report started")

	body()

	scReportDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	c.logger.Debug().
		Str("kind", kind).
		Str("site", params.Site).
		Int64("total_queries", c.counter.Total()).
		Dur("duration", time.Since(start)).
		Msg("Report finished")
}

// emit normalizes one page into yield. It returns false once the
// consumer stopped.
func (c *Client) emit(kind string, page *transport.Page, src rows.Source, yield func(rows.ResultRow, error) bool) bool {
	src.Logger = c.logger
	for row, err := range rows.Normalize(page, src) {
		if err == nil {
			scReportRowsTotal.WithLabelValues(kind).Inc()
		}
		if !yield(row, err) {
			return false
		}
	}
	return true
}

// batchConfig returns the scheduler configuration with the current batch
// size.
func (c *Client) batchConfig() batch.Config {
	cfg := c.config.Batch
	cfg.BatchSize = c.BatchSize()
	return cfg
}

// send returns the physical call for a chunk on site. Single queries use
// the direct endpoint; cached pages never reach the wire.
func (c *Client) send(site string) batch.ExecuteFunc {
	var execute batch.ExecuteFunc = func(ctx context.Context, reqs []transport.BatchRequest) (map[string]transport.BatchResult, error) {
		if len(reqs) == 1 {
			page, err := c.api.ExecuteQuery(ctx, site, reqs[0].Query)
			if err != nil {
				return nil, err
			}
			return map[string]transport.BatchResult{reqs[0].ID: {Page: page}}, nil
		}
		return c.api.ExecuteBatch(ctx, site, reqs)
	}
	if c.cache != nil {
		execute = c.cache.Wrap(site, execute)
	}
	return execute
}

func checkTopByDay(params query.Params, dim query.Dimension, rowsPerDay int) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if !dim.Known() {
		return fmt.Errorf("%w: unknown dimension %q", query.ErrInvalidParams, dim)
	}
	if dim == query.DimensionDate {
		return fmt.Errorf("%w: date is implied by the per-day grouping", query.ErrInvalidParams)
	}
	if rowsPerDay < 1 || rowsPerDay > query.MaxRowLimit {
		return fmt.Errorf("%w: rows per day must be in 1..%d (got %d)", query.ErrInvalidParams, query.MaxRowLimit, rowsPerDay)
	}
	return nil
}
