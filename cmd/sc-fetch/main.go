// Command sc-fetch streams a search analytics report as JSON lines.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"iter"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/searchconsole-client/pkg/client"
	"github.com/Sternrassler/searchconsole-client/pkg/logging"
	"github.com/Sternrassler/searchconsole-client/pkg/metrics"
	"github.com/Sternrassler/searchconsole-client/pkg/query"
	"github.com/Sternrassler/searchconsole-client/pkg/rows"
)

func main() {
	configPath := flag.String("config", os.Getenv("SC_CONFIG"), "path to a config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sc-fetch: %v\n", err)
		os.Exit(2)
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sc-fetch: %v\n", err)
		os.Exit(2)
	}
	logging.Setup(logging.Config{
		Level:  level,
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
		Fields: map[string]string{"site": cfg.Site},
	})
	logger := logging.NewLogger("sc-fetch")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	httpClient := &http.Client{
		Transport: &tokenTransport{token: cfg.Token},
		Timeout:   2 * time.Minute,
	}

	summary, err := run(ctx, cfg, httpClient, redisClient, os.Stdout, logger)
	logger.Info().
		Int("rows", summary.Rows).
		Int("failures", summary.Failures).
		Int64("queries", summary.Queries).
		Float64("qps", summary.QPS).
		Msg("Report finished")
	if err != nil {
		logger.Error().Err(err).Msg("Report failed")
		os.Exit(1)
	}
}

// Summary reports the outcome of one run.
type Summary struct {
	Rows     int
	Failures int
	Queries  int64
	QPS      float64
}

// errIncomplete is returned when some days or windows failed permanently.
var errIncomplete = errors.New("report incomplete")

// run streams the configured report to out as one JSON object per line.
// Permanent failures are logged and counted; configuration, quota and
// cancellation errors abort the run.
func run(ctx context.Context, cfg Config, httpClient *http.Client, redisClient *redis.Client, out io.Writer, logger zerolog.Logger) (Summary, error) {
	var summary Summary

	params, err := cfg.Params()
	if err != nil {
		return summary, err
	}

	clientCfg := client.DefaultConfig(httpClient, cfg.UserAgent)
	clientCfg.BaseURL = cfg.BaseURL
	clientCfg.Rate = cfg.Rate
	clientCfg.Batch.BatchSize = cfg.BatchSize
	clientCfg.PageSize = cfg.PageSize
	clientCfg.Redis = redisClient
	clientCfg.Logger = logger

	c, err := client.New(clientCfg)
	if err != nil {
		return summary, err
	}
	defer c.Close()

	if err := c.ValidateSite(ctx, cfg.Site); err != nil {
		return summary, err
	}

	var stream iter.Seq2[rows.ResultRow, error]
	switch cfg.Mode {
	case ModeTop:
		dim, err := query.ParseDimension(cfg.Dimension)
		if err != nil {
			return summary, err
		}
		stream = c.TopByDay(ctx, params, dim, cfg.RowsPerDay)
	default:
		stream = c.Itemized(ctx, params)
	}

	enc := json.NewEncoder(out)
	var runErr error
	for row, err := range stream {
		if err != nil {
			switch client.Classify(err) {
			case client.ErrorClassPermanent, client.ErrorClassData:
				summary.Failures++
				logger.Warn().Err(err).Msg("Skipping failed part of the report")
				continue
			default:
				runErr = err
			}
			break
		}
		if err := enc.Encode(row); err != nil {
			runErr = fmt.Errorf("write row: %w", err)
			break
		}
		summary.Rows++
	}

	summary.Queries = c.TotalQueries()
	summary.QPS = c.QPS()
	if runErr != nil {
		return summary, runErr
	}
	if summary.Failures > 0 {
		return summary, fmt.Errorf("%w: %d failed parts", errIncomplete, summary.Failures)
	}
	return summary, nil
}

// tokenTransport adds a bearer token to every request.
type tokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.token == "" {
		return base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return base.RoundTrip(req)
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler)

	logger.Info().Str("addr", addr).Msg("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("Metrics server failed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}
