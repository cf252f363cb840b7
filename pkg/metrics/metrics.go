// Package metrics provides the Prometheus registry and metric catalogue of
// the search analytics client. All metrics are defined in their respective
// packages (ratelimit, retry, batch, rows, cache, client) to maintain
// modularity and avoid circular dependencies.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Metric describes one exported metric.
type Metric struct {
	Name    string
	Type    string
	Labels  []string
	Package string
}

// Catalogue lists every metric the client exports.
var Catalogue = []Metric{
	// Throttle gate
	{Name: "sc_throttle_tokens", Type: "gauge", Package: "ratelimit"},
	{Name: "sc_throttle_wait_seconds", Type: "histogram", Package: "ratelimit"},
	{Name: "sc_throttle_admitted_tokens_total", Type: "counter", Package: "ratelimit"},
	{Name: "sc_queries_sent_total", Type: "counter", Package: "ratelimit"},

	// Physical calls and retry
	{Name: "sc_requests_total", Type: "counter", Labels: []string{"endpoint", "status"}, Package: "retry"},
	{Name: "sc_retries_total", Type: "counter", Labels: []string{"error_class"}, Package: "retry"},
	{Name: "sc_retry_backoff_seconds", Type: "histogram", Labels: []string{"error_class"}, Package: "retry"},
	{Name: "sc_retry_exhausted_total", Type: "counter", Labels: []string{"error_class"}, Package: "retry"},

	// Batch scheduler
	{Name: "sc_batches_dispatched_total", Type: "counter", Package: "batch"},
	{Name: "sc_batch_items_total", Type: "counter", Labels: []string{"outcome"}, Package: "batch"},
	{Name: "sc_batch_halvings_total", Type: "counter", Package: "batch"},
	{Name: "sc_batch_size", Type: "histogram", Package: "batch"},

	// Rows
	{Name: "sc_rows_total", Type: "counter", Labels: []string{"outcome"}, Package: "rows"},

	// Page cache
	{Name: "sc_cache_hits_total", Type: "counter", Package: "cache"},
	{Name: "sc_cache_misses_total", Type: "counter", Package: "cache"},
	{Name: "sc_cache_written_bytes_total", Type: "counter", Package: "cache"},
	{Name: "sc_cache_errors_total", Type: "counter", Labels: []string{"operation"}, Package: "cache"},

	// Reports
	{Name: "sc_reports_total", Type: "counter", Labels: []string{"kind"}, Package: "client"},
	{Name: "sc_report_duration_seconds", Type: "histogram", Labels: []string{"kind"}, Package: "client"},
	{Name: "sc_report_rows_total", Type: "counter", Labels: []string{"kind"}, Package: "client"},
}

// Handler serves the metrics of Gatherer in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Example Prometheus Queries:
//
//   # Observed logical QPS against the 20 QPS quota
//   rate(sc_queries_sent_total[1m])
//
//   # Share of calls rejected for quota
//   sum(rate(sc_retries_total{error_class="quota"}[5m])) / sum(rate(sc_requests_total[5m]))
//
//   # Items that failed the whole retry cascade
//   increase(sc_batch_items_total{outcome="permanent_failure"}[1h])
//
//   # Cache Hit Rate
//   sum(rate(sc_cache_hits_total[5m])) /
//   (sum(rate(sc_cache_hits_total[5m])) + sum(rate(sc_cache_misses_total[5m])))
//
//   # P95 throttle wait
//   histogram_quantile(0.95, rate(sc_throttle_wait_seconds_bucket[5m]))
