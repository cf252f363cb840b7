// Package transport speaks the search analytics wire protocol: single
// queries, multipart batches and site listing.
//
// Retry and throttling are not handled here. The HTTP transport delegates
// every physical call to a Doer, which the client wires to the retry
// policy, and whose http.Client is wrapped by the throttle gate.
package transport

import (
	"context"

	"github.com/Sternrassler/searchconsole-client/pkg/query"
)

// MaxBatchSize is the upstream hard cap on sub-requests per batch call.
const MaxBatchSize = 1000

// DocumentedQPS is the upstream per-site query quota.
const DocumentedQPS = 20

// Row is one raw result row. Metrics are pointers so that rows with
// missing fields can be told apart from zero values.
type Row struct {
	Keys        []string `json:"keys"`
	Clicks      *float64 `json:"clicks"`
	Impressions *float64 `json:"impressions"`
	CTR         *float64 `json:"ctr"`
	Position    *float64 `json:"position"`
}

// Page is one upstream response for a single logical query.
type Page struct {
	Rows                    []Row  `json:"rows"`
	ResponseAggregationType string `json:"responseAggregationType,omitempty"`
}

// Site is a property the credentials can access.
type Site struct {
	SiteURL         string `json:"siteUrl"`
	PermissionLevel string `json:"permissionLevel"`
}

// Unverified reports whether the credentials have no data access to the site.
func (s Site) Unverified() bool { return s.PermissionLevel == "siteUnverifiedUser" }

// BatchRequest pairs a logical query with its correlation id.
type BatchRequest struct {
	ID    string
	Query query.Query
}

// BatchResult is the demultiplexed outcome for one correlation id.
// Exactly one of Page and Err is set.
type BatchResult struct {
	Page *Page
	Err  error
}

// Analytics is the upstream contract the client depends on.
type Analytics interface {
	ListSites(ctx context.Context) ([]Site, error)
	ExecuteQuery(ctx context.Context, site string, q query.Query) (*Page, error)
	ExecuteBatch(ctx context.Context, site string, reqs []BatchRequest) (map[string]BatchResult, error)
}
