package ratelimit

import (
	"fmt"
	"io"
	"net/http"

	"github.com/Sternrassler/searchconsole-client/pkg/transport"
)

// Transport charges the bucket for every outgoing request before handing
// it to Base.
type Transport struct {
	Base    http.RoundTripper
	Bucket  *TokenBucket
	Counter *Counter
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	cost, err := Cost(req)
	if err != nil {
		return nil, err
	}
	if cost > 0 {
		if err := t.Bucket.Acquire(req.Context(), float64(cost)); err != nil {
			return nil, fmt.Errorf("throttle: %w", err)
		}
		if t.Counter != nil {
			t.Counter.Record(cost)
		}
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// Cost returns the number of logical queries a request carries: the
// embedded sub-requests of a batch, 1 for a direct query, 0 otherwise.
func Cost(req *http.Request) (int, error) {
	path := req.URL.Path
	switch {
	case transport.IsBatchPath(path):
		if req.GetBody == nil {
			return 0, fmt.Errorf("batch request body is not replayable")
		}
		body, err := req.GetBody()
		if err != nil {
			return 0, fmt.Errorf("copy batch body: %w", err)
		}
		defer body.Close()
		data, err := io.ReadAll(body)
		if err != nil {
			return 0, fmt.Errorf("read batch body: %w", err)
		}
		return transport.CountBatchQueries(data), nil
	case transport.IsQueryPath(path):
		return 1, nil
	default:
		return 0, nil
	}
}
