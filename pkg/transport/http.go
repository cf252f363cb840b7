package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/searchconsole-client/pkg/query"
)

// DefaultBaseURL is the public API host.
const DefaultBaseURL = "https://www.googleapis.com"

const (
	apiPrefix   = "/webmasters/v3"
	batchPath   = "/batch/webmasters/v3"
	querySuffix = "/searchAnalytics/query"
)

// Doer executes one physical call. Implementations may retry; newRequest
// is invoked once per attempt so request bodies are always fresh.
type Doer interface {
	Do(ctx context.Context, newRequest func(ctx context.Context) (*http.Request, error)) (*http.Response, error)
}

// ClientDoer performs exactly one attempt with an http.Client.
type ClientDoer struct {
	Client *http.Client
}

// Do implements Doer.
func (d ClientDoer) Do(ctx context.Context, newRequest func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	req, err := newRequest(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, ConnectionError(err)
	}
	return resp, nil
}

// Config holds the HTTP transport configuration.
type Config struct {
	// BaseURL is the API host, without trailing slash.
	BaseURL string

	// UserAgent is sent with every request.
	UserAgent string

	// Doer executes physical calls (REQUIRED).
	Doer Doer

	// Logger receives call diagnostics. The zero value discards them.
	Logger zerolog.Logger
}

// HTTP implements Analytics over the JSON/multipart wire protocol.
type HTTP struct {
	baseURL   string
	userAgent string
	doer      Doer
	logger    zerolog.Logger
}

var _ Analytics = (*HTTP)(nil)

// NewHTTP creates an HTTP transport.
func NewHTTP(cfg Config) (*HTTP, error) {
	if cfg.Doer == nil {
		return nil, fmt.Errorf("doer is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &HTTP{
		baseURL:   base,
		userAgent: cfg.UserAgent,
		doer:      cfg.Doer,
		logger:    cfg.Logger.With().Str("component", "transport").Logger(),
	}, nil
}

// QueryPath returns the API path of the query endpoint for a site.
func QueryPath(site string) string {
	return apiPrefix + "/sites/" + url.PathEscape(site) + querySuffix
}

func (t *HTTP) newRequest(ctx context.Context, method, path, contentType string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (t *HTTP) roundTrip(ctx context.Context, method, path, contentType string, body []byte) (*http.Response, []byte, error) {
	start := time.Now()
	resp, err := t.doer.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return t.newRequest(ctx, method, path, contentType, body)
	})
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, ConnectionError(fmt.Errorf("read response body: %w", err))
	}

	t.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Search analytics call finished")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, ErrorFromResponse(resp.StatusCode, data)
	}
	if !IsBatchPath(path) && bytes.Contains(data, []byte(QuotaDomain)) && QuotaExceededBody(data) {
		return nil, nil, ErrorFromResponse(resp.StatusCode, data)
	}
	return resp, data, nil
}

// ListSites returns the properties visible to the credentials.
func (t *HTTP) ListSites(ctx context.Context) ([]Site, error) {
	_, data, err := t.roundTrip(ctx, http.MethodGet, apiPrefix+"/sites", "", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		SiteEntry []Site `json:"siteEntry"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &Error{Kind: KindDecode, StatusCode: http.StatusOK, Message: "decode site list", Err: err}
	}
	return out.SiteEntry, nil
}

// ExecuteQuery runs a single logical query.
func (t *HTTP) ExecuteQuery(ctx context.Context, site string, q query.Query) (*Page, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}
	_, data, err := t.roundTrip(ctx, http.MethodPost, QueryPath(site), "application/json", payload)
	if err != nil {
		return nil, err
	}
	return decodePage(data)
}

// ExecuteBatch runs several logical queries in one multipart call.
// Parts missing from the response are absent from the returned map.
func (t *HTTP) ExecuteBatch(ctx context.Context, site string, reqs []BatchRequest) (map[string]BatchResult, error) {
	if len(reqs) == 0 {
		return map[string]BatchResult{}, nil
	}
	if len(reqs) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds upstream cap %d", len(reqs), MaxBatchSize)
	}

	body, contentType, err := EncodeBatch(site, reqs)
	if err != nil {
		return nil, err
	}
	resp, data, err := t.roundTrip(ctx, http.MethodPost, batchPath, contentType, body)
	if err != nil {
		return nil, err
	}
	results, err := DecodeBatch(resp.Header.Get("Content-Type"), data)
	if err != nil {
		return nil, &Error{Kind: KindDecode, StatusCode: resp.StatusCode, Message: "decode batch response", Err: err}
	}
	return results, nil
}

func decodePage(data []byte) (*Page, error) {
	var p Page
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &Error{Kind: KindDecode, StatusCode: http.StatusOK, Message: "decode page", Err: err}
	}
	return &p, nil
}

// QuotaExceeded reports whether resp carries a quota-exceeded signal,
// either as a JSON error body or as a batch whose every part was rejected
// for quota. The body is restored for later readers.
func QuotaExceeded(resp *http.Response) bool {
	if resp == nil || resp.Body == nil {
		return false
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil || !bytes.Contains(data, []byte(QuotaDomain)) {
		return false
	}

	ct := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil && strings.HasPrefix(mediaType, "multipart/") {
		results, err := DecodeBatch(ct, data)
		if err != nil || len(results) == 0 {
			return false
		}
		for _, r := range results {
			if !IsQuota(r.Err) {
				return false
			}
		}
		return true
	}
	return QuotaExceededBody(data)
}
