// Package testutil provides testing utilities for the search analytics client.
package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
)

// QuotaBody is the error body upstream sends on a quota rejection.
const QuotaBody = `{"error":{"code":403,"message":"Quota exceeded","errors":[{"domain":"usageLimits","reason":"quotaExceeded","message":"Quota exceeded"}]}}`

// MockRow is one result row served by the mock.
type MockRow struct {
	Keys        []string `json:"keys"`
	Clicks      float64  `json:"clicks"`
	Impressions float64  `json:"impressions"`
	CTR         float64  `json:"ctr"`
	Position    float64  `json:"position"`
}

// MockSite is one entry of the site list.
type MockSite struct {
	SiteURL         string `json:"siteUrl"`
	PermissionLevel string `json:"permissionLevel"`
}

// QueryRequest is a decoded search analytics query.
type QueryRequest struct {
	Site       string   `json:"-"`
	StartDate  string   `json:"startDate"`
	EndDate    string   `json:"endDate"`
	Dimensions []string `json:"dimensions"`
	DataState  string   `json:"dataState"`
	Type       string   `json:"type"`
	RowLimit   int      `json:"rowLimit"`
	StartRow   int      `json:"startRow"`
}

// MockResponse overrides the answer to one logical query.
type MockResponse struct {
	StatusCode int
	Body       string

	// Omit drops the query's part from a batch response.
	Omit bool
}

// MockSearchConsole is a configurable mock of the search analytics API
// with the single-query, batch and site-list endpoints.
type MockSearchConsole struct {
	server *httptest.Server
	mu     sync.Mutex

	sites []MockSite
	data  func(q QueryRequest) []MockRow
	fault func(q QueryRequest, seen int) *MockResponse
	batch func(n int) *MockResponse
	seen  map[string]int

	// Tracking
	requestCount int
	batchCount   int
	queryCount   int
	queries      []QueryRequest
}

// NewMockSearchConsole creates a new mock server with no sites and no data.
func NewMockSearchConsole() *MockSearchConsole {
	mock := &MockSearchConsole{
		data: func(QueryRequest) []MockRow { return nil },
		seen: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /webmasters/v3/sites", mock.handleSites)
	mux.HandleFunc("POST /batch/webmasters/v3", mock.handleBatch)
	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.mu.Unlock()
		// URL-prefix sites unescape to paths with "//", which the mux would redirect.
		if r.Method == http.MethodPost && strings.HasPrefix(r.URL.EscapedPath(), "/webmasters/v3/sites/") {
			mock.handleQuery(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	return mock
}

// URL returns the mock server URL.
func (m *MockSearchConsole) URL() string {
	return m.server.URL
}

// Client returns an http.Client for the mock server.
func (m *MockSearchConsole) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockSearchConsole) Close() {
	m.server.Close()
}

// SetSites configures the site list.
func (m *MockSearchConsole) SetSites(sites ...MockSite) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sites = sites
}

// SetData configures the full row set of a query. The mock applies the
// row window itself.
func (m *MockSearchConsole) SetData(fn func(q QueryRequest) []MockRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = fn
}

// SetFault overrides answers to logical queries. fn receives how many
// times the same query has been seen before; returning nil serves data.
func (m *MockSearchConsole) SetFault(fn func(q QueryRequest, seen int) *MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// SetBatchFault overrides whole batch calls. fn receives the 0-based
// number of the batch call; returning nil processes the batch.
func (m *MockSearchConsole) SetBatchFault(fn func(n int) *MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batch = fn
}

// RequestCount returns the number of physical requests.
func (m *MockSearchConsole) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// BatchCount returns the number of batch calls.
func (m *MockSearchConsole) BatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchCount
}

// QueryCount returns the number of logical queries received, batched or not.
func (m *MockSearchConsole) QueryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queryCount
}

// Queries returns every logical query received, in arrival order.
func (m *MockSearchConsole) Queries() []QueryRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]QueryRequest, len(m.queries))
	copy(out, m.queries)
	return out
}

func (m *MockSearchConsole) handleSites(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	sites := m.sites
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"siteEntry": sites})
}

func (m *MockSearchConsole) handleQuery(w http.ResponseWriter, r *http.Request) {
	site, ok := siteFromPath(r.URL.EscapedPath())
	if !ok {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	status, payload, _ := m.answer(site, body)
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	w.Write(payload)
}

func (m *MockSearchConsole) handleBatch(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	n := m.batchCount
	m.batchCount++
	batchFault := m.batch
	m.mu.Unlock()

	if batchFault != nil {
		if resp := batchFault(n); resp != nil {
			w.Header().Set("Content-Type", "application/json; charset=UTF-8")
			w.WriteHeader(resp.StatusCode)
			io.WriteString(w, resp.Body)
			return
		}
	}

	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || params["boundary"] == "" {
		http.Error(w, "bad batch content type", http.StatusBadRequest)
		return
	}

	var out bytes.Buffer
	mw := multipart.NewWriter(&out)
	mr := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, "bad batch body", http.StatusBadRequest)
			return
		}
		id := strings.Trim(part.Header.Get("Content-ID"), "<>")
		path, body, err := readEmbeddedRequest(part)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		site, ok := siteFromPath(path)
		if !ok {
			http.Error(w, "bad embedded path "+path, http.StatusBadRequest)
			return
		}

		status, payload, omit := m.answer(site, body)
		if omit {
			continue
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", "application/http")
		h.Set("Content-ID", "<response-"+id+">")
		pw, _ := mw.CreatePart(h)
		fmt.Fprintf(pw, "HTTP/1.1 %d %s\r\nContent-Type: application/json; charset=UTF-8\r\nContent-Length: %d\r\n\r\n",
			status, http.StatusText(status), len(payload))
		pw.Write(payload)
	}
	mw.Close()

	w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusOK)
	w.Write(out.Bytes())
}

// answer serves one logical query.
func (m *MockSearchConsole) answer(site string, body []byte) (int, []byte, bool) {
	var q QueryRequest
	if err := json.Unmarshal(body, &q); err != nil {
		return http.StatusBadRequest, []byte(`{"error":{"code":400,"message":"bad query"}}`), false
	}
	q.Site = site

	m.mu.Lock()
	m.queryCount++
	m.queries = append(m.queries, q)
	key := fmt.Sprintf("%s|%s|%s|%v|%d|%d", site, q.StartDate, q.EndDate, q.Dimensions, q.RowLimit, q.StartRow)
	seen := m.seen[key]
	m.seen[key]++
	fault := m.fault
	data := m.data
	m.mu.Unlock()

	if fault != nil {
		if resp := fault(q, seen); resp != nil {
			return resp.StatusCode, []byte(resp.Body), resp.Omit
		}
	}

	rows := data(q)
	limit := q.RowLimit
	if limit <= 0 {
		limit = 1000
	}
	start := min(q.StartRow, len(rows))
	end := min(start+limit, len(rows))
	page := map[string]any{"responseAggregationType": "byProperty"}
	if end > start {
		page["rows"] = rows[start:end]
	}
	payload, _ := json.Marshal(page)
	return http.StatusOK, payload, false
}

func readEmbeddedRequest(part io.Reader) (string, []byte, error) {
	tp := textproto.NewReader(bufio.NewReader(part))
	line, err := tp.ReadLine()
	if err != nil {
		return "", nil, fmt.Errorf("read request line: %w", err)
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != http.MethodPost {
		return "", nil, fmt.Errorf("bad request line %q", line)
	}
	if _, err := tp.ReadMIMEHeader(); err != nil {
		return "", nil, fmt.Errorf("read embedded headers: %w", err)
	}
	body, err := io.ReadAll(tp.R)
	if err != nil {
		return "", nil, fmt.Errorf("read embedded body: %w", err)
	}
	return fields[1], bytes.TrimSpace(body), nil
}

// siteFromPath extracts the site from an escaped query endpoint path.
func siteFromPath(path string) (string, bool) {
	const prefix, suffix = "/webmasters/v3/sites/", "/searchAnalytics/query"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	site, err := url.PathUnescape(strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix))
	if err != nil {
		return "", false
	}
	return site, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// QuotaFault answers every query with a quota rejection.
func QuotaFault(q QueryRequest, seen int) *MockResponse {
	return &MockResponse{StatusCode: http.StatusForbidden, Body: QuotaBody}
}

// ServerError is a 500 answer.
func ServerError() *MockResponse {
	return &MockResponse{StatusCode: http.StatusInternalServerError, Body: `{"error":{"code":500,"message":"Backend Error"}}`}
}
