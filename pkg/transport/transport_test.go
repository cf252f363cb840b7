package transport_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/searchconsole-client/internal/testutil"
	"github.com/Sternrassler/searchconsole-client/pkg/query"
	"github.com/Sternrassler/searchconsole-client/pkg/transport"
)

const site = "sc-domain:example.com"

func dayQuery(day int, dims ...query.Dimension) query.Query {
	d := time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC)
	return query.Query{StartDate: d, EndDate: d, Dimensions: dims, RowLimit: 10}
}

func newTransport(t *testing.T, mock *testutil.MockSearchConsole) *transport.HTTP {
	t.Helper()
	tr, err := transport.NewHTTP(transport.Config{
		BaseURL: mock.URL(),
		Doer:    transport.ClientDoer{Client: mock.Client()},
	})
	if err != nil {
		t.Fatalf("NewHTTP() error = %v", err)
	}
	return tr
}

func dateRows(q testutil.QueryRequest) []testutil.MockRow {
	return []testutil.MockRow{
		{Keys: []string{q.StartDate + "-a"}, Clicks: 2, Impressions: 10, Position: 1.5},
		{Keys: []string{q.StartDate + "-b"}, Clicks: 1, Impressions: 5, Position: 3},
	}
}

func TestNewHTTP_RequiresDoer(t *testing.T) {
	if _, err := transport.NewHTTP(transport.Config{}); err == nil {
		t.Error("NewHTTP() without doer should fail")
	}
}

func TestHTTP_ListSites(t *testing.T) {
	mock := testutil.NewMockSearchConsole()
	defer mock.Close()
	mock.SetSites(
		testutil.MockSite{SiteURL: site, PermissionLevel: "siteOwner"},
		testutil.MockSite{SiteURL: "https://other.example/", PermissionLevel: "siteUnverifiedUser"},
	)

	sites, err := newTransport(t, mock).ListSites(context.Background())
	if err != nil {
		t.Fatalf("ListSites() error = %v", err)
	}
	if len(sites) != 2 || sites[0].SiteURL != site || sites[0].Unverified() || !sites[1].Unverified() {
		t.Errorf("sites = %+v", sites)
	}
}

func TestHTTP_ExecuteQuery(t *testing.T) {
	mock := testutil.NewMockSearchConsole()
	defer mock.Close()
	mock.SetData(dateRows)

	page, err := newTransport(t, mock).ExecuteQuery(context.Background(), site, dayQuery(3, query.DimensionQuery))
	if err != nil {
		t.Fatalf("ExecuteQuery() error = %v", err)
	}
	if len(page.Rows) != 2 || page.Rows[0].Keys[0] != "2024-01-03-a" {
		t.Errorf("page = %+v", page)
	}
	if page.Rows[1].Position == nil || *page.Rows[1].Position != 3 {
		t.Errorf("position not decoded: %+v", page.Rows[1])
	}

	qs := mock.Queries()
	if len(qs) != 1 || qs[0].Site != site || qs[0].RowLimit != 10 || qs[0].Dimensions[0] != "query" {
		t.Errorf("upstream saw %+v", qs)
	}
}

func TestHTTP_ExecuteQuery_QuotaIn403(t *testing.T) {
	mock := testutil.NewMockSearchConsole()
	defer mock.Close()
	mock.SetFault(testutil.QuotaFault)

	_, err := newTransport(t, mock).ExecuteQuery(context.Background(), site, dayQuery(1))
	if !transport.IsQuota(err) {
		t.Fatalf("error = %v, want quota error", err)
	}
	var te *transport.Error
	errors.As(err, &te)
	if te.StatusCode != http.StatusForbidden || te.Reason != transport.ReasonQuotaExceeded {
		t.Errorf("error = %+v", te)
	}
}

func TestHTTP_ExecuteQuery_QuotaIn200(t *testing.T) {
	mock := testutil.NewMockSearchConsole()
	defer mock.Close()
	mock.SetFault(func(q testutil.QueryRequest, seen int) *testutil.MockResponse {
		return &testutil.MockResponse{StatusCode: http.StatusOK, Body: testutil.QuotaBody}
	})

	_, err := newTransport(t, mock).ExecuteQuery(context.Background(), site, dayQuery(1))
	if !transport.IsQuota(err) {
		t.Errorf("error = %v, want quota error", err)
	}
}

func TestHTTP_ExecuteBatch(t *testing.T) {
	mock := testutil.NewMockSearchConsole()
	defer mock.Close()
	mock.SetData(dateRows)
	mock.SetFault(func(q testutil.QueryRequest, seen int) *testutil.MockResponse {
		switch q.StartDate {
		case "2024-01-02":
			return testutil.ServerError()
		case "2024-01-03":
			return &testutil.MockResponse{Omit: true}
		}
		return nil
	})

	reqs := []transport.BatchRequest{
		{ID: "0", Query: dayQuery(1, query.DimensionQuery)},
		{ID: "1", Query: dayQuery(2, query.DimensionQuery)},
		{ID: "2", Query: dayQuery(3, query.DimensionQuery)},
	}
	results, err := newTransport(t, mock).ExecuteBatch(context.Background(), site, reqs)
	if err != nil {
		t.Fatalf("ExecuteBatch() error = %v", err)
	}

	if r := results["0"]; r.Err != nil || r.Page == nil || len(r.Page.Rows) != 2 {
		t.Errorf("result 0 = %+v, want page with 2 rows", r)
	}
	var te *transport.Error
	if r := results["1"]; !errors.As(r.Err, &te) || te.StatusCode != 500 {
		t.Errorf("result 1 = %+v, want 500 error", r)
	}
	if _, ok := results["2"]; ok {
		t.Error("omitted part must be absent")
	}
	if mock.BatchCount() != 1 || mock.QueryCount() != 3 {
		t.Errorf("batches = %d queries = %d, want 1 and 3", mock.BatchCount(), mock.QueryCount())
	}
}

func TestHTTP_ExecuteBatch_Limits(t *testing.T) {
	mock := testutil.NewMockSearchConsole()
	defer mock.Close()
	tr := newTransport(t, mock)

	results, err := tr.ExecuteBatch(context.Background(), site, nil)
	if err != nil || len(results) != 0 {
		t.Errorf("empty batch = %v, %v", results, err)
	}

	reqs := make([]transport.BatchRequest, transport.MaxBatchSize+1)
	if _, err := tr.ExecuteBatch(context.Background(), site, reqs); err == nil {
		t.Error("oversized batch should fail")
	}
	if mock.RequestCount() != 0 {
		t.Errorf("requests = %d, want none", mock.RequestCount())
	}
}

func TestCountBatchQueries(t *testing.T) {
	reqs := []transport.BatchRequest{
		{ID: "a", Query: dayQuery(1)},
		{ID: "b", Query: dayQuery(2)},
	}
	body, contentType, err := transport.EncodeBatch(site, reqs)
	if err != nil {
		t.Fatalf("EncodeBatch() error = %v", err)
	}
	if n := transport.CountBatchQueries(body); n != 2 {
		t.Errorf("CountBatchQueries() = %d, want 2", n)
	}
	if !bytes.Contains([]byte(contentType), []byte("multipart/mixed; boundary=batch_")) {
		t.Errorf("content type = %q", contentType)
	}
	if !bytes.Contains(body, []byte("Content-Id: <a>")) && !bytes.Contains(body, []byte("Content-ID: <a>")) {
		t.Errorf("body lacks correlation id:\n%s", body)
	}
}

func TestQuotaExceeded(t *testing.T) {
	quotaPart := "HTTP/1.1 403 Forbidden\r\nContent-Type: application/json\r\n\r\n" + testutil.QuotaBody
	okPart := "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n{\"rows\":[]}"
	multipartBody := func(parts ...string) string {
		var b bytes.Buffer
		for i, p := range parts {
			b.WriteString("--xyz\r\nContent-Type: application/http\r\nContent-ID: <response-" + string(rune('0'+i)) + ">\r\n\r\n" + p + "\r\n")
		}
		b.WriteString("--xyz--\r\n")
		return b.String()
	}

	tests := []struct {
		name        string
		contentType string
		body        string
		want        bool
	}{
		{name: "json quota body", contentType: "application/json", body: testutil.QuotaBody, want: true},
		{name: "json other error", contentType: "application/json", body: `{"error":{"errors":[{"domain":"global","reason":"notFound"}]}}`},
		{name: "batch all quota", contentType: "multipart/mixed; boundary=xyz", body: multipartBody(quotaPart, quotaPart), want: true},
		{name: "batch partly quota", contentType: "multipart/mixed; boundary=xyz", body: multipartBody(quotaPart, okPart)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Type": []string{tt.contentType}},
				Body:       io.NopCloser(bytes.NewBufferString(tt.body)),
			}
			if got := transport.QuotaExceeded(resp); got != tt.want {
				t.Errorf("QuotaExceeded() = %v, want %v", got, tt.want)
			}
			rest, _ := io.ReadAll(resp.Body)
			if string(rest) != tt.body {
				t.Error("body must be restored")
			}
		})
	}
}

func TestErrorFromResponse(t *testing.T) {
	e := transport.ErrorFromResponse(http.StatusBadRequest, []byte(`{"error":{"code":400,"message":"Invalid dimension","errors":[{"domain":"global","reason":"invalidParameter"}]}}`))
	if e.Kind != transport.KindHTTPStatus || e.Message != "Invalid dimension" || e.Reason != "invalidParameter" {
		t.Errorf("error = %+v", e)
	}
	if transport.IsQuota(e) {
		t.Error("generic 400 must not be a quota error")
	}
}
