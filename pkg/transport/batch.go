package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
)

// responseIDPrefix is prepended by the upstream batch endpoint to every
// Content-ID it echoes back.
const responseIDPrefix = "response-"

// EncodeBatch builds the multipart/mixed body of a batch call. Each part
// is an embedded HTTP request identified by its Content-ID.
func EncodeBatch(site string, reqs []BatchRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.SetBoundary("batch_" + strings.ReplaceAll(uuid.NewString(), "-", "")); err != nil {
		return nil, "", fmt.Errorf("set boundary: %w", err)
	}

	path := QueryPath(site)
	for _, r := range reqs {
		payload, err := json.Marshal(r.Query)
		if err != nil {
			return nil, "", fmt.Errorf("marshal query %s: %w", r.ID, err)
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", "application/http")
		h.Set("Content-Transfer-Encoding", "binary")
		h.Set("Content-ID", "<"+r.ID+">")
		pw, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create part %s: %w", r.ID, err)
		}
		fmt.Fprintf(pw, "POST %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n", path, len(payload))
		pw.Write(payload)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), "multipart/mixed; boundary=" + mw.Boundary(), nil
}

// DecodeBatch splits a multipart/mixed batch response into per-id results.
func DecodeBatch(contentType string, body []byte) (map[string]BatchResult, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("parse content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, fmt.Errorf("unexpected content type %q", mediaType)
	}

	results := make(map[string]BatchResult)
	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read part: %w", err)
		}

		id := strings.Trim(part.Header.Get("Content-ID"), "<>")
		id = strings.TrimPrefix(id, responseIDPrefix)
		results[id] = decodePart(part)
		part.Close()
	}
	return results, nil
}

func decodePart(part io.Reader) BatchResult {
	resp, err := http.ReadResponse(bufio.NewReader(part), nil)
	if err != nil {
		return BatchResult{Err: &Error{Kind: KindDecode, Message: "read embedded response", Err: err}}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return BatchResult{Err: &Error{Kind: KindDecode, StatusCode: resp.StatusCode, Message: "read embedded body", Err: err}}
	}
	if resp.StatusCode != http.StatusOK {
		return BatchResult{Err: ErrorFromResponse(resp.StatusCode, data)}
	}
	page, err := decodePage(data)
	if err != nil {
		return BatchResult{Err: err}
	}
	return BatchResult{Page: page}
}

// CountBatchQueries counts the embedded search analytics sub-requests in
// a batch body.
func CountBatchQueries(body []byte) int {
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "POST ") && strings.Contains(line, querySuffix) {
			n++
		}
	}
	return n
}

// IsQueryPath reports whether an URL path addresses the query endpoint.
func IsQueryPath(path string) bool { return strings.HasSuffix(path, querySuffix) }

// IsBatchPath reports whether an URL path addresses the batch endpoint.
func IsBatchPath(path string) bool { return strings.HasPrefix(path, "/batch/") }
