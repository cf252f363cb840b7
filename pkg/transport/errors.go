package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a transport failure.
type Kind string

const (
	// KindConnection is a failure before any HTTP response was received.
	KindConnection Kind = "connection"

	// KindHTTPStatus is a non-2xx response without a quota signal.
	KindHTTPStatus Kind = "http_status"

	// KindQuotaExceeded is an upstream quota rejection.
	KindQuotaExceeded Kind = "quota_exceeded"

	// KindDecode is a response that could not be decoded.
	KindDecode Kind = "decode"
)

// Quota signals carry this error domain and one of the quota reasons.
const (
	QuotaDomain                 = "usageLimits"
	ReasonQuotaExceeded         = "quotaExceeded"
	ReasonRateLimitExceeded     = "rateLimitExceeded"
	ReasonUserRateLimitExceeded = "userRateLimitExceeded"
)

// Error is a failed physical call or a failed part of a batch.
type Error struct {
	Kind       Kind
	StatusCode int
	Domain     string
	Reason     string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.StatusCode != 0 {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("search analytics %s error (status %d): %s: %v", e.Kind, e.StatusCode, msg, e.Err)
	}
	return fmt.Sprintf("search analytics %s error (status %d): %s", e.Kind, e.StatusCode, msg)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// IsQuota reports whether err carries a quota-exceeded signal.
func IsQuota(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindQuotaExceeded
}

type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Domain  string `json:"domain"`
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

// quotaReason returns the quota reason found in a JSON error body.
func quotaReason(body []byte) (string, bool) {
	var eb apiErrorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return "", false
	}
	for _, e := range eb.Error.Errors {
		if e.Domain != QuotaDomain {
			continue
		}
		switch e.Reason {
		case ReasonQuotaExceeded, ReasonRateLimitExceeded, ReasonUserRateLimitExceeded:
			return e.Reason, true
		}
	}
	return "", false
}

// QuotaExceededBody reports whether a JSON error body carries the quota
// domain/reason pair.
func QuotaExceededBody(body []byte) bool {
	_, ok := quotaReason(body)
	return ok
}

// ErrorFromResponse builds the error for a non-successful response body.
func ErrorFromResponse(status int, body []byte) *Error {
	e := &Error{Kind: KindHTTPStatus, StatusCode: status}

	var eb apiErrorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		e.Message = eb.Error.Message
		if len(eb.Error.Errors) > 0 {
			e.Domain = eb.Error.Errors[0].Domain
			e.Reason = eb.Error.Errors[0].Reason
		}
	}
	if reason, ok := quotaReason(body); ok {
		e.Kind = KindQuotaExceeded
		e.Domain = QuotaDomain
		e.Reason = reason
	}
	return e
}

// ConnectionError wraps a failure that produced no HTTP response.
func ConnectionError(err error) *Error {
	return &Error{Kind: KindConnection, Message: "request failed", Err: err}
}
