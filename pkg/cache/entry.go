package cache

import (
	"time"

	"github.com/Sternrassler/searchconsole-client/pkg/transport"
)

// PageEntry is a cached upstream page.
type PageEntry struct {
	// Page is the upstream response
	Page transport.Page `json:"page"`

	// Query is the hash of the logical query the page answers
	Query string `json:"query"`

	// Expires is when the entry becomes stale
	Expires time.Time `json:"expires"`

	// CachedAt is when we cached this page
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired returns true if the entry has expired at now.
func (e *PageEntry) IsExpired(now time.Time) bool {
	return now.After(e.Expires)
}

// TTL returns the time from now until expiration.
// Returns 0 if already expired.
func (e *PageEntry) TTL(now time.Time) time.Duration {
	ttl := e.Expires.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
