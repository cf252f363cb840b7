package cache

import (
	"strings"

	"github.com/Sternrassler/searchconsole-client/pkg/query"
)

// PageKey identifies a cached page.
type PageKey struct {
	// Site is the property the query ran against
	Site string

	// Hash is query.Query.Hash of the logical query
	Hash string
}

// KeyFor returns the key of the page answering q on site.
func KeyFor(site string, q query.Query) PageKey {
	return PageKey{Site: site, Hash: q.Hash()}
}

// String generates the Redis key.
// Format: sc:page:<site>:<hash>
//
// Example:
//
//	sc:page:sc-domain:example.com:9f86d08...
func (k PageKey) String() string {
	return strings.Join([]string{"sc", "page", k.Site, k.Hash}, ":")
}
