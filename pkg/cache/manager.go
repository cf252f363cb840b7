package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/searchconsole-client/pkg/query"
	"github.com/Sternrassler/searchconsole-client/pkg/transport"
)

// DefaultTTL is how long a final page stays cached.
const DefaultTTL = 6 * time.Hour

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Manager handles page caching with Redis backend.
type Manager struct {
	redis  *redis.Client
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewManager creates a new cache manager with Redis backend.
// A ttl <= 0 selects DefaultTTL.
func NewManager(redisClient *redis.Client, ttl time.Duration) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		redis: redisClient,
		ttl:   ttl,
		now:   time.Now,
	}
}

// SetLogger sets the logger used for dropped cache writes.
func (m *Manager) SetLogger(logger zerolog.Logger) {
	m.logger = logger.With().Str("component", "cache").Logger()
}

// Cacheable reports whether pages for q may be cached. Fresh data is
// never cached.
func Cacheable(q query.Query) bool {
	return q.DataState == "" || q.DataState == query.DataStateFinal
}

// Get retrieves the page answering q on site.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (m *Manager) Get(ctx context.Context, site string, q query.Query) (*transport.Page, error) {
	key := KeyFor(site, q)

	data, err := m.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return m.decode(ctx, key, data)
}

func (m *Manager) decode(ctx context.Context, key PageKey, data []byte) (*transport.Page, error) {
	var entry PageEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if entry.Query != key.Hash {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: query hash mismatch", ErrInvalidEntry)
	}

	if entry.IsExpired(m.now()) {
		_ = m.delete(ctx, key)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.Inc()
	return &entry.Page, nil
}

// Set stores the page answering q on site. Queries that are not
// Cacheable are ignored.
func (m *Manager) Set(ctx context.Context, site string, q query.Query, page *transport.Page) error {
	if page == nil {
		return fmt.Errorf("page cannot be nil")
	}
	if !Cacheable(q) {
		return nil
	}

	key := KeyFor(site, q)
	now := m.now()
	entry := PageEntry{
		Page:     *page,
		Query:    key.Hash,
		Expires:  now.Add(m.ttl),
		CachedAt: now,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, key.String(), data, entry.TTL(now)).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheWrittenBytes.Add(float64(len(data)))
	return nil
}

// Delete removes the page answering q on site.
func (m *Manager) Delete(ctx context.Context, site string, q query.Query) error {
	return m.delete(ctx, KeyFor(site, q))
}

func (m *Manager) delete(ctx context.Context, key PageKey) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// lookup fetches the cacheable requests in one MGET. Read failures are
// reported as misses.
func (m *Manager) lookup(ctx context.Context, site string, reqs []transport.BatchRequest) map[string]*transport.Page {
	var keys []PageKey
	var ids []string
	for _, r := range reqs {
		if Cacheable(r.Query) {
			keys = append(keys, KeyFor(site, r.Query))
			ids = append(ids, r.ID)
		}
	}
	hits := make(map[string]*transport.Page)
	if len(keys) == 0 {
		return hits
	}

	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	values, err := m.redis.MGet(ctx, names...).Result()
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		m.logger.Warn().Err(err).Int("keys", len(names)).Msg("Cache lookup failed")
		return hits
	}

	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			CacheMisses.Inc()
			continue
		}
		page, err := m.decode(ctx, keys[i], []byte(s))
		if err != nil {
			continue
		}
		hits[ids[i]] = page
	}
	return hits
}

// Wrap answers cached requests from Redis and forwards the rest to next
// as one batch. Successful pages from next are stored.
func (m *Manager) Wrap(
	site string,
	next func(ctx context.Context, reqs []transport.BatchRequest) (map[string]transport.BatchResult, error),
) func(ctx context.Context, reqs []transport.BatchRequest) (map[string]transport.BatchResult, error) {
	return func(ctx context.Context, reqs []transport.BatchRequest) (map[string]transport.BatchResult, error) {
		hits := m.lookup(ctx, site, reqs)
		out := make(map[string]transport.BatchResult, len(reqs))
		misses := make([]transport.BatchRequest, 0, len(reqs)-len(hits))
		for _, r := range reqs {
			if page, ok := hits[r.ID]; ok {
				out[r.ID] = transport.BatchResult{Page: page}
				continue
			}
			misses = append(misses, r)
		}
		if len(misses) == 0 {
			return out, nil
		}

		results, err := next(ctx, misses)
		if err != nil {
			if len(hits) == 0 {
				return nil, err
			}
			for _, r := range misses {
				out[r.ID] = transport.BatchResult{Err: err}
			}
			return out, nil
		}
		for _, r := range misses {
			res, ok := results[r.ID]
			if !ok {
				continue
			}
			out[r.ID] = res
			if res.Err == nil && res.Page != nil {
				if err := m.Set(ctx, site, r.Query, res.Page); err != nil {
					m.logger.Warn().Err(err).Str("site", site).Msg("Cache write dropped")
				}
			}
		}
		return out, nil
	}
}
