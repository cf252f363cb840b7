// Package cache provides a Redis-backed cache of search analytics pages.
//
// Pages are stored under a deterministic key built from the site and the
// hash of the logical query, so the same day, dimensions, filters and row
// window always map to the same entry.
//
// Only queries over final data are cached. Fresh data ("all") changes
// during the day and is always fetched from upstream.
//
// # Basic Usage
//
//	// Create Redis client
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	// Create cache manager
//	manager := cache.NewManager(redisClient, cache.DefaultTTL)
//
//	// Get from cache
//	page, err := manager.Get(ctx, site, q)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// Cache miss - fetch from upstream
//	}
//
// # Batch Calls
//
// Wrap places the cache in front of a batch executor. Hits are answered
// from Redis and never reach the wire, so they cost no throttle tokens;
// misses are forwarded as one smaller batch and stored on success.
//
//	execute = manager.Wrap(site, execute)
//
// # Metrics
//
// The cache manager exports Prometheus metrics:
//
//   - sc_cache_hits_total - Cache hits
//   - sc_cache_misses_total - Cache misses
//   - sc_cache_written_bytes_total - Bytes written to Redis
//   - sc_cache_errors_total{operation} - Cache operation errors
//
// Cache errors never fail a fetch: a failed read is treated as a miss and
// a failed write is logged and dropped.
package cache
