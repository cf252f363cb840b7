package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/searchconsole-client/pkg/query"
	"github.com/Sternrassler/searchconsole-client/pkg/transport"
)

// setupTestRedis creates a test Redis client for testing.
// Tests are skipped when no local Redis is reachable; the integration
// suite runs the same flows against a testcontainers Redis.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

const testSite = "sc-domain:example.com"

func testQuery(day int, state query.DataState) query.Query {
	d := time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC)
	return query.Query{
		StartDate:  d,
		EndDate:    d,
		Dimensions: []query.Dimension{query.DimensionQuery},
		DataState:  state,
		RowLimit:   100,
	}
}

func testPage(key string) *transport.Page {
	v := 1.0
	return &transport.Page{Rows: []transport.Row{{Keys: []string{key}, Clicks: &v, Impressions: &v, Position: &v}}}
}

func TestNewManager(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	manager := NewManager(client, 0)
	if manager == nil {
		t.Fatal("NewManager returned nil")
	}
	if manager.redis != client {
		t.Error("Manager redis client not set correctly")
	}
	if manager.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want DefaultTTL", manager.ttl)
	}
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil, time.Minute)
}

func TestManager_SetAndGet(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()
	q := testQuery(1, query.DataStateFinal)

	if err := manager.Set(ctx, testSite, q, testPage("shoes")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	page, err := manager.Get(ctx, testSite, q)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(page.Rows) != 1 || page.Rows[0].Keys[0] != "shoes" {
		t.Errorf("page = %+v, want one row for shoes", page)
	}

	ttl, err := client.TTL(ctx, KeyFor(testSite, q).String()).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("redis TTL = %v, want within (0, 1h]", ttl)
	}
}

func TestManager_Get_CacheMiss(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)

	_, err := manager.Get(context.Background(), testSite, testQuery(2, query.DataStateFinal))
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestManager_Set_FreshDataNotCached(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()
	q := testQuery(3, query.DataStateAll)

	if err := manager.Set(ctx, testSite, q, testPage("shoes")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := manager.Get(ctx, testSite, q); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss for fresh data, got %v", err)
	}
}

func TestManager_Get_ExpiredEntry(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()
	q := testQuery(4, query.DataStateFinal)

	if err := manager.Set(ctx, testSite, q, testPage("shoes")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	manager.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := manager.Get(ctx, testSite, q); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss for expired entry, got %v", err)
	}
	if n, _ := client.Exists(ctx, KeyFor(testSite, q).String()).Result(); n != 0 {
		t.Error("expired entry should be deleted")
	}
}

func TestManager_Delete(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()
	q := testQuery(5, query.DataStateFinal)

	if err := manager.Set(ctx, testSite, q, testPage("shoes")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := manager.Delete(ctx, testSite, q); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := manager.Get(ctx, testSite, q); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss after Delete, got %v", err)
	}
}

func TestManager_Set_NilPage(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)

	if err := manager.Set(context.Background(), testSite, testQuery(6, ""), nil); err == nil {
		t.Error("Set with nil page should return error")
	}
}

func TestManager_Wrap(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()

	cached := testQuery(10, query.DataStateFinal)
	if err := manager.Set(ctx, testSite, cached, testPage("cached")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var forwarded [][]string
	next := func(ctx context.Context, reqs []transport.BatchRequest) (map[string]transport.BatchResult, error) {
		var ids []string
		out := make(map[string]transport.BatchResult)
		for _, r := range reqs {
			ids = append(ids, r.ID)
			out[r.ID] = transport.BatchResult{Page: testPage("upstream-" + r.ID)}
		}
		forwarded = append(forwarded, ids)
		return out, nil
	}
	execute := manager.Wrap(testSite, next)

	reqs := []transport.BatchRequest{
		{ID: "0", Query: cached},
		{ID: "1", Query: testQuery(11, query.DataStateFinal)},
		{ID: "2", Query: testQuery(12, query.DataStateAll)},
	}
	results, err := execute(ctx, reqs)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(forwarded) != 1 || len(forwarded[0]) != 2 {
		t.Fatalf("forwarded = %v, want one call with the two misses", forwarded)
	}
	if got := results["0"].Page.Rows[0].Keys[0]; got != "cached" {
		t.Errorf("result 0 = %q, want cached", got)
	}
	if got := results["1"].Page.Rows[0].Keys[0]; got != "upstream-1" {
		t.Errorf("result 1 = %q, want upstream-1", got)
	}

	// second run: the final miss is now cached, fresh data still goes upstream
	if _, err := execute(ctx, reqs); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(forwarded) != 2 || len(forwarded[1]) != 1 || forwarded[1][0] != "2" {
		t.Errorf("forwarded = %v, want only the fresh query on the second run", forwarded)
	}
}
