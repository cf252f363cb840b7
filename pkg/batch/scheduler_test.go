package batch

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/searchconsole-client/pkg/query"
	"github.com/Sternrassler/searchconsole-client/pkg/transport"
)

// fakeUpstream executes batches of int items. The item travels in the
// query's RowLimit.
type fakeUpstream struct {
	mu       sync.Mutex
	calls    [][]int
	failing  map[int]bool
	flaky    map[int]int // item -> remaining failures
	missing  map[int]int // item -> remaining omissions
	failCall map[int]bool
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		failing:  map[int]bool{},
		flaky:    map[int]int{},
		missing:  map[int]int{},
		failCall: map[int]bool{},
	}
}

func (f *fakeUpstream) execute(ctx context.Context, reqs []transport.BatchRequest) (map[string]transport.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	items := make([]int, len(reqs))
	for i, r := range reqs {
		items[i] = r.Query.RowLimit
	}
	f.calls = append(f.calls, items)
	if f.failCall[len(f.calls)] {
		return nil, &transport.Error{Kind: transport.KindHTTPStatus, StatusCode: 503, Message: "unavailable"}
	}

	out := make(map[string]transport.BatchResult, len(reqs))
	for _, r := range reqs {
		item := r.Query.RowLimit
		switch {
		case f.failing[item]:
			out[r.ID] = transport.BatchResult{Err: &transport.Error{Kind: transport.KindHTTPStatus, StatusCode: 500, Message: "boom"}}
		case f.flaky[item] > 0:
			f.flaky[item]--
			out[r.ID] = transport.BatchResult{Err: &transport.Error{Kind: transport.KindHTTPStatus, StatusCode: 500, Message: "flaky"}}
		case f.missing[item] > 0:
			f.missing[item]--
		default:
			out[r.ID] = transport.BatchResult{Page: &transport.Page{Rows: []transport.Row{{Keys: []string{fmt.Sprint(item)}}}}}
		}
	}
	return out, nil
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordedSleeps struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps = append(r.sleeps, d)
	return nil
}

func buildItem(item int) (query.Query, error) {
	if item < 0 {
		return query.Query{}, fmt.Errorf("negative item %d", item)
	}
	return query.Query{RowLimit: item}, nil
}

func handleItem(item int, page *transport.Page) (int, error) {
	return item, nil
}

func newTestScheduler(t *testing.T, cfg Config, up *fakeUpstream) (*Scheduler[int, int], *recordedSleeps) {
	t.Helper()
	s, err := New(cfg, buildItem, up.execute, handleItem, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	rec := &recordedSleeps{}
	s.SetSleep(rec.sleep)
	return s, rec
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func collect(s *Scheduler[int, int], ctx context.Context, items []int) ([]int, []error) {
	var results []int
	var errs []error
	for r, err := range s.Run(ctx, items) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, r)
	}
	return results, errs
}

func testConfig(batchSize int) Config {
	return Config{BatchSize: batchSize, Cooldown: 2 * time.Second, BaseDelay: time.Second, MaxAttempts: 3}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "minimum batch size", mutate: func(c *Config) { c.BatchSize = 1 }},
		{name: "maximum batch size", mutate: func(c *Config) { c.BatchSize = 1000 }},
		{name: "zero batch size", mutate: func(c *Config) { c.BatchSize = 0 }, wantErr: true},
		{name: "oversized batch", mutate: func(c *Config) { c.BatchSize = 1001 }, wantErr: true},
		{name: "negative attempts", mutate: func(c *Config) { c.MaxAttempts = -1 }, wantErr: true},
		{name: "negative cooldown", mutate: func(c *Config) { c.Cooldown = -time.Second }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRun_AllSucceedInOrder(t *testing.T) {
	up := newFakeUpstream()
	s, rec := newTestScheduler(t, testConfig(4), up)

	results, errs := collect(s, context.Background(), seq(10))

	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	for i, r := range results {
		if r != i {
			t.Fatalf("results = %v, want 0..9 in order", results)
		}
	}
	if len(results) != 10 {
		t.Fatalf("got %d results, want 10", len(results))
	}
	if up.callCount() != 3 {
		t.Errorf("calls = %d, want 3 chunks of <=4", up.callCount())
	}
	if len(rec.sleeps) != 0 {
		t.Errorf("sleeps = %v, want none", rec.sleeps)
	}
}

func TestRun_EmptyInput(t *testing.T) {
	up := newFakeUpstream()
	s, _ := newTestScheduler(t, testConfig(4), up)

	results, errs := collect(s, context.Background(), nil)
	if len(results) != 0 || len(errs) != 0 || up.callCount() != 0 {
		t.Errorf("results=%v errs=%v calls=%d, want nothing", results, errs, up.callCount())
	}
}

func TestRun_PermanentFailureCascade(t *testing.T) {
	up := newFakeUpstream()
	up.failing[3] = true
	s, rec := newTestScheduler(t, testConfig(8), up)

	var reported []int
	s.OnError(func(item int, err error) { reported = append(reported, item) })

	results, errs := collect(s, context.Background(), seq(8))

	want := []int{0, 1, 2, 4, 5, 6, 7}
	if fmt.Sprint(results) != fmt.Sprint(want) {
		t.Errorf("results = %v, want %v", results, want)
	}
	if len(reported) != 1 || reported[0] != 3 {
		t.Errorf("reported = %v, want [3] exactly once", reported)
	}
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want exactly one", errs)
	}
	var itemErr *ItemError
	if !errors.As(errs[0], &itemErr) {
		t.Fatalf("error type = %T, want *ItemError", errs[0])
	}
	if itemErr.Item != 3 || itemErr.Attempts != 7 {
		t.Errorf("ItemError = %+v, want item 3 after 7 attempts", itemErr)
	}
	if itemErr.Err == nil {
		t.Error("ItemError must carry the last error")
	}

	// 8 -> 4 -> 2 -> 1, then three single-item retries
	if up.callCount() != 7 {
		t.Errorf("calls = %d, want 7", up.callCount())
	}
	wantSleeps := []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second, time.Second, 2 * time.Second, 4 * time.Second}
	if fmt.Sprint(rec.sleeps) != fmt.Sprint(wantSleeps) {
		t.Errorf("sleeps = %v, want %v", rec.sleeps, wantSleeps)
	}
}

func TestRun_DispatchCountIsBounded(t *testing.T) {
	for _, size := range []int{1, 2, 3, 8, 20, 1000} {
		t.Run(fmt.Sprintf("batch_%d", size), func(t *testing.T) {
			up := newFakeUpstream()
			up.failing[0] = true
			s, _ := newTestScheduler(t, testConfig(size), up)

			_, errs := collect(s, context.Background(), []int{0})

			want := bits.Len(uint(size)) + 3
			if up.callCount() != want {
				t.Errorf("calls = %d, want %d", up.callCount(), want)
			}
			if len(errs) != 1 {
				t.Errorf("errs = %v, want one permanent failure", errs)
			}
		})
	}
}

func TestRun_PartialFailureRetriedAfterHealthyChunks(t *testing.T) {
	up := newFakeUpstream()
	up.missing[1] = 1
	up.flaky[2] = 1
	s, rec := newTestScheduler(t, testConfig(3), up)

	results, errs := collect(s, context.Background(), seq(6))

	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	want := []int{0, 3, 4, 5, 1, 2}
	if fmt.Sprint(results) != fmt.Sprint(want) {
		t.Errorf("results = %v, want %v", results, want)
	}
	// two chunks, then [1] and [2] alone at size 1
	if up.callCount() != 4 {
		t.Errorf("calls = %d, want 4", up.callCount())
	}
	if len(rec.sleeps) != 1 || rec.sleeps[0] != 2*time.Second {
		t.Errorf("sleeps = %v, want one cooldown", rec.sleeps)
	}
}

func TestRun_TotalFailureRetriesWholeChunk(t *testing.T) {
	up := newFakeUpstream()
	up.failCall[1] = true
	s, _ := newTestScheduler(t, testConfig(4), up)

	results, errs := collect(s, context.Background(), seq(4))

	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if fmt.Sprint(results) != fmt.Sprint(seq(4)) {
		t.Errorf("results = %v, want %v", results, seq(4))
	}
	if up.callCount() != 3 {
		t.Errorf("calls = %d, want 1 failed + 2 halved", up.callCount())
	}
}

func TestRun_BuildErrorReportedOnce(t *testing.T) {
	up := newFakeUpstream()
	s, _ := newTestScheduler(t, testConfig(4), up)

	var reported []int
	s.OnError(func(item int, err error) { reported = append(reported, item) })

	results, errs := collect(s, context.Background(), []int{0, -1, 2})

	if fmt.Sprint(results) != "[0 2]" {
		t.Errorf("results = %v, want [0 2]", results)
	}
	if len(errs) != 1 || len(reported) != 1 || reported[0] != -1 {
		t.Errorf("errs = %v reported = %v, want the build failure once", errs, reported)
	}
	if up.callCount() != 1 {
		t.Errorf("calls = %d, want 1", up.callCount())
	}
}

func TestRun_StopPullingHaltsDispatch(t *testing.T) {
	up := newFakeUpstream()
	s, _ := newTestScheduler(t, testConfig(2), up)

	for r, err := range s.Run(context.Background(), seq(10)) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r == 0 {
			break
		}
	}

	if up.callCount() != 1 {
		t.Errorf("calls = %d, want 1", up.callCount())
	}
}

func TestRun_CancelledContext(t *testing.T) {
	up := newFakeUpstream()
	s, _ := newTestScheduler(t, testConfig(2), up)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, errs := collect(s, ctx, seq(4))
	if len(results) != 0 {
		t.Errorf("results = %v, want none", results)
	}
	if len(errs) != 1 || !errors.Is(errs[0], context.Canceled) {
		t.Errorf("errs = %v, want context.Canceled", errs)
	}
	if up.callCount() != 0 {
		t.Errorf("calls = %d, want 0", up.callCount())
	}
}

func TestRun_IndependentStreams(t *testing.T) {
	up := newFakeUpstream()
	s, _ := newTestScheduler(t, testConfig(3), up)
	stream := s.Run(context.Background(), seq(5))

	first, second := 0, 0
	for range stream {
		first++
	}
	for range stream {
		second++
	}
	if first != 5 || second != 5 {
		t.Errorf("first = %d second = %d, want 5 each", first, second)
	}
}
