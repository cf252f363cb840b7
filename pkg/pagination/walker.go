package pagination

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/searchconsole-client/pkg/query"
	"github.com/Sternrassler/searchconsole-client/pkg/transport"
)

// DefaultWidth is the default number of windows per wave.
const DefaultWidth = 20

// Config holds walker configuration.
type Config struct {
	// PageSize is the row limit of every window.
	// Recommendation: the upstream maximum, so days finish in few waves.
	PageSize int

	// MaxPages caps the windows read per key (0 = unlimited).
	MaxPages int

	// Width caps the windows of one wave. It also caps how many keys are
	// read ahead of the key being emitted.
	Width int

	Logger zerolog.Logger
}

// DefaultConfig returns the walker defaults.
func DefaultConfig() Config {
	return Config{
		PageSize: query.MaxRowLimit,
		MaxPages: 0,
		Width:    DefaultWidth,
	}
}

// Cursor addresses one row window of a key.
type Cursor[K any] struct {
	Key    K
	Offset int
	Limit  int

	// Page is the 0-based window number of Key.
	Page int

	seed    int
	planned bool
}

// PageResult is one fetched window.
type PageResult[K any] struct {
	Cursor Cursor[K]
	Page   *transport.Page
}

// Full reports whether the window came back with as many rows as asked.
func (r PageResult[K]) Full() bool {
	return r.Page != nil && len(r.Page.Rows) > 0 && len(r.Page.Rows) >= r.Cursor.Limit
}

// Fetcher streams the results of one wave, in any order. A failed window
// is yielded with its Cursor and a non-nil error; an error with a zero
// Cursor ends the walk.
type Fetcher[K any] func(ctx context.Context, wave []Cursor[K]) iter.Seq2[PageResult[K], error]

// Walker plans row windows wave by wave.
type Walker[K any] struct {
	fetch  Fetcher[K]
	config Config
	logger zerolog.Logger
}

// NewWalker creates a walker.
func NewWalker[K any](fetch Fetcher[K], config Config) (*Walker[K], error) {
	if fetch == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if config.PageSize <= 0 || config.PageSize > query.MaxRowLimit {
		return nil, fmt.Errorf("page size must be in 1..%d (got %d)", query.MaxRowLimit, config.PageSize)
	}
	if config.MaxPages < 0 {
		return nil, fmt.Errorf("max pages must be >= 0 (got %d)", config.MaxPages)
	}
	if config.Width < 1 {
		return nil, fmt.Errorf("width must be >= 1 (got %d)", config.Width)
	}
	return &Walker[K]{
		fetch:  fetch,
		config: config,
		logger: config.Logger.With().Str("component", "pagination").Logger(),
	}, nil
}

// outcome is a fetched window waiting for its key's turn.
type outcome[K any] struct {
	res PageResult[K]
	err error
}

// walk is the state of one Walk call.
type walk[K any] struct {
	seeds   []K
	head    int // key being emitted
	started int // keys whose first window was planned
	pending map[int][]outcome[K]
	next    map[int]Cursor[K]
	done    map[int]bool
}

// Walk streams every window of every seed key in seed order: all windows
// of a key, in offset order, before any window of the next key. A wave
// holds the next window of the key being emitted plus the first windows of
// the keys after it, so only windows of at most Width-1 keys are held
// back at any time.
func (w *Walker[K]) Walk(ctx context.Context, seeds []K) iter.Seq2[PageResult[K], error] {
	return func(yield func(PageResult[K], error) bool) {
		start := time.Now()
		st := &walk[K]{
			seeds:   seeds,
			pending: make(map[int][]outcome[K]),
			next:    make(map[int]Cursor[K]),
			done:    make(map[int]bool),
		}

		waves, windows := 0, 0
		for {
			if !st.flush(yield) {
				return
			}
			if st.head >= len(seeds) {
				break
			}
			wave := w.plan(st)
			if len(wave) == 0 {
				// the head's window was never answered
				st.done[st.head] = true
				continue
			}
			waves++
			windows += len(wave)
			w.logger.Debug().
				Int("wave", waves).
				Int("windows", len(wave)).
				Msg("Fetching row window wave")

			for res, err := range w.fetch(ctx, wave) {
				if !res.Cursor.planned {
					if err == nil {
						err = fmt.Errorf("fetcher returned an unplanned window")
					}
					yield(PageResult[K]{}, err)
					return
				}
				w.record(st, res, err)
				if !st.flush(yield) {
					return
				}
			}
		}

		w.logger.Debug().
			Int("keys", len(seeds)).
			Int("waves", waves).
			Int("windows", windows).
			Dur("duration", time.Since(start)).
			Msg("Row window walk complete")
	}
}

// plan builds the next wave: the head's next window, then first windows of
// unstarted keys while the wave and the read-ahead have room.
func (w *Walker[K]) plan(st *walk[K]) []Cursor[K] {
	var wave []Cursor[K]
	if c, ok := st.next[st.head]; ok {
		delete(st.next, st.head)
		wave = append(wave, c)
	}
	for st.started < len(st.seeds) && len(wave) < w.config.Width && st.started-st.head < w.config.Width {
		wave = append(wave, Cursor[K]{
			Key:     st.seeds[st.started],
			Limit:   w.config.PageSize,
			seed:    st.started,
			planned: true,
		})
		st.started++
	}
	return wave
}

// record files one fetched window under its key and plans the key's next
// window if it came back full.
func (w *Walker[K]) record(st *walk[K], res PageResult[K], err error) {
	c := res.Cursor
	st.pending[c.seed] = append(st.pending[c.seed], outcome[K]{res: res, err: err})
	if err == nil && res.Full() && (w.config.MaxPages == 0 || c.Page+1 < w.config.MaxPages) {
		st.next[c.seed] = Cursor[K]{
			Key:     c.Key,
			Offset:  c.Offset + c.Limit,
			Limit:   c.Limit,
			Page:    c.Page + 1,
			seed:    c.seed,
			planned: true,
		}
		return
	}
	st.done[c.seed] = true
}

// flush yields held windows of the head key and moves past finished keys.
// It returns false once the consumer stopped.
func (st *walk[K]) flush(yield func(PageResult[K], error) bool) bool {
	for st.head < st.started {
		for _, o := range st.pending[st.head] {
			if !yield(o.res, o.err) {
				return false
			}
		}
		delete(st.pending, st.head)
		if !st.done[st.head] {
			return true
		}
		delete(st.done, st.head)
		st.head++
	}
	return true
}
