// Package rows turns raw result pages into normalized rows.
//
// Normalize is lazy: it walks one page and yields one ResultRow at a
// time, so callers that consume rows as they arrive never hold more than
// the page that is already in memory.
package rows

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/searchconsole-client/pkg/query"
	"github.com/Sternrassler/searchconsole-client/pkg/transport"
)

// ErrMissingDate marks a row whose date can not be resolved.
var ErrMissingDate = errors.New("row has no date")

var scRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sc_rows_total",
	Help: "Total raw rows seen by the normalizer by outcome (yielded, skipped_keys, skipped_metrics, error)",
}, []string{"outcome"})

// ResultRow is one normalized result. Dimensions that were not requested
// are empty strings.
type ResultRow struct {
	Date             time.Time         `json:"date"`
	Site             string            `json:"site"`
	Query            string            `json:"query,omitempty"`
	Page             string            `json:"page,omitempty"`
	Country          string            `json:"country,omitempty"`
	Device           string            `json:"device,omitempty"`
	SearchAppearance string            `json:"searchAppearance,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
	Impressions      int64             `json:"impressions"`
	Clicks           int64             `json:"clicks"`
	CTR              float64           `json:"ctr"`
	Position         float64           `json:"position"`
	SumTopPosition   float64           `json:"sumTopPosition"`
}

// Source describes the query a page answers.
type Source struct {
	Site string

	// Date is used when the query did not group by date. It is the day of
	// a single-day query.
	Date time.Time

	// Dimensions is the order of the raw row keys.
	Dimensions []query.Dimension

	// Logger receives skipped-row diagnostics. The zero value discards them.
	Logger zerolog.Logger
}

// SourceFor describes the page returned for q.
func SourceFor(site string, q query.Query) Source {
	src := Source{Site: site, Dimensions: q.Dimensions}
	if q.SingleDay() {
		src.Date = q.Day()
	}
	return src
}

// RowError reports a raw row that could not be normalized.
type RowError struct {
	Index int
	Keys  []string
	Err   error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d %v: %v", e.Index, e.Keys, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// SumTopPosition returns (position - 1) * impressions.
func SumTopPosition(position float64, impressions int64) float64 {
	return (position - 1) * float64(impressions)
}

// Normalize yields the rows of page in upstream order. Rows with fewer
// keys than requested dimensions or without clicks, impressions or
// position are skipped. Rows whose date can not be resolved are yielded
// as a *RowError and the stream continues.
func Normalize(page *transport.Page, src Source) iter.Seq2[ResultRow, error] {
	return func(yield func(ResultRow, error) bool) {
		if page == nil {
			return
		}
		for i, raw := range page.Rows {
			row, ok, err := normalize(raw, src)
			if err != nil {
				scRowsTotal.WithLabelValues("error").Inc()
				if !yield(ResultRow{}, &RowError{Index: i, Keys: raw.Keys, Err: err}) {
					return
				}
				continue
			}
			if !ok {
				continue
			}
			scRowsTotal.WithLabelValues("yielded").Inc()
			if !yield(row, nil) {
				return
			}
		}
	}
}

func normalize(raw transport.Row, src Source) (ResultRow, bool, error) {
	if len(raw.Keys) < len(src.Dimensions) {
		scRowsTotal.WithLabelValues("skipped_keys").Inc()
		src.Logger.Debug().
			Str("site", src.Site).
			Strs("keys", raw.Keys).
			Int("dimensions", len(src.Dimensions)).
			Msg("Skipping row with missing keys")
		return ResultRow{}, false, nil
	}
	if raw.Clicks == nil || raw.Impressions == nil || raw.Position == nil ||
		*raw.Clicks < 0 || *raw.Impressions < 0 {
		scRowsTotal.WithLabelValues("skipped_metrics").Inc()
		src.Logger.Debug().
			Str("site", src.Site).
			Strs("keys", raw.Keys).
			Msg("Skipping row with missing metrics")
		return ResultRow{}, false, nil
	}

	row := ResultRow{
		Date:        src.Date,
		Site:        src.Site,
		Impressions: int64(*raw.Impressions),
		Clicks:      int64(*raw.Clicks),
		Position:    *raw.Position,
	}
	if raw.CTR != nil {
		row.CTR = *raw.CTR
	}
	for i, dim := range src.Dimensions {
		key := raw.Keys[i]
		switch dim {
		case query.DimensionDate:
			day, err := query.ParseDay(key)
			if err != nil {
				return ResultRow{}, false, fmt.Errorf("%w: %v", ErrMissingDate, err)
			}
			row.Date = day
		case query.DimensionQuery:
			row.Query = key
		case query.DimensionPage:
			row.Page = key
		case query.DimensionCountry:
			row.Country = key
		case query.DimensionDevice:
			row.Device = key
		case query.DimensionSearchAppearance:
			row.SearchAppearance = key
		default:
			if row.Extra == nil {
				row.Extra = make(map[string]string)
			}
			row.Extra[dim.String()] = key
		}
	}
	if row.Date.IsZero() {
		return ResultRow{}, false, ErrMissingDate
	}
	row.SumTopPosition = SumTopPosition(row.Position, row.Impressions)
	return row, true, nil
}
