package query

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Query is one logical search analytics request: a date range, grouping
// dimensions and a row window. A Query is never split across batches.
type Query struct {
	StartDate       time.Time
	EndDate         time.Time
	Dimensions      []Dimension
	Filters         []Filter
	AggregationType AggregationType
	DataState       DataState
	SearchType      SearchType
	RowLimit        int
	StartRow        int
}

type filterGroup struct {
	GroupType string   `json:"groupType"`
	Filters   []Filter `json:"filters"`
}

type wireRequest struct {
	StartDate             string          `json:"startDate"`
	EndDate               string          `json:"endDate"`
	Dimensions            []Dimension     `json:"dimensions,omitempty"`
	DimensionFilterGroups []filterGroup   `json:"dimensionFilterGroups,omitempty"`
	AggregationType       AggregationType `json:"aggregationType,omitempty"`
	DataState             DataState       `json:"dataState,omitempty"`
	Type                  SearchType      `json:"type,omitempty"`
	RowLimit              int             `json:"rowLimit,omitempty"`
	StartRow              int             `json:"startRow,omitempty"`
}

func (q Query) wire(filters []Filter) wireRequest {
	w := wireRequest{
		StartDate:       q.StartDate.Format(DateLayout),
		EndDate:         q.EndDate.Format(DateLayout),
		Dimensions:      q.Dimensions,
		AggregationType: q.AggregationType,
		DataState:       q.DataState,
		Type:            q.SearchType,
		RowLimit:        q.RowLimit,
		StartRow:        q.StartRow,
	}
	if len(filters) > 0 {
		w.DimensionFilterGroups = []filterGroup{{GroupType: "and", Filters: filters}}
	}
	return w
}

// MarshalJSON encodes the query as the upstream request body.
func (q Query) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.wire(q.Filters))
}

// Hash returns a deterministic identity for the query. Filter order does
// not affect the hash; dimension order does, since it fixes key order in
// the response.
func (q Query) Hash() string {
	filters := slices.Clone(q.Filters)
	slices.SortFunc(filters, func(a, b Filter) int {
		return cmp.Or(
			strings.Compare(string(a.Dimension), string(b.Dimension)),
			strings.Compare(string(a.Operator), string(b.Operator)),
			strings.Compare(a.Expression, b.Expression),
		)
	})
	data, err := json.Marshal(q.wire(filters))
	if err != nil {
		// wireRequest only holds strings and ints
		panic(fmt.Sprintf("marshal query: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Day returns the start date, which is the only date of a per-day query.
func (q Query) Day() time.Time { return q.StartDate }

// SingleDay reports whether the query covers exactly one day.
func (q Query) SingleDay() bool { return q.StartDate.Equal(q.EndDate) }

// HasDimension reports whether d is one of the grouping dimensions.
func (q Query) HasDimension(d Dimension) bool { return slices.Contains(q.Dimensions, d) }

func (q Query) String() string {
	dims := make([]string, len(q.Dimensions))
	for i, d := range q.Dimensions {
		dims[i] = string(d)
	}
	return fmt.Sprintf("%s..%s [%s] rows %d+%d",
		q.StartDate.Format(DateLayout), q.EndDate.Format(DateLayout),
		strings.Join(dims, ","), q.StartRow, q.RowLimit)
}
