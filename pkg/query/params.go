// Package query builds the logical search analytics queries sent upstream.
//
// Report parameters are collected with a Builder into an immutable Params
// value, which is then expanded into one Query per day. Nothing in this
// package touches the network.
package query

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
)

// DateLayout is the upstream wire format for dates.
const DateLayout = "2006-01-02"

// MaxRowLimit is the largest row window the upstream service accepts.
const MaxRowLimit = 25000

// ErrInvalidParams marks configuration errors. They are raised before any
// network activity and are never retried.
var ErrInvalidParams = errors.New("invalid report parameters")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Filter restricts one dimension of the report.
type Filter struct {
	Dimension  Dimension `json:"dimension" validate:"required"`
	Operator   Operator  `json:"operator" validate:"required"`
	Expression string    `json:"expression" validate:"required"`
}

// Params describes one report invocation. Treat it as a value: the
// builder hands out copies and nothing mutates a Params after Build.
type Params struct {
	Site            string          `validate:"required"`
	StartDate       time.Time       `validate:"required"`
	EndDate         time.Time       `validate:"required"`
	Filters         []Filter        `validate:"dive"`
	AggregationType AggregationType `validate:"required"`
	DataState       DataState       `validate:"required"`
	SearchType      SearchType      `validate:"required"`
}

// Validate checks required fields and date ordering.
func (p Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrInvalidParams, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.EndDate.Before(p.StartDate) {
		return fmt.Errorf("%w: end date %s before start date %s",
			ErrInvalidParams, p.EndDate.Format(DateLayout), p.StartDate.Format(DateLayout))
	}
	return nil
}

// Days returns every calendar day of the range in ascending order.
func (p Params) Days() []time.Time {
	var days []time.Time
	for d := p.StartDate; !d.After(p.EndDate); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// DayQuery builds the logical query for a single day of the report.
func (p Params) DayQuery(day time.Time, dims []Dimension, rowLimit, startRow int) Query {
	day = Day(day)
	return Query{
		StartDate:       day,
		EndDate:         day,
		Dimensions:      slices.Clone(dims),
		Filters:         slices.Clone(p.Filters),
		AggregationType: p.AggregationType,
		DataState:       p.DataState,
		SearchType:      p.SearchType,
		RowLimit:        rowLimit,
		StartRow:        startRow,
	}
}

// Day truncates t to a UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %v", ErrInvalidParams, s, err)
	}
	return t, nil
}

// Builder collects report parameters.
type Builder struct {
	p Params
}

// NewBuilder starts a report for the given site with upstream defaults.
func NewBuilder(site string) *Builder {
	return &Builder{p: Params{
		Site:            site,
		AggregationType: AggregationAuto,
		DataState:       DataStateFinal,
		SearchType:      SearchTypeWeb,
	}}
}

// Between sets the inclusive date range.
func (b *Builder) Between(start, end time.Time) *Builder {
	b.p.StartDate = Day(start)
	b.p.EndDate = Day(end)
	return b
}

// Filter adds a dimension filter. Filters are combined with AND.
func (b *Builder) Filter(dim Dimension, op Operator, expr string) *Builder {
	b.p.Filters = append(b.p.Filters, Filter{Dimension: dim, Operator: op, Expression: expr})
	return b
}

// Aggregation sets the upstream aggregation mode.
func (b *Builder) Aggregation(a AggregationType) *Builder {
	b.p.AggregationType = a
	return b
}

// DataState sets the data freshness mode.
func (b *Builder) DataState(d DataState) *Builder {
	b.p.DataState = d
	return b
}

// SearchType sets the search surface.
func (b *Builder) SearchType(t SearchType) *Builder {
	b.p.SearchType = t
	return b
}

// Build validates and returns a copy of the collected parameters.
func (b *Builder) Build() (Params, error) {
	p := b.p
	p.Filters = slices.Clone(b.p.Filters)
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}
