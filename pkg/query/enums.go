package query

import (
	"fmt"
	"slices"
)

// Dimension is a grouping key of the search analytics report.
type Dimension string

const (
	DimensionDate             Dimension = "date"
	DimensionQuery            Dimension = "query"
	DimensionPage             Dimension = "page"
	DimensionCountry          Dimension = "country"
	DimensionDevice           Dimension = "device"
	DimensionSearchAppearance Dimension = "searchAppearance"
)

var knownDimensions = []Dimension{
	DimensionDate,
	DimensionQuery,
	DimensionPage,
	DimensionCountry,
	DimensionDevice,
	DimensionSearchAppearance,
}

// ParseDimension accepts only dimensions this package models.
func ParseDimension(s string) (Dimension, error) {
	d := Dimension(s)
	if !d.Known() {
		return "", fmt.Errorf("%w: unknown dimension %q", ErrInvalidParams, s)
	}
	return d, nil
}

// RawDimension passes an upstream dimension through unchecked.
// Use it for fields the upstream service added after this package was written.
func RawDimension(s string) Dimension { return Dimension(s) }

// Known reports whether d is one of the modelled dimensions.
func (d Dimension) Known() bool { return slices.Contains(knownDimensions, d) }

func (d Dimension) String() string { return string(d) }

// Operator is the comparison applied by a dimension filter.
type Operator string

const (
	OperatorEquals         Operator = "equals"
	OperatorNotEquals      Operator = "notEquals"
	OperatorContains       Operator = "contains"
	OperatorNotContains    Operator = "notContains"
	OperatorIncludingRegex Operator = "includingRegex"
	OperatorExcludingRegex Operator = "excludingRegex"
)

var knownOperators = []Operator{
	OperatorEquals,
	OperatorNotEquals,
	OperatorContains,
	OperatorNotContains,
	OperatorIncludingRegex,
	OperatorExcludingRegex,
}

// ParseOperator accepts only modelled operators.
func ParseOperator(s string) (Operator, error) {
	o := Operator(s)
	if !slices.Contains(knownOperators, o) {
		return "", fmt.Errorf("%w: unknown operator %q", ErrInvalidParams, s)
	}
	return o, nil
}

// RawOperator passes an upstream operator through unchecked.
func RawOperator(s string) Operator { return Operator(s) }

// AggregationType controls how the upstream service groups rows.
type AggregationType string

const (
	AggregationAuto       AggregationType = "auto"
	AggregationByPage     AggregationType = "byPage"
	AggregationByProperty AggregationType = "byProperty"
)

// ParseAggregationType accepts only modelled aggregation modes.
func ParseAggregationType(s string) (AggregationType, error) {
	switch a := AggregationType(s); a {
	case AggregationAuto, AggregationByPage, AggregationByProperty:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown aggregation type %q", ErrInvalidParams, s)
}

// DataState selects between finalized and fresh (possibly incomplete) data.
type DataState string

const (
	DataStateFinal DataState = "final"
	DataStateAll   DataState = "all"
)

// ParseDataState accepts only modelled data states.
func ParseDataState(s string) (DataState, error) {
	switch d := DataState(s); d {
	case DataStateFinal, DataStateAll:
		return d, nil
	}
	return "", fmt.Errorf("%w: unknown data state %q", ErrInvalidParams, s)
}

// SearchType filters results to one search surface.
type SearchType string

const (
	SearchTypeWeb      SearchType = "web"
	SearchTypeImage    SearchType = "image"
	SearchTypeVideo    SearchType = "video"
	SearchTypeNews     SearchType = "news"
	SearchTypeDiscover SearchType = "discover"
)

// ParseSearchType accepts only modelled search types.
func ParseSearchType(s string) (SearchType, error) {
	switch t := SearchType(s); t {
	case SearchTypeWeb, SearchTypeImage, SearchTypeVideo, SearchTypeNews, SearchTypeDiscover:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown search type %q", ErrInvalidParams, s)
}
