package rows

// Aggregate merges rows while keeping average position exact. Position is
// recovered as ΣSumTopPosition / ΣImpressions + 1.
type Aggregate struct {
	Impressions    int64
	Clicks         int64
	SumTopPosition float64
}

// Add merges r into the aggregate.
func (a *Aggregate) Add(r ResultRow) {
	a.Impressions += r.Impressions
	a.Clicks += r.Clicks
	a.SumTopPosition += r.SumTopPosition
}

// Position returns the impressions-weighted average position, or 0 when
// nothing has been seen.
func (a Aggregate) Position() float64 {
	if a.Impressions == 0 {
		return 0
	}
	return a.SumTopPosition/float64(a.Impressions) + 1
}

// CTR returns clicks per impression, or 0 when nothing has been seen.
func (a Aggregate) CTR() float64 {
	if a.Impressions == 0 {
		return 0
	}
	return float64(a.Clicks) / float64(a.Impressions)
}
