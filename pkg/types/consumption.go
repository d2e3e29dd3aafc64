package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ConsumptionSample is one reading from the supplier's billing API.
type ConsumptionSample struct {
	Timestamp time.Time       `json:"timestamp"`
	KWH       decimal.Decimal `json:"kwh"`
	// IsFinal is false for provisional readings the supplier may still revise.
	IsFinal bool `json:"is_final"`
}

// Granularity is the calendar size of an aggregate bucket.
type Granularity string

const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
	GranularityYear  Granularity = "year"
)

// Granularities lists every granularity from finest to coarsest.
var Granularities = []Granularity{
	GranularityHour,
	GranularityDay,
	GranularityWeek,
	GranularityMonth,
	GranularityYear,
}

// ParseGranularity validates a granularity name.
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(s)
	for _, v := range Granularities {
		if v == g {
			return g, nil
		}
	}
	return "", fmt.Errorf("unknown granularity: %s", s)
}

// AggregateBucket is the consumption total over one calendar window
// [Start, End).
type AggregateBucket struct {
	Granularity Granularity     `json:"granularity"`
	Start       time.Time       `json:"start"`
	End         time.Time       `json:"end"`
	KWHTotal    decimal.Decimal `json:"kwh_total"`
	SampleCount int             `json:"sample_count"`
	// IsComplete is true only when the window has elapsed and every expected
	// slot is present and final.
	IsComplete bool `json:"is_complete"`
}

// Contains returns true if t falls inside the bucket window.
func (b AggregateBucket) Contains(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}

// ConsumptionReport is what gets displayed for a granularity: the current
// bucket, or the latest complete one when the current bucket is still
// incomplete.
type ConsumptionReport struct {
	Granularity Granularity     `json:"granularity"`
	Current     AggregateBucket `json:"current"`
	Reported    AggregateBucket `json:"reported"`
	// Substituted is true when Reported is an older bucket than Current.
	Substituted bool      `json:"substituted"`
	Freshness   Freshness `json:"freshness"`
}
