// Package consumption buckets consumption samples into calendar windows.
package consumption

import (
	"fmt"
	"slices"
	"time"

	"github.com/jinzhu/now"
	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
)

var calendar = &now.Config{
	WeekStartDay: time.Monday,
	TimeLocation: types.Madrid,
}

// Bounds returns the local window [start, end) of granularity g containing t.
// Day and coarser windows follow the wall clock, so a DST day is 23 or 25
// hours long.
func Bounds(g types.Granularity, t time.Time) (time.Time, time.Time, error) {
	local := calendar.With(t.In(types.Madrid))
	switch g {
	case types.GranularityHour:
		// offsets in Madrid are whole hours so truncation is safe and, unlike
		// rebuilding the wall time, keeps the repeated autumn hour apart
		start := t.Truncate(time.Hour).In(types.Madrid)
		return start, start.Add(time.Hour), nil
	case types.GranularityDay:
		start := local.BeginningOfDay()
		return start, start.AddDate(0, 0, 1), nil
	case types.GranularityWeek:
		start := local.BeginningOfWeek()
		return start, start.AddDate(0, 0, 7), nil
	case types.GranularityMonth:
		start := local.BeginningOfMonth()
		return start, start.AddDate(0, 1, 0), nil
	case types.GranularityYear:
		start := local.BeginningOfYear()
		return start, start.AddDate(1, 0, 0), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown granularity: %s", g)
	}
}

// Aggregator sums samples into buckets.
type Aggregator struct {
	// Resolution is the spacing of the supplier's samples. A bucket expects
	// one sample per Resolution of its length.
	Resolution time.Duration

	// MaxLookback bounds how many buckets holding samples Report inspects
	// looking for a complete one. Zero means no bound.
	MaxLookback int
}

// New returns an aggregator for hourly samples.
func New() *Aggregator {
	return &Aggregator{
		Resolution: time.Hour,
	}
}

// Aggregate returns the bucket of granularity g containing now.
func (a *Aggregator) Aggregate(samples []types.ConsumptionSample, g types.Granularity, now time.Time) (types.AggregateBucket, error) {
	return a.Bucket(samples, g, now, now)
}

// Bucket returns the bucket of granularity g containing at, judged for
// completeness as of now.
func (a *Aggregator) Bucket(samples []types.ConsumptionSample, g types.Granularity, at, now time.Time) (types.AggregateBucket, error) {
	start, end, err := Bounds(g, at)
	if err != nil {
		return types.AggregateBucket{}, err
	}

	b := types.AggregateBucket{
		Granularity: g,
		Start:       start,
		End:         end,
		KWHTotal:    decimal.Zero,
	}

	slots := make(map[int64]bool)
	allFinal := true
	for _, s := range samples {
		if !b.Contains(s.Timestamp) {
			continue
		}
		b.KWHTotal = b.KWHTotal.Add(s.KWH)
		b.SampleCount++
		if !s.IsFinal {
			allFinal = false
		}
		slots[a.slot(s.Timestamp)] = true
	}

	expected := int(end.Sub(start) / a.resolution())
	b.IsComplete = !now.Before(end) && allFinal && len(slots) == expected
	return b, nil
}

// Report returns the display figure for granularity g: the current bucket
// when complete, otherwise the most recent complete bucket however far back
// the samples reach. If none is complete the current bucket is reported as
// pending.
func (a *Aggregator) Report(samples []types.ConsumptionSample, g types.Granularity, now time.Time) (types.ConsumptionReport, error) {
	current, err := a.Aggregate(samples, g, now)
	if err != nil {
		return types.ConsumptionReport{}, err
	}

	r := types.ConsumptionReport{
		Granularity: g,
		Current:     current,
		Reported:    current,
		Freshness:   types.FreshnessPending,
	}
	if current.IsComplete {
		r.Freshness = types.FreshnessFresh
		return r, nil
	}

	sorted := slices.Clone(samples)
	slices.SortFunc(sorted, func(x, y types.ConsumptionSample) int {
		return x.Timestamp.Compare(y.Timestamp)
	})

	// a bucket without samples is never complete, so jump straight to the
	// bucket of the latest sample before the one just inspected
	before := current.Start
	for i := 0; a.MaxLookback <= 0 || i < a.MaxLookback; i++ {
		idx, _ := slices.BinarySearchFunc(sorted, before, func(s types.ConsumptionSample, t time.Time) int {
			return s.Timestamp.Compare(t)
		})
		if idx == 0 {
			break
		}
		prev, err := a.Bucket(window(sorted, g, sorted[idx-1].Timestamp), g, sorted[idx-1].Timestamp, now)
		if err != nil {
			return types.ConsumptionReport{}, err
		}
		if prev.IsComplete {
			r.Reported = prev
			r.Substituted = true
			r.Freshness = types.FreshnessStale
			return r, nil
		}
		before = prev.Start
	}
	return r, nil
}

// window returns the samples of sorted that fall into the bucket of g
// containing at.
func window(sorted []types.ConsumptionSample, g types.Granularity, at time.Time) []types.ConsumptionSample {
	start, end, err := Bounds(g, at)
	if err != nil {
		return sorted
	}
	cmp := func(s types.ConsumptionSample, t time.Time) int {
		return s.Timestamp.Compare(t)
	}
	lo, _ := slices.BinarySearchFunc(sorted, start, cmp)
	hi, _ := slices.BinarySearchFunc(sorted, end, cmp)
	return sorted[lo:hi]
}

func (a *Aggregator) resolution() time.Duration {
	if a.Resolution <= 0 {
		return time.Hour
	}
	return a.Resolution
}

func (a *Aggregator) slot(t time.Time) int64 {
	return t.UnixNano() / int64(a.resolution())
}
