package consumption

import (
	"testing"
	"time"

	"github.com/raterudder/tarifa/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func local(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, types.Madrid)
}

// hourlySamples returns one sample per elapsed hour in [start, end).
func hourlySamples(start, end time.Time, kwh string, final bool) []types.ConsumptionSample {
	var out []types.ConsumptionSample
	for t := start; t.Before(end); t = t.Add(time.Hour) {
		out = append(out, types.ConsumptionSample{Timestamp: t, KWH: decimal.RequireFromString(kwh), IsFinal: final})
	}
	return out
}

func TestBounds(t *testing.T) {
	// Wednesday
	at := local(2024, time.June, 12, 15).Add(20 * time.Minute)

	tests := []struct {
		g     types.Granularity
		start time.Time
		end   time.Time
	}{
		{types.GranularityHour, local(2024, time.June, 12, 15), local(2024, time.June, 12, 16)},
		{types.GranularityDay, local(2024, time.June, 12, 0), local(2024, time.June, 13, 0)},
		{types.GranularityWeek, local(2024, time.June, 10, 0), local(2024, time.June, 17, 0)},
		{types.GranularityMonth, local(2024, time.June, 1, 0), local(2024, time.July, 1, 0)},
		{types.GranularityYear, local(2024, time.January, 1, 0), local(2025, time.January, 1, 0)},
	}
	for _, tt := range tests {
		t.Run(string(tt.g), func(t *testing.T) {
			start, end, err := Bounds(tt.g, at)
			require.NoError(t, err)
			assert.True(t, tt.start.Equal(start), "start %s", start)
			assert.True(t, tt.end.Equal(end), "end %s", end)
		})
	}

	t.Run("sunday belongs to the week started monday", func(t *testing.T) {
		start, _, err := Bounds(types.GranularityWeek, local(2024, time.June, 16, 23))
		require.NoError(t, err)
		assert.True(t, local(2024, time.June, 10, 0).Equal(start))
	})

	t.Run("dst day lengths", func(t *testing.T) {
		start, end, err := Bounds(types.GranularityDay, local(2024, time.March, 31, 12))
		require.NoError(t, err)
		assert.Equal(t, 23*time.Hour, end.Sub(start))

		start, end, err = Bounds(types.GranularityDay, local(2024, time.October, 27, 12))
		require.NoError(t, err)
		assert.Equal(t, 25*time.Hour, end.Sub(start))
	})

	_, _, err := Bounds("fortnight", at)
	assert.Error(t, err)
}

func TestLatestCompleteDay(t *testing.T) {
	yesterday := local(2024, time.June, 11, 0)
	today := local(2024, time.June, 12, 0)

	samples := hourlySamples(yesterday, today, "0.5", true)
	samples = append(samples, hourlySamples(today, today.Add(23*time.Hour), "1", true)...)
	samples[len(samples)-1].IsFinal = false

	now := today.Add(23*time.Hour + 30*time.Minute)
	a := New()

	current, err := a.Aggregate(samples, types.GranularityDay, now)
	require.NoError(t, err)
	assert.False(t, current.IsComplete)
	assert.Equal(t, 23, current.SampleCount)
	assert.True(t, decimal.NewFromInt(23).Equal(current.KWHTotal))

	r, err := a.Report(samples, types.GranularityDay, now)
	require.NoError(t, err)
	assert.True(t, r.Substituted)
	assert.Equal(t, types.FreshnessStale, r.Freshness)
	assert.True(t, yesterday.Equal(r.Reported.Start))
	assert.True(t, r.Reported.IsComplete)
	assert.True(t, decimal.NewFromInt(12).Equal(r.Reported.KWHTotal))
	assert.False(t, r.Current.IsComplete)
}

func TestBucketCompleteness(t *testing.T) {
	a := New()
	day := local(2024, time.June, 11, 0)
	next := day.AddDate(0, 0, 1)

	t.Run("window not elapsed", func(t *testing.T) {
		samples := hourlySamples(day, next, "1", true)
		b, err := a.Bucket(samples, types.GranularityDay, day, next.Add(-time.Minute))
		require.NoError(t, err)
		assert.False(t, b.IsComplete)
	})

	t.Run("missing slot", func(t *testing.T) {
		samples := hourlySamples(day, next, "1", true)
		samples = append(samples[:5], samples[6:]...)
		b, err := a.Bucket(samples, types.GranularityDay, day, next)
		require.NoError(t, err)
		assert.False(t, b.IsComplete)
		assert.Equal(t, 23, b.SampleCount)
	})

	t.Run("complete", func(t *testing.T) {
		b, err := a.Bucket(hourlySamples(day, next, "1", true), types.GranularityDay, day, next)
		require.NoError(t, err)
		assert.True(t, b.IsComplete)
	})

	t.Run("short dst day is complete with 23 samples", func(t *testing.T) {
		dst := local(2024, time.March, 31, 0)
		samples := hourlySamples(dst, dst.AddDate(0, 0, 1), "1", true)
		require.Len(t, samples, 23)
		b, err := a.Bucket(samples, types.GranularityDay, dst, dst.AddDate(0, 0, 2))
		require.NoError(t, err)
		assert.True(t, b.IsComplete)
	})

	t.Run("quarter hour resolution", func(t *testing.T) {
		q := &Aggregator{Resolution: 15 * time.Minute, MaxLookback: 1}
		var samples []types.ConsumptionSample
		for ts := day; ts.Before(day.Add(time.Hour)); ts = ts.Add(15 * time.Minute) {
			samples = append(samples, types.ConsumptionSample{Timestamp: ts, KWH: decimal.RequireFromString("0.25"), IsFinal: true})
		}
		b, err := q.Bucket(samples, types.GranularityHour, day, next)
		require.NoError(t, err)
		assert.True(t, b.IsComplete)
		assert.True(t, decimal.NewFromInt(1).Equal(b.KWHTotal))

		b, err = q.Bucket(samples[:3], types.GranularityHour, day, next)
		require.NoError(t, err)
		assert.False(t, b.IsComplete)
	})
}

func TestReportPendingWithoutHistory(t *testing.T) {
	today := local(2024, time.June, 12, 0)
	samples := hourlySamples(today, today.Add(5*time.Hour), "1", false)

	r, err := New().Report(samples, types.GranularityMonth, today.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.FreshnessPending, r.Freshness)
	assert.False(t, r.Substituted)
	assert.True(t, decimal.NewFromInt(5).Equal(r.Reported.KWHTotal))
}

func TestReportCurrentHourComplete(t *testing.T) {
	h := local(2024, time.June, 12, 10)
	samples := []types.ConsumptionSample{{Timestamp: h, KWH: decimal.NewFromInt(2), IsFinal: true}}

	// the previous hour is the latest one that has elapsed
	r, err := New().Report(samples, types.GranularityHour, h.Add(90*time.Minute))
	require.NoError(t, err)
	assert.True(t, r.Substituted)
	assert.True(t, h.Equal(r.Reported.Start))
	assert.True(t, r.Reported.IsComplete)
}

func TestReportLaggingData(t *testing.T) {
	start := local(2024, time.June, 1, 0)

	t.Run("hour, 36 hours late", func(t *testing.T) {
		samples := hourlySamples(start, local(2024, time.June, 11, 1), "1", true)
		r, err := New().Report(samples, types.GranularityHour, local(2024, time.June, 12, 12))
		require.NoError(t, err)
		assert.Equal(t, types.FreshnessStale, r.Freshness)
		assert.True(t, r.Substituted)
		assert.True(t, local(2024, time.June, 11, 0).Equal(r.Reported.Start), r.Reported.Start.String())
		assert.True(t, r.Reported.IsComplete)
	})

	t.Run("day, 4 days late", func(t *testing.T) {
		samples := hourlySamples(start, local(2024, time.June, 8, 0), "0.5", true)
		r, err := New().Report(samples, types.GranularityDay, local(2024, time.June, 12, 12))
		require.NoError(t, err)
		assert.Equal(t, types.FreshnessStale, r.Freshness)
		assert.True(t, r.Substituted)
		assert.True(t, local(2024, time.June, 7, 0).Equal(r.Reported.Start), r.Reported.Start.String())
		assert.True(t, decimal.NewFromInt(12).Equal(r.Reported.KWHTotal))
	})

	t.Run("skips incomplete days in between", func(t *testing.T) {
		samples := hourlySamples(start, local(2024, time.June, 3, 0), "1", true)
		// June 5 is missing an hour
		samples = append(samples, hourlySamples(local(2024, time.June, 5, 0), local(2024, time.June, 5, 23), "1", true)...)
		r, err := New().Report(samples, types.GranularityDay, local(2024, time.June, 12, 12))
		require.NoError(t, err)
		assert.True(t, r.Substituted)
		assert.True(t, local(2024, time.June, 2, 0).Equal(r.Reported.Start), r.Reported.Start.String())
	})

	t.Run("nothing complete", func(t *testing.T) {
		samples := hourlySamples(start, local(2024, time.June, 10, 0), "1", false)
		r, err := New().Report(samples, types.GranularityDay, local(2024, time.June, 12, 12))
		require.NoError(t, err)
		assert.Equal(t, types.FreshnessPending, r.Freshness)
		assert.False(t, r.Substituted)
		assert.True(t, local(2024, time.June, 12, 0).Equal(r.Reported.Start))
	})

	t.Run("bounded lookback", func(t *testing.T) {
		samples := hourlySamples(start, local(2024, time.June, 8, 0), "1", true)
		a := &Aggregator{Resolution: time.Hour, MaxLookback: 2}
		samples = append(samples, hourlySamples(local(2024, time.June, 9, 0), local(2024, time.June, 9, 2), "1", true)...)
		samples = append(samples, hourlySamples(local(2024, time.June, 10, 0), local(2024, time.June, 10, 2), "1", true)...)
		r, err := a.Report(samples, types.GranularityDay, local(2024, time.June, 12, 12))
		require.NoError(t, err)
		assert.Equal(t, types.FreshnessPending, r.Freshness)
	})
}
