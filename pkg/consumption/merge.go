package consumption

import (
	"slices"
	"time"

	"github.com/raterudder/tarifa/pkg/types"
)

// Merge combines two sample sets keyed by timestamp. Where both carry the same
// instant the recent sample wins. The result is sorted ascending.
func Merge(recent, historical []types.ConsumptionSample) []types.ConsumptionSample {
	byTime := make(map[int64]types.ConsumptionSample, len(recent)+len(historical))
	for _, s := range historical {
		byTime[s.Timestamp.UnixNano()] = s
	}
	for _, s := range recent {
		byTime[s.Timestamp.UnixNano()] = s
	}

	out := make([]types.ConsumptionSample, 0, len(byTime))
	for _, s := range byTime {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b types.ConsumptionSample) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

// Hourly collapses sub-hour samples into one sample per hour. An hourly
// sample is final only when every sample that went into it is final.
func Hourly(samples []types.ConsumptionSample) []types.ConsumptionSample {
	var out []types.ConsumptionSample
	idx := make(map[int64]int)
	for _, s := range samples {
		hour := s.Timestamp.Truncate(time.Hour)
		key := hour.Unix()
		i, ok := idx[key]
		if !ok {
			idx[key] = len(out)
			out = append(out, types.ConsumptionSample{
				Timestamp: hour.In(types.Madrid),
				KWH:       s.KWH,
				IsFinal:   s.IsFinal,
			})
			continue
		}
		out[i].KWH = out[i].KWH.Add(s.KWH)
		out[i].IsFinal = out[i].IsFinal && s.IsFinal
	}
	slices.SortFunc(out, func(a, b types.ConsumptionSample) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

// Prune drops samples older than cutoff.
func Prune(samples []types.ConsumptionSample, cutoff time.Time) []types.ConsumptionSample {
	return slices.DeleteFunc(slices.Clone(samples), func(s types.ConsumptionSample) bool {
		return s.Timestamp.Before(cutoff)
	})
}
