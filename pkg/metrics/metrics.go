// Package metrics exposes engine activity to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records engine metrics. A nil *Recorder discards everything.
type Recorder struct {
	sourceSelections *prometheus.CounterVec
	rateLookups      *prometheus.CounterVec
	refreshDuration  *prometheus.HistogramVec
	refreshErrors    *prometheus.CounterVec
	reconciliations  *prometheus.CounterVec
	currentPrice     prometheus.Gauge
}

// New registers the engine metrics with reg. Pass prometheus.DefaultRegisterer
// to serve them from promhttp.Handler.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		sourceSelections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tarifa_price_source_selections_total",
				Help: "Price series selections by day, source and freshness",
			},
			[]string{"day", "source", "freshness"},
		),
		rateLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tarifa_rate_cache_lookups_total",
				Help: "Rate cache lookups by tariff kind and result",
			},
			[]string{"kind", "result"},
		),
		refreshDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tarifa_refresh_duration_seconds",
				Help:    "Duration of refresh operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		refreshErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tarifa_refresh_errors_total",
				Help: "Refresh operations that failed",
			},
			[]string{"operation"},
		),
		reconciliations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tarifa_credit_reconciliations_total",
				Help: "Supplier credit reconciliations by whether the stored actual changed",
			},
			[]string{"result"},
		),
		currentPrice: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tarifa_current_price_eur_per_kwh",
				Help: "Effective tariff price of the current hour",
			},
		),
	}
}

// RecordSelection records which source a price series came from.
func (r *Recorder) RecordSelection(day, source, freshness string) {
	if r == nil {
		return
	}
	r.sourceSelections.WithLabelValues(day, source, freshness).Inc()
}

// RecordRateLookup records a rate cache result: fresh, stale or miss.
func (r *Recorder) RecordRateLookup(kind, result string) {
	if r == nil {
		return
	}
	r.rateLookups.WithLabelValues(kind, result).Inc()
}

// RecordRefresh records the duration and outcome of a refresh operation.
func (r *Recorder) RecordRefresh(op string, started time.Time, err error) {
	if r == nil {
		return
	}
	r.refreshDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	if err != nil {
		r.refreshErrors.WithLabelValues(op).Inc()
	}
}

// RecordReconciliation records whether reconciling changed the stored actual.
func (r *Recorder) RecordReconciliation(changed bool) {
	if r == nil {
		return
	}
	result := "unchanged"
	if changed {
		result = "changed"
	}
	r.reconciliations.WithLabelValues(result).Inc()
}

// SetCurrentPrice records the effective price of the current hour.
func (r *Recorder) SetCurrentPrice(price float64) {
	if r == nil {
		return
	}
	r.currentPrice.Set(price)
}
