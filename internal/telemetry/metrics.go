// Package telemetry exposes the core's Prometheus instrumentation. One
// Metrics value is created at startup and threaded to the workers; the
// /metrics endpoint serves the registry it was built from.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the core registers.
type Metrics struct {
	FetchTotal        *prometheus.CounterVec
	FetchDuration     prometheus.Histogram
	PredictionsTotal  *prometheus.CounterVec
	AnomalyScore      *prometheus.GaugeVec
	ActionsTotal      *prometheus.CounterVec
	ProfileVersion    prometheus.Gauge
	LearningCycles    *prometheus.CounterVec
	HTTPRequestsTotal *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// New registers all collectors against reg and returns the handle. Pass
// prometheus.DefaultRegisterer outside tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrosentinel",
			Subsystem: "climate",
			Name:      "fetch_total",
			Help:      "Climate fetches by location and result (cache_hit, fetched, degraded).",
		}, []string{"location", "result"}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agrosentinel",
			Subsystem: "climate",
			Name:      "fetch_duration_seconds",
			Help:      "Wall time of climate fetches including retries.",
			Buckets:   prometheus.DefBuckets,
		}),
		PredictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrosentinel",
			Subsystem: "predict",
			Name:      "predictions_total",
			Help:      "Predictions produced by model and degraded flag.",
		}, []string{"model", "degraded"}),
		AnomalyScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agrosentinel",
			Subsystem: "anomaly",
			Name:      "score",
			Help:      "Latest anomaly score per subject.",
		}, []string{"subject"}),
		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrosentinel",
			Subsystem: "decision",
			Name:      "actions_total",
			Help:      "Actions by kind and final status.",
		}, []string{"kind", "status"}),
		ProfileVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agrosentinel",
			Subsystem: "decision",
			Name:      "profile_version",
			Help:      "Version of the active threshold profile.",
		}),
		LearningCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrosentinel",
			Subsystem: "adaptive",
			Name:      "learning_cycles_total",
			Help:      "Learning cycles by outcome (published, unchanged, skipped, error).",
		}, []string{"outcome"}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrosentinel",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by route and status class.",
		}, []string{"route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agrosentinel",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}
