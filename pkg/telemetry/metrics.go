package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for design runs.
type Metrics struct {
	// DesignsApplied counts finished runs by result
	// (committed, rolled_back, error).
	DesignsApplied *prometheus.CounterVec

	// ObjectsCreated counts objects created by design runs.
	ObjectsCreated prometheus.Counter

	// ObjectsUpdated counts objects updated by design runs.
	ObjectsUpdated prometheus.Counter

	// ApplyDuration observes end-to-end run duration in seconds.
	ApplyDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		DesignsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "designs_applied_total",
				Help:      "Total number of design runs, by result",
			},
			[]string{"result"},
		),
		ObjectsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "objects_created_total",
			Help:      "Total number of objects created by design runs",
		}),
		ObjectsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "objects_updated_total",
			Help:      "Total number of objects updated by design runs",
		}),
		ApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "apply_duration_seconds",
			Help:      "Duration of design runs in seconds",
			Buckets:   buckets,
		}),
	}

	registry.MustRegister(
		m.DesignsApplied,
		m.ObjectsCreated,
		m.ObjectsUpdated,
		m.ApplyDuration,
	)
	return m
}

// Handler returns an HTTP handler exposing the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
