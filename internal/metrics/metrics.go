package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aqi"

// Metrics holds the Prometheus collectors for ingestion, alerting and delivery.
type Metrics struct {
	IngestBatches    *prometheus.CounterVec // labels: source, outcome={ok,degraded,unauthorized,bad_request,error}
	ReadingsAccepted *prometheus.CounterVec // labels: source
	RecordsCoerced   *prometheus.CounterVec // labels: source
	RecordsSkipped   *prometheus.CounterVec // labels: source
	AlertsFired      *prometheus.CounterVec // labels: source

	PushDeliveries *prometheus.CounterVec // labels: outcome={success,failure}
	FanOutDuration prometheus.Histogram

	LiveSessions      prometheus.Gauge
	BroadcastsDropped prometheus.Counter

	CacheLookups *prometheus.CounterVec // labels: result={hit,miss,error}

	HTTPRequestDuration *prometheus.HistogramVec // labels: route, method, status
}

func newMetrics() *Metrics {
	return &Metrics{
		IngestBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_batches_total",
			Help:      "Ingestion requests by source kind and outcome.",
		}, []string{"source", "outcome"}),
		ReadingsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_accepted_total",
			Help:      "Readings persisted by source kind.",
		}, []string{"source"}),
		RecordsCoerced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_coerced_total",
			Help:      "Records accepted with one or more numeric fields coerced to zero.",
		}, []string{"source"}),
		RecordsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Records dropped because no entity id or timestamp could be read.",
		}, []string{"source"}),
		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Batches whose peak AQI crossed the alert threshold.",
		}, []string{"source"}),
		PushDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_deliveries_total",
			Help:      "Push notification attempts by outcome.",
		}, []string{"outcome"}),
		FanOutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_duration_seconds",
			Help:      "Wall time of one alert fan-out across all registered devices.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Currently connected live-channel sessions.",
		}),
		BroadcastsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_dropped_total",
			Help:      "Per-session messages dropped because the session buffer was full.",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "latest_cache_lookups_total",
			Help:      "Latest-reading cache lookups by result.",
		}, []string{"result"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern, method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
}

// NewMetrics creates the collectors and registers them with the default registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.IngestBatches,
		m.ReadingsAccepted,
		m.RecordsCoerced,
		m.RecordsSkipped,
		m.AlertsFired,
		m.PushDeliveries,
		m.FanOutDuration,
		m.LiveSessions,
		m.BroadcastsDropped,
		m.CacheLookups,
		m.HTTPRequestDuration,
	)
	return m
}

// NewMetricsForTesting creates unregistered collectors so tests can build
// as many instances as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
