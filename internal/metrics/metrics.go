package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "btc_risk"

// ── HTTP request metrics (RED method) ──────────────────────────────────

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"method", "path", "status_code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Number of HTTP requests currently being processed.",
	})
)

// ── Upstream source metrics ────────────────────────────────────────────

var (
	SourceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "requests_total",
		Help:      "Total upstream requests per host and outcome.",
	}, []string{"host", "status"})

	SourceRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "request_duration_seconds",
		Help:      "Upstream request latency per host in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	}, []string{"host"})

	FetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "fetch_total",
		Help:      "Total fetch attempts per logical source.",
	}, []string{"source", "status"})
)

// ── Pipeline metrics ───────────────────────────────────────────────────

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Total pipeline runs by outcome.",
	}, []string{"status"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "run_duration_seconds",
		Help:      "Duration of a full pipeline run in seconds.",
		Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
	})

	LastRunTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "last_run_timestamp",
		Help:      "Unix timestamp of the last completed run.",
	})

	RiskValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "risk",
		Help:      "Latest composite risk by kind (smoothed, instant).",
	}, []string{"kind"})

	BandValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "band",
		Help:      "1 for the current band, 0 otherwise.",
	}, []string{"band"})

	DriverScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "driver",
		Name:      "score",
		Help:      "Latest normalized score per driver.",
	}, []string{"driver"})

	DriverHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "driver",
		Name:      "health",
		Help:      "1 for the driver's current health status, 0 otherwise.",
	}, []string{"driver", "status"})
)

// ── Alert delivery metrics ─────────────────────────────────────────────

var (
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Total alerts successfully delivered.",
	}, []string{"channel"})

	AlertsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "failed_total",
		Help:      "Total alert delivery failures.",
	}, []string{"channel"})

	AlertsDeduplicatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "deduplicated_total",
		Help:      "Total band-flip alerts suppressed by deduplication.",
	})
)

// Push sends the batch-run collectors to a Prometheus pushgateway.
func Push(url, job string) error {
	err := push.New(url, job).
		Collector(RunsTotal).
		Collector(RunDuration).
		Collector(LastRunTimestamp).
		Collector(RiskValue).
		Collector(BandValue).
		Collector(DriverScore).
		Collector(DriverHealth).
		Collector(FetchTotal).
		Push()
	if err != nil {
		return fmt.Errorf("pushgateway: %w", err)
	}
	return nil
}
