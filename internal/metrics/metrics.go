package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SweepOutcomes counts per-record sweep outcomes by result type.
	SweepOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recallguard_sweep_outcomes_total",
			Help: "Sweep outcomes by result (deleted, flagged, skipped, errors)",
		},
		[]string{"result"},
	)

	// SweepRecordSeconds tracks per-record processing time within a sweep.
	SweepRecordSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recallguard_sweep_record_seconds",
			Help:    "Per-record sweep processing time in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// QueueBackendErrors counts review-queue backend failures by backend and operation.
	QueueBackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recallguard_queue_backend_errors_total",
			Help: "Review queue backend errors by backend and operation",
		},
		[]string{"backend", "op"},
	)

	// QueueFailovers counts operations that fell back from the streaming backend.
	QueueFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recallguard_queue_failovers_total",
			Help: "Operations retried on the fallback backend by operation",
		},
		[]string{"op"},
	)

	// ReviewStatusCounts mirrors the folded per-status queue counts.
	ReviewStatusCounts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recallguard_review_status_count",
			Help: "Audit records by folded review status",
		},
		[]string{"status"},
	)
)

// NewServer returns an HTTP server exposing Prometheus metrics on /metrics.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
}
