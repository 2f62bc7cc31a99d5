package obs

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	backendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootstrap_backend_requests_total",
			Help: "Calls made to the backend service, by operation and outcome.",
		},
		[]string{"operation", "status"},
	)

	backendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bootstrap_backend_request_duration_seconds",
			Help:    "Backend call latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	stageDuration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bootstrap_stage_duration_seconds",
			Help: "Duration of the last run of each bootstrap stage.",
		},
		[]string{"stage", "outcome"},
	)
)

// Init registers the bootstrap metrics in the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(backendRequestsTotal, backendRequestDuration, stageDuration)
	})
}

// ObserveRequest records one backend call. status is the HTTP status code, or
// 0 when the call failed before a response arrived.
func ObserveRequest(operation string, status int, took time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	backendRequestsTotal.WithLabelValues(operation, label).Inc()
	backendRequestDuration.WithLabelValues(operation).Observe(took.Seconds())
}

// ObserveStage records how long a stage took and whether it succeeded.
func ObserveStage(stage string, ok bool, took time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	stageDuration.WithLabelValues(stage, outcome).Set(took.Seconds())
}

// WriteTextfile dumps the default registry in the node_exporter textfile
// collector format. Short-lived jobs use it instead of a /metrics endpoint.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
