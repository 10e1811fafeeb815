package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(backendRequestDuration) }

var backendRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "backend_request_duration_seconds",
		Help:    "Latency of marketplace backend calls by operation and result.",
		Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	},
	[]string{"op", "result"},
)

func ObserveBackend(op, result string, d time.Duration) {
	backendRequestDuration.WithLabelValues(norm(op), norm(result)).Observe(d.Seconds())
}
