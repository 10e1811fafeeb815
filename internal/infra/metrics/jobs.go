package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(sweeperProcessedTotal) }

var sweeperProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "intent_sweeper_processed_total",
		Help: "Intents handled by background jobs, labeled by job and action.",
	},
	[]string{"job", "action"}, // e.g. job="expiry", action="abandoned"
)

func AddSweeper(job, action string, n int) {
	sweeperProcessedTotal.WithLabelValues(norm(job), norm(action)).Add(float64(n))
}
