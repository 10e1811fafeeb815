package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		resumeEventsTotal,
		reconcileAttempts,
		notificationsTotal,
	)
}

var (
	// result: debounced|no_intent|stale|order_mismatch|in_progress|expired|lost_race|reconciled|terminal
	resumeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resume_events_total",
			Help: "Return detector runs by result.",
		},
		[]string{"result"},
	)

	// result: settled|failed|unauthorized|cancelled
	reconcileAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reconcile_attempts",
			Help:    "Backend reads needed per reconciliation.",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
		},
		[]string{"result"},
	)

	// channel: log|inbox|telegram; status: sent|error|skipped
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purchase_notifications_total",
			Help: "User notifications about purchase outcomes by channel and delivery status.",
		},
		[]string{"channel", "status"},
	)
)

func IncResume(result string) {
	resumeEventsTotal.WithLabelValues(norm(result)).Inc()
}

func ObserveReconcile(result string, attempts int) {
	reconcileAttempts.WithLabelValues(norm(result)).Observe(float64(attempts))
}

func IncNotification(channel, status string) {
	notificationsTotal.WithLabelValues(norm(channel), norm(status)).Inc()
}
