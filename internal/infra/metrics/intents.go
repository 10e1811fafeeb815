package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		intentsCreatedTotal,
		intentsTerminalTotal,
		settledAmountTotal,
	)
}

var (
	intentsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purchase_intents_created_total",
			Help: "Purchase intents persisted, by kind and payment method.",
		},
		[]string{"kind", "method"},
	)

	// state: settled|failed|abandoned
	intentsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purchase_intents_terminal_total",
			Help: "Purchase intents that reached a terminal state, by kind and state.",
		},
		[]string{"kind", "state"},
	)

	settledAmountTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purchase_settled_amount_total",
			Help: "Sum of intent amounts confirmed by reconciliation, by kind.",
		},
		[]string{"kind"},
	)
)

func IncIntentCreated(kind, method string) {
	intentsCreatedTotal.WithLabelValues(norm(kind), norm(method)).Inc()
}

func IncIntentTerminal(kind, state string) {
	intentsTerminalTotal.WithLabelValues(norm(kind), norm(state)).Inc()
}

func AddSettledAmount(kind string, amount float64) {
	settledAmountTotal.WithLabelValues(norm(kind)).Add(amount)
}
