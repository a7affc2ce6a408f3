package escrow

import "github.com/prometheus/client_golang/prometheus"

// TransitionsTotal counts escrow state transitions.
var TransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "escrow_transitions_total",
		Help:      "Escrow state transitions by source and target status.",
	},
	[]string{"from", "to"},
)

func init() {
	prometheus.MustRegister(TransitionsTotal)
}

func observeTransition(from, to Status) {
	if from == "" {
		from = "none"
	}
	TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}
