package utxo

import "github.com/prometheus/client_golang/prometheus"

// AttributionsTotal counts attribute calls by outcome: new, duplicate,
// updated, decreased or conflict.
var AttributionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "utxo",
		Name:      "attributions_total",
		Help:      "UTXO attribution attempts by outcome.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(AttributionsTotal)
}

func observeAttribution(result string) {
	AttributionsTotal.WithLabelValues(result).Inc()
}
