package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileCollateralMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "collateral_mismatches",
		Help:      "Escrows whose locked collateral disagrees with their attributed UTXOs in the last run.",
	})

	reconcileRecordMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "record_mismatches",
		Help:      "Escrows whose UTXO list disagrees with the registry in the last run.",
	})

	reconcileStuckEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "stuck_escrows",
		Help:      "Created/Funded escrows past their time lock in the last run.",
	})

	reconcileEscrowsChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "escrows_checked",
		Help:      "Escrows checked in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileCollateralMismatches,
		reconcileRecordMismatches,
		reconcileStuckEscrows,
		reconcileEscrowsChecked,
		reconcileDuration,
		reconcileErrors,
	)
}
