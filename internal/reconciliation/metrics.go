package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tradeescrow",
		Subsystem: "reconciliation",
		Name:      "mismatches",
		Help:      "Mismatches found in the last reconciliation run, by kind.",
	}, []string{"kind"})

	reconcileOrdersChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeescrow",
		Subsystem: "reconciliation",
		Name:      "orders_checked",
		Help:      "Orders audited in the last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradeescrow",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeescrow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatches,
		reconcileOrdersChecked,
		reconcileDuration,
		reconcileErrors,
	)
}
