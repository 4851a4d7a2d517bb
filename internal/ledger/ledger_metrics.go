package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeescrow",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tradeescrow",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// HeldTotal sums every amount ever reserved.
	HeldTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tradeescrow",
			Name:      "ledger_held_amount_total",
			Help:      "Sum of all reserved order totals.",
		},
	)

	// ReleasedTotal sums transferred amounts by recipient party.
	ReleasedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeescrow",
			Name:      "ledger_released_amount_total",
			Help:      "Sum of all released amounts by recipient.",
		},
		[]string{"recipient"},
	)

	// RemoteCallsTotal counts calls to remote ledger backends by backend and result.
	RemoteCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeescrow",
			Name:      "ledger_remote_calls_total",
			Help:      "Remote ledger calls by backend and result.",
		},
		[]string{"backend", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		HeldTotal,
		ReleasedTotal,
		RemoteCallsTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

// remoteResult labels the outcome of a remote call.
func remoteResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsRejected(err):
		return "rejected"
	default:
		return "unknown"
	}
}
