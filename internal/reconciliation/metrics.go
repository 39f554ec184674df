package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileDivergentDeals = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nftescrow",
		Subsystem: "reconciliation",
		Name:      "divergent_deals",
		Help:      "Number of mirror deals that disagreed with custody in the last run.",
	})

	reconcileLastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nftescrow",
		Subsystem: "reconciliation",
		Name:      "last_run_timestamp",
		Help:      "Unix time of the last completed reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nftescrow",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nftescrow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileDivergentDeals,
		reconcileLastRun,
		reconcileDuration,
		reconcileErrors,
	)
}
