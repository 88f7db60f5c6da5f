package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "fiatescrow",
	Subsystem: "reconciliation",
	Name:      "run_duration_seconds",
	Help:      "Duration of reconciliation runs in seconds.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
})

func init() {
	prometheus.MustRegister(reconcileDuration)
}
