package delegate

import "github.com/prometheus/client_golang/prometheus"

var (
	openTransactionGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinymesh",
			Subsystem: "transaction",
			Name:      "open",
			Help:      "Number of transactions not finalized yet.",
		})

	finalizeHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinymesh",
			Subsystem: "transaction",
			Name:      "finalize_duration_seconds",
			Help:      "Bucketed histogram of the time spent running commit or rollback actions.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"kind", "result"})
)

func init() {
	prometheus.MustRegister(openTransactionGauge)
	prometheus.MustRegister(finalizeHistogram)
}
