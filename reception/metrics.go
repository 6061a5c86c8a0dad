package reception

import "github.com/prometheus/client_golang/prometheus"

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinymesh",
			Subsystem: "reception",
			Name:      "requests_total",
			Help:      "Counter of requests served, by command and result.",
		}, []string{"command", "result"})

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinymesh",
			Subsystem: "reception",
			Name:      "handle_duration_seconds",
			Help:      "Bucketed histogram of the time spent serving a request.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 18),
		}, []string{"command"})

	inFlightGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinymesh",
			Subsystem: "reception",
			Name:      "client_connected",
			Help:      "Number of requests being served.",
		})
)

func init() {
	prometheus.MustRegister(requestCounter)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(inFlightGauge)
}
