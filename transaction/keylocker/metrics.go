package keylocker

import "github.com/prometheus/client_golang/prometheus"

var (
	lockedKeysGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinymesh",
			Subsystem: "keylocker",
			Name:      "locked_keys",
			Help:      "Number of keys currently held by a transaction.",
		})

	lockWaitHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinymesh",
			Subsystem: "keylocker",
			Name:      "lock_wait_duration_seconds",
			Help:      "Bucketed histogram of the time spent acquiring a key.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"result"})

	forcedUnlockCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinymesh",
			Subsystem: "keylocker",
			Name:      "forced_unlock_total",
			Help:      "Counter of keys released by an administrative unlock.",
		})
)

func init() {
	prometheus.MustRegister(lockedKeysGauge)
	prometheus.MustRegister(lockWaitHistogram)
	prometheus.MustRegister(forcedUnlockCounter)
}
