package gateway

import "github.com/prometheus/client_golang/prometheus"

var (
	stateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinymesh",
			Subsystem: "gateway",
			Name:      "connection_state",
			Help:      "Connection state of each gateway, 0 disconnected, 1 connecting, 2 registered, 3 connected, 4 reconnecting.",
		}, []string{"gateway"})

	reconnectCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinymesh",
			Subsystem: "gateway",
			Name:      "reconnect_total",
			Help:      "Counter of lost or failed gateway connections.",
		}, []string{"gateway"})

	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinymesh",
			Subsystem: "gateway",
			Name:      "request_total",
			Help:      "Counter of frames sent to gateways.",
		}, []string{"gateway", "command", "result"})
)

func init() {
	prometheus.MustRegister(stateGauge)
	prometheus.MustRegister(reconnectCounter)
	prometheus.MustRegister(requestCounter)
}
