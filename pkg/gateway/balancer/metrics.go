package balancer

import "github.com/prometheus/client_golang/prometheus"

var (
	upstreamHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_upstream_healthy",
			Help: "Whether the upstream server is healthy (1) or not (0)",
		},
		[]string{"pool", "server"},
	)

	upstreamCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_upstream_circuit_state",
			Help: "Circuit breaker state of the upstream server (0=closed, 1=half-open, 2=open)",
		},
		[]string{"pool", "server"},
	)

	upstreamSelectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_selected_total",
			Help: "Total number of times the upstream server was selected",
		},
		[]string{"pool", "server"},
	)
)

func init() {
	prometheus.MustRegister(upstreamHealthy)
	prometheus.MustRegister(upstreamCircuitState)
	prometheus.MustRegister(upstreamSelectedTotal)
}
