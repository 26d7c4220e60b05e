package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests handled by the gateway",
		},
		[]string{"route", "service", "method", "status"},
	)

	gatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Gateway request duration in seconds, including upstream time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "service"},
	)

	gatewayDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_denials_total",
			Help: "Requests rejected by the gateway before reaching an upstream",
		},
		[]string{"stage"},
	)

	securityFindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_security_findings_total",
			Help: "Attack patterns detected by the security validators",
		},
		[]string{"validator", "severity"},
	)

	gatewayUpstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_retries_total",
			Help: "Upstream dispatch attempts beyond the first, per service",
		},
		[]string{"service"},
	)
)
