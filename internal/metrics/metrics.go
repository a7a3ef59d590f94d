package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PayloadsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripdesk_payloads_classified_total",
		Help: "Agent results classified into a payload kind, counted per scan",
	}, []string{"kind"})

	PayloadsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripdesk_payloads_discarded_total",
		Help: "Agent results discarded during a scan",
	}, []string{"reason"})

	DisplayForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripdesk_display_forwarded_total",
		Help: "Payloads forwarded to the display surface",
	}, []string{"kind"})

	ApprovalsDecided = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripdesk_approvals_decided_total",
		Help: "Budget approval decisions recorded",
	}, []string{"decision"})

	RelayDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripdesk_relay_deliveries_total",
		Help: "Decision relay deliveries by target and outcome",
	}, []string{"target", "status"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tripdesk_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tripdesk_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method"})
)
