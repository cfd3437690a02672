package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txguard_evaluations_total",
		Help: "Number of evaluated transactions by outcome",
	}, []string{"outcome"})

	QuarantineCodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txguard_quarantine_codes_total",
		Help: "Number of raised quarantine codes",
	}, []string{"code"})

	SimulationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "txguard_simulation_duration_seconds",
		Help:    "Duration of one batched simulation request",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "txguard_active_connections",
		Help: "Number of open client connections",
	})

	RejectedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txguard_rejected_requests_total",
		Help: "Number of requests rejected before processing",
	}, []string{"reason"})

	SubscriptionDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txguard_subscription_deliveries_total",
		Help: "Number of delivered subscription notifications",
	}, []string{"kind"})
)
