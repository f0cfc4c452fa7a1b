package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_created_total",
		Help: "Total number of payments created",
	})

	PaymentsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_completed_total",
		Help: "Total number of payments captured",
	})

	PaymentsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_failed_total",
		Help: "Total number of failed payments",
	}, []string{"reason"})

	PaymentsRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_refunded_total",
		Help: "Total number of refunded payments",
	})

	GatewayCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_call_latency_seconds",
		Help:    "Latency of external gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"gateway", "operation"})

	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_received_total",
		Help: "Total number of webhook deliveries received",
	}, []string{"gateway"})

	WebhooksDiscardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_discarded_total",
		Help: "Total number of webhook deliveries discarded without effect",
	}, []string{"reason"})

	WebhooksAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhooks_applied_total",
		Help: "Total number of webhook deliveries that changed payment state",
	})

	EnrollmentsGrantedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enrollments_granted_total",
		Help: "Total number of enrollments granted",
	})

	EnrollmentsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enrollments_dropped_total",
		Help: "Total number of enrollments dropped",
	})

	ReconcileSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_sweeps_total",
		Help: "Total number of stuck-payment reconciliation sweeps",
	})

	ReconciledPaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciled_payments_total",
		Help: "Total number of stuck payments fixed by reconciliation",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
