// Package metrics defines the Prometheus collectors shared by the
// facilitator and gateway services. Monetary amounts are deliberately not
// exported as metric values; revenue lives in the registry as integers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VerifyTotal counts dry-run verifications by outcome ("valid" or the
	// rejection code).
	VerifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_verify_total",
		Help: "Payment verifications by outcome.",
	}, []string{"outcome"})

	// SettleTotal counts settlement attempts by outcome: settled, failed,
	// indeterminate, rejected.
	SettleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_settle_total",
		Help: "Settlement attempts by outcome.",
	}, []string{"outcome"})

	// SettleDuration observes wall time of the settle path, including the
	// on-chain confirmation wait.
	SettleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "x402_settle_duration_seconds",
		Help:    "Settlement latency.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// AuthFailures counts rejected facilitator requests (bad or missing
	// HMAC tag).
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "x402_auth_failures_total",
		Help: "Requests rejected by HMAC authentication.",
	})

	// NoncesPurged counts nonce records removed by the cleanup task.
	NoncesPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "x402_nonces_purged_total",
		Help: "Expired nonce records purged.",
	})

	// WebhookDeliveries counts webhook delivery attempts by outcome.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_webhook_deliveries_total",
		Help: "Settlement webhook deliveries by outcome.",
	}, []string{"outcome"})

	// ProxyRequests counts gateway proxy calls by result: forwarded,
	// rejected, upstream_error.
	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_proxy_requests_total",
		Help: "Gateway proxy requests by result.",
	}, []string{"result"})

	// EndpointPayments counts settled endpoint calls per slug.
	EndpointPayments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_endpoint_payments_total",
		Help: "Settled payments per endpoint.",
	}, []string{"slug"})
)
