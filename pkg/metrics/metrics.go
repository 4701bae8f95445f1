package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deliverify"

var (
	OrdersPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_placed_total",
		Help:      "Orders persisted after a successful payment creation.",
	})

	PaymentCreationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_creation_failures_total",
		Help:      "Purchases aborted because the provider returned no usable payment.",
	})

	// Reconciliations counts payment reconciliation attempts by source
	// (webhook, poll) and outcome.
	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_reconciliations_total",
		Help:      "Payment reconciliation attempts.",
	}, []string{"source", "outcome"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_transitions_total",
		Help:      "Committed order status transitions.",
	}, []string{"to"})

	StaleTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_stale_transitions_total",
		Help:      "Transitions rejected by the compare-and-swap guard.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)

// RegisterConnectionGauge exposes the live realtime channel count.
func RegisterConnectionGauge(connected func() int) prometheus.GaugeFunc {
	return promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realtime_connections",
		Help:      "Authenticated realtime channels.",
	}, func() float64 { return float64(connected()) })
}

func Handler() http.Handler {
	return promhttp.Handler()
}
