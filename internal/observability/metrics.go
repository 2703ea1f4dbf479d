package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_requested_total", Help: "Total rides requested"})

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "transitions_total", Help: "Ride state transitions by operation and outcome"},
		[]string{"op", "outcome"},
	)

	RouteFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "route_fallbacks_total", Help: "Route estimations that fell back to defaults"})

	NotifyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notify_failures_total", Help: "Notification publishes that failed, by sink"},
		[]string{"sink"},
	)

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "tracking_sessions_active", Help: "Tracking sessions currently active"})

	PaymentFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "payment_failures_total", Help: "Best-effort payment operations that failed"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// TransitionOutcome records one coordinator transition attempt.
func TransitionOutcome(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	Transitions.WithLabelValues(op, outcome).Inc()
}
