package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PendingOrders = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "taxi_dispatch", Name: "pending_orders", Help: "Orders waiting for a driver"})
	OffersTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "offers_total", Help: "POSSIBLE_ORDER offers sent to drivers"})
	MatchesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "matches_total", Help: "Offers accepted by drivers"})

	OffersRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "offers_rejected_total", Help: "Offers that did not turn into a match"},
		[]string{"reason"},
	)
	SearchExhausted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "search_exhausted_total", Help: "Driver searches that ran out of attempts"})

	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taxi_dispatch",
		Name:      "match_latency_seconds",
		Help:      "Time from FIND_ORDER to an offer",
		Buckets:   []float64{0.01, 0.1, 1, 5, 30, 60, 120, 300, 600},
	})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "ride_transitions_total", Help: "Accepted ride status changes"},
		[]string{"state"},
	)
	Cancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "cancellations_total", Help: "Cancelled orders and rides"},
		[]string{"role"},
	)
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "taxi_dispatch", Name: "active_connections", Help: "Open websocket sessions"},
		[]string{"role"},
	)
	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "inbound_messages_total", Help: "Messages received over websockets"},
		[]string{"role", "type"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taxi_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
