package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

// Drop reasons. Each silent no-op in the dispatcher is counted under one.
const (
	DropDriverNotFound    = "driver_not_found"
	DropPassengerNotFound = "passenger_not_found"
	DropRideNotFound      = "ride_not_found"
	DropIllegalTransition = "illegal_transition"
	DropRecipientOffline  = "recipient_offline"
	DropNoActiveRide      = "no_active_ride"
	DropUnknownEvent      = "unknown_event"
	DropMalformedEvent    = "malformed_event"
	DropSendBufferFull    = "send_buffer_full"
	DropConnectionGone    = "connection_gone"
	DropDriverBusy        = "driver_busy"
)

var (
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_total", Help: "Inbound dispatcher events handled"},
		[]string{"event"},
	)
	Drops = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "drops_total", Help: "Events or messages silently dropped, by reason"},
		[]string{"reason"},
	)
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride lifecycle transitions applied"},
		[]string{"status"},
	)
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time spent ranking nearby drivers", Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12)})
	MatchCandidates  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_candidates", Help: "Drivers returned per match", Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21}})
	DriversOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Connected drivers"})
	PassengersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "passengers_online", Help: "Connected passengers"})
	WSConnections    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Open websocket connections"})

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "publish_errors_total", Help: "Failed event stream writes"},
		[]string{"topic"},
	)
	ArchiveErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "archive_errors_total", Help: "Rides that could not be archived"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
