// Package metrics provides Prometheus instrumentation for the pigeon chat
// server: connection and presence gauges, event throughput counters and
// request latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pigeon_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users with at least one entered connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pigeon_online_users",
		Help: "Current number of users present on the chat page",
	})

	// EventsTotal counts realtime events, labeled by event name and direction
	// ("in", "out", "dropped", "limited").
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pigeon_events_total",
		Help: "Total number of realtime events processed",
	}, []string{"event", "direction"})

	// PigeonsTotal counts pigeon lifecycle transitions: "released", "caught",
	// "purged".
	PigeonsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pigeon_pigeons_total",
		Help: "Total number of pigeon lifecycle transitions",
	}, []string{"outcome"})

	// ChatsCreated counts chats created by a catch.
	ChatsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pigeon_chats_created_total",
		Help: "Total number of chats created from caught pigeons",
	})

	// RequestLatency records REST handler latency in seconds, labeled by route.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pigeon_request_latency_seconds",
		Help:    "REST request latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"route"})

	// MirrorErrors counts failed presence mirror writes.
	MirrorErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pigeon_presence_mirror_errors_total",
		Help: "Total number of failed presence mirror writes",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsTotal,
		PigeonsTotal,
		ChatsCreated,
		RequestLatency,
		MirrorErrors,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
