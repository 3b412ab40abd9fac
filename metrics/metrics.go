// Package metrics exports hub and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements realtime.MetricsCollector. Rooms and connections are
// not used as labels to keep cardinality bounded.
type Collector struct {
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	ConnectionDuration prometheus.Histogram

	EventsReceived  *prometheus.CounterVec
	EventsBroadcast *prometheus.CounterVec
	Recipients      prometheus.Histogram
	HandlerSeconds  *prometheus.HistogramVec

	RoomJoins  prometheus.Counter
	RoomLeaves prometheus.Counter

	PresenceTransitions *prometheus.CounterVec
	Errors              *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	MessagesPosted  prometheus.Counter
	MessagesDeleted prometheus.Counter
	ReadsMarked     prometheus.Counter
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer to
// expose them through promhttp.Handler.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pondchat_connections_active",
			Help: "Open websocket connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pondchat_connections_total",
			Help: "Total websocket connections accepted",
		}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pondchat_connection_duration_seconds",
			Help:    "Lifetime of websocket connections",
			Buckets: []float64{1, 10, 60, 300, 1800, 3600, 14400},
		}),
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pondchat_events_received_total",
			Help: "Inbound events by name",
		}, []string{"event"}),
		EventsBroadcast: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pondchat_events_broadcast_total",
			Help: "Outbound fan-outs by event name",
		}, []string{"event"}),
		Recipients: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pondchat_broadcast_recipients",
			Help:    "Local recipients per fan-out",
			Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500},
		}),
		HandlerSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pondchat_handler_duration_seconds",
			Help:    "Inbound event handling time",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}, []string{"event"}),
		RoomJoins: factory.NewCounter(prometheus.CounterOpts{
			Name: "pondchat_room_joins_total",
			Help: "Room joins",
		}),
		RoomLeaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "pondchat_room_leaves_total",
			Help: "Room leaves, including disconnects",
		}),
		PresenceTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pondchat_presence_transitions_total",
			Help: "Presence transitions by target status",
		}, []string{"status"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pondchat_errors_total",
			Help: "Errors by component",
		}, []string{"component"}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pondchat_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pondchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "path"}),
		MessagesPosted: factory.NewCounter(prometheus.CounterOpts{
			Name: "pondchat_messages_posted_total",
			Help: "Messages persisted through the API",
		}),
		MessagesDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "pondchat_messages_deleted_total",
			Help: "Messages soft deleted through the API",
		}),
		ReadsMarked: factory.NewCounter(prometheus.CounterOpts{
			Name: "pondchat_reads_marked_total",
			Help: "Messages newly marked read",
		}),
	}
}

func (c *Collector) ConnectionOpened(connID string) {
	c.ConnectionsActive.Inc()
	c.ConnectionsTotal.Inc()
}

func (c *Collector) ConnectionClosed(connID string, duration time.Duration) {
	c.ConnectionsActive.Dec()
	c.ConnectionDuration.Observe(duration.Seconds())
}

func (c *Collector) MessageReceived(connID string, event string) {
	c.EventsReceived.WithLabelValues(event).Inc()
}

func (c *Collector) MessageBroadcast(room string, event string, recipientCount int) {
	c.EventsBroadcast.WithLabelValues(event).Inc()
	c.Recipients.Observe(float64(recipientCount))
}

func (c *Collector) RoomJoined(room string) {
	c.RoomJoins.Inc()
}

func (c *Collector) RoomLeft(room string) {
	c.RoomLeaves.Inc()
}

func (c *Collector) PresenceChanged(status string) {
	c.PresenceTransitions.WithLabelValues(status).Inc()
}

func (c *Collector) HandlerDuration(event string, duration time.Duration) {
	c.HandlerSeconds.WithLabelValues(event).Observe(duration.Seconds())
}

func (c *Collector) Error(component string, err error) {
	c.Errors.WithLabelValues(component).Inc()
}

// ObserveHTTP records one completed request. path should be a route pattern.
func (c *Collector) ObserveHTTP(method, path string, status int, duration time.Duration) {
	c.HTTPRequestsTotal.WithLabelValues(method, path, statusLabel(status)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func statusLabel(status int) string {
	if status == 0 {
		status = http.StatusOK
	}
	return strconv.Itoa(status)
}
