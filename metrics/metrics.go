// Package metrics provides Prometheus metrics for the Bayeux client.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientMetrics collects and exposes Prometheus metrics for a Session.
type ClientMetrics struct {
	registry *prometheus.Registry

	ConnectionState *prometheus.GaugeVec
	Handshakes      *prometheus.CounterVec
	Reconnects      *prometheus.CounterVec
	DialErrors      *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	DispatchLatency *prometheus.HistogramVec
	Subscriptions   *prometheus.GaugeVec
	ServerErrors    *prometheus.CounterVec
}

// NewClientMetrics creates a new client metrics collector bound to its own
// registry, the same shape the rest of the pack's Prometheus collectors use.
func NewClientMetrics() *ClientMetrics {
	registry := prometheus.NewRegistry()

	cm := &ClientMetrics{
		registry: registry,

		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bayeux_connection_state",
				Help: "Whether the session currently has a live transport (1=connected, 0=disconnected)",
			},
			[]string{"uri"},
		),
		Handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bayeux_handshakes_total",
				Help: "Total number of /meta/handshake attempts",
			},
			[]string{"uri", "status"},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bayeux_reconnects_total",
				Help: "Total number of reconnect attempts following an unrequested close",
			},
			[]string{"uri"},
		),
		DialErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bayeux_dial_errors_total",
				Help: "Total number of transport dial failures",
			},
			[]string{"uri"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bayeux_queue_depth",
				Help: "Number of outbound messages currently queued",
			},
			[]string{"uri"},
		),
		DispatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bayeux_dispatch_latency_seconds",
				Help:    "Time to decode and route a single inbound frame element",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100us to ~205ms
			},
			[]string{"uri"},
		),
		Subscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bayeux_subscriptions",
				Help: "Number of channels currently subscribed",
			},
			[]string{"uri"},
		),
		ServerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bayeux_server_errors_total",
				Help: "Total number of responses with successful=false",
			},
			[]string{"uri", "channel"},
		),
	}

	cm.registerAll()

	return cm
}

func (cm *ClientMetrics) registerAll() {
	cm.registry.MustRegister(
		cm.ConnectionState,
		cm.Handshakes,
		cm.Reconnects,
		cm.DialErrors,
		cm.QueueDepth,
		cm.DispatchLatency,
		cm.Subscriptions,
		cm.ServerErrors,
	)
}

// Registry returns the Prometheus registry these metrics are registered
// against, for wiring into an HTTP handler.
func (cm *ClientMetrics) Registry() *prometheus.Registry {
	return cm.registry
}

// SetConnected records the current connection state.
func (cm *ClientMetrics) SetConnected(uri string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	cm.ConnectionState.WithLabelValues(uri).Set(v)
}

// RecordHandshake records a handshake attempt outcome.
func (cm *ClientMetrics) RecordHandshake(uri string, ok bool) {
	status := "success"
	if !ok {
		status = "failure"
	}
	cm.Handshakes.WithLabelValues(uri, status).Inc()
}

// RecordReconnect records a reconnect attempt.
func (cm *ClientMetrics) RecordReconnect(uri string) {
	cm.Reconnects.WithLabelValues(uri).Inc()
}

// RecordDialError records a transport dial failure.
func (cm *ClientMetrics) RecordDialError(uri string) {
	cm.DialErrors.WithLabelValues(uri).Inc()
}

// SetQueueDepth records the current outbound queue length.
func (cm *ClientMetrics) SetQueueDepth(uri string, depth int) {
	cm.QueueDepth.WithLabelValues(uri).Set(float64(depth))
}

// ObserveDispatch records how long a single inbound frame element took to
// decode and route. Callers typically defer this with time.Since(start).
func (cm *ClientMetrics) ObserveDispatch(uri string, d time.Duration) {
	cm.DispatchLatency.WithLabelValues(uri).Observe(d.Seconds())
}

// SetSubscriptionCount records the current number of durable subscriptions.
func (cm *ClientMetrics) SetSubscriptionCount(uri string, n int) {
	cm.Subscriptions.WithLabelValues(uri).Set(float64(n))
}

// RecordServerError records a server-rejected request on channel.
func (cm *ClientMetrics) RecordServerError(uri, channel string) {
	cm.ServerErrors.WithLabelValues(uri, channel).Inc()
}

var (
	defaultMetrics *ClientMetrics
	once           sync.Once
)

// Default returns the default global metrics instance, for callers that
// don't need per-session isolation.
func Default() *ClientMetrics {
	once.Do(func() {
		defaultMetrics = NewClientMetrics()
	})
	return defaultMetrics
}
