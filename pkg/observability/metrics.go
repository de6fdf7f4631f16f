package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics collectors
type MetricsConfig struct {
	Namespace string // Prometheus namespace (default: mcp)
	Subsystem string

	// Registry the collectors are registered with. A private registry is
	// created when nil.
	Registry *prometheus.Registry

	// Buckets for request_duration_seconds (default: prometheus.DefBuckets)
	Buckets []float64

	ConstLabels prometheus.Labels
}

// Metrics holds the Prometheus collectors updated by transports and
// sessions. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messagesTotal     *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	activeConnections *prometheus.GaugeVec
	pendingRequests   *prometheus.GaugeVec
	requestDuration   *prometheus.HistogramVec
	prunedConnections *prometheus.CounterVec
}

// Direction labels for message counters
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// NewMetrics creates and registers the collectors
func NewMetrics(config MetricsConfig) (*Metrics, error) {
	if config.Namespace == "" {
		config.Namespace = "mcp"
	}
	if config.Buckets == nil {
		config.Buckets = prometheus.DefBuckets
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: config.Registry,
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_total",
			Help:        "Protocol messages handled, by transport, direction and kind",
			ConstLabels: config.ConstLabels,
		}, []string{"transport", "direction", "kind"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "errors_total",
			Help:        "Errors raised, by transport and error category",
			ConstLabels: config.ConstLabels,
		}, []string{"transport", "category"}),
		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_connections",
			Help:        "Currently registered connections",
			ConstLabels: config.ConstLabels,
		}, []string{"transport"}),
		pendingRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "pending_requests",
			Help:        "Requests awaiting a response",
			ConstLabels: config.ConstLabels,
		}, []string{"transport"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Time from sending a request to receiving its response",
			Buckets:     config.Buckets,
			ConstLabels: config.ConstLabels,
		}, []string{"method", "status"}),
		prunedConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "pruned_connections_total",
			Help:        "Connections removed after missing heartbeats",
			ConstLabels: config.ConstLabels,
		}, []string{"transport"}),
	}

	var err error
	if m.messagesTotal, err = register(config.Registry, m.messagesTotal); err != nil {
		return nil, err
	}
	if m.errorsTotal, err = register(config.Registry, m.errorsTotal); err != nil {
		return nil, err
	}
	if m.activeConnections, err = register(config.Registry, m.activeConnections); err != nil {
		return nil, err
	}
	if m.pendingRequests, err = register(config.Registry, m.pendingRequests); err != nil {
		return nil, err
	}
	if m.requestDuration, err = register(config.Registry, m.requestDuration); err != nil {
		return nil, err
	}
	if m.prunedConnections, err = register(config.Registry, m.prunedConnections); err != nil {
		return nil, err
	}

	return m, nil
}

// register adds c to reg, reusing the collector already registered under
// the same descriptor
func register[T prometheus.Collector](reg *prometheus.Registry, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Registry returns the registry the collectors live in
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordMessage counts one message
func (m *Metrics) RecordMessage(transport, direction, kind string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(transport, direction, kind).Inc()
}

// RecordError counts one error by category
func (m *Metrics) RecordError(transport, category string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(transport, category).Inc()
}

// ConnectionOpened increments the active connection gauge
func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.activeConnections.WithLabelValues(transport).Inc()
}

// ConnectionClosed decrements the active connection gauge
func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.activeConnections.WithLabelValues(transport).Dec()
}

// ConnectionPruned counts a connection removed by the heartbeat sweep
func (m *Metrics) ConnectionPruned(transport string) {
	if m == nil {
		return
	}
	m.prunedConnections.WithLabelValues(transport).Inc()
}

// SetPending sets the number of outstanding requests
func (m *Metrics) SetPending(transport string, n int) {
	if m == nil {
		return
	}
	m.pendingRequests.WithLabelValues(transport).Set(float64(n))
}

// ObserveRequest records the round trip of one request
func (m *Metrics) ObserveRequest(method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, status).Observe(d.Seconds())
}
