// Package metrics exposes hub activity as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orchestra-mcp/sse/src/hub"
)

// Metrics holds the collectors for one server and implements hub.Observer.
type Metrics struct {
	registry   *prometheus.Registry
	namespace  string
	connActive prometheus.Gauge
	connOpened prometheus.Counter
	connClosed *prometheus.CounterVec
	framesSent *prometheus.CounterVec
	sendFailed prometheus.Counter
}

var _ hub.Observer = (*Metrics)(nil)

// New creates the collectors on a fresh registry under namespace.
func New(namespace string) *Metrics {
	ns := namespace
	r := prometheus.NewRegistry()
	// Register standard process and Go collectors
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	connActive := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "connections_active"})
	connOpened := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "connections_opened_total"})
	connClosed := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "connections_closed_total"}, []string{"reason"})
	r.MustRegister(connActive, connOpened, connClosed)

	framesSent := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "frames_sent_total"}, []string{"event"})
	sendFailed := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "send_failures_total"})
	r.MustRegister(framesSent, sendFailed)

	return &Metrics{
		registry:   r,
		namespace:  ns,
		connActive: connActive,
		connOpened: connOpened,
		connClosed: connClosed,
		framesSent: framesSent,
		sendFailed: sendFailed,
	}
}

func (m *Metrics) ConnectionOpened() {
	m.connOpened.Inc()
	m.connActive.Inc()
}

func (m *Metrics) ConnectionClosed(reason string) {
	m.connClosed.WithLabelValues(reason).Inc()
	m.connActive.Dec()
}

func (m *Metrics) FrameSent(event string) {
	if event == "" {
		event = "message"
	}
	m.framesSent.WithLabelValues(event).Inc()
}

func (m *Metrics) SendFailed() {
	m.sendFailed.Inc()
}

// WatchRooms exports room gauges read from counts at scrape time.
func (m *Metrics) WatchRooms(counts func() map[string]int) {
	rooms := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: m.namespace, Name: "rooms_active"}, func() float64 {
		return float64(len(counts()))
	})
	members := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: m.namespace, Name: "room_memberships"}, func() float64 {
		total := 0
		for _, n := range counts() {
			total += n
		}
		return float64(total)
	})
	m.registry.MustRegister(rooms, members)
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
