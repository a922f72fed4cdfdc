// Package metrics exposes spec.md §4.11's Prometheus gauges/counters over
// /metrics, grounded on the pack's PrometheusProvider pattern but trimmed
// to the fixed, known-in-advance metric set this core needs rather than a
// generic register-on-first-use provider abstraction.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge spec.md §4.11 names. A nil *Metrics is
// valid and every method on it is a no-op, so components can take one
// optionally and callers that don't care about metrics pass nil.
type Metrics struct {
	reg *prometheus.Registry

	sessionsConnected prometheus.Gauge
	reconnectsTotal   prometheus.Counter
	commandsSent      *prometheus.CounterVec
	eventsPublished   *prometheus.CounterVec
	queueDrops        prometheus.Counter
	subscribersEvicted prometheus.Counter
}

// New builds a Metrics with its own registry, registering every metric
// spec.md §4.11 requires.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		sessionsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spoolbuddy_printer_sessions_connected",
			Help: "Number of printer sessions currently connected.",
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spoolbuddy_printer_reconnects_total",
			Help: "Total printer session restarts after a fatal error.",
		}),
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spoolbuddy_commands_sent_total",
			Help: "Total dispatcher commands sent, by outcome.",
		}, []string{"outcome"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spoolbuddy_events_published_total",
			Help: "Total events published on the event bus, by type.",
		}, []string{"type"}),
		queueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spoolbuddy_subscriber_queue_drops_total",
			Help: "Total events dropped from a subscriber's queue.",
		}),
		subscribersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spoolbuddy_subscribers_evicted_total",
			Help: "Total subscribers evicted for being a slow consumer.",
		}),
	}
	reg.MustRegister(m.sessionsConnected, m.reconnectsTotal, m.commandsSent, m.eventsPublished, m.queueDrops, m.subscribersEvicted)
	return m
}

// Handler serves the registry's /metrics page.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionConnected() {
	if m == nil {
		return
	}
	m.sessionsConnected.Inc()
}

func (m *Metrics) SessionDisconnected() {
	if m == nil {
		return
	}
	m.sessionsConnected.Dec()
}

// Reconnected records spec.md §7's restart-after-fatal-error event.
func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

// CommandSent records a dispatcher RPC outcome: "success", "error",
// "timeout", or "canceled".
func (m *Metrics) CommandSent(outcome string) {
	if m == nil {
		return
	}
	m.commandsSent.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) QueueDrop() {
	if m == nil {
		return
	}
	m.queueDrops.Inc()
}

func (m *Metrics) SubscriberEvicted() {
	if m == nil {
		return
	}
	m.subscribersEvicted.Inc()
}
