// Package metrics exposes prometheus counters for conversations, bookings and reminders.
// All methods are safe on a nil *Metrics so collaborators can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the counters recorded by the engine, the appointment book and the reminder sweep.
type Metrics struct {
	inboundTotal   *prometheus.CounterVec
	emittedTotal   *prometheus.CounterVec
	bookingsTotal  *prometheus.CounterVec
	remindersTotal *prometheus.CounterVec
	sweepsTotal    prometheus.Counter
	handled        *prometheus.HistogramVec
	gatherer       prometheus.Gatherer
}

// New creates and registers the collectors. A nil registry uses a fresh one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agendabot",
			Subsystem: "flow",
			Name:      "inbound_total",
			Help:      "Inbound messages by dispatch outcome",
		}, []string{"outcome"}),
		emittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agendabot",
			Subsystem: "flow",
			Name:      "emitted_total",
			Help:      "Emitted steps by kind",
		}, []string{"kind"}),
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agendabot",
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		remindersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agendabot",
			Subsystem: "reminder",
			Name:      "sent_total",
			Help:      "Reminder emissions by status",
		}, []string{"status"}),
		sweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agendabot",
			Subsystem: "reminder",
			Name:      "sweeps_total",
			Help:      "Completed daily reminder sweeps",
		}),
		handled: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agendabot",
			Subsystem: "flow",
			Name:      "handle_seconds",
			Help:      "Latency of inbound message handling",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		gatherer: reg,
	}
	reg.MustRegister(m.inboundTotal, m.emittedTotal, m.bookingsTotal, m.remindersTotal, m.sweepsTotal, m.handled)
	return m
}

// ObserveInbound counts one inbound message.
func (m *Metrics) ObserveInbound(outcome string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(outcome).Inc()
}

// ObserveEmit counts one emitted step.
func (m *Metrics) ObserveEmit(kind string) {
	if m == nil {
		return
	}
	m.emittedTotal.WithLabelValues(kind).Inc()
}

// ObserveBooking counts one booking attempt.
func (m *Metrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

// ObserveReminder counts one reminder emission.
func (m *Metrics) ObserveReminder(ok bool) {
	if m == nil {
		return
	}
	status := "sent"
	if !ok {
		status = "failed"
	}
	m.remindersTotal.WithLabelValues(status).Inc()
}

// ObserveSweep counts a completed reminder sweep.
func (m *Metrics) ObserveSweep() {
	if m == nil {
		return
	}
	m.sweepsTotal.Inc()
}

// ObserveHandle records how long an inbound message took to handle for a step kind.
func (m *Metrics) ObserveHandle(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.handled.WithLabelValues(kind).Observe(seconds)
}

// Handler serves the registered collectors in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
