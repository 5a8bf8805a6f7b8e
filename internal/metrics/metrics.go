// Package metrics exports session and command counters for Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	sessionsOpen    prometheus.Gauge
	connectFailures prometheus.Counter
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	samples         *prometheus.CounterVec
	transportErrors *prometheus.CounterVec
	streaming       *prometheus.GaugeVec
	eventsDropped   prometheus.Counter
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pinlink_sessions_open",
			Help: "Sessions currently attached to a slot",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pinlink_connect_failures_total",
			Help: "Port open attempts that failed",
		}),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pinlink_commands_total",
				Help: "Commands dispatched, by opcode and result",
			},
			[]string{"command", "result"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pinlink_command_duration_seconds",
				Help:    "Time from dispatch to response or timeout",
				Buckets: []float64{.01, .05, .1, .15, .25, .5, 1, 1.5, 2.5},
			},
			[]string{"command"},
		),
		samples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pinlink_samples_total",
				Help: "Lines captured while streaming, by slot and whether they parsed",
			},
			[]string{"slot", "parsed"},
		),
		transportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pinlink_transport_errors_total",
				Help: "Sessions ended by an I/O failure",
			},
			[]string{"slot"},
		),
		streaming: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pinlink_streaming",
				Help: "1 while the slot's session is streaming",
			},
			[]string{"slot"},
		),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pinlink_events_dropped_total",
			Help: "Events not delivered to a slow subscriber",
		}),
	}
	m.reg.MustRegister(
		m.sessionsOpen,
		m.connectFailures,
		m.commands,
		m.commandDuration,
		m.samples,
		m.transportErrors,
		m.streaming,
		m.eventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpen.Inc()
}

func (m *Metrics) SessionClosed(slot int) {
	if m == nil {
		return
	}
	m.sessionsOpen.Dec()
	m.streaming.WithLabelValues(strconv.Itoa(slot)).Set(0)
}

func (m *Metrics) ConnectFailed() {
	if m == nil {
		return
	}
	m.connectFailures.Inc()
}

// Command records one dispatched command.
func (m *Metrics) Command(name string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commands.WithLabelValues(name, result).Inc()
	m.commandDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Metrics) Sample(slot int, parsed bool) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(strconv.Itoa(slot), strconv.FormatBool(parsed)).Inc()
}

func (m *Metrics) Streaming(slot int, on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.streaming.WithLabelValues(strconv.Itoa(slot)).Set(v)
}

func (m *Metrics) TransportError(slot int) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(strconv.Itoa(slot)).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
