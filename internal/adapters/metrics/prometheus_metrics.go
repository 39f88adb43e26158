// Package metrics provides Prometheus-based implementations of listener metrics reporting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sufield/ephemport/internal/core/ports"
)

const namespace = "ephemport"

// PrometheusMetrics implements ports.MetricsReporter using Prometheus.
type PrometheusMetrics struct {
	listenerUp     prometheus.Gauge
	listenerPort   prometheus.Gauge
	starts         prometheus.Counter
	bindFailures   prometheus.Counter
	accepted       prometheus.Counter
	acceptErrors   *prometheus.CounterVec
	handlerPanics  prometheus.Counter
	rejected       prometheus.Counter
	handoffsActive prometheus.Gauge
}

// NewPrometheusMetrics registers the listener collectors with reg. A nil
// registerer uses prometheus.DefaultRegisterer. Registering twice against the
// same registerer panics, as promauto does.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &PrometheusMetrics{
		listenerUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listener_up",
			Help:      "1 while a listener is bound, 0 otherwise",
		}),
		listenerPort: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listener_port",
			Help:      "Port of the currently bound listener, 0 when unbound",
		}),
		starts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_starts_total",
			Help:      "Total number of successful listener starts",
		}),
		bindFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bind_failures_total",
			Help:      "Total number of failed listener binds",
		}),
		accepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted connections",
		}),
		acceptErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Total number of accept errors by kind",
		}, []string{"kind"}), // kind: expected_close, transient, fatal
		handlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Total number of recovered connection handler panics",
		}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Total number of connections closed because the dispatcher was saturated",
		}),
		handoffsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handoffs_in_flight",
			Help:      "Number of connections currently inside a handler",
		}),
	}

	for _, kind := range []string{ports.AcceptErrorExpectedClose, ports.AcceptErrorTransient, ports.AcceptErrorFatal} {
		m.acceptErrors.WithLabelValues(kind)
	}
	return m
}

// ListenerStarted marks the listener as bound on port.
func (m *PrometheusMetrics) ListenerStarted(port int) {
	m.starts.Inc()
	m.listenerUp.Set(1)
	m.listenerPort.Set(float64(port))
}

// ListenerStopped marks the listener as unbound.
func (m *PrometheusMetrics) ListenerStopped(int) {
	m.listenerUp.Set(0)
	m.listenerPort.Set(0)
}

func (m *PrometheusMetrics) RecordBindFailure() { m.bindFailures.Inc() }

func (m *PrometheusMetrics) RecordAccepted() { m.accepted.Inc() }

// RecordAcceptError counts an accept error of the given kind.
func (m *PrometheusMetrics) RecordAcceptError(kind string) {
	m.acceptErrors.WithLabelValues(kind).Inc()
}

func (m *PrometheusMetrics) RecordHandlerPanic() { m.handlerPanics.Inc() }

func (m *PrometheusMetrics) RecordRejected() { m.rejected.Inc() }

func (m *PrometheusMetrics) HandoffStarted() { m.handoffsActive.Inc() }

func (m *PrometheusMetrics) HandoffFinished() { m.handoffsActive.Dec() }

var _ ports.MetricsReporter = (*PrometheusMetrics)(nil)
