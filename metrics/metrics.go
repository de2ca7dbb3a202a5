// Package metrics exports harness measurements to Prometheus.
//
// Counters:
//
//	nettest_poll_attempts_total
//	nettest_poll_results_total{result="success|timeout|error|canceled"}
//	nettest_handshake_results_total{result="success|failure"}
//	nettest_messages_received_total{msg="hello|status|ping|..."}
//	nettest_connect_results_total{result="success|failure|timeout"}
//	nettest_scenario_results_total{scenario="<name>",result="..."}
//
// Histograms:
//
//	nettest_poll_duration_seconds
//	nettest_handshake_duration_seconds
//	nettest_connect_duration_seconds
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peicuiping/cfx-nettest/harness"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "nettest"

var durationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10}

// Prometheus implements harness.Metrics.
type Prometheus struct {
	pollAttempts      prometheus.Counter
	pollResults       *prometheus.CounterVec
	pollDuration      prometheus.Histogram
	handshakeResults  *prometheus.CounterVec
	handshakeDuration prometheus.Histogram
	messagesReceived  *prometheus.CounterVec
	connectResults    *prometheus.CounterVec
	connectDuration   prometheus.Histogram
	scenarioResults   *prometheus.CounterVec
}

var _ harness.Metrics = (*Prometheus)(nil)

// New creates the collectors and registers them with registerer. A nil
// registerer skips registration.
func New(namespace string, registerer prometheus.Registerer) *Prometheus {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string) prometheus.Histogram {
		return prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: durationBuckets})
	}

	m := &Prometheus{
		pollAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Total number of condition evaluations",
		}),
		pollResults:       counter("poll_results_total", "Total number of finished waits by outcome", "result"),
		pollDuration:      histogram("poll_duration_seconds", "Time spent waiting for conditions"),
		handshakeResults:  counter("handshake_results_total", "Total number of mininode handshakes by outcome", "result"),
		handshakeDuration: histogram("handshake_duration_seconds", "Time from connect to an accepted status"),
		messagesReceived:  counter("messages_received_total", "Total number of messages received by the mininode", "msg"),
		connectResults:    counter("connect_results_total", "Total number of node connects by outcome", "result"),
		connectDuration:   histogram("connect_duration_seconds", "Time until a connect was observed on the node"),
		scenarioResults:   counter("scenario_results_total", "Total number of scenario runs by outcome", "scenario", "result"),
	}
	if registerer != nil {
		registerer.MustRegister(
			m.pollAttempts, m.pollResults, m.pollDuration,
			m.handshakeResults, m.handshakeDuration, m.messagesReceived,
			m.connectResults, m.connectDuration, m.scenarioResults,
		)
	}
	return m
}

func (m *Prometheus) PollAttempt() { m.pollAttempts.Inc() }

func (m *Prometheus) PollResult(result string, seconds float64) {
	m.pollResults.WithLabelValues(result).Inc()
	m.pollDuration.Observe(seconds)
}

func (m *Prometheus) HandshakeResult(result string) {
	m.handshakeResults.WithLabelValues(result).Inc()
}

func (m *Prometheus) HandshakeDuration(seconds float64) { m.handshakeDuration.Observe(seconds) }

func (m *Prometheus) MessageReceived(msg string) {
	m.messagesReceived.WithLabelValues(msg).Inc()
}

func (m *Prometheus) ConnectResult(result string) {
	m.connectResults.WithLabelValues(result).Inc()
}

func (m *Prometheus) ConnectDuration(seconds float64) { m.connectDuration.Observe(seconds) }

func (m *Prometheus) ScenarioResult(name, result string) {
	m.scenarioResults.WithLabelValues(name, result).Inc()
}

// Handler serves the metrics gathered by gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
