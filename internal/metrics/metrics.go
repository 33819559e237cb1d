// Package metrics provides Prometheus metrics for the Research Node client.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "rnode_client"
)

// Metrics contains all Prometheus metrics for the client.
type Metrics struct {
	// Channel metrics
	ChannelState     *prometheus.GaugeVec
	HandshakesTotal  prometheus.Counter
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec
	HandshakeRetries prometheus.Counter
	Hydrations       *prometheus.CounterVec

	// Session metrics
	SessionState    *prometheus.GaugeVec
	SessionLogins   prometheus.Counter
	SessionRenewals prometheus.Counter
	AuthFailures    prometheus.Counter

	// Invoke metrics
	InvokesTotal    *prometheus.CounterVec
	InvokeLatency   prometheus.Histogram
	InvokeRetries   prometheus.Counter
	DecryptFailures prometheus.Counter

	// Storage metrics
	StorageErrors *prometheus.CounterVec

	// State gauges are exclusive; remember the armed label so the
	// previous one can be cleared.
	mu               sync.Mutex
	lastChannelState string
	lastSessionState string
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// Nop returns a metrics instance backed by a throwaway registry. Useful
// as a default so components can record unconditionally.
func Nop() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Channel metrics
		ChannelState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_state",
			Help:      "Current channel state (1 for the active state)",
		}, []string{"state"}),
		HandshakesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total completed channel handshakes",
		}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of identify+challenge handshake latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake failures by type",
		}, []string{"error_type"}),
		HandshakeRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_retries_total",
			Help:      "Total handshake retry attempts",
		}),
		Hydrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hydrations_total",
			Help:      "Total state hydrations from storage by scope and outcome",
		}, []string{"scope", "outcome"}),

		// Session metrics
		SessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state (1 for the active state)",
		}, []string{"state"}),
		SessionLogins: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_logins_total",
			Help:      "Total successful logins",
		}),
		SessionRenewals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_renewals_total",
			Help:      "Total successful session renewals",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total failed authentication attempts",
		}),

		// Invoke metrics
		InvokesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invokes_total",
			Help:      "Total invoked operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		InvokeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invoke_latency_seconds",
			Help:      "Histogram of end-to-end invoke latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		InvokeRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoke_retries_total",
			Help:      "Total invoke retry attempts",
		}),
		DecryptFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "Total responses rejected because decryption failed",
		}),

		// Storage metrics
		StorageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Total storage failures by operation",
		}, []string{"operation"}),
	}

	return m
}

// SetChannelState flips the channel state gauge to the given state.
func (m *Metrics) SetChannelState(state string) {
	m.mu.Lock()
	if m.lastChannelState != "" && m.lastChannelState != state {
		m.ChannelState.WithLabelValues(m.lastChannelState).Set(0)
	}
	m.ChannelState.WithLabelValues(state).Set(1)
	m.lastChannelState = state
	m.mu.Unlock()
}

// SetSessionState flips the session state gauge to the given state.
func (m *Metrics) SetSessionState(state string) {
	m.mu.Lock()
	if m.lastSessionState != "" && m.lastSessionState != state {
		m.SessionState.WithLabelValues(m.lastSessionState).Set(0)
	}
	m.SessionState.WithLabelValues(state).Set(1)
	m.lastSessionState = state
	m.mu.Unlock()
}

// RecordHandshake records a completed handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakesTotal.Inc()
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a failed handshake attempt.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordHandshakeRetry records one handshake retry.
func (m *Metrics) RecordHandshakeRetry() {
	m.HandshakeRetries.Inc()
}

// RecordHydration records a hydration outcome for a scope ("channel" or
// "session").
func (m *Metrics) RecordHydration(scope, outcome string) {
	m.Hydrations.WithLabelValues(scope, outcome).Inc()
}

// RecordLogin records a successful login.
func (m *Metrics) RecordLogin() {
	m.SessionLogins.Inc()
}

// RecordRenewal records a successful session renewal.
func (m *Metrics) RecordRenewal() {
	m.SessionRenewals.Inc()
}

// RecordAuthFailure records a failed authentication attempt.
func (m *Metrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}

// RecordInvoke records one finished invoke.
func (m *Metrics) RecordInvoke(operation, outcome string, latencySeconds float64) {
	m.InvokesTotal.WithLabelValues(operation, outcome).Inc()
	m.InvokeLatency.Observe(latencySeconds)
}

// RecordInvokeRetry records one invoke retry.
func (m *Metrics) RecordInvokeRetry() {
	m.InvokeRetries.Inc()
}

// RecordDecryptFailure records a response that failed authentication or
// decryption.
func (m *Metrics) RecordDecryptFailure() {
	m.DecryptFailures.Inc()
}

// RecordStorageError records a storage failure.
func (m *Metrics) RecordStorageError(operation string) {
	m.StorageErrors.WithLabelValues(operation).Inc()
}
