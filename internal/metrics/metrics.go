// Package metrics exposes registry counters and timings to Prometheus.
//
// All helper methods are safe to call on a nil *Metrics, so services can be
// constructed without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "registry"

// Metrics holds every collector, registered on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	Entries            prometheus.Gauge
	Registrations      *prometheus.CounterVec
	TokenTransitions   *prometheus.CounterVec
	VersionTransitions *prometheus.CounterVec
	ProofsGenerated    prometheus.Counter
	ProofVerifications *prometheus.CounterVec
	TreeBuildDuration  prometheus.Histogram
	BulkDuration       *prometheus.HistogramVec
	EventsPublished    *prometheus.CounterVec
	EventsDropped      prometheus.Counter
	RPCRequests        *prometheus.CounterVec
	RPCDuration        *prometheus.HistogramVec
}

// New creates a Metrics with its own registry. When withRuntime is set,
// Go runtime and process collectors are added too.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		Entries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries",
			Help:      "Number of tokens held in the registry indices",
		}),
		Registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Token registrations by result",
		}, []string{"result"}),
		TokenTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_transitions_total",
			Help:      "Token lifecycle transitions by operation and result",
		}, []string{"op", "result"}),
		VersionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_transitions_total",
			Help:      "Version state changes by target status",
		}, []string{"status"}),
		ProofsGenerated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proofs_generated_total",
			Help:      "Merkle inclusion proofs generated",
		}),
		ProofVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proof_verifications_total",
			Help:      "Proof verifications by kind and outcome",
		}, []string{"kind", "outcome"}),
		TreeBuildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tree_build_duration_seconds",
			Help:      "Merkle tree construction time",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		BulkDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bulk_duration_seconds",
			Help:      "Bulk operation time",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published by kind",
		}, []string{"kind"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full",
		}),
		RPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and result",
		}, []string{"method", "result"}),
		RPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "JSON-RPC handler latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// SetEntries records the registry size.
func (m *Metrics) SetEntries(n int) {
	if m == nil {
		return
	}
	m.Entries.Set(float64(n))
}

// Registration counts a register attempt.
func (m *Metrics) Registration(result string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(result).Inc()
}

// TokenTransition counts a lifecycle operation.
func (m *Metrics) TokenTransition(op string, err error) {
	if m == nil {
		return
	}
	m.TokenTransitions.WithLabelValues(op, result(err)).Inc()
}

// VersionTransition counts a version status change.
func (m *Metrics) VersionTransition(status string) {
	if m == nil {
		return
	}
	m.VersionTransitions.WithLabelValues(status).Inc()
}

// ProofGenerated counts a generated proof.
func (m *Metrics) ProofGenerated() {
	if m == nil {
		return
	}
	m.ProofsGenerated.Inc()
}

// ProofVerified counts a verification. kind is "single" or "composite".
func (m *Metrics) ProofVerified(kind string, ok bool) {
	if m == nil {
		return
	}
	outcome := "valid"
	if !ok {
		outcome = "invalid"
	}
	m.ProofVerifications.WithLabelValues(kind, outcome).Inc()
}

// ObserveTreeBuild records a tree build that started at start.
func (m *Metrics) ObserveTreeBuild(start time.Time) {
	if m == nil {
		return
	}
	m.TreeBuildDuration.Observe(time.Since(start).Seconds())
}

// ObserveBulk records a bulk operation that started at start.
func (m *Metrics) ObserveBulk(op string, start time.Time) {
	if m == nil {
		return
	}
	m.BulkDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// EventPublished counts a delivered event.
func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(kind).Inc()
}

// EventDropped counts an event a subscriber could not take.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// RPCRequest records one handled JSON-RPC call.
func (m *Metrics) RPCRequest(method string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.RPCRequests.WithLabelValues(method, result(err)).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
