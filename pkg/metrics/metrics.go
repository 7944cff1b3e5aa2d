// Package metrics exposes the Prometheus instruments of a Cell STS process.
// All recording methods are safe on a nil *Metrics so components can run
// uninstrumented in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cell_sts"

// Metrics holds every collector.
type Metrics struct {
	DecisionsTotal    *prometheus.CounterVec
	DecisionDuration  *prometheus.HistogramVec
	JWKSFetchesTotal  *prometheus.CounterVec
	ContextStoreTotal *prometheus.CounterVec
	PolicyCallsTotal  *prometheus.CounterVec
	TokensMinted      *prometheus.CounterVec
}

// New creates the collectors and registers them with registry.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Check decisions by direction, outcome and denial reason",
			},
			[]string{"direction", "outcome", "reason"},
		),
		DecisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decision_duration_seconds",
				Help:      "Time spent deciding a check call",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"direction"},
		),
		JWKSFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jwks_fetches_total",
				Help:      "Remote JWKS fetches by result",
			},
			[]string{"result"},
		),
		ContextStoreTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "context_store_lookups_total",
				Help:      "Identity context lookups by result (hit or miss)",
			},
			[]string{"result"},
		),
		PolicyCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_calls_total",
				Help:      "Policy backend calls by result (allow, deny, unreachable)",
			},
			[]string{"result"},
		),
		TokensMinted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_minted_total",
				Help:      "Tokens minted by minter (local or remote) and result",
			},
			[]string{"minter", "result"},
		),
	}

	registry.MustRegister(
		m.DecisionsTotal,
		m.DecisionDuration,
		m.JWKSFetchesTotal,
		m.ContextStoreTotal,
		m.PolicyCallsTotal,
		m.TokensMinted,
	)
	return m
}

// ObserveDecision records one check call.
func (m *Metrics) ObserveDecision(direction, outcome, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(direction, outcome, reason).Inc()
	m.DecisionDuration.WithLabelValues(direction).Observe(elapsed.Seconds())
}

// JWKSFetch records a remote key-set fetch.
func (m *Metrics) JWKSFetch(err error) {
	if m == nil {
		return
	}
	m.JWKSFetchesTotal.WithLabelValues(result(err)).Inc()
}

// ContextLookup records a context store lookup.
func (m *Metrics) ContextLookup(hit bool) {
	if m == nil {
		return
	}
	label := "miss"
	if hit {
		label = "hit"
	}
	m.ContextStoreTotal.WithLabelValues(label).Inc()
}

// PolicyCall records a policy evaluation outcome.
func (m *Metrics) PolicyCall(outcome string) {
	if m == nil {
		return
	}
	m.PolicyCallsTotal.WithLabelValues(outcome).Inc()
}

// TokenMinted records a mint attempt.
func (m *Metrics) TokenMinted(minter string, err error) {
	if m == nil {
		return
	}
	m.TokensMinted.WithLabelValues(minter, result(err)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
