// Package metrics provides Prometheus metrics for the authorization pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline. A nil or disabled
// Metrics is a no-op.
type Metrics struct {
	enabled  bool
	registry *prometheus.Registry

	// Verification metrics
	verificationsTotal   *prometheus.CounterVec
	verificationDuration prometheus.Histogram

	// Cache metrics
	cacheHitsTotal *prometheus.CounterVec
	cacheMissTotal *prometheus.CounterVec

	// Key set metrics
	jwksFetchesTotal *prometheus.CounterVec

	// Identity provider metrics
	loginAttemptsTotal *prometheus.CounterVec
	tokensIssuedTotal  *prometheus.CounterVec
	signUpsTotal       *prometheus.CounterVec
}

// New creates metrics registered on a private registry.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool) *Metrics {
	m := &Metrics{enabled: enabled}
	if !enabled {
		return m
	}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(m.registry)

	m.verificationsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "iam_token_verifications_total",
		Help: "Total token verifications by result and failure kind",
	}, []string{"result", "kind"})

	m.verificationDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "iam_token_verification_duration_seconds",
		Help:    "Token verification duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	m.cacheHitsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "iam_cache_hits_total",
		Help: "Total cache hits",
	}, []string{"cache_type"})

	m.cacheMissTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "iam_cache_misses_total",
		Help: "Total cache misses",
	}, []string{"cache_type"})

	m.jwksFetchesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "iam_jwks_fetches_total",
		Help: "Total key set fetches by result",
	}, []string{"result"})

	m.loginAttemptsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "iam_login_attempts_total",
		Help: "Total hosted login attempts by result",
	}, []string{"result"})

	m.tokensIssuedTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "iam_tokens_issued_total",
		Help: "Total token sets issued by grant",
	}, []string{"grant"})

	m.signUpsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "iam_sign_ups_total",
		Help: "Total sign up attempts by result",
	}, []string{"result"})

	return m
}

func (m *Metrics) on() bool { return m != nil && m.enabled }

// Registry returns the private registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if !m.on() {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if !m.on() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordVerification records a verification outcome. kind is empty on success.
func (m *Metrics) RecordVerification(kind string, durationSeconds float64) {
	if !m.on() {
		return
	}
	result := "success"
	if kind != "" {
		result = "failure"
	}
	m.verificationsTotal.WithLabelValues(result, kind).Inc()
	m.verificationDuration.Observe(durationSeconds)
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(cacheType string) {
	if !m.on() {
		return
	}
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(cacheType string) {
	if !m.on() {
		return
	}
	m.cacheMissTotal.WithLabelValues(cacheType).Inc()
}

// RecordJWKSFetch records a key set fetch.
func (m *Metrics) RecordJWKSFetch(ok bool) {
	if !m.on() {
		return
	}
	m.jwksFetchesTotal.WithLabelValues(resultLabel(ok)).Inc()
}

// RecordLogin records a hosted login attempt.
func (m *Metrics) RecordLogin(result string) {
	if !m.on() {
		return
	}
	m.loginAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordTokensIssued records a token set issued through grant.
func (m *Metrics) RecordTokensIssued(grant string) {
	if !m.on() {
		return
	}
	m.tokensIssuedTotal.WithLabelValues(grant).Inc()
}

// RecordSignUp records a sign up attempt.
func (m *Metrics) RecordSignUp(result string) {
	if !m.on() {
		return
	}
	m.signUpsTotal.WithLabelValues(result).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
