// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/authd/internal/auth"
)

// Metrics holds the authd Prometheus collectors. It implements
// auth.MetricsRecorder.
type Metrics struct {
	AuthOperations *prometheus.CounterVec
	TokensIssued   *prometheus.CounterVec
	HashDuration   *prometheus.HistogramVec
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
}

// NewMetrics creates the authd collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authd_auth_operations_total",
				Help: "Auth operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		TokensIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authd_tokens_issued_total",
				Help: "Tokens issued by kind",
			},
			[]string{"kind"},
		),
		HashDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authd_password_hash_duration_seconds",
				Help:    "Time spent hashing and verifying passwords",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"operation"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authd_http_requests_total",
				Help: "HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authd_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	reg.MustRegister(m.AuthOperations, m.TokensIssued, m.HashDuration, m.HTTPRequests, m.HTTPDuration)
	return m
}

// RecordAuthOperation counts one finished auth operation.
func (m *Metrics) RecordAuthOperation(operation, outcome string) {
	m.AuthOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordTokensIssued counts one issued token of kind.
func (m *Metrics) RecordTokensIssued(kind string) {
	m.TokensIssued.WithLabelValues(kind).Inc()
}

// ObserveHTTPRequest records a served HTTP request.
func (m *Metrics) ObserveHTTPRequest(route, method string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// InstrumentHasher wraps h so Hash and Verify latency is recorded.
func (m *Metrics) InstrumentHasher(h auth.PasswordHasher) auth.PasswordHasher {
	return &timedHasher{next: h, hist: m.HashDuration}
}

type timedHasher struct {
	next auth.PasswordHasher
	hist *prometheus.HistogramVec
}

func (t *timedHasher) Hash(password string) (string, error) {
	timer := prometheus.NewTimer(t.hist.WithLabelValues("hash"))
	defer timer.ObserveDuration()
	return t.next.Hash(password) //nolint:wrapcheck // decorator
}

func (t *timedHasher) Verify(password, hash string) (bool, error) {
	timer := prometheus.NewTimer(t.hist.WithLabelValues("verify"))
	defer timer.ObserveDuration()
	return t.next.Verify(password, hash) //nolint:wrapcheck // decorator
}

func (t *timedHasher) NeedsRehash(hash string) bool {
	return t.next.NeedsRehash(hash)
}

var _ auth.MetricsRecorder = (*Metrics)(nil)
