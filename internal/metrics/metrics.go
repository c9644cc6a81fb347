// Package metrics exposes Prometheus instrumentation for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"searchrelay/internal/pool"
)

// Metrics holds the relay's collectors on a private registry so tests
// can construct isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	// AuthRejected counts rejected inbound requests by reason code.
	AuthRejected *prometheus.CounterVec

	// UpstreamRequests counts outbound calls by endpoint and outcome
	// (success, quota_failure, transport_failure).
	UpstreamRequests *prometheus.CounterVec

	// Rotations counts successful credential rotations.
	Rotations prometheus.Counter

	// PoolExhausted counts requests that found no usable credential.
	PoolExhausted prometheus.Counter
}

// New builds the collector set. poolStatus feeds the per-state
// credential gauges at scrape time; it may be nil when no pool is
// configured.
func New(poolStatus func() pool.Status) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,
		AuthRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchrelay_auth_rejected_total",
			Help: "Inbound requests rejected by the gatekeeper, by reason.",
		}, []string{"reason"}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchrelay_upstream_requests_total",
			Help: "Outbound upstream calls, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		Rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchrelay_pool_rotations_total",
			Help: "Credential rotations triggered by quota-class failures.",
		}),
		PoolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchrelay_pool_exhausted_total",
			Help: "Requests that found every credential dead or cooling down.",
		}),
	}

	reg.MustRegister(m.AuthRejected, m.UpstreamRequests, m.Rotations, m.PoolExhausted)

	if poolStatus != nil {
		for _, s := range []struct {
			state string
			value func(pool.Status) int
		}{
			{"active", func(s pool.Status) int { return s.Active }},
			{"cooldown", func(s pool.Status) int { return s.Cooldown }},
			{"dead", func(s pool.Status) int { return s.Dead }},
		} {
			s := s
			reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name:        "searchrelay_pool_credentials",
				Help:        "Pool credentials by health state.",
				ConstLabels: prometheus.Labels{"state": s.state},
			}, func() float64 {
				return float64(s.value(poolStatus()))
			}))
		}
	}

	return m
}

// Handler returns the /metrics HTTP handler for this collector set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
