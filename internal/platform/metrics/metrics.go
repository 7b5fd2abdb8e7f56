// Package metrics holds the gateway's Prometheus instruments. Every method
// is safe on a nil *Metrics so services can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	LoginAttempts      *prometheus.CounterVec
	AuthFailures       prometheus.Counter
	Lockouts           prometheus.Counter
	TokenVerifications *prometheus.CounterVec
	Ceremonies         *prometheus.CounterVec
	InvitesMinted      prometheus.Counter
	ActivePeers        *prometheus.GaugeVec
	SyncUpdates        *prometheus.CounterVec
	SlowPeerEvictions  prometheus.Counter
}

// New registers the instruments with reg. Pass prometheus.NewRegistry() in
// tests so repeated construction does not collide on the default registry.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		LoginAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_login_attempts_total",
			Help: "Invite code login attempts by outcome",
		}, []string{"outcome"}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "hearth_ratelimit_auth_failures_recorded_total",
			Help: "Total number of auth failures recorded for rate limiting",
		}),
		Lockouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "hearth_ratelimit_auth_lockouts_total",
			Help: "Total number of clients that crossed the failure threshold",
		}),
		TokenVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_token_verifications_total",
			Help: "Token verifications by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		Ceremonies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_passkey_ceremonies_total",
			Help: "Passkey ceremonies by kind, step and outcome",
		}, []string{"kind", "step", "outcome"}),
		InvitesMinted: factory.NewCounter(prometheus.CounterOpts{
			Name: "hearth_invites_minted_total",
			Help: "Invite codes minted, including recovery",
		}),
		ActivePeers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hearth_sync_active_peers",
			Help: "Connected sync peers per room",
		}, []string{"room"}),
		SyncUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_sync_updates_total",
			Help: "Sync frames received by outcome",
		}, []string{"outcome"}),
		SlowPeerEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "hearth_sync_slow_peer_evictions_total",
			Help: "Peers disconnected because their send buffer was full",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveLogin(outcome string) {
	if m == nil {
		return
	}
	m.LoginAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementAuthFailures() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

func (m *Metrics) IncrementLockouts() {
	if m == nil {
		return
	}
	m.Lockouts.Inc()
}

func (m *Metrics) ObserveTokenVerification(strategy, outcome string) {
	if m == nil {
		return
	}
	m.TokenVerifications.WithLabelValues(strategy, outcome).Inc()
}

func (m *Metrics) ObserveCeremony(kind, step, outcome string) {
	if m == nil {
		return
	}
	m.Ceremonies.WithLabelValues(kind, step, outcome).Inc()
}

func (m *Metrics) IncrementInvitesMinted() {
	if m == nil {
		return
	}
	m.InvitesMinted.Inc()
}

func (m *Metrics) AddActivePeers(room string, delta float64) {
	if m == nil {
		return
	}
	m.ActivePeers.WithLabelValues(room).Add(delta)
}

func (m *Metrics) ObserveSyncUpdate(outcome string) {
	if m == nil {
		return
	}
	m.SyncUpdates.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementSlowPeerEvictions() {
	if m == nil {
		return
	}
	m.SlowPeerEvictions.Inc()
}
