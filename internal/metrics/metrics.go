// Package metrics holds the Prometheus collectors of the session client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stepauth"

// Outcome label values
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeRejected    = "rejected"
	OutcomeUnreachable = "unreachable"
)

type Metrics struct {
	// Exchanges with the identity service by operation and outcome
	Requests *prometheus.CounterVec

	// Refresh exchanges actually sent, by outcome
	Refreshes *prometheus.CounterVec

	// Callers that got the result of an exchange started by someone else
	RefreshWaiters prometheus.Counter

	// Requests replayed by the gateway after an authorization failure
	Replays prometheus.Counter

	// Step-up flow state transitions by target state
	Transitions *prometheus.CounterVec
}

// New creates collectors and registers them in reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "Exchanges with the identity service",
		}, []string{"operation", "outcome"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "exchanges_total",
			Help:      "Token refresh exchanges sent to the identity service",
		}, []string{"outcome"}),
		RefreshWaiters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "shared_total",
			Help:      "Refresh calls that shared an exchange with concurrent callers",
		}),
		Replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "replays_total",
			Help:      "Requests replayed after the access token was renewed",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stepup",
			Name:      "transitions_total",
			Help:      "Step-up flow transitions by target state",
		}, []string{"state"}),
	}

	reg.MustRegister(m.Requests, m.Refreshes, m.RefreshWaiters, m.Replays, m.Transitions)

	return m
}

// NewNop returns collectors bound to a private registry nobody reads
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
