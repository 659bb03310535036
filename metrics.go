package serviceworker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "serviceworker"

var (
	lifecycleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Worker state transitions, by source and destination state.",
		},
		[]string{"from", "to"},
	)

	registrationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "registrations_total",
			Help:      "Register and Update calls, by outcome.",
		},
		[]string{"outcome"},
	)
)

// Registration outcomes.
const (
	outcomeInstalled   = "installed"
	outcomeNotModified = "not_modified"
	outcomeFailed      = "failed"
	outcomeRejected    = "rejected"
)
