// Package metrics registers the Prometheus collectors the command plane
// exposes over the ambient /metrics endpoint: a package-level
// prometheus.NewCounterVec block plus a MustRegister entry point against
// a caller-supplied prometheus.Registerer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "woly_hub"

var (
	commandDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_dispatched_total",
			Help:      "Number of commands dispatched to a node, labeled by command type.",
		},
		[]string{"command_type"},
	)

	commandCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_completed_total",
			Help:      "Number of commands that reached a terminal result, labeled by command type and outcome.",
		},
		[]string{"command_type", "outcome"},
	)

	webhookDeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_attempts_total",
			Help:      "Number of webhook delivery attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	pushDeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_delivery_attempts_total",
			Help:      "Number of push delivery attempts, labeled by platform and outcome.",
		},
		[]string{"platform", "outcome"},
	)

	hostStatusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_status_transitions_total",
			Help:      "Number of recorded host status transitions, labeled by new status.",
		},
		[]string{"new_status"},
	)
)

// Metrics wraps the package-level collectors behind the small interfaces
// router.Metrics/webhook/push expect, so those packages never import
// prometheus directly.
type Metrics struct{}

// New registers every collector against reg and returns a Metrics handle.
// Panics on duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	reg.MustRegister(
		commandDispatchedTotal, commandCompletedTotal,
		webhookDeliveryAttemptsTotal, pushDeliveryAttemptsTotal, hostStatusTransitionsTotal,
	)
	return &Metrics{}
}

// CommandDispatched records one dispatch of commandType.
func (m *Metrics) CommandDispatched(commandType string) {
	commandDispatchedTotal.WithLabelValues(commandType).Inc()
}

// CommandCompleted records one terminal result for commandType.
func (m *Metrics) CommandCompleted(commandType string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	commandCompletedTotal.WithLabelValues(commandType, outcome).Inc()
}

// WebhookDeliveryAttempt records one webhook delivery attempt.
func (m *Metrics) WebhookDeliveryAttempt(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	webhookDeliveryAttemptsTotal.WithLabelValues(outcome).Inc()
}

// PushDeliveryAttempt records one push delivery attempt.
func (m *Metrics) PushDeliveryAttempt(platform string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	pushDeliveryAttemptsTotal.WithLabelValues(platform, outcome).Inc()
}

// HostStatusTransition records one host status transition.
func (m *Metrics) HostStatusTransition(newStatus string) {
	hostStatusTransitionsTotal.WithLabelValues(newStatus).Inc()
}
