// Package metrics exposes peerns's process-wide prometheus counters and
// gauges: router/peer role counts, registry size, message delivery
// outcomes, and rendezvous attempts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespaceLabel = "peerns"

// Registry is the process-wide collector registry. A dedicated registry
// (rather than prometheus's global DefaultRegisterer) keeps peerns's
// metrics free of the Go-runtime/process collectors client_golang
// registers by default, so /metrics only carries what this package adds.
var Registry = prometheus.NewRegistry()

var (
	// NamespaceRoles tracks how many namespace.Engines currently hold
	// each role, labeled "none"/"joining"/"peer"/"router".
	NamespaceRoles = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespaceLabel,
			Subsystem: "namespace",
			Name:      "role_count",
			Help:      "Number of namespace engines currently holding each role",
		},
		[]string{"role"},
	)

	// RegistrySize tracks the number of registry entries in a named
	// namespace, as last reported by its engine.
	RegistrySize = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespaceLabel,
			Subsystem: "namespace",
			Name:      "registry_size",
			Help:      "Number of registry entries in a namespace",
		},
		[]string{"namespace"},
	)

	// MessagesSent counts outbound session messages by outcome.
	MessagesSent = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceLabel,
			Subsystem: "session",
			Name:      "messages_sent_total",
			Help:      "Total outbound messages by delivery outcome",
		},
		[]string{"outcome"}, // sent, delivered, failed
	)

	// MessagesReceived counts inbound session messages by envelope
	// outcome.
	MessagesReceived = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceLabel,
			Subsystem: "session",
			Name:      "messages_received_total",
			Help:      "Total inbound messages by envelope outcome",
		},
		[]string{"outcome"}, // ok, undecryptable, bad_signature
	)

	// RendezvousAttempts counts rendezvous exchange attempts by outcome.
	RendezvousAttempts = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceLabel,
			Subsystem: "rendezvous",
			Name:      "attempts_total",
			Help:      "Total rendezvous exchange attempts by outcome",
		},
		[]string{"outcome"}, // matched, timeout, signature_invalid
	)

	// RendezvousQueueLength tracks the current length of the rendezvous
	// retry queue.
	RendezvousQueueLength = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceLabel,
			Subsystem: "rendezvous",
			Name:      "queue_length",
			Help:      "Current length of the rendezvous retry queue",
		},
	)
)

// Handler returns the HTTP handler serving this package's registry in
// Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
