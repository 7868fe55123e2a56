// Package telemetry exposes the core's drop and traffic counters as
// Prometheus metrics. Silently-dropped datagrams are invisible on the
// wire per the silence policy, so the counters are the only place their
// volume shows up.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eidchat"

// Registry is the registry all eidchat metrics attach to. The host
// program decides whether and where to expose it.
var Registry = prometheus.NewRegistry()

var (
	// PacketsDropped counts datagrams dropped in the inbound path by
	// reason: malformed, auth_failure, replay, duplicate,
	// unknown_session, untrusted_issuer.
	PacketsDropped = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "packets_dropped_total",
			Help:      "Datagrams dropped in the inbound path by reason",
		},
		[]string{"reason"},
	)

	// HandshakesCompleted counts handshake outcomes by role.
	HandshakesCompleted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "completed_total",
			Help:      "Handshakes that reached the Established state",
		},
		[]string{"role"},
	)

	// HandshakesFailed counts abandoned or rejected handshakes.
	HandshakesFailed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "failed_total",
			Help:      "Handshakes that did not complete, by reason",
		},
		[]string{"reason"}, // timeout, pin_mismatch, untrusted_issuer
	)

	// MessagesSent counts outbound application messages.
	MessagesSent = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Application messages sent",
		},
	)

	// MessagesDelivered counts outbound messages whose ACK verified.
	MessagesDelivered = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "delivered_total",
			Help:      "Application messages acknowledged by the peer",
		},
	)

	// MessagesReceived counts inbound messages surfaced to the UI.
	MessagesReceived = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Application messages delivered locally",
		},
	)

	// SessionsSuspended counts sessions suspended by the idle scanner.
	// Suspensions after message retry exhaustion are not counted.
	SessionsSuspended = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "suspended_total",
			Help:      "Sessions moved to the Suspended state",
		},
	)

	// SessionsResumed counts successful resumes from a cached key.
	SessionsResumed = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "resumed_total",
			Help:      "Suspended sessions promoted back to Established",
		},
	)
)
