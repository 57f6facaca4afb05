package signalsock

import (
	"context"
	"time"

	"github.com/tsarna/signalsock/pkg/signalsock/o11y"
)

// Drop reasons used as the "reason" label on drop metrics.
const (
	dropReasonClosed    = "closed"
	dropReasonTimeout   = "timeout"
	dropReasonDialError = "dial_error"
	dropReasonRefresh   = "refresh"
	dropReasonForced    = "forced"
)

// ConnectionMetrics holds the instruments recorded by a Connection and the
// Channel on top of it. A nil *ConnectionMetrics records nothing.
type ConnectionMetrics struct {
	attempts        o11y.Counter   // Session attempts dialed
	opens           o11y.Counter   // Sessions that reached OPEN
	drops           o11y.Counter   // Sessions that ended, by reason
	sessionDuration o11y.Histogram // Lifetime of sessions that opened
	state           o11y.Gauge     // Current ReadyState

	messagesSent     o11y.Counter
	messagesReceived o11y.Counter
	messageSize      o11y.Histogram
	sendErrors       o11y.Counter

	malformedEnvelopes o11y.Counter
	callbackPanics     o11y.Counter
}

// NewConnectionMetrics creates the connection instruments from provider.
// If the provider is nil, returns nil (no metrics will be collected).
func NewConnectionMetrics(provider o11y.MetricsProvider) *ConnectionMetrics {
	if provider == nil {
		return nil
	}

	return &ConnectionMetrics{
		attempts:        provider.Counter("signalsock_connection_attempts_total"),
		opens:           provider.Counter("signalsock_connection_opens_total"),
		drops:           provider.Counter("signalsock_connection_drops_total"),
		sessionDuration: provider.Histogram("signalsock_session_duration_seconds"),
		state:           provider.Gauge("signalsock_connection_state"),

		messagesSent:     provider.Counter("signalsock_messages_sent_total"),
		messagesReceived: provider.Counter("signalsock_messages_received_total"),
		messageSize:      provider.Histogram("signalsock_message_size_bytes"),
		sendErrors:       provider.Counter("signalsock_send_errors_total"),

		malformedEnvelopes: provider.Counter("signalsock_malformed_envelopes_total"),
		callbackPanics:     provider.Counter("signalsock_callback_panics_total"),
	}
}

// RecordAttempt records a new session attempt.
func (m *ConnectionMetrics) RecordAttempt(ctx context.Context, retry bool) {
	if m == nil {
		return
	}
	kind := "initial"
	if retry {
		kind = "retry"
	}
	m.attempts.Add(ctx, 1, o11y.Label{Key: "kind", Value: kind})
}

// RecordOpen records a session reaching OPEN.
func (m *ConnectionMetrics) RecordOpen(ctx context.Context) {
	if m == nil {
		return
	}
	m.opens.Add(ctx, 1)
}

// RecordDrop records the end of a session. Duration is only recorded for
// sessions that opened.
func (m *ConnectionMetrics) RecordDrop(ctx context.Context, reason string, opened bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.drops.Add(ctx, 1, o11y.Label{Key: "reason", Value: reason})
	if opened {
		m.sessionDuration.Record(ctx, duration.Seconds())
	}
}

// RecordState records the connection's current state.
func (m *ConnectionMetrics) RecordState(ctx context.Context, state ReadyState) {
	if m == nil {
		return
	}
	m.state.Set(ctx, float64(state))
}

// RecordMessageSent records an outbound message.
func (m *ConnectionMetrics) RecordMessageSent(ctx context.Context, sizeBytes int) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1)
	m.messageSize.Record(ctx, float64(sizeBytes), o11y.Label{Key: "direction", Value: "sent"})
}

// RecordMessageReceived records an inbound message.
func (m *ConnectionMetrics) RecordMessageReceived(ctx context.Context, sizeBytes int) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(ctx, 1)
	m.messageSize.Record(ctx, float64(sizeBytes), o11y.Label{Key: "direction", Value: "received"})
}

// RecordSendError records a send rejected by the connection or the session.
func (m *ConnectionMetrics) RecordSendError(ctx context.Context, errorType string) {
	if m == nil {
		return
	}
	m.sendErrors.Add(ctx, 1, o11y.Label{Key: "error_type", Value: errorType})
}

// RecordMalformedEnvelope records an inbound message that could not be decoded.
func (m *ConnectionMetrics) RecordMalformedEnvelope(ctx context.Context) {
	if m == nil {
		return
	}
	m.malformedEnvelopes.Add(ctx, 1)
}

// RecordCallbackPanic records a recovered panic in application code.
func (m *ConnectionMetrics) RecordCallbackPanic(ctx context.Context, component string) {
	if m == nil {
		return
	}
	m.callbackPanics.Add(ctx, 1, o11y.Label{Key: "component", Value: component})
}
