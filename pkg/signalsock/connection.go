package signalsock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/tsarna/signalsock/pkg/signalsock/o11y"
	"go.uber.org/zap"
)

// Connection presents one stable connection backed by a sequence of transport
// sessions. When a session drops without Close having been called, the
// Connection schedules a new attempt after the reconnect interval. Attempts
// that do not open within the timeout interval are aborted and retried.
//
// Callback slots persist across reconnects. Callbacks are delivered one at a
// time in the order the events happened, and may call any Connection method.
type Connection struct {
	// Configuration
	url       string
	protocols []string
	transport Transport
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *ConnectionMetrics
	tracing   o11y.TracingProvider

	mu sync.Mutex

	// Connection state
	state          ReadyState
	current        *attempt
	attempts       int
	forcedClose    bool
	reconnectTimer clockwork.Timer
	reconnectSeq   uint64

	// Runtime settings, read when the relevant event happens
	reconnect         bool
	reconnectInterval time.Duration
	timeoutInterval   time.Duration
	debug             bool
	closePolicy       ClosePolicy

	// Channel hooks, run before the matching application slot. They are not
	// reachable through the public setters.
	hooks connectionHooks

	// Callback slots
	onOpen       Callback
	onClose      Callback
	onConnecting Callback
	onMessage    Callback
	onError      Callback

	callbacks callbackQueue
}

// connectionHooks lets a Channel observe the connection without occupying the
// application's callback slots.
type connectionHooks struct {
	onOpen    Callback
	onClose   Callback
	onMessage Callback
}

func (h *connectionHooks) forType(t EventType) Callback {
	switch t {
	case EventTypeOpen:
		return h.onOpen
	case EventTypeClose:
		return h.onClose
	case EventTypeMessage:
		return h.onMessage
	}
	return nil
}

// attempt is one dialed session and everything known about it. An attempt is
// discarded once closed; signals arriving for it afterwards are ignored.
type attempt struct {
	id       string
	retry    bool
	session  Session
	watchdog clockwork.Timer
	span     o11y.Span
	opened   bool
	openedAt time.Time
	timedOut bool
	closed   bool
}

// attemptHandler routes one session's signals back to its attempt.
type attemptHandler struct {
	conn    *Connection
	attempt *attempt
}

func (h *attemptHandler) OnOpen()                         { h.conn.handleOpen(h.attempt) }
func (h *attemptHandler) OnClose(code int, reason string) { h.conn.handleClose(h.attempt, code, reason) }
func (h *attemptHandler) OnMessage(data string)           { h.conn.handleMessage(h.attempt, data) }
func (h *attemptHandler) OnError(err error)               { h.conn.handleError(h.attempt, err) }

func (c *Connection) start() {
	c.mu.Lock()
	c.logger.Info("Connection starting",
		zap.String("url", c.url),
		zap.Strings("protocols", c.protocols))
	notify := c.connectLocked(false, true)
	c.mu.Unlock()

	c.callbacks.run(notify...)
}

// Send forwards data to the open session. It returns ErrInvalidState when the
// connection is not OPEN; nothing is queued. Errors reported by the session
// itself go to the OnError slot.
func (c *Connection) Send(data string) error {
	ctx := context.Background()

	c.mu.Lock()
	a := c.current
	if c.state != StateOpen || a == nil || a.session == nil {
		state := c.state
		c.mu.Unlock()
		c.metrics.RecordSendError(ctx, "invalid_state")
		return fmt.Errorf("%w: connection is %s", ErrInvalidState, state)
	}
	session := a.session
	c.mu.Unlock()

	if err := session.Send(data); err != nil {
		c.metrics.RecordSendError(ctx, "session")
		c.logger.Warn("Failed to send message",
			zap.String("attempt", a.id),
			zap.Error(err))
		c.callbacks.run(c.emit(Event{Type: EventTypeError, AttemptID: a.id, Err: err}))
		return nil
	}

	c.metrics.RecordMessageSent(ctx, len(data))
	return nil
}

// Close closes the connection for good. Pending reconnects are cancelled, the
// active session is closed, and OnClose fires once. Calling Close again is a
// no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.forcedClose || c.state == StateClosed {
		c.forcedClose = true
		c.mu.Unlock()
		return nil
	}

	c.forcedClose = true
	c.cancelReconnectLocked()

	a := c.current
	if a == nil {
		// Between attempts: there is no session to wait for.
		c.setStateLocked(StateClosed)
		c.logger.Info("Connection closed", zap.String("url", c.url))
		notify := c.emit(Event{Type: EventTypeClose, Code: StatusNormalClosure, Reason: "closed by client"})
		c.mu.Unlock()

		c.callbacks.run(notify)
		return nil
	}

	c.setStateLocked(StateClosing)
	session := a.session
	c.mu.Unlock()

	err := session.Close()

	c.mu.Lock()
	notify := c.dropLocked(a, dropReasonForced, StatusNormalClosure, "closed by client")
	c.mu.Unlock()

	c.callbacks.run(notify...)

	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// Refresh drops the active session without closing the connection, so a new
// session is negotiated through the normal reconnect path. It does nothing
// when there is no active session.
func (c *Connection) Refresh() {
	c.mu.Lock()
	a := c.current
	if c.forcedClose || a == nil {
		c.mu.Unlock()
		return
	}
	session := a.session
	c.debugLocked("Refreshing session", zap.String("attempt", a.id))
	notify := c.dropLocked(a, dropReasonRefresh, StatusNormalClosure, "refresh")
	c.mu.Unlock()

	if err := session.Close(); err != nil {
		c.logger.Debug("Error closing refreshed session", zap.String("attempt", a.id), zap.Error(err))
	}
	c.callbacks.run(notify...)
}

// connectLocked starts a new attempt. With announce set the OnConnecting slot
// fires for it; retries are announced when the drop happens instead.
func (c *Connection) connectLocked(retry, announce bool) []func() {
	ctx := context.Background()

	a := &attempt{id: uuid.NewString(), retry: retry}
	c.current = a
	c.attempts++
	c.setStateLocked(StateConnecting)
	c.metrics.RecordAttempt(ctx, retry)

	if c.tracing != nil {
		_, a.span = c.tracing.StartSpan(ctx, "signalsock.session")
		a.span.SetAttributes(
			o11y.Label{Key: "url", Value: c.url},
			o11y.Label{Key: "attempt_id", Value: a.id},
			o11y.Label{Key: "retry", Value: strconv.FormatBool(retry)},
		)
	}

	var notify []func()
	if announce {
		notify = append(notify, c.emit(Event{Type: EventTypeConnecting, AttemptID: a.id}))
	}

	c.debugLocked("Dialing session",
		zap.String("url", c.url),
		zap.String("attempt", a.id),
		zap.Bool("retry", retry))

	session, err := c.transport.Dial(c.url, c.protocols, &attemptHandler{conn: c, attempt: a})
	if err != nil {
		c.logger.Warn("Failed to dial session",
			zap.String("url", c.url),
			zap.String("attempt", a.id),
			zap.Error(err))
		notify = append(notify, c.emit(Event{Type: EventTypeError, AttemptID: a.id, Err: err}))
		return append(notify, c.dropLocked(a, dropReasonDialError, StatusAbnormalClosure, err.Error())...)
	}
	a.session = session

	if c.timeoutInterval > 0 {
		a.watchdog = c.clock.AfterFunc(c.timeoutInterval, func() { c.handleTimeout(a) })
	}

	return notify
}

// dropLocked retires an attempt and decides what happens next: CLOSED for an
// intentional close or when reconnecting is disabled, otherwise CONNECTING
// with a reconnect scheduled.
func (c *Connection) dropLocked(a *attempt, reason string, code int, why string) []func() {
	if a.closed {
		return nil
	}
	a.closed = true

	ctx := context.Background()
	if a.watchdog != nil {
		a.watchdog.Stop()
		a.watchdog = nil
	}

	var lifetime time.Duration
	if a.opened {
		lifetime = c.clock.Since(a.openedAt)
	}
	c.metrics.RecordDrop(ctx, reason, a.opened, lifetime)

	if a.span != nil {
		if a.opened {
			a.span.SetStatus(o11y.SpanStatusOK, "")
		} else {
			a.span.SetStatus(o11y.SpanStatusError, reason)
		}
		a.span.End()
	}

	if c.current != a {
		return nil
	}
	c.current = nil

	closeEvent := Event{Type: EventTypeClose, AttemptID: a.id, Code: code, Reason: why}

	if c.forcedClose || !c.reconnect {
		c.setStateLocked(StateClosed)
		c.logger.Info("Connection closed",
			zap.String("url", c.url),
			zap.String("attempt", a.id),
			zap.Int("code", code),
			zap.String("reason", why))
		return []func(){c.emit(closeEvent)}
	}

	c.setStateLocked(StateConnecting)
	notify := []func(){c.emit(Event{Type: EventTypeConnecting, AttemptID: a.id})}

	if c.closePolicy.notifyDrop(a) {
		notify = append(notify, c.emit(closeEvent))
	} else {
		c.debugLocked("Suppressing close notification",
			zap.String("attempt", a.id),
			zap.Bool("timedOut", a.timedOut),
			zap.Bool("retry", a.retry))
	}

	c.logger.Info("Session dropped, reconnecting",
		zap.String("url", c.url),
		zap.String("attempt", a.id),
		zap.String("reason", reason),
		zap.Duration("interval", c.reconnectInterval))
	c.scheduleReconnectLocked()

	return notify
}

func (c *Connection) scheduleReconnectLocked() {
	c.reconnectSeq++
	seq := c.reconnectSeq
	c.reconnectTimer = c.clock.AfterFunc(c.reconnectInterval, func() { c.handleReconnect(seq) })
}

func (c *Connection) cancelReconnectLocked() {
	c.reconnectSeq++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Connection) handleReconnect(seq uint64) {
	c.mu.Lock()
	if c.forcedClose || seq != c.reconnectSeq || c.current != nil || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil

	if !c.reconnect {
		c.setStateLocked(StateClosed)
		c.logger.Info("Connection closed, reconnecting disabled", zap.String("url", c.url))
		notify := c.emit(Event{Type: EventTypeClose, Code: StatusNormalClosure, Reason: "reconnect disabled"})
		c.mu.Unlock()

		c.callbacks.run(notify)
		return
	}

	notify := c.connectLocked(true, false)
	c.mu.Unlock()

	c.callbacks.run(notify...)
}

func (c *Connection) handleTimeout(a *attempt) {
	c.mu.Lock()
	if a.closed || a.opened || c.current != a {
		c.mu.Unlock()
		return
	}
	a.timedOut = true
	c.logger.Warn("Session attempt timed out",
		zap.String("url", c.url),
		zap.String("attempt", a.id),
		zap.Duration("timeout", c.timeoutInterval))
	session := a.session
	notify := c.dropLocked(a, dropReasonTimeout, StatusAbnormalClosure, "open timeout")
	c.mu.Unlock()

	if err := session.Close(); err != nil {
		c.logger.Debug("Error closing timed out session", zap.String("attempt", a.id), zap.Error(err))
	}
	c.callbacks.run(notify...)
}

func (c *Connection) handleOpen(a *attempt) {
	c.mu.Lock()
	if a.closed || c.current != a || c.forcedClose {
		c.debugLocked("Ignoring open from stale session", zap.String("attempt", a.id))
		c.mu.Unlock()
		return
	}

	if a.watchdog != nil {
		a.watchdog.Stop()
		a.watchdog = nil
	}
	a.opened = true
	a.openedAt = c.clock.Now()
	c.setStateLocked(StateOpen)
	c.metrics.RecordOpen(context.Background())

	c.logger.Info("Connection open",
		zap.String("url", c.url),
		zap.String("attempt", a.id),
		zap.Int("attempts", c.attempts))
	notify := c.emit(Event{Type: EventTypeOpen, AttemptID: a.id})
	c.mu.Unlock()

	c.callbacks.run(notify)
}

func (c *Connection) handleClose(a *attempt, code int, reason string) {
	c.mu.Lock()
	dropReason := dropReasonClosed
	if c.forcedClose {
		dropReason = dropReasonForced
	}
	notify := c.dropLocked(a, dropReason, code, reason)
	c.mu.Unlock()

	c.callbacks.run(notify...)
}

func (c *Connection) handleMessage(a *attempt, data string) {
	c.mu.Lock()
	if a.closed || c.current != a {
		c.debugLocked("Ignoring message from stale session", zap.String("attempt", a.id))
		c.mu.Unlock()
		return
	}
	c.metrics.RecordMessageReceived(context.Background(), len(data))
	notify := c.emit(Event{Type: EventTypeMessage, AttemptID: a.id, Data: data})
	c.mu.Unlock()

	c.callbacks.run(notify)
}

func (c *Connection) handleError(a *attempt, err error) {
	c.mu.Lock()
	if a.closed || c.current != a {
		c.debugLocked("Ignoring error from stale session", zap.String("attempt", a.id), zap.Error(err))
		c.mu.Unlock()
		return
	}
	c.logger.Warn("Session error",
		zap.String("url", c.url),
		zap.String("attempt", a.id),
		zap.Error(err))
	notify := c.emit(Event{Type: EventTypeError, AttemptID: a.id, Err: err})
	c.mu.Unlock()

	c.callbacks.run(notify)
}

// emit returns a delivery for ev. The slot is looked up when the delivery
// runs, so a callback replaced in the meantime sees the event.
func (c *Connection) emit(ev Event) func() {
	return func() {
		c.mu.Lock()
		hook := c.hooks.forType(ev.Type)
		cb := c.slotLocked(ev.Type)
		debug := c.debug
		c.mu.Unlock()

		if debug {
			c.logger.Debug("Delivering connection event",
				zap.String("type", string(ev.Type)),
				zap.String("attempt", ev.AttemptID))
		}
		if hook != nil {
			hook(ev)
		}
		if cb != nil {
			cb(ev)
		}
	}
}

func (c *Connection) slotLocked(t EventType) Callback {
	switch t {
	case EventTypeOpen:
		return c.onOpen
	case EventTypeClose:
		return c.onClose
	case EventTypeConnecting:
		return c.onConnecting
	case EventTypeMessage:
		return c.onMessage
	case EventTypeError:
		return c.onError
	}
	return nil
}

func (c *Connection) setStateLocked(state ReadyState) {
	c.state = state
	c.metrics.RecordState(context.Background(), state)
}

func (c *Connection) debugLocked(msg string, fields ...zap.Field) {
	if c.debug {
		c.logger.Debug(msg, fields...)
	}
}

// State returns the current ReadyState.
func (c *Connection) State() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// URL returns the URL sessions are dialed with.
func (c *Connection) URL() string {
	return c.url
}

// Protocols returns the transport preference list.
func (c *Connection) Protocols() []string {
	return append([]string(nil), c.protocols...)
}

// Attempts returns the number of sessions dialed so far.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// SetReconnect enables or disables reconnecting. It is read at each drop and
// again when a scheduled retry is due; disabling it while a retry is pending
// closes the connection instead of dialing.
func (c *Connection) SetReconnect(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect = enabled
}

// Reconnect reports whether drops are retried.
func (c *Connection) Reconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnect
}

// SetReconnectInterval sets the delay before the next attempt. It takes
// effect at the next drop; negative values mean no delay.
func (c *Connection) SetReconnectInterval(interval time.Duration) {
	if interval < 0 {
		interval = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectInterval = interval
}

// ReconnectInterval returns the delay before the next attempt.
func (c *Connection) ReconnectInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectInterval
}

// SetTimeoutInterval sets how long an attempt may stay CONNECTING. It takes
// effect at the next attempt; zero or negative disables the timeout.
func (c *Connection) SetTimeoutInterval(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeoutInterval = timeout
}

// TimeoutInterval returns the open timeout for new attempts.
func (c *Connection) TimeoutInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeoutInterval
}

// SetDebug enables or disables per-event diagnostic logging.
func (c *Connection) SetDebug(debug bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debug = debug
}

// Debug reports whether diagnostic logging is enabled.
func (c *Connection) Debug() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.debug
}

// SetClosePolicy sets when drops are reported through OnClose.
func (c *Connection) SetClosePolicy(policy ClosePolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closePolicy = policy
}

// SetOnOpen replaces the OnOpen callback.
func (c *Connection) SetOnOpen(cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = cb
}

// SetOnClose replaces the OnClose callback.
func (c *Connection) SetOnClose(cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = cb
}

// SetOnConnecting replaces the OnConnecting callback.
func (c *Connection) SetOnConnecting(cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnecting = cb
}

// SetOnMessage replaces the OnMessage callback.
func (c *Connection) SetOnMessage(cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = cb
}

// SetOnError replaces the OnError callback.
func (c *Connection) SetOnError(cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = cb
}
