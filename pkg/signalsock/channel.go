package signalsock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/amir-yaghoubi/mqttpattern"
	"go.uber.org/zap"
)

// Handler receives the data of an event. Data is always valid JSON; events
// without data, including the synthetic lifecycle events, carry null.
type Handler func(data json.RawMessage)

// PatternHandler receives events whose name matched a pattern subscription.
type PatternHandler func(event string, data json.RawMessage)

// TransformFunc rewrites or drops an inbound envelope before dispatch.
// Returning nil drops the envelope; returning false stops later transforms.
type TransformFunc func(env *Envelope) (*Envelope, bool)

// SubscriptionID identifies one registration made with Subscribe or
// SubscribePattern.
type SubscriptionID uint64

// SyntheticNames are the event names a Channel dispatches when the connection
// opens and closes.
type SyntheticNames struct {
	Open  string
	Close string
}

var (
	// SyntheticConnectDisconnect is the default naming: "connect" and "disconnect".
	SyntheticConnectDisconnect = SyntheticNames{Open: EventConnect, Close: EventDisconnect}

	// SyntheticOpenClose names the lifecycle events "open" and "close".
	SyntheticOpenClose = SyntheticNames{Open: EventOpen, Close: EventClose}
)

type subscription struct {
	id      SubscriptionID
	handler Handler
}

type patternSubscription struct {
	id      SubscriptionID
	pattern string
	handler PatternHandler
}

// Channel multiplexes named events over one Connection. Handlers for an event
// run in registration order, one at a time; a handler that panics does not
// stop the rest.
type Channel struct {
	conn       *Connection
	logger     *zap.Logger
	names      SyntheticNames
	transforms []TransformFunc

	mu       sync.RWMutex
	nextID   SubscriptionID
	handlers map[string][]subscription
	patterns []patternSubscription
}

// On registers handler for event and returns the channel for chaining.
// Registering the same handler twice makes it run twice.
func (ch *Channel) On(event string, handler Handler) *Channel {
	ch.Subscribe(event, handler)
	return ch
}

// Subscribe registers handler for event and returns an ID for Off.
func (ch *Channel) Subscribe(event string, handler Handler) SubscriptionID {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.nextID++
	id := ch.nextID
	ch.handlers[event] = append(ch.handlers[event], subscription{id: id, handler: handler})
	return id
}

// OnPattern registers handler for every event whose name matches an
// MQTT-style pattern ("+" matches one level, "#" the rest). Pattern handlers
// run after the handlers registered for the exact name.
func (ch *Channel) OnPattern(pattern string, handler PatternHandler) *Channel {
	ch.SubscribePattern(pattern, handler)
	return ch
}

// SubscribePattern is OnPattern returning an ID for Off.
func (ch *Channel) SubscribePattern(pattern string, handler PatternHandler) SubscriptionID {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.nextID++
	id := ch.nextID
	ch.patterns = append(ch.patterns, patternSubscription{id: id, pattern: pattern, handler: handler})
	return id
}

// Off removes the registration with the given ID. It reports whether one was found.
func (ch *Channel) Off(id SubscriptionID) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	for event, subs := range ch.handlers {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			remaining := make([]subscription, 0, len(subs)-1)
			remaining = append(remaining, subs[:i]...)
			remaining = append(remaining, subs[i+1:]...)
			if len(remaining) == 0 {
				delete(ch.handlers, event)
			} else {
				ch.handlers[event] = remaining
			}
			return true
		}
	}

	for i, sub := range ch.patterns {
		if sub.id == id {
			remaining := make([]patternSubscription, 0, len(ch.patterns)-1)
			remaining = append(remaining, ch.patterns[:i]...)
			ch.patterns = append(remaining, ch.patterns[i+1:]...)
			return true
		}
	}

	return false
}

// Send publishes data under event. It returns ErrInvalidState (wrapped) when
// the connection is not open.
func (ch *Channel) Send(event string, data any) error {
	env, err := NewEnvelope(event, data)
	if err != nil {
		return err
	}

	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope for event %q: %w", event, err)
	}

	return ch.conn.Send(string(payload))
}

// Close closes the underlying connection.
func (ch *Channel) Close() error {
	return ch.conn.Close()
}

// Connection returns the underlying connection, for state, runtime settings
// and the application callback slots. Replacing a slot does not affect event
// dispatch.
func (ch *Channel) Connection() *Connection {
	return ch.conn
}

// SyntheticNames returns the names used for the lifecycle events.
func (ch *Channel) SyntheticNames() SyntheticNames {
	return ch.names
}

func (ch *Channel) handleOpen(Event) {
	ch.dispatch(ch.names.Open, jsonNull)
}

func (ch *Channel) handleClose(Event) {
	ch.dispatch(ch.names.Close, jsonNull)
}

func (ch *Channel) handleMessage(ev Event) {
	env, err := DecodeEnvelope([]byte(ev.Data))
	if err != nil {
		ch.conn.metrics.RecordMalformedEnvelope(context.Background())
		if ch.conn.Debug() {
			ch.logger.Debug("Dropping malformed envelope",
				zap.String("attempt", ev.AttemptID),
				zap.Int("size", len(ev.Data)),
				zap.Error(err))
		}
		return
	}

	for _, transform := range ch.transforms {
		next, cont := transform(env)
		if next == nil {
			return
		}
		env = next
		if !cont {
			break
		}
	}

	ch.dispatch(env.Event, env.Data)
}

func (ch *Channel) dispatch(event string, data json.RawMessage) {
	ch.mu.RLock()
	subs := append([]subscription(nil), ch.handlers[event]...)
	patterns := append([]patternSubscription(nil), ch.patterns...)
	ch.mu.RUnlock()

	for _, sub := range subs {
		ch.invoke(event, func() { sub.handler(data) })
	}

	for _, sub := range patterns {
		if mqttpattern.Matches(sub.pattern, event) {
			ch.invoke(event, func() { sub.handler(event, data) })
		}
	}
}

func (ch *Channel) invoke(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			ch.logger.Warn("Event handler panicked",
				zap.String("event", event),
				zap.Any("panic", r))
			ch.conn.metrics.RecordCallbackPanic(context.Background(), "handler")
		}
	}()
	fn()
}
