package signalsock

import (
	"fmt"

	"go.uber.org/zap"
)

// ChannelBuilder provides a fluent interface for building Channels.
type ChannelBuilder struct {
	connection *ConnectionBuilder
	logger     *zap.Logger
	names      SyntheticNames
	transforms []TransformFunc
	handlers   []pendingHandler
}

type pendingHandler struct {
	event   string
	pattern string
	handler Handler
	matched PatternHandler
}

// NewChannel creates a new Channel builder.
func NewChannel() *ChannelBuilder {
	return &ChannelBuilder{
		names: SyntheticConnectDisconnect,
	}
}

// WithConnection sets the configuration of the connection the channel owns.
// The connection is built and started by Build.
func (b *ChannelBuilder) WithConnection(connection *ConnectionBuilder) *ChannelBuilder {
	b.connection = connection
	return b
}

// WithLogger sets the logger for the channel. When unset the connection's
// logger is used.
func (b *ChannelBuilder) WithLogger(logger *zap.Logger) *ChannelBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithSyntheticNames sets the event names dispatched on open and close.
//
// Default: SyntheticConnectDisconnect
func (b *ChannelBuilder) WithSyntheticNames(names SyntheticNames) *ChannelBuilder {
	b.names = names
	return b
}

// WithTransform appends inbound envelope transforms, run in order before dispatch.
func (b *ChannelBuilder) WithTransform(transforms ...TransformFunc) *ChannelBuilder {
	b.transforms = append(b.transforms, transforms...)
	return b
}

// On registers a handler that is in place before the connection starts, so
// early events such as the first connect are not missed.
func (b *ChannelBuilder) On(event string, handler Handler) *ChannelBuilder {
	b.handlers = append(b.handlers, pendingHandler{event: event, handler: handler})
	return b
}

// OnPattern is On for an MQTT-style event name pattern.
func (b *ChannelBuilder) OnPattern(pattern string, handler PatternHandler) *ChannelBuilder {
	b.handlers = append(b.handlers, pendingHandler{pattern: pattern, matched: handler})
	return b
}

// IsValid checks that all required configuration is present.
func (b *ChannelBuilder) IsValid() error {
	if b.connection == nil {
		return fmt.Errorf("connection is required")
	}

	if b.names.Open == "" || b.names.Close == "" {
		return fmt.Errorf("synthetic event names must not be empty")
	}

	if b.names.Open == b.names.Close {
		return fmt.Errorf("synthetic event names must differ, both are %q", b.names.Open)
	}

	return b.connection.IsValid()
}

// Build creates the Channel and starts its connection. The channel observes
// the connection through its own hooks, so every callback slot stays free for
// the application, on the ConnectionBuilder or later through Connection().
// Slots run after the channel has dispatched the corresponding event.
func (b *ChannelBuilder) Build() (*Channel, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	conn, err := b.connection.build()
	if err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = conn.logger
	}

	ch := &Channel{
		conn:       conn,
		logger:     logger,
		names:      b.names,
		transforms: append([]TransformFunc(nil), b.transforms...),
		handlers:   make(map[string][]subscription),
	}

	for _, h := range b.handlers {
		if h.matched != nil {
			ch.SubscribePattern(h.pattern, h.matched)
		} else {
			ch.Subscribe(h.event, h.handler)
		}
	}

	conn.hooks = connectionHooks{
		onOpen:    ch.handleOpen,
		onClose:   ch.handleClose,
		onMessage: ch.handleMessage,
	}

	conn.start()

	return ch, nil
}
