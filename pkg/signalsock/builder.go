package signalsock

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tsarna/signalsock/pkg/signalsock/o11y"
	"go.uber.org/zap"
)

const (
	// DefaultReconnectInterval is the delay between a dropped session and the next attempt.
	DefaultReconnectInterval = 1 * time.Second

	// DefaultTimeoutInterval is how long an attempt may stay CONNECTING before it is aborted.
	DefaultTimeoutInterval = 2 * time.Second
)

// ConnectionBuilder provides a fluent interface for building Connections.
type ConnectionBuilder struct {
	url               string
	protocols         []string
	transport         Transport
	clock             clockwork.Clock
	logger            *zap.Logger
	metricsProvider   o11y.MetricsProvider
	tracingProvider   o11y.TracingProvider
	reconnect         bool
	reconnectInterval time.Duration
	timeoutInterval   time.Duration
	debug             bool
	closePolicy       ClosePolicy

	onOpen       Callback
	onClose      Callback
	onConnecting Callback
	onMessage    Callback
	onError      Callback
}

// NewConnection creates a new Connection builder.
func NewConnection() *ConnectionBuilder {
	return &ConnectionBuilder{
		protocols:         DefaultProtocols,
		clock:             clockwork.NewRealClock(),
		logger:            zap.NewNop(),
		reconnect:         true,
		reconnectInterval: DefaultReconnectInterval,
		timeoutInterval:   DefaultTimeoutInterval,
	}
}

// WithURL sets the URL handed to the transport on every attempt.
func (b *ConnectionBuilder) WithURL(url string) *ConnectionBuilder {
	b.url = url
	return b
}

// WithProtocols sets the ordered transport preference list. An empty list
// keeps DefaultProtocols.
func (b *ConnectionBuilder) WithProtocols(protocols ...string) *ConnectionBuilder {
	if len(protocols) > 0 {
		b.protocols = append([]string(nil), protocols...)
	}
	return b
}

// WithTransport sets the transport used to open sessions.
func (b *ConnectionBuilder) WithTransport(transport Transport) *ConnectionBuilder {
	b.transport = transport
	return b
}

// WithClock sets the clock used for reconnect and open-timeout timers.
func (b *ConnectionBuilder) WithClock(clock clockwork.Clock) *ConnectionBuilder {
	if clock != nil {
		b.clock = clock
	}
	return b
}

// WithLogger sets the logger for the connection.
func (b *ConnectionBuilder) WithLogger(logger *zap.Logger) *ConnectionBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithMetrics sets the metrics provider for the connection.
func (b *ConnectionBuilder) WithMetrics(provider o11y.MetricsProvider) *ConnectionBuilder {
	b.metricsProvider = provider
	return b
}

// WithTracing sets the tracing provider. Each session attempt gets a span.
func (b *ConnectionBuilder) WithTracing(provider o11y.TracingProvider) *ConnectionBuilder {
	b.tracingProvider = provider
	return b
}

// WithReconnect enables or disables reconnecting after a drop. With
// reconnecting disabled the connection behaves like a single direct session.
func (b *ConnectionBuilder) WithReconnect(enabled bool) *ConnectionBuilder {
	b.reconnect = enabled
	return b
}

// WithReconnectInterval sets the delay between a drop and the next attempt.
// Zero or negative means no delay.
//
// Default: 1 second
func (b *ConnectionBuilder) WithReconnectInterval(interval time.Duration) *ConnectionBuilder {
	if interval < 0 {
		interval = 0
	}
	b.reconnectInterval = interval
	return b
}

// WithTimeoutInterval sets how long an attempt may stay CONNECTING before it
// is aborted and retried. Zero or negative disables the timeout.
//
// Default: 2 seconds
func (b *ConnectionBuilder) WithTimeoutInterval(timeout time.Duration) *ConnectionBuilder {
	b.timeoutInterval = timeout
	return b
}

// WithDebug enables per-event diagnostic logging at debug level.
func (b *ConnectionBuilder) WithDebug(debug bool) *ConnectionBuilder {
	b.debug = debug
	return b
}

// WithClosePolicy sets when drops are reported through OnClose.
func (b *ConnectionBuilder) WithClosePolicy(policy ClosePolicy) *ConnectionBuilder {
	b.closePolicy = policy
	return b
}

// WithOnOpen sets the callback fired when a session opens.
func (b *ConnectionBuilder) WithOnOpen(cb Callback) *ConnectionBuilder {
	b.onOpen = cb
	return b
}

// WithOnClose sets the callback fired when the connection closes or a session drops.
func (b *ConnectionBuilder) WithOnClose(cb Callback) *ConnectionBuilder {
	b.onClose = cb
	return b
}

// WithOnConnecting sets the callback fired when the connection enters CONNECTING.
func (b *ConnectionBuilder) WithOnConnecting(cb Callback) *ConnectionBuilder {
	b.onConnecting = cb
	return b
}

// WithOnMessage sets the callback fired for each inbound message.
func (b *ConnectionBuilder) WithOnMessage(cb Callback) *ConnectionBuilder {
	b.onMessage = cb
	return b
}

// WithOnError sets the callback fired for transport errors.
func (b *ConnectionBuilder) WithOnError(cb Callback) *ConnectionBuilder {
	b.onError = cb
	return b
}

// IsValid checks that all required configuration is present.
func (b *ConnectionBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}

	if b.transport == nil {
		return fmt.Errorf("transport is required")
	}

	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	if b.clock == nil {
		b.clock = clockwork.NewRealClock()
	}

	if len(b.protocols) == 0 {
		b.protocols = DefaultProtocols
	}

	return nil
}

// Build creates the Connection and starts its first attempt. Callbacks set on
// the builder are in place before the attempt begins, so OnConnecting fires
// for it.
func (b *ConnectionBuilder) Build() (*Connection, error) {
	c, err := b.build()
	if err != nil {
		return nil, err
	}
	c.start()
	return c, nil
}

func (b *ConnectionBuilder) build() (*Connection, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	metrics := NewConnectionMetrics(b.metricsProvider)

	c := &Connection{
		url:               b.url,
		protocols:         append([]string(nil), b.protocols...),
		transport:         b.transport,
		clock:             b.clock,
		logger:            b.logger,
		metrics:           metrics,
		tracing:           b.tracingProvider,
		state:             StateConnecting,
		reconnect:         b.reconnect,
		reconnectInterval: b.reconnectInterval,
		timeoutInterval:   b.timeoutInterval,
		debug:             b.debug,
		closePolicy:       b.closePolicy,
		onOpen:            b.onOpen,
		onClose:           b.onClose,
		onConnecting:      b.onConnecting,
		onMessage:         b.onMessage,
		onError:           b.onError,
	}
	c.callbacks = callbackQueue{logger: b.logger, metrics: metrics}

	return c, nil
}
