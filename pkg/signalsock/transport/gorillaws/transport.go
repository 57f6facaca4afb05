// Package gorillaws is a signalsock.Transport built on github.com/gorilla/websocket.
package gorillaws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tsarna/signalsock/pkg/signalsock"
	"github.com/tsarna/signalsock/pkg/signalsock/transport/internal/wsbase"
	"go.uber.org/zap"
)

var (
	ErrUnsupportedProtocols = wsbase.ErrUnsupportedProtocols
	ErrSessionClosed        = wsbase.ErrSessionClosed
	ErrWriteQueueFull       = wsbase.ErrWriteQueueFull
)

// AuthorizationProvider returns the Authorization header value for a dial.
type AuthorizationProvider = wsbase.AuthorizationProvider

const closeGracePeriod = time.Second

// Transport dials WebSocket sessions with a gorilla Dialer.
type Transport struct {
	logger         *zap.Logger
	dialTimeout    time.Duration
	writeTimeout   time.Duration
	writeQueueSize int
	readLimit      int64
	headers        http.Header
	authProvider   AuthorizationProvider
	baseURL        *url.URL
	dialer         websocket.Dialer
}

// NewTransport creates a transport with default settings. Proxies are taken
// from the environment.
func NewTransport() *Transport {
	return &Transport{
		logger:         zap.NewNop(),
		dialTimeout:    wsbase.DefaultDialTimeout,
		writeTimeout:   wsbase.DefaultWriteTimeout,
		writeQueueSize: wsbase.DefaultWriteQueueSize,
		dialer: websocket.Dialer{
			Proxy: http.ProxyFromEnvironment,
		},
	}
}

// WithLogger sets the logger for the transport.
func (t *Transport) WithLogger(logger *zap.Logger) *Transport {
	if logger != nil {
		t.logger = logger
	}
	return t
}

// WithDialTimeout sets the timeout for the WebSocket handshake.
func (t *Transport) WithDialTimeout(timeout time.Duration) *Transport {
	if timeout > 0 {
		t.dialTimeout = timeout
	}
	return t
}

// WithWriteTimeout sets the deadline for a single write.
func (t *Transport) WithWriteTimeout(timeout time.Duration) *Transport {
	if timeout > 0 {
		t.writeTimeout = timeout
	}
	return t
}

// WithWriteQueueSize sets how many outbound messages a session buffers.
func (t *Transport) WithWriteQueueSize(size int) *Transport {
	if size > 0 {
		t.writeQueueSize = size
	}
	return t
}

// WithReadLimit sets the maximum size of an inbound message in bytes.
func (t *Transport) WithReadLimit(limit int64) *Transport {
	t.readLimit = limit
	return t
}

// WithHeader sets a single HTTP header for the handshake.
func (t *Transport) WithHeader(key, value string) *Transport {
	if t.headers == nil {
		t.headers = make(http.Header)
	}
	t.headers.Set(key, value)
	return t
}

// WithHeaders sets HTTP headers for the handshake, replacing any with the same key.
func (t *Transport) WithHeaders(headers map[string][]string) *Transport {
	if t.headers == nil {
		t.headers = make(http.Header)
	}
	for key, values := range headers {
		t.headers[http.CanonicalHeaderKey(key)] = values
	}
	return t
}

// WithAuthorization sets a static Authorization header value.
func (t *Transport) WithAuthorization(value string) *Transport {
	t.authProvider = func(context.Context) (string, error) {
		return value, nil
	}
	return t
}

// WithAuthorizationProvider sets a function called on every dial to obtain
// the Authorization header.
func (t *Transport) WithAuthorizationProvider(provider AuthorizationProvider) *Transport {
	t.authProvider = provider
	return t
}

// WithSubprotocols sets the WebSocket subprotocols offered in the handshake.
func (t *Transport) WithSubprotocols(subprotocols ...string) *Transport {
	t.dialer.Subprotocols = subprotocols
	return t
}

// WithCompression enables permessage-deflate negotiation.
func (t *Transport) WithCompression(enabled bool) *Transport {
	t.dialer.EnableCompression = enabled
	return t
}

// WithBaseURL sets the URL that relative connection URLs are resolved against.
func (t *Transport) WithBaseURL(base *url.URL) *Transport {
	t.baseURL = base
	return t
}

// Dial starts a session. It returns an error only for a bad URL or an
// unsupported protocol list; dial failures are reported to handler.
func (t *Transport) Dial(rawURL string, protocols []string, handler signalsock.SessionHandler) (signalsock.Session, error) {
	if err := wsbase.CheckProtocols(protocols); err != nil {
		return nil, err
	}

	target, err := wsbase.ResolveURL(t.baseURL, rawURL)
	if err != nil {
		return nil, err
	}

	cfg := wsbase.Config{
		Logger:         t.logger.With(zap.String("url", target)),
		DialTimeout:    t.dialTimeout,
		WriteTimeout:   t.writeTimeout,
		WriteQueueSize: t.writeQueueSize,
		CloseStatus:    closeStatus,
	}

	dialer := t.dialer
	dialer.HandshakeTimeout = t.dialTimeout

	return wsbase.Start(cfg, func(ctx context.Context) (wsbase.Conn, error) {
		header, err := wsbase.HandshakeHeader(ctx, t.headers, t.authProvider)
		if err != nil {
			return nil, err
		}

		conn, resp, err := dialer.DialContext(ctx, target, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}

		if t.readLimit > 0 {
			conn.SetReadLimit(t.readLimit)
		}

		cfg.Logger.Debug("WebSocket connected")

		return &gorillaConn{conn: conn}, nil
	}, handler), nil
}

type gorillaConn struct {
	conn *websocket.Conn
}

// ReadText blocks until a message arrives; the session unblocks it by closing
// the connection.
func (c *gorillaConn) ReadText(context.Context) (string, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *gorillaConn) WriteText(ctx context.Context, data string) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

func (c *gorillaConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	return c.conn.Close()
}

func closeStatus(err error) (int, string, bool) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text, true
	}
	return 0, "", false
}

var _ signalsock.Transport = (*Transport)(nil)
