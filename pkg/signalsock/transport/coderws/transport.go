// Package coderws is a signalsock.Transport built on github.com/coder/websocket.
package coderws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
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

// Transport dials WebSocket sessions. Configure it with the With methods
// before handing it to a ConnectionBuilder.
type Transport struct {
	logger         *zap.Logger
	dialTimeout    time.Duration
	writeTimeout   time.Duration
	writeQueueSize int
	readLimit      int64
	headers        http.Header
	subprotocols   []string
	authProvider   AuthorizationProvider
	baseURL        *url.URL
	httpClient     *http.Client
}

// NewTransport creates a transport with default settings.
func NewTransport() *Transport {
	return &Transport{
		logger:         zap.NewNop(),
		dialTimeout:    wsbase.DefaultDialTimeout,
		writeTimeout:   wsbase.DefaultWriteTimeout,
		writeQueueSize: wsbase.DefaultWriteQueueSize,
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

// WithWriteTimeout sets the timeout for a single write.
func (t *Transport) WithWriteTimeout(timeout time.Duration) *Transport {
	if timeout > 0 {
		t.writeTimeout = timeout
	}
	return t
}

// WithWriteQueueSize sets how many outbound messages a session buffers.
// Default is 64.
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
	t.subprotocols = subprotocols
	return t
}

// WithBaseURL sets the URL that relative connection URLs are resolved against.
func (t *Transport) WithBaseURL(base *url.URL) *Transport {
	t.baseURL = base
	return t
}

// WithHTTPClient sets the HTTP client used for the handshake.
func (t *Transport) WithHTTPClient(client *http.Client) *Transport {
	t.httpClient = client
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

	return wsbase.Start(cfg, func(ctx context.Context) (wsbase.Conn, error) {
		header, err := wsbase.HandshakeHeader(ctx, t.headers, t.authProvider)
		if err != nil {
			return nil, err
		}

		conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
			HTTPClient:   t.httpClient,
			HTTPHeader:   header,
			Subprotocols: t.subprotocols,
		})
		if err != nil {
			return nil, err
		}

		if t.readLimit > 0 {
			conn.SetReadLimit(t.readLimit)
		}

		cfg.Logger.Debug("WebSocket connected")

		return &coderConn{conn: conn}, nil
	}, handler), nil
}

type coderConn struct {
	conn *websocket.Conn
}

func (c *coderConn) ReadText(ctx context.Context) (string, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *coderConn) WriteText(ctx context.Context, data string) error {
	return c.conn.Write(ctx, websocket.MessageText, []byte(data))
}

func (c *coderConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

func closeStatus(err error) (int, string, bool) {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return int(closeErr.Code), closeErr.Reason, true
	}
	return 0, "", false
}

var _ signalsock.Transport = (*Transport)(nil)
