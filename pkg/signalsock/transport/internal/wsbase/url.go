package wsbase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
)

// ErrUnsupportedProtocols is returned by Dial when the preference list does
// not include "websocket".
var ErrUnsupportedProtocols = errors.New("no supported protocol in preference list")

// ProtocolWebSocket is the only protocol the WebSocket transports speak.
const ProtocolWebSocket = "websocket"

// CheckProtocols accepts an empty list or one that includes "websocket".
func CheckProtocols(protocols []string) error {
	if len(protocols) == 0 || slices.Contains(protocols, ProtocolWebSocket) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnsupportedProtocols, protocols)
}

// ResolveURL resolves raw against base (if raw is relative) and maps http and
// https to ws and wss.
func ResolveURL(base *url.URL, raw string) (string, error) {
	target, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	if !target.IsAbs() {
		if base == nil {
			return "", fmt.Errorf("relative URL %q requires a base URL", raw)
		}
		target = base.ResolveReference(target)
	}

	switch target.Scheme {
	case "ws", "wss":
	case "http":
		target.Scheme = "ws"
	case "https":
		target.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", target.Scheme)
	}

	return target.String(), nil
}

// AuthorizationProvider returns the Authorization header value for a dial.
type AuthorizationProvider func(ctx context.Context) (string, error)

// HandshakeHeader copies headers and adds the Authorization value from auth, if set.
func HandshakeHeader(ctx context.Context, headers http.Header, auth AuthorizationProvider) (http.Header, error) {
	header := headers.Clone()
	if header == nil {
		header = make(http.Header)
	}

	if auth != nil {
		value, err := auth(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get authorization: %w", err)
		}
		if value != "" {
			header.Set("Authorization", value)
		}
	}

	return header, nil
}
