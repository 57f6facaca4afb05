package signalsock

//go:generate go tool mockgen -destination=./mocks/transport_mock.go -package=mocks . Transport,Session,SessionHandler

// DefaultProtocols is the transport preference list used when none is given:
// a native WebSocket first, then the streaming and polling fallbacks. The
// Transport decides which of these it can actually speak.
var DefaultProtocols = []string{
	"websocket",
	"xdr-streaming",
	"xhr-streaming",
	"iframe-eventsource",
	"iframe-htmlfile",
	"xdr-polling",
	"xhr-polling",
	"iframe-xhr-polling",
	"jsonp-polling",
}

// Transport opens sessions to a server. Connection calls Dial once per attempt
// and never reuses a Session.
//
// Dial must return promptly and must not call handler methods before it has
// returned; connection setup happens in the background and is reported
// through the handler.
type Transport interface {
	Dial(url string, protocols []string, handler SessionHandler) (Session, error)
}

// SessionHandler receives the signals of one session. A Transport must call
// OnClose exactly once per session, whether the session failed to open, was
// closed by the peer, or was closed locally, and must not call any handler
// method after OnClose.
type SessionHandler interface {
	OnOpen()
	OnClose(code int, reason string)
	OnMessage(data string)
	OnError(err error)
}

// Session is a single-use connection handle.
type Session interface {
	Send(data string) error
	Close() error
}
