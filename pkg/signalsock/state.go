package signalsock

import "fmt"

// ReadyState is the lifecycle state of a Connection.
type ReadyState int32

const (
	// StateConnecting means a session is being established or a reconnect is pending.
	StateConnecting ReadyState = iota
	// StateOpen means the current session is open and Send will be accepted.
	StateOpen
	// StateClosing means Close was called and the active session is shutting down.
	StateClosing
	// StateClosed is terminal for closes requested through Close, and is also
	// reached after a drop when reconnecting is disabled.
	StateClosed
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ReadyState(%d)", int32(s))
	}
}

// Close status codes reported in close events. These follow the WebSocket
// registry so transports can pass peer codes straight through.
const (
	StatusNormalClosure   = 1000
	StatusGoingAway       = 1001
	StatusAbnormalClosure = 1006
)
