package signalsock

// EventType identifies which lifecycle slot an Event was delivered to.
type EventType string

const (
	EventTypeConnecting EventType = "connecting"
	EventTypeOpen       EventType = "open"
	EventTypeClose      EventType = "close"
	EventTypeMessage    EventType = "message"
	EventTypeError      EventType = "error"
)

// Event is the payload handed to Connection callbacks.
type Event struct {
	Type EventType

	// AttemptID identifies the session attempt the event belongs to. Every
	// reconnect gets a new one.
	AttemptID string

	// Data is the raw message text for EventTypeMessage.
	Data string

	// Err is set for EventTypeError.
	Err error

	// Code and Reason describe why a session closed, for EventTypeClose.
	Code   int
	Reason string
}

// Callback receives connection lifecycle events.
type Callback func(ev Event)
