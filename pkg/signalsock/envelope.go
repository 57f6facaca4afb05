package signalsock

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Synthetic event names dispatched by a Channel from connection lifecycle.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventOpen       = "open"
	EventClose      = "close"
)

var jsonNull = json.RawMessage("null")

// Envelope is the unit multiplexed over a connection:
//
//	{"event": "<name>", "data": <any JSON value or null>}
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope builds an envelope, encoding data as JSON. A nil data becomes
// null; a json.RawMessage is compacted and otherwise kept as is. HTML
// characters are not escaped, so the data survives Encode and DecodeEnvelope
// byte for byte.
func NewEnvelope(event string, data any) (*Envelope, error) {
	if raw, ok := data.(json.RawMessage); ok {
		if len(raw) == 0 {
			return &Envelope{Event: event, Data: jsonNull}, nil
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, fmt.Errorf("invalid JSON data for event %q: %w", event, err)
		}
		return &Envelope{Event: event, Data: buf.Bytes()}, nil
	}

	encoded, err := marshalJSON(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data for event %q: %w", event, err)
	}
	return &Envelope{Event: event, Data: encoded}, nil
}

// Encode returns the wire form of the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	wire := *e
	if len(wire.Data) == 0 {
		wire.Data = jsonNull
	}
	return marshalJSON(wire)
}

// marshalJSON is json.Marshal without HTML escaping.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode unmarshals the envelope's data into v.
func (e *Envelope) Decode(v any) error {
	data := e.Data
	if len(data) == 0 {
		data = jsonNull
	}
	return json.Unmarshal(data, v)
}

// IsNull reports whether the envelope carries no data.
func (e *Envelope) IsNull() bool {
	return len(e.Data) == 0 || bytes.Equal(bytes.TrimSpace(e.Data), jsonNull)
}

// DecodeEnvelope parses the wire form. Anything that is not a JSON object with
// a non-empty string "event" member is rejected; a missing "data" member
// decodes as null.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var wire struct {
		Event *string         `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if wire.Event == nil || *wire.Event == "" {
		return nil, ErrMissingEvent
	}

	data := wire.Data
	if len(data) == 0 {
		data = jsonNull
	}
	return &Envelope{Event: *wire.Event, Data: data}, nil
}
