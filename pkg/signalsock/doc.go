// Package signalsock provides named-event publish/subscribe messaging over a
// single, automatically reconnecting connection.
//
// Two types do the work. Connection owns the lifecycle of the underlying
// transport session: it dials through a Transport, replaces a dropped session
// on a timer, aborts attempts that never open, and keeps a stable set of
// callbacks that survive every reconnect. Channel sits on top of one
// Connection, encodes {"event": ..., "data": ...} envelopes, and dispatches
// inbound envelopes to the handlers registered for each event name. It also
// turns the connection's open and close signals into the synthetic "connect"
// and "disconnect" events.
//
// Example:
//
//	ch, err := signalsock.NewChannel().
//	    WithConnection(signalsock.NewConnection().
//	        WithURL("ws://localhost:8080/events").
//	        WithTransport(coderws.NewTransport())).
//	    WithLogger(logger).
//	    Build()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ch.Close()
//
//	ch.On("connect", func(json.RawMessage) {
//	    ch.Send("hello", map[string]any{"from": "client"})
//	}).On("ping", func(data json.RawMessage) {
//	    fmt.Println("ping", string(data))
//	})
package signalsock
