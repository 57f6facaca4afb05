package signalsock

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeTransport records every dial. Sessions only change state when the test
// drives them.
type fakeTransport struct {
	mu        sync.Mutex
	sessions  []*fakeSession
	dialErr   error
	urls      []string
	protocols [][]string
}

func (t *fakeTransport) Dial(url string, protocols []string, handler SessionHandler) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.urls = append(t.urls, url)
	t.protocols = append(t.protocols, protocols)
	if t.dialErr != nil {
		return nil, t.dialErr
	}

	s := &fakeSession{handler: handler}
	t.sessions = append(t.sessions, s)
	return s, nil
}

func (t *fakeTransport) setDialErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *fakeTransport) dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.urls)
}

func (t *fakeTransport) session(i int) *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[i]
}

func (t *fakeTransport) last() *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[len(t.sessions)-1]
}

// fakeSession reports OnClose once, either when the test drops it or when the
// connection closes it.
type fakeSession struct {
	handler SessionHandler

	mu       sync.Mutex
	sent     []string
	sendErr  error
	closes   int
	finished bool
}

func (s *fakeSession) Send(data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()

	s.finish(StatusNormalClosure, "closed")
	return nil
}

func (s *fakeSession) finish(code int, reason string) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()

	s.handler.OnClose(code, reason)
}

func (s *fakeSession) open()                     { s.handler.OnOpen() }
func (s *fakeSession) receive(data string)       { s.handler.OnMessage(data) }
func (s *fakeSession) fail(err error)            { s.handler.OnError(err) }
func (s *fakeSession) drop(code int, why string) { s.finish(code, why) }

func (s *fakeSession) sentMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// eventLog collects connection callbacks.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) lastOf(t EventType) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == t {
			return l.events[i], true
		}
	}
	return Event{}, false
}

// testConnection returns a builder wired to a fake transport, a fake clock and
// an event log on every slot.
func testConnection(t *testing.T) (*ConnectionBuilder, *fakeTransport, *clockwork.FakeClock, *eventLog) {
	t.Helper()

	tr := &fakeTransport{}
	clock := clockwork.NewFakeClock()
	log := &eventLog{}

	b := NewConnection().
		WithURL("/events").
		WithTransport(tr).
		WithClock(clock).
		WithLogger(zaptest.NewLogger(t)).
		WithOnOpen(log.record).
		WithOnClose(log.record).
		WithOnConnecting(log.record).
		WithOnMessage(log.record).
		WithOnError(log.record)

	return b, tr, clock, log
}

func waitForDials(t *testing.T, tr *fakeTransport, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tr.dials() >= n
	}, 2*time.Second, time.Millisecond, "expected %d dials", n)
}

// settle gives timer callbacks fired by the fake clock a chance to run.
func settle() {
	time.Sleep(20 * time.Millisecond)
}
