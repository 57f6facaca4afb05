package signalsock

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestConnectionBuilder(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		b := NewConnection().WithURL("/events").WithTransport(&fakeTransport{})
		require.NoError(t, b.IsValid())

		c, err := b.build()
		require.NoError(t, err)
		assert.Equal(t, DefaultProtocols, c.Protocols())
		assert.True(t, c.Reconnect())
		assert.Equal(t, DefaultReconnectInterval, c.ReconnectInterval())
		assert.Equal(t, DefaultTimeoutInterval, c.TimeoutInterval())
		assert.False(t, c.Debug())
		assert.Equal(t, CloseNotifyUnexpected, c.closePolicy)
		assert.NotNil(t, c.logger)
		assert.NotNil(t, c.clock)
		assert.Nil(t, c.metrics)
	})

	t.Run("fluent interface returns same builder", func(t *testing.T) {
		b := NewConnection()
		assert.Same(t, b, b.WithURL("/events"))
		assert.Same(t, b, b.WithProtocols("websocket"))
		assert.Same(t, b, b.WithTransport(&fakeTransport{}))
		assert.Same(t, b, b.WithLogger(zap.NewNop()))
		assert.Same(t, b, b.WithReconnect(false))
		assert.Same(t, b, b.WithReconnectInterval(time.Second))
		assert.Same(t, b, b.WithTimeoutInterval(time.Second))
		assert.Same(t, b, b.WithDebug(true))
		assert.Same(t, b, b.WithClosePolicy(CloseNotifyAlways))
		assert.Same(t, b, b.WithOnOpen(nil))
	})

	t.Run("missing URL", func(t *testing.T) {
		_, err := NewConnection().WithTransport(&fakeTransport{}).Build()
		assert.EqualError(t, err, "URL is required")
	})

	t.Run("missing transport", func(t *testing.T) {
		_, err := NewConnection().WithURL("/events").Build()
		assert.EqualError(t, err, "transport is required")
	})

	t.Run("non-positive intervals match the runtime setters", func(t *testing.T) {
		c, err := NewConnection().
			WithURL("/events").
			WithTransport(&fakeTransport{}).
			WithReconnectInterval(-time.Second).
			WithTimeoutInterval(0).
			build()
		require.NoError(t, err)
		assert.Zero(t, c.ReconnectInterval())
		assert.Zero(t, c.TimeoutInterval())

		c.SetReconnectInterval(-time.Second)
		assert.Zero(t, c.ReconnectInterval())
	})

	t.Run("zero intervals retry at once and never time out", func(t *testing.T) {
		tr := &fakeTransport{}
		clock := clockwork.NewFakeClock()
		c, err := NewConnection().
			WithURL("/events").
			WithTransport(tr).
			WithClock(clock).
			WithLogger(zaptest.NewLogger(t)).
			WithReconnectInterval(0).
			WithTimeoutInterval(0).
			Build()
		require.NoError(t, err)

		clock.Advance(time.Hour)
		settle()
		assert.Equal(t, 1, tr.dials())
		assert.Zero(t, tr.last().closeCount())

		tr.last().open()
		tr.last().drop(StatusAbnormalClosure, "")
		clock.Advance(0)
		waitForDials(t, tr, 2)
		assert.Equal(t, StateConnecting, c.State())
	})

	t.Run("protocols are copied", func(t *testing.T) {
		protocols := []string{"websocket", "xhr-polling"}
		tr := &fakeTransport{}
		c, err := NewConnection().WithURL("/events").WithTransport(tr).WithProtocols(protocols...).Build()
		require.NoError(t, err)

		protocols[0] = "changed"
		assert.Equal(t, []string{"websocket", "xhr-polling"}, c.Protocols())
		assert.Equal(t, []string{"websocket", "xhr-polling"}, tr.protocols[0])
	})
}

func TestConnectionLifecycle(t *testing.T) {
	t.Run("first attempt starts at construction", func(t *testing.T) {
		b, tr, _, log := testConnection(t)
		c, err := b.Build()
		require.NoError(t, err)

		assert.Equal(t, StateConnecting, c.State())
		assert.Equal(t, 1, tr.dials())
		assert.Equal(t, "/events", tr.urls[0])
		assert.Equal(t, DefaultProtocols, tr.protocols[0])
		assert.Equal(t, []EventType{EventTypeConnecting}, log.types())
		assert.Equal(t, 1, c.Attempts())
		assert.Equal(t, "/events", c.URL())
	})

	t.Run("open", func(t *testing.T) {
		b, tr, _, log := testConnection(t)
		c, err := b.Build()
		require.NoError(t, err)

		tr.last().open()
		assert.Equal(t, StateOpen, c.State())
		assert.Equal(t, []EventType{EventTypeConnecting, EventTypeOpen}, log.types())

		connecting, _ := log.lastOf(EventTypeConnecting)
		open, _ := log.lastOf(EventTypeOpen)
		assert.NotEmpty(t, open.AttemptID)
		assert.Equal(t, connecting.AttemptID, open.AttemptID)
	})

	t.Run("message is delivered raw", func(t *testing.T) {
		b, tr, _, log := testConnection(t)
		_, err := b.Build()
		require.NoError(t, err)

		tr.last().open()
		tr.last().receive("hello")

		ev, ok := log.lastOf(EventTypeMessage)
		require.True(t, ok)
		assert.Equal(t, "hello", ev.Data)
	})

	t.Run("session error is delivered", func(t *testing.T) {
		b, tr, _, log := testConnection(t)
		_, err := b.Build()
		require.NoError(t, err)

		boom := errors.New("boom")
		tr.last().fail(boom)

		ev, ok := log.lastOf(EventTypeError)
		require.True(t, ok)
		assert.ErrorIs(t, ev.Err, boom)
	})
}

func TestConnectionSend(t *testing.T) {
	t.Run("rejected while connecting", func(t *testing.T) {
		b, tr, _, log := testConnection(t)
		c, err := b.Build()
		require.NoError(t, err)

		err = c.Send("hello")
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.Contains(t, err.Error(), "CONNECTING")
		assert.Empty(t, tr.last().sentMessages())
		assert.Equal(t, []EventType{EventTypeConnecting}, log.types())

		// Nothing was queued.
		tr.last().open()
		assert.Empty(t, tr.last().sentMessages())
	})

	t.Run("forwarded while open", func(t *testing.T) {
		b, tr, _, _ := testConnection(t)
		c, err := b.Build()
		require.NoError(t, err)

		tr.last().open()
		require.NoError(t, c.Send("one"))
		require.NoError(t, c.Send("two"))
		assert.Equal(t, []string{"one", "two"}, tr.last().sentMessages())
	})

	t.Run("session failure goes to OnError", func(t *testing.T) {
		b, tr, _, log := testConnection(t)
		c, err := b.Build()
		require.NoError(t, err)

		tr.last().open()
		tr.last().sendErr = errors.New("queue full")
		assert.NoError(t, c.Send("x"))

		ev, ok := log.lastOf(EventTypeError)
		require.True(t, ok)
		assert.EqualError(t, ev.Err, "queue full")
	})

	t.Run("rejected after close", func(t *testing.T) {
		b, _, _, _ := testConnection(t)
		c, err := b.Build()
		require.NoError(t, err)

		require.NoError(t, c.Close())
		assert.ErrorIs(t, c.Send("x"), ErrInvalidState)
	})
}

func TestConnectionReconnect(t *testing.T) {
	t.Run("one new attempt after the reconnect interval", func(t *testing.T) {
		b, tr, clock, log := testConnection(t)
		c, err := b.Build()
		require.NoError(t, err)

		tr.last().open()
		tr.last().drop(StatusAbnormalClosure, "network")

		assert.Equal(t, StateConnecting, c.State())
		assert.Equal(t, []EventType{EventTypeConnecting, EventTypeOpen, EventTypeConnecting, EventTypeClose}, log.types())

		closeEv, _ := log.lastOf(EventTypeClose)
		assert.Equal(t, StatusAbnormalClosure, closeEv.Code)
		assert.Equal(t, "network", closeEv.Reason)

		clock.Advance(DefaultReconnectInterval - time.Millisecond)
		settle()
		assert.Equal(t, 1, tr.dials())

		clock.Advance(time.Millisecond)
		waitForDials(t, tr, 2)
		settle()
		assert.Equal(t, 2, tr.dials())
		assert.Equal(t, 2, c.Attempts())

		// The retry is not announced again; CONNECTING was already reported.
		assert.Equal(t, 2, log.count(EventTypeConnecting))

		tr.last().open()
		assert.Equal(t, StateOpen, c.State())

		first, _ := log.lastOf(EventTypeClose)
		second, _ := log.lastOf(EventTypeOpen)
		assert.NotEqual(t, first.AttemptID, second.AttemptID)
	})

	t.Run("callback slots survive reconnects", func(t *testing.T) {
		b, tr, clock, log := testConnection(t)
		_, err := b.Build()
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			tr.last().open()
			tr.last().receive("m")
			tr.last().drop(StatusAbnormalClosure, "")
			clock.Advance(DefaultReconnectInterval)
			waitForDials(t, tr, i+2)
		}

		assert.Equal(t, 3, log.count(EventTypeOpen))
		assert.Equal(t, 3, log.count(EventTypeMessage))
		assert.Equal(t, 3, log.count(EventTypeClose))
	})

	t.Run("runtime reconnect interval applies at the next drop", func(t *testing.T) {
		b, tr, clock, _ := testConnection(t)
		c, err := b.Build()
		require.NoError(t, err)

		c.SetReconnectInterval(5 * time.Second)
		tr.last().open()
		tr.last().drop(StatusAbnormalClosure, "")

		clock.Advance(4 * time.Second)
		settle()
		assert.Equal(t, 1, tr.dials())

		clock.Advance(time.Second)
		waitForDials(t, tr, 2)
	})

	t.Run("dial error is reported and retried", func(t *testing.T) {
		b, tr, clock, log := testConnection(t)
		tr.setDialErr(errors.New("refused"))

		c, err := b.Build()
		require.NoError(t, err)
		assert.Equal(t, StateConnecting, c.State())
		assert.Equal(t, []EventType{EventTypeConnecting, EventTypeError, EventTypeConnecting, EventTypeClose}, log.types())

		clock.Advance(DefaultReconnectInterval)
		waitForDials(t, tr, 2)
		settle()

		// A failing retry announces the next wait but does not report another close.
		assert.Equal(t, []EventType{
			EventTypeConnecting, EventTypeError, EventTypeConnecting, EventTypeClose,
			EventTypeError, EventTypeConnecting,
		}, log.types())

		tr.setDialErr(nil)
		clock.Advance(DefaultReconnectInterval)
		waitForDials(t, tr, 3)
		tr.last().open()
		assert.Equal(t, StateOpen, c.State())
	})
}

func TestConnectionTimeout(t *testing.T) {
	t.Run("attempt that never opens is aborted and retried", func(t *testing.T) {
		b, tr, clock, log := testConnection(t)
		c, err := b.Build()
		require.NoError(t, err)

		first := tr.last()
		clock.Advance(DefaultTimeoutInterval)
		require.Eventually(t, func() bool { return first.closeCount() == 1 }, 2*time.Second, time.Millisecond)

		assert.Equal(t, StateConnecting, c.State())
		assert.Zero(t, log.count(EventTypeClose), "timeouts are not reported by default")
		require.Eventually(t, func() bool { return log.count(EventTypeConnecting) == 2 }, 2*time.Second, time.Millisecond)

		clock.Advance(DefaultReconnectInterval)
		waitForDials(t, tr, 2)

		tr.last().open()
		assert.Equal(t, StateOpen, c.State())
	})

	t.Run("opening stops the watchdog", func(t *testing.T) {
		b, tr, clock, _ := testConnection(t)
		c, err := b.Build()
		require.NoError(t, err)

		tr.last().open()
		clock.Advance(time.Hour)
		settle()

		assert.Equal(t, StateOpen, c.State())
		assert.Equal(t, 0, tr.last().closeCount())
		assert.Equal(t, 1, tr.dials())
	})

	t.Run("disabled timeout waits forever", func(t *testing.T) {
		b, tr, clock, _ := testConnection(t)
		c, err := b.Build()
		require.NoError(t, err)
		c.SetTimeoutInterval(0)
		c.Refresh()

		clock.Advance(DefaultReconnectInterval)
		waitForDials(t, tr, 2)

		clock.Advance(time.Hour)
		settle()
		assert.Equal(t, 2, tr.dials())
		assert.Equal(t, 0, tr.last().closeCount())
	})

	t.Run("late open from a timed out session is ignored", func(t *testing.T) {
		b, tr, clock, log := testConnection(t)
		c, err := b.Build()
		require.NoError(t, err)

		first := tr.last()
		clock.Advance(DefaultTimeoutInterval)
		require.Eventually(t, func() bool { return first.closeCount() == 1 }, 2*time.Second, time.Millisecond)

		first.open()
		first.receive("stale")
		assert.Equal(t, StateConnecting, c.State())
		assert.Zero(t, log.count(EventTypeOpen))
		assert.Zero(t, log.count(EventTypeMessage))
	})
}

func TestConnectionClose(t *testing.T) {
	t.Run("close while open", func(t *testing.T) {
		b, tr, clock, log := testConnection(t)
		c, err := b.Build()
		require.NoError(t, err)

		tr.last().open()
		require.NoError(t, c.Close())

		assert.Equal(t, StateClosed, c.State())
		assert.Equal(t, 1, tr.last().closeCount())
		assert.Equal(t, 1, log.count(EventTypeClose))

		clock.Advance(time.Hour)
		settle()
		assert.Equal(t, 1, tr.dials())
	})

	t.Run("close cancels a pending reconnect", func(t *testing.T) {
		b, tr, clock, log := testConnection(t)
		c, err := b.Build()
		require.NoError(t, err)

		tr.last().open()
		tr.last().drop(StatusAbnormalClosure, "")
		require.NoError(t, c.Close())

		assert.Equal(t, StateClosed, c.State())
		assert.Equal(t, 2, log.count(EventTypeClose))

		for i := 0; i < 10; i++ {
			clock.Advance(DefaultReconnectInterval)
		}
		settle()
		assert.Equal(t, 1, tr.dials())
	})

	t.Run("close while connecting", func(t *testing.T) {
		b, tr, clock, log := testConnection(t)
		c, err := b.Build()
		require.NoError(t, err)

		require.NoError(t, c.Close())
		assert.Equal(t, StateClosed, c.State())
		assert.Equal(t, 1, log.count(EventTypeClose))

		clock.Advance(time.Hour)
		settle()
		assert.Equal(t, 1, tr.dials())
	})

	t.Run("close is idempotent", func(t *testing.T) {
		b, tr, _, log := testConnection(t)
		c, err := b.Build()
		require.NoError(t, err)

		tr.last().open()
		require.NoError(t, c.Close())
		require.NoError(t, c.Close())
		assert.Equal(t, 1, log.count(EventTypeClose))
		assert.Equal(t, 1, tr.last().closeCount())
	})

	t.Run("close from inside a close callback stops reconnecting", func(t *testing.T) {
		b, tr, clock, _ := testConnection(t)
		var c *Connection
		b.WithOnClose(func(ev Event) {
			c.Close()
		})
		c, err := b.build()
		require.NoError(t, err)
		c.start()

		tr.last().open()
		tr.last().drop(StatusAbnormalClosure, "")
		assert.Equal(t, StateClosed, c.State())

		clock.Advance(time.Hour)
		settle()
		assert.Equal(t, 1, tr.dials())
	})
}

func TestConnectionNoReconnect(t *testing.T) {
	b, tr, clock, log := testConnection(t)
	c, err := b.WithReconnect(false).Build()
	require.NoError(t, err)

	tr.last().open()
	tr.last().drop(StatusGoingAway, "server restart")

	assert.Equal(t, StateClosed, c.State())
	ev, ok := log.lastOf(EventTypeClose)
	require.True(t, ok)
	assert.Equal(t, StatusGoingAway, ev.Code)

	clock.Advance(time.Hour)
	settle()
	assert.Equal(t, 1, tr.dials())
	assert.ErrorIs(t, c.Send("x"), ErrInvalidState)
	assert.NoError(t, c.Close())
	assert.Equal(t, 1, log.count(EventTypeClose))
}

func TestConnectionReconnectDisabledWhileWaiting(t *testing.T) {
	b, tr, clock, log := testConnection(t)
	c, err := b.Build()
	require.NoError(t, err)

	tr.last().open()
	tr.last().drop(StatusAbnormalClosure, "network")
	require.Equal(t, StateConnecting, c.State())

	c.SetReconnect(false)
	clock.Advance(DefaultReconnectInterval)

	require.Eventually(t, func() bool { return c.State() == StateClosed }, 2*time.Second, time.Millisecond)
	settle()
	assert.Equal(t, 1, tr.dials())
	assert.Equal(t, 2, log.count(EventTypeClose))

	ev, ok := log.lastOf(EventTypeClose)
	require.True(t, ok)
	assert.Equal(t, StatusNormalClosure, ev.Code)
	assert.Equal(t, "reconnect disabled", ev.Reason)
	assert.ErrorIs(t, c.Send("x"), ErrInvalidState)
}

func TestConnectionRefresh(t *testing.T) {
	b, tr, clock, log := testConnection(t)
	c, err := b.Build()
	require.NoError(t, err)

	first := tr.last()
	first.open()
	c.Refresh()

	assert.Equal(t, StateConnecting, c.State())
	assert.Equal(t, 1, first.closeCount())
	assert.Equal(t, 1, log.count(EventTypeClose))

	closeEv, _ := log.lastOf(EventTypeClose)
	assert.Equal(t, "refresh", closeEv.Reason)

	clock.Advance(DefaultReconnectInterval)
	waitForDials(t, tr, 2)

	// Signals from the refreshed session no longer reach the slots.
	first.receive("late")
	assert.Zero(t, log.count(EventTypeMessage))

	// No active session: nothing to refresh.
	require.NoError(t, c.Close())
	c.Refresh()
	assert.Equal(t, StateClosed, c.State())
}

func TestClosePolicy(t *testing.T) {
	t.Run("always reports timeouts and failed retries", func(t *testing.T) {
		b, tr, clock, log := testConnection(t)
		_, err := b.WithClosePolicy(CloseNotifyAlways).Build()
		require.NoError(t, err)

		clock.Advance(DefaultTimeoutInterval)
		require.Eventually(t, func() bool { return log.count(EventTypeClose) == 1 }, 2*time.Second, time.Millisecond)

		clock.Advance(DefaultReconnectInterval)
		waitForDials(t, tr, 2)
		tr.last().drop(StatusAbnormalClosure, "refused")
		assert.Equal(t, 2, log.count(EventTypeClose))
	})

	t.Run("unexpected suppresses failed retries", func(t *testing.T) {
		b, tr, clock, log := testConnection(t)
		_, err := b.Build()
		require.NoError(t, err)

		tr.last().open()
		tr.last().drop(StatusAbnormalClosure, "")
		assert.Equal(t, 1, log.count(EventTypeClose))

		clock.Advance(DefaultReconnectInterval)
		waitForDials(t, tr, 2)
		tr.last().drop(StatusAbnormalClosure, "refused")
		assert.Equal(t, 1, log.count(EventTypeClose))
	})

	t.Run("notifyDrop", func(t *testing.T) {
		tests := []struct {
			name    string
			policy  ClosePolicy
			attempt attempt
			want    bool
		}{
			{"initial never opened", CloseNotifyUnexpected, attempt{}, true},
			{"opened", CloseNotifyUnexpected, attempt{opened: true}, true},
			{"retry opened", CloseNotifyUnexpected, attempt{retry: true, opened: true}, true},
			{"retry never opened", CloseNotifyUnexpected, attempt{retry: true}, false},
			{"timed out", CloseNotifyUnexpected, attempt{timedOut: true}, false},
			{"always timed out", CloseNotifyAlways, attempt{timedOut: true}, true},
			{"always retry", CloseNotifyAlways, attempt{retry: true}, true},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				a := tt.attempt
				assert.Equal(t, tt.want, tt.policy.notifyDrop(&a))
			})
		}
	})

	t.Run("String", func(t *testing.T) {
		assert.Equal(t, "unexpected", CloseNotifyUnexpected.String())
		assert.Equal(t, "always", CloseNotifyAlways.String())
	})
}

func TestConnectionCallbacks(t *testing.T) {
	t.Run("panicking callback does not break the connection", func(t *testing.T) {
		b, tr, _, log := testConnection(t)
		b.WithOnOpen(func(Event) { panic("boom") })
		c, err := b.Build()
		require.NoError(t, err)

		tr.last().open()
		tr.last().receive("after")

		assert.Equal(t, StateOpen, c.State())
		assert.Equal(t, 1, log.count(EventTypeMessage))
	})

	t.Run("send from open callback", func(t *testing.T) {
		b, tr, _, _ := testConnection(t)
		var c *Connection
		b.WithOnOpen(func(Event) {
			assert.NoError(t, c.Send("hello"))
		})
		c, err := b.build()
		require.NoError(t, err)
		c.start()

		tr.last().open()
		assert.Equal(t, []string{"hello"}, tr.last().sentMessages())
	})

	t.Run("callbacks queued during a callback run after it", func(t *testing.T) {
		b, tr, _, _ := testConnection(t)
		var order []string
		var c *Connection
		b.WithOnOpen(func(Event) {
			order = append(order, "open:start")
			c.Refresh()
			order = append(order, "open:end")
		})
		b.WithOnClose(func(Event) { order = append(order, "close") })
		c, err := b.build()
		require.NoError(t, err)
		c.start()

		tr.last().open()
		assert.Equal(t, []string{"open:start", "open:end", "close"}, order)
	})

	t.Run("replaced slot receives later events", func(t *testing.T) {
		b, tr, _, log := testConnection(t)
		c, err := b.Build()
		require.NoError(t, err)

		var got []string
		c.SetOnMessage(func(ev Event) { got = append(got, ev.Data) })
		tr.last().open()
		tr.last().receive("x")

		assert.Equal(t, []string{"x"}, got)
		assert.Zero(t, log.count(EventTypeMessage))
	})

	t.Run("runtime setters", func(t *testing.T) {
		b, _, _, _ := testConnection(t)
		c, err := b.Build()
		require.NoError(t, err)

		c.SetReconnect(false)
		assert.False(t, c.Reconnect())
		c.SetReconnectInterval(-time.Second)
		assert.Equal(t, time.Duration(0), c.ReconnectInterval())
		c.SetTimeoutInterval(3 * time.Second)
		assert.Equal(t, 3*time.Second, c.TimeoutInterval())
		c.SetDebug(true)
		assert.True(t, c.Debug())
	})
}

func TestReadyStateString(t *testing.T) {
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "CLOSING", StateClosing.String())
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "ReadyState(9)", ReadyState(9).String())
}
