package carenest

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, d *fakeDialer, cfg *RealtimeConfig) (*ConnectionManager, *fakeTimers) {
	t.Helper()
	cm := NewConnectionManager(d, cfg)
	timers := &fakeTimers{}
	cm.afterFunc = timers.afterFunc
	t.Cleanup(cm.Close)
	return cm, timers
}

func TestReconnectDelay(t *testing.T) {
	cfg := RealtimeConfig{}
	cfg.defaults()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, cfg.ReconnectDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestConnectionManagerConnect(t *testing.T) {
	t.Run("reaches CONNECTED in order", func(t *testing.T) {
		d := &fakeDialer{}
		cm, _ := newTestManager(t, d, nil)
		rec := recordStates(cm)

		require.Equal(t, StateDisconnected, cm.State())
		cm.Connect()
		eventually(t, func() bool { return len(rec.states()) == 2 })
		require.Equal(t, []ConnectionState{StateConnecting, StateConnected}, rec.states())
		require.Equal(t, StateConnected, cm.State())
		require.Equal(t, StateDisconnected, rec.all()[0].From)
	})

	t.Run("connect while connected is a no-op", func(t *testing.T) {
		d := &fakeDialer{}
		cm, _ := newTestManager(t, d, nil)
		cm.Connect()
		eventually(t, func() bool { return cm.State() == StateConnected })

		cm.Connect()
		cm.Connect()
		require.Equal(t, 1, d.dialCount())
	})

	t.Run("events reach handlers in order", func(t *testing.T) {
		d := &fakeDialer{}
		cm, _ := newTestManager(t, d, nil)
		got := make(chan string, 4)
		cm.On(EventPresence, func(raw json.RawMessage) {
			var p PresenceChangedPayload
			if json.Unmarshal(raw, &p) == nil {
				got <- p.UserID
			}
		})
		cm.Connect()
		eventually(t, func() bool { return cm.State() == StateConnected })

		conn := d.last()
		conn.push(t, EventPresence, PresenceChangedPayload{UserID: "a", Online: true})
		conn.push(t, "unknown.event", map[string]string{})
		conn.push(t, EventPresence, PresenceChangedPayload{UserID: "b", Online: true})
		require.Equal(t, "a", <-got)
		require.Equal(t, "b", <-got)
	})
}

func TestConnectionManagerReconnect(t *testing.T) {
	t.Run("lost connection schedules a retry", func(t *testing.T) {
		d := &fakeDialer{}
		cm, timers := newTestManager(t, d, &RealtimeConfig{ReconnectBaseDelay: 10 * time.Millisecond})
		rec := recordStates(cm)
		cm.Connect()
		eventually(t, func() bool { return cm.State() == StateConnected })

		d.last().Close("server went away")
		eventually(t, func() bool { return cm.State() == StateReconnecting })
		require.Equal(t, 1, timers.count())
		require.Equal(t, []time.Duration{10 * time.Millisecond}, timers.delays())
		require.Equal(t, 1, cm.Attempt())

		timers.fire(0)
		eventually(t, func() bool { return cm.State() == StateConnected })
		require.Equal(t, 0, cm.Attempt())
		require.Equal(t, 2, d.dialCount())

		eventually(t, func() bool { return len(rec.states()) == 6 })
		require.Equal(t, []ConnectionState{
			StateConnecting, StateConnected,
			StateDisconnected, StateReconnecting,
			StateConnecting, StateConnected,
		}, rec.states())
	})

	t.Run("gives up after max attempts with doubling delays", func(t *testing.T) {
		d := &fakeDialer{failAll: true}
		cm, timers := newTestManager(t, d, &RealtimeConfig{
			MaxReconnectAttempts: 3,
			ReconnectBaseDelay:   10 * time.Millisecond,
		})
		cm.Connect()

		for i := 0; i < 3; i++ {
			eventually(t, func() bool { return timers.count() == i+1 })
			timers.fire(i)
		}
		eventually(t, func() bool { return d.dialCount() == 4 && cm.State() == StateDisconnected })

		time.Sleep(20 * time.Millisecond)
		require.Equal(t, 3, timers.count())
		require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, timers.delays())
		require.Equal(t, StateDisconnected, cm.State())
	})

	t.Run("manual reconnect resets the budget", func(t *testing.T) {
		d := &fakeDialer{failAll: true}
		cm, timers := newTestManager(t, d, &RealtimeConfig{MaxReconnectAttempts: 1})
		cm.Connect()
		eventually(t, func() bool { return timers.count() == 1 })
		timers.fire(0)
		eventually(t, func() bool { return d.dialCount() == 2 && cm.State() == StateDisconnected })

		d.setFailAll(false)
		cm.Reconnect()
		eventually(t, func() bool { return cm.State() == StateConnected })
		require.Equal(t, 0, cm.Attempt())
	})

	t.Run("stale retry after disconnect does nothing", func(t *testing.T) {
		d := &fakeDialer{failNext: 1}
		cm, timers := newTestManager(t, d, nil)
		cm.Connect()
		eventually(t, func() bool { return timers.count() == 1 })

		cm.Disconnect()
		timers.fire(0)
		require.Equal(t, StateDisconnected, cm.State())
		require.Equal(t, 1, d.dialCount())
	})
}

func TestConnectionManagerDisconnect(t *testing.T) {
	d := &fakeDialer{}
	cm, timers := newTestManager(t, d, nil)
	cm.Connect()
	eventually(t, func() bool { return cm.State() == StateConnected })
	conn := d.last()

	cm.Disconnect()
	require.Equal(t, StateDisconnected, cm.State())
	eventually(t, func() bool {
		select {
		case <-conn.done:
			return true
		default:
			return false
		}
	})
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, timers.count())
}

func TestConnectionManagerSend(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		cm, _ := newTestManager(t, &fakeDialer{}, nil)
		err := cm.Send(context.Background(), &Command{Type: CmdTypingStart})
		require.ErrorIs(t, err, ErrNotConnected)

		var nce *NotConnectedError
		require.True(t, errors.As(err, &nce))
		require.Equal(t, StateDisconnected, nce.State)
	})

	t.Run("writes the command", func(t *testing.T) {
		d := &fakeDialer{}
		cm, _ := newTestManager(t, d, nil)
		cm.Connect()
		eventually(t, func() bool { return cm.State() == StateConnected })

		err := cm.Send(context.Background(), &Command{
			Type:      CmdMessageDelete,
			Payload:   messageRef{ConversationID: "c1", MessageID: "m1"},
			RequestID: "r1",
		})
		require.NoError(t, err)
		cmds := d.last().commands()
		require.Len(t, cmds, 1)
		require.Equal(t, CmdMessageDelete, cmds[0].Type)
		require.Equal(t, "r1", cmds[0].RequestID)
		require.JSONEq(t, `{"conversationId":"c1","messageId":"m1"}`, string(cmds[0].Payload))
	})
}
