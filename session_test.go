package carenest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewSessionRequiresIdentity(t *testing.T) {
	_, err := NewSession(SessionConfig{}, nil)
	require.Error(t, err)
}

func TestSession(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/notifications":
			w.Write([]byte(`{"ok":true,"data":[{"id":"n1","type":"TOUR_REMINDER","title":"Tour tomorrow","timestamp":"2026-01-01T00:00:00Z"}]}`))
		case "/api/users/alice/preferences/notifications":
			w.Write([]byte(`{"ok":true,"data":{"mutedThreads":[]}}`))
		default:
			w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer api.Close()

	d := &fakeDialer{}
	stream := &fakeStream{}
	s, err := NewSession(SessionConfig{
		Identity: alice,
		BaseURL:  api.URL,
		Token:    "tok",
		Dialer:   d,
		Stream:   stream,
		Uploader: &fakeUploader{},
		Messages: &MessageOptions{AckTimeout: time.Minute},
	}, nil)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	eventually(t, func() bool { return s.Connection().State() == StateConnected })
	eventually(t, func() bool { return s.Offline().IsOnline() })

	require.Len(t, s.Notifications().Notifications(), 1)
	require.Equal(t, "user:alice", stream.topic)

	msg, err := s.SendMessage(ctx, "c1", "hello", nil, "")
	require.NoError(t, err)
	conn := d.last()
	eventually(t, func() bool { return len(conn.commands()) == 1 })
	conn.push(t, EventMessageAck, MessageStatusPayload{ConversationID: "c1", MessageID: msg.ID})
	eventually(t, func() bool { return messageStatus(s.Messages(), "c1", msg.ID) == StatusSent })

	require.NoError(t, s.AddReaction(ctx, "c1", msg.ID, "👍"))
	m, _ := s.Messages().Message("c1", msg.ID)
	require.Equal(t, "Alice", m.Reactions[0].UserName)

	s.StartTyping("c1")
	require.True(t, s.Presence().IsTyping("c1", "alice"))
	s.StopTyping("c1")
	require.False(t, s.Presence().IsTyping("c1", "alice"))

	res, err := s.SubmitForm(ctx, "/api/inquiries", "POST", map[string]string{"facilityId": "f1"})
	require.NoError(t, err)
	require.False(t, res.Queued)

	require.NoError(t, s.MarkAllRead(ctx))
	require.Zero(t, s.Notifications().UnreadCount())

	s.Close()
	s.Close()
	require.Equal(t, StateDisconnected, s.Connection().State())
	_, err = s.SendMessage(ctx, "c1", "late", nil, "")
	require.ErrorIs(t, err, ErrSessionClosed)
	require.ErrorIs(t, s.Start(ctx), ErrSessionClosed)
}
