package carenest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestSSEFrame(t *testing.T) {
	var f sseFrame
	lines := []string{
		": heartbeat",
		"event: notification.created",
		`data: {"id":"n1",`,
		`data: "title":"Hi"}`,
		"",
		"",
		"data: plain",
		"",
	}
	type got struct{ event, data string }
	var out []got
	for _, l := range lines {
		if ev, data, ok := f.feed(l); ok {
			out = append(out, got{ev, string(data)})
		}
	}
	require.Equal(t, []got{
		{"notification.created", "{\"id\":\"n1\",\n\"title\":\"Hi\"}"},
		{"", "plain"},
	}, out)
}

type streamEvent struct {
	event string
	id    string
}

func TestEventStream(t *testing.T) {
	var (
		mu    sync.Mutex
		conns int
		query string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		conns++
		n := conns
		query = r.URL.RawQuery
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, ": hello\n\n")
		fmt.Fprintf(w, "event: notification.created\ndata: {\"id\":\"n%d\"}\n\n", n)
		fmt.Fprintf(w, "data: {\"type\":\"notification.updated\",\"payload\":{\"id\":\"u%d\"}}\n\n", n)
		fmt.Fprintf(w, "data: not json\n\n")
		flusher.Flush()
		if n == 1 {
			// drop the first connection to force a reconnect
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	s := NewEventStream(srv.URL, "tok", nil, &RealtimeConfig{ReconnectBaseDelay: 10 * time.Millisecond})
	events := make(chan streamEvent, 16)
	cancel, err := s.Subscribe(context.Background(), "user:u1", func(event string, data json.RawMessage) {
		var n Notification
		if json.Unmarshal(data, &n) == nil {
			events <- streamEvent{event, n.ID}
		}
	})
	require.NoError(t, err)

	var got []streamEvent
	for len(got) < 4 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	cancel()

	require.Equal(t, []streamEvent{
		{StreamNotificationCreated, "n1"},
		{StreamNotificationUpdated, "u1"},
		{StreamNotificationCreated, "n2"},
		{StreamNotificationUpdated, "u2"},
	}, got)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, query, "topic=user%3Au1")
	require.Contains(t, query, "token=tok")
}

func TestEventStreamGivesUp(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewEventStream(srv.URL, "", nil, &RealtimeConfig{
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   time.Millisecond,
	})
	cancel, err := s.Subscribe(context.Background(), "user:u1", func(string, json.RawMessage) {})
	require.NoError(t, err)
	defer cancel()

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 3
	})
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 3, calls)
	mu.Unlock()

	_, err = s.Subscribe(context.Background(), "", func(string, json.RawMessage) {})
	require.Error(t, err)
}
