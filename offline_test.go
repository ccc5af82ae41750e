package carenest

import (
	"context"
	"errors"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

type submission struct {
	Method   string
	Endpoint string
	Payload  string
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []submission
	// failFor makes the next n submissions to an endpoint fail.
	failFor map[string]int
	down    bool
}

func (s *fakeSubmitter) Submit(_ context.Context, method, endpoint string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, submission{method, endpoint, string(payload)})
	if s.down {
		return errors.New("network unreachable")
	}
	if s.failFor[endpoint] > 0 {
		s.failFor[endpoint]--
		return errors.New("503 service unavailable")
	}
	return nil
}

func (s *fakeSubmitter) count(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Endpoint == endpoint {
			n++
		}
	}
	return n
}

func (s *fakeSubmitter) setDown(v bool) {
	s.mu.Lock()
	s.down = v
	s.mu.Unlock()
}

func pendingTotal(t *testing.T, q OfflineQueue) int {
	t.Helper()
	counts, err := q.Count(context.Background())
	require.NoError(t, err)
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}

func TestSubmitForm(t *testing.T) {
	t.Run("online submits directly", func(t *testing.T) {
		sub := &fakeSubmitter{}
		q := NewMemoryQueue()
		m := NewOfflineManager(q, sub, &OfflineOptions{Online: true})
		defer m.Close()

		res, err := m.SubmitForm(context.Background(), "/api/inquiries", "POST", map[string]string{"facility": "f1"})
		require.NoError(t, err)
		require.False(t, res.Queued)
		require.Equal(t, 1, sub.count("/api/inquiries"))
		require.Zero(t, pendingTotal(t, q))
	})

	t.Run("failed direct submit is queued", func(t *testing.T) {
		sub := &fakeSubmitter{down: true}
		q := NewMemoryQueue()
		m := NewOfflineManager(q, sub, &OfflineOptions{Online: true})
		defer m.Close()

		res, err := m.SubmitForm(context.Background(), "/api/profile", "PATCH", map[string]string{"name": "Ana"})
		require.NoError(t, err)
		require.True(t, res.Queued)
		require.NotEmpty(t, res.EntryID)
		require.Equal(t, 1, pendingTotal(t, q))
	})

	t.Run("unmarshalable data", func(t *testing.T) {
		m := NewOfflineManager(NewMemoryQueue(), &fakeSubmitter{}, nil)
		defer m.Close()
		_, err := m.SubmitForm(context.Background(), "/api/inquiries", "POST", make(chan int))
		require.Error(t, err)
	})
}

func TestOfflineRoundTrip(t *testing.T) {
	sub := &fakeSubmitter{}
	q, err := OpenMemPebbleQueue()
	require.NoError(t, err)
	defer q.Close()
	m := NewOfflineManager(q, sub, nil)
	defer m.Close()

	var (
		mu     sync.Mutex
		events []string
	)
	for _, ev := range []string{OfflineEventOnline, OfflineEventQueued, OfflineEventReplayed} {
		m.On(ev, func(event string, _ any) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		})
	}

	res, err := m.SubmitForm(context.Background(), "/api/inquiries", "POST", map[string]any{"facilityId": "f1", "message": "Do you have respite beds?"})
	require.NoError(t, err)
	require.True(t, res.Queued)
	require.Zero(t, sub.count("/api/inquiries"))

	sizes, err := m.QueueSize(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sizes[CategoryInquiries])

	m.SetOnline(true)
	m.Wait()

	require.Equal(t, 1, sub.count("/api/inquiries"))
	require.JSONEq(t, `{"facilityId":"f1","message":"Do you have respite beds?"}`, sub.calls[0].Payload)
	require.Zero(t, pendingTotal(t, q))

	mu.Lock()
	require.Equal(t, []string{OfflineEventQueued, OfflineEventOnline, OfflineEventReplayed}, events)
	mu.Unlock()

	m.SetOnline(false)
	m.SetOnline(true)
	m.Wait()
	require.Equal(t, 1, sub.count("/api/inquiries"), "replayed entries are not resubmitted")
}

func TestReplayAtLeastOnce(t *testing.T) {
	sub := &fakeSubmitter{failFor: map[string]int{"/api/inquiries/2": 1}}
	q := NewMemoryQueue()
	ctx := context.Background()
	for _, ep := range []string{"/api/inquiries/1", "/api/inquiries/2", "/api/inquiries/3", "/api/messages", "/api/tours"} {
		require.NoError(t, q.Enqueue(ctx, NewQueueEntry(ep, "POST", json.RawMessage(`{}`))))
	}
	r := NewSyncReplayer(q, sub, nil, NewMetrics(nil))

	sum, ran := r.Replay(ctx)
	require.True(t, ran)
	require.Equal(t, 4, sum.Replayed)
	require.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Errors, 1)
	require.Equal(t, CategoryInquiries, sum.Errors[0].Category)
	require.Equal(t, 1, sub.count("/api/inquiries/3"), "replay continues past a failure")
	require.Equal(t, 1, pendingTotal(t, q))

	sum, ran = r.Replay(ctx)
	require.True(t, ran)
	require.Equal(t, 1, sum.Replayed)
	require.Zero(t, sum.Failed)
	require.Zero(t, pendingTotal(t, q))

	for _, ep := range []string{"/api/inquiries/1", "/api/inquiries/3", "/api/messages", "/api/tours"} {
		require.Equal(t, 1, sub.count(ep), ep)
	}
	require.Equal(t, 2, sub.count("/api/inquiries/2"))
}

type blockingSubmitter struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingSubmitter) Submit(context.Context, string, string, json.RawMessage) error {
	b.started <- struct{}{}
	<-b.release
	return nil
}

func TestReplaySingleFlight(t *testing.T) {
	q := NewMemoryQueue()
	require.NoError(t, q.Enqueue(context.Background(), NewQueueEntry("/api/inquiries", "POST", nil)))
	sub := &blockingSubmitter{started: make(chan struct{}, 1), release: make(chan struct{})}
	r := NewSyncReplayer(q, sub, nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Replay(context.Background())
	}()
	<-sub.started

	sum, ran := r.Replay(context.Background())
	require.False(t, ran)
	require.Nil(t, sum)

	close(sub.release)
	<-done
	require.Zero(t, pendingTotal(t, q))
}

// gatedSubmitter blocks the first submission to gate until release is closed.
type gatedSubmitter struct {
	fakeSubmitter
	gate    string
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (s *gatedSubmitter) Submit(ctx context.Context, method, endpoint string, payload json.RawMessage) error {
	if endpoint == s.gate {
		s.once.Do(func() {
			s.started <- struct{}{}
			<-s.release
		})
	}
	return s.fakeSubmitter.Submit(ctx, method, endpoint, payload)
}

func TestReplayRerunsWhenOnlineDuringReplay(t *testing.T) {
	sub := &gatedSubmitter{
		gate:    "/api/inquiries",
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	q := NewMemoryQueue()
	m := NewOfflineManager(q, sub, nil)
	defer m.Close()
	ctx := context.Background()

	res, err := m.SubmitForm(ctx, "/api/inquiries", "POST", map[string]string{"facilityId": "f1"})
	require.NoError(t, err)
	require.True(t, res.Queued)

	m.SetOnline(true)
	<-sub.started

	m.SetOnline(false)
	res, err = m.SubmitForm(ctx, "/api/profile", "PATCH", map[string]string{"name": "Ana"})
	require.NoError(t, err)
	require.True(t, res.Queued)
	m.SetOnline(true)

	close(sub.release)
	m.Wait()

	require.True(t, m.IsOnline())
	require.Equal(t, 1, sub.count("/api/inquiries"))
	require.Equal(t, 1, sub.count("/api/profile"))
	require.Zero(t, pendingTotal(t, q))
}

func TestOfflineManagerBind(t *testing.T) {
	d := &fakeDialer{}
	cm, _ := newTestManager(t, d, nil)
	sub := &fakeSubmitter{}
	q := NewMemoryQueue()
	m := NewOfflineManager(q, sub, nil)
	defer m.Close()
	m.Bind(cm)

	_, err := m.SubmitForm(context.Background(), "/api/inquiries", "POST", map[string]string{"a": "b"})
	require.NoError(t, err)

	cm.Connect()
	eventually(t, func() bool { return m.IsOnline() })
	m.Wait()
	require.Equal(t, 1, sub.count("/api/inquiries"))

	d.last().Close("gone")
	eventually(t, func() bool { return !m.IsOnline() })
}
