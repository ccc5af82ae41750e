package carenest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestToasts(t *testing.T, max int) (*ToastQueue, *fakeTimers) {
	t.Helper()
	q := NewToastQueue(max, 5*time.Second)
	timers := &fakeTimers{}
	q.afterFunc = timers.afterFunc
	t.Cleanup(q.Close)
	return q, timers
}

func toastIDs(q *ToastQueue) []string {
	var ids []string
	for _, t := range q.Active() {
		ids = append(ids, t.ID)
	}
	return ids
}

func TestToastQueue(t *testing.T) {
	t.Run("oldest is evicted beyond max", func(t *testing.T) {
		q, _ := newTestToasts(t, 3)
		for _, id := range []string{"n1", "n2", "n3", "n4"} {
			q.Show(&Notification{ID: id})
		}
		require.Equal(t, []string{"n2", "n3", "n4"}, toastIDs(q))
	})

	t.Run("same notification shows once", func(t *testing.T) {
		q, timers := newTestToasts(t, 3)
		q.Show(&Notification{ID: "n1"})
		q.Show(&Notification{ID: "n1"})
		require.Equal(t, []string{"n1"}, toastIDs(q))
		require.Equal(t, 1, timers.count())
	})

	t.Run("auto dismiss after duration", func(t *testing.T) {
		q, timers := newTestToasts(t, 3)
		changes := 0
		q.OnChange(func() { changes++ })
		q.Show(&Notification{ID: "n1"})
		require.Equal(t, 5*time.Second, timers.delays()[0])

		timers.fire(0)
		require.Empty(t, q.Active())
		require.Equal(t, 2, changes)
	})

	t.Run("hover pauses and leave restarts", func(t *testing.T) {
		q, timers := newTestToasts(t, 3)
		q.Show(&Notification{ID: "n1"})
		q.Hover("n1")
		require.True(t, q.Active()[0].Hovered)

		timers.fire(0)
		require.Equal(t, []string{"n1"}, toastIDs(q))

		q.Leave("n1")
		require.Equal(t, 2, timers.count())
		require.Equal(t, 5*time.Second, timers.delays()[1])
		timers.fire(0)
		require.Equal(t, []string{"n1"}, toastIDs(q), "stale timer must not dismiss")

		timers.fire(1)
		require.Empty(t, q.Active())
	})

	t.Run("manual dismiss", func(t *testing.T) {
		q, _ := newTestToasts(t, 3)
		q.Show(&Notification{ID: "n1"})
		q.Show(&Notification{ID: "n2"})
		require.True(t, q.Dismiss("n1"))
		require.False(t, q.Dismiss("n1"))
		require.Equal(t, []string{"n2"}, toastIDs(q))
	})

	t.Run("dismiss where", func(t *testing.T) {
		q, _ := newTestToasts(t, 3)
		q.Show(&Notification{ID: "n1", Type: NotificationMessage})
		q.Show(&Notification{ID: "n2", Type: NotificationSystem})
		q.Show(&Notification{ID: "n3", Type: NotificationMessage})
		n := q.DismissWhere(func(n *Notification) bool { return n.Type == NotificationMessage })
		require.Equal(t, 2, n)
		require.Equal(t, []string{"n2"}, toastIDs(q))
	})

	t.Run("closed queue ignores shows", func(t *testing.T) {
		q, _ := newTestToasts(t, 3)
		q.Close()
		q.Show(&Notification{ID: "n1"})
		require.Empty(t, q.Active())
	})
}
