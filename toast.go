package carenest

import (
	"sync"
	"time"
)

// Toast is a transient on-screen notification.
type Toast struct {
	ID           string
	Notification *Notification
	ShownAt      time.Time
	Hovered      bool
}

type toastEntry struct {
	toast Toast
	timer *time.Timer
	gen   uint64
}

// ToastQueue holds the active toasts. At most max toasts are active; the
// oldest is evicted to make room. Each toast dismisses itself after the
// configured duration unless it is hovered.
type ToastQueue struct {
	max      int
	duration time.Duration

	mu        sync.Mutex
	active    []*toastEntry
	closed    bool
	onChange  func()
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewToastQueue creates a queue. max defaults to 3 and duration to 5s.
func NewToastQueue(max int, duration time.Duration) *ToastQueue {
	if max <= 0 {
		max = 3
	}
	if duration <= 0 {
		duration = 5 * time.Second
	}
	return &ToastQueue{max: max, duration: duration, afterFunc: time.AfterFunc}
}

// OnChange sets the callback fired after the active set changed.
func (q *ToastQueue) OnChange(fn func()) {
	q.mu.Lock()
	q.onChange = fn
	q.mu.Unlock()
}

// Show activates a toast for n. A toast already showing n is left alone.
func (q *ToastQueue) Show(n *Notification) {
	q.mu.Lock()
	if q.closed || q.indexLocked(n.ID) >= 0 {
		q.mu.Unlock()
		return
	}
	for len(q.active) >= q.max {
		q.removeLocked(0)
	}
	e := &toastEntry{toast: Toast{ID: n.ID, Notification: n.clone(), ShownAt: time.Now()}}
	q.active = append(q.active, e)
	q.armLocked(e)
	q.mu.Unlock()
	q.changed()
}

// Hover pauses the dismiss timer of a toast.
func (q *ToastQueue) Hover(id string) {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 || q.active[i].toast.Hovered {
		q.mu.Unlock()
		return
	}
	e := q.active[i]
	e.toast.Hovered = true
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	q.mu.Unlock()
}

// Leave restarts the dismiss timer of a hovered toast from the full duration.
func (q *ToastQueue) Leave(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 || !q.active[i].toast.Hovered {
		return
	}
	q.active[i].toast.Hovered = false
	q.armLocked(q.active[i])
}

// Dismiss removes a toast. It reports whether the toast was active.
func (q *ToastQueue) Dismiss(id string) bool {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i >= 0 {
		q.removeLocked(i)
	}
	q.mu.Unlock()
	if i >= 0 {
		q.changed()
	}
	return i >= 0
}

// DismissWhere removes every toast whose notification matches.
func (q *ToastQueue) DismissWhere(match func(*Notification) bool) int {
	q.mu.Lock()
	n := 0
	for i := len(q.active) - 1; i >= 0; i-- {
		if match(q.active[i].toast.Notification) {
			q.removeLocked(i)
			n++
		}
	}
	q.mu.Unlock()
	if n > 0 {
		q.changed()
	}
	return n
}

// Active returns the active toasts, oldest first.
func (q *ToastQueue) Active() []Toast {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Toast, len(q.active))
	for i, e := range q.active {
		out[i] = e.toast
		out[i].Notification = e.toast.Notification.clone()
	}
	return out
}

// Close stops all timers and drops the active toasts.
func (q *ToastQueue) Close() {
	q.mu.Lock()
	for len(q.active) > 0 {
		q.removeLocked(0)
	}
	q.closed = true
	q.mu.Unlock()
}

func (q *ToastQueue) armLocked(e *toastEntry) {
	e.gen++
	gen := e.gen
	id := e.toast.ID
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = q.afterFunc(q.duration, func() {
		q.mu.Lock()
		i := q.indexLocked(id)
		if i < 0 || q.active[i].gen != gen || q.active[i].toast.Hovered {
			q.mu.Unlock()
			return
		}
		q.removeLocked(i)
		q.mu.Unlock()
		q.changed()
	})
}

func (q *ToastQueue) removeLocked(i int) {
	if t := q.active[i].timer; t != nil {
		t.Stop()
	}
	q.active = append(q.active[:i], q.active[i+1:]...)
}

func (q *ToastQueue) indexLocked(id string) int {
	for i, e := range q.active {
		if e.toast.ID == id {
			return i
		}
	}
	return -1
}

func (q *ToastQueue) changed() {
	q.mu.Lock()
	fn := q.onChange
	q.mu.Unlock()
	if fn != nil {
		fn()
	}
}
