package carenest

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ============================================================================
// Collaborators
// ============================================================================

// NotificationSource is the platform notification endpoint.
type NotificationSource interface {
	Fetch(ctx context.Context) ([]*Notification, error)
	MarkRead(ctx context.Context, ids []string) error
	MarkAllRead(ctx context.Context) error
}

// PreferenceStore loads and persists the user's Preferences record.
type PreferenceStore interface {
	Load(ctx context.Context, userID string) (*Preferences, error)
	Update(ctx context.Context, userID string, patch PreferencePatch) (*Preferences, error)
}

// StreamHandler receives one server-sent event.
type StreamHandler func(event string, data json.RawMessage)

// NotificationStream delivers server-pushed events for a topic until the
// returned cancel func is called.
type NotificationStream interface {
	Subscribe(ctx context.Context, topic string, h StreamHandler) (cancel func(), err error)
}

// Stream event names.
const (
	StreamNotificationCreated = "notification.created"
	StreamNotificationUpdated = "notification.updated"
)

// Toast channels. A notification's channel is derived from its type, or is
// ChannelMentions when its metadata carries mention=true.
const (
	ChannelMessages  = "messages"
	ChannelInquiries = "inquiries"
	ChannelTours     = "tours"
	ChannelDocuments = "documents"
	ChannelStatus    = "status"
	ChannelSystem    = "system"
	ChannelMentions  = "mentions"
)

var typeChannels = map[NotificationType]string{
	NotificationMessage:        ChannelMessages,
	NotificationInquiryUpdate:  ChannelInquiries,
	NotificationTourReminder:   ChannelTours,
	NotificationDocumentShared: ChannelDocuments,
	NotificationStatusChange:   ChannelStatus,
	NotificationSystem:         ChannelSystem,
}

// ToastChannel returns the preference channel that gates n's toast.
func ToastChannel(n *Notification) string {
	if mention, _ := n.Metadata["mention"].(bool); mention {
		return ChannelMentions
	}
	if c, ok := typeChannels[n.Type]; ok {
		return c
	}
	return ChannelSystem
}

// NotificationTopic is the stream topic carrying a user's notifications.
func NotificationTopic(userID string) string { return "user:" + userID }

// ============================================================================
// NotificationDispatcher
// ============================================================================

// NotificationOptions configures a NotificationDispatcher.
type NotificationOptions struct {
	MaxToasts     int
	ToastDuration time.Duration
	Logger        *slog.Logger
	Metrics       *Metrics
}

// NotificationDispatcher holds the user's notifications, newest first, and
// decides which of them become toasts.
type NotificationDispatcher struct {
	userID  string
	source  NotificationSource
	store   PreferenceStore
	stream  NotificationStream
	toasts  *ToastQueue
	log     *slog.Logger
	metrics *Metrics

	// persistMu orders muted-set writes to the store.
	persistMu sync.Mutex

	mu          sync.RWMutex
	items       []*Notification
	prefs       *Preferences
	unsubscribe func()
	onChange    []func()
	onWarning   []func(error)
}

// NewNotificationDispatcher creates a dispatcher. Any collaborator may be
// nil; the matching feature is then skipped.
func NewNotificationDispatcher(userID string, source NotificationSource, store PreferenceStore, stream NotificationStream, opts *NotificationOptions) *NotificationDispatcher {
	var o NotificationOptions
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	d := &NotificationDispatcher{
		userID:  userID,
		source:  source,
		store:   store,
		stream:  stream,
		toasts:  NewToastQueue(o.MaxToasts, o.ToastDuration),
		log:     o.Logger.With("component", "notifications"),
		metrics: o.Metrics,
		prefs:   &Preferences{UserID: userID, Toasts: map[string]bool{}},
	}
	d.toasts.OnChange(d.notify)
	return d
}

// ToastQueue returns the dispatcher's toast queue.
func (d *NotificationDispatcher) ToastQueue() *ToastQueue { return d.toasts }

// OnChange registers a callback fired after the list, toasts or
// preferences changed.
func (d *NotificationDispatcher) OnChange(fn func()) {
	d.mu.Lock()
	d.onChange = append(d.onChange, fn)
	d.mu.Unlock()
}

// OnWarning registers a callback for recoverable failures such as a rolled
// back preference update.
func (d *NotificationDispatcher) OnWarning(fn func(error)) {
	d.mu.Lock()
	d.onWarning = append(d.onWarning, fn)
	d.mu.Unlock()
}

// Start loads preferences, ingests the bulk list and subscribes to the
// user's stream topic. Load and fetch failures are reported as warnings;
// only a failed subscription is returned.
func (d *NotificationDispatcher) Start(ctx context.Context) error {
	if d.store != nil {
		prefs, err := d.store.Load(ctx, d.userID)
		if err != nil {
			d.log.Warn("preferences_load_failed", "error", err)
			d.warn(err)
		} else if prefs != nil {
			p := prefs.clone()
			if p.UserID == "" {
				p.UserID = d.userID
			}
			for i, k := range p.MutedThreads {
				p.MutedThreads[i] = NormalizeThreadKey(k)
			}
			d.mu.Lock()
			d.prefs = p
			d.mu.Unlock()
		}
	}

	if d.source != nil {
		list, err := d.source.Fetch(ctx)
		if err != nil {
			d.log.Warn("notifications_fetch_failed", "error", err)
			d.warn(err)
		}
		for _, n := range list {
			d.ingest(n, false)
		}
	}

	if d.stream == nil {
		return nil
	}
	cancel, err := d.stream.Subscribe(ctx, NotificationTopic(d.userID), d.handleStream)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.unsubscribe = cancel
	d.mu.Unlock()
	return nil
}

// Close unsubscribes from the stream and clears toasts.
func (d *NotificationDispatcher) Close() {
	d.mu.Lock()
	cancel := d.unsubscribe
	d.unsubscribe = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.toasts.Close()
}

func (d *NotificationDispatcher) handleStream(event string, data json.RawMessage) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		d.log.Debug("bad_notification_event", "event", event, "error", err)
		return
	}
	switch event {
	case StreamNotificationCreated:
		d.Ingest(&n)
	case StreamNotificationUpdated:
		d.Update(&n)
	}
}

// ── Ingestion ────────────────────────────────────────────

// Ingest adds a pushed notification and toasts it when its channel allows.
// It reports whether the notification was stored.
func (d *NotificationDispatcher) Ingest(n *Notification) bool {
	return d.ingest(n, true)
}

func normalizeNotification(n *Notification) *Notification {
	c := n.clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	if c.Priority == "" {
		c.Priority = PriorityMedium
	}
	if c.Type == "" {
		c.Type = NotificationSystem
	}
	return c
}

func (d *NotificationDispatcher) ingest(raw *Notification, toast bool) bool {
	n := normalizeNotification(raw)

	d.mu.Lock()
	if d.indexLocked(n.ID) >= 0 {
		d.mu.Unlock()
		d.metrics.notification("duplicate")
		return false
	}
	if d.prefs.IsMuted(n.ThreadKey()) {
		d.mu.Unlock()
		d.metrics.notification("muted")
		d.log.Debug("notification_muted", "id", n.ID, "thread", n.ThreadKey())
		return false
	}
	d.items = append(d.items, n)
	d.sortLocked()
	showToast := toast && !n.IsRead && d.toastAllowedLocked(n)
	d.mu.Unlock()

	d.metrics.notification("stored")
	if showToast {
		d.toasts.Show(n)
	}
	d.notify()
	return true
}

// Update refreshes an existing notification. IsRead never goes back to
// false. Unknown ids are ingested without a toast.
func (d *NotificationDispatcher) Update(raw *Notification) {
	n := normalizeNotification(raw)

	d.mu.Lock()
	i := d.indexLocked(n.ID)
	if i < 0 {
		d.mu.Unlock()
		d.ingest(n, false)
		return
	}
	if d.prefs.IsMuted(n.ThreadKey()) {
		d.items = append(d.items[:i], d.items[i+1:]...)
		d.mu.Unlock()
		d.toasts.Dismiss(n.ID)
		d.metrics.notification("muted")
		d.notify()
		return
	}
	n.IsRead = n.IsRead || d.items[i].IsRead
	d.items[i] = n
	d.sortLocked()
	d.mu.Unlock()
	d.notify()
}

func (d *NotificationDispatcher) toastAllowedLocked(n *Notification) bool {
	enabled, ok := d.prefs.Toasts[ToastChannel(n)]
	return !ok || enabled
}

// ── Read state ───────────────────────────────────────────

// OpenPanel marks every unread notification read with one batch call. It
// makes no call when nothing is unread.
func (d *NotificationDispatcher) OpenPanel(ctx context.Context) error {
	d.mu.Lock()
	var ids []string
	for _, n := range d.items {
		if !n.IsRead {
			n.IsRead = true
			ids = append(ids, n.ID)
		}
	}
	d.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	d.notify()
	if d.source == nil {
		return nil
	}
	if err := d.source.MarkRead(ctx, ids); err != nil {
		d.log.Warn("mark_read_failed", "count", len(ids), "error", err)
		d.warn(err)
		return err
	}
	return nil
}

// MarkAsRead marks one notification read.
func (d *NotificationDispatcher) MarkAsRead(ctx context.Context, id string) error {
	d.mu.Lock()
	i := d.indexLocked(id)
	if i < 0 {
		d.mu.Unlock()
		return ErrNotificationNotFound
	}
	if d.items[i].IsRead {
		d.mu.Unlock()
		return nil
	}
	d.items[i].IsRead = true
	d.mu.Unlock()
	d.notify()
	if d.source == nil {
		return nil
	}
	return d.source.MarkRead(ctx, []string{id})
}

// MarkAllRead marks every notification read through the bulk endpoint.
func (d *NotificationDispatcher) MarkAllRead(ctx context.Context) error {
	d.mu.Lock()
	changed := false
	for _, n := range d.items {
		if !n.IsRead {
			n.IsRead = true
			changed = true
		}
	}
	d.mu.Unlock()
	if !changed {
		return nil
	}
	d.notify()
	if d.source == nil {
		return nil
	}
	return d.source.MarkAllRead(ctx)
}

// ── Preferences ──────────────────────────────────────────

// MuteThread mutes key. Notifications and toasts of the thread are removed
// at once; if persisting fails the mute and the removed notifications are
// restored and a *PreferenceUpdateError is returned. Muting an already
// muted thread does nothing.
func (d *NotificationDispatcher) MuteThread(ctx context.Context, key string) error {
	key = NormalizeThreadKey(key)
	if key == "" {
		return nil
	}
	d.mu.Lock()
	if d.prefs.IsMuted(key) {
		d.mu.Unlock()
		return nil
	}
	d.prefs.MutedThreads = append(d.prefs.MutedThreads, key)
	var removed []*Notification
	kept := d.items[:0]
	for _, n := range d.items {
		if n.ThreadKey() == key {
			removed = append(removed, n)
		} else {
			kept = append(kept, n)
		}
	}
	d.items = kept
	d.mu.Unlock()

	d.toasts.DismissWhere(func(n *Notification) bool { return n.ThreadKey() == key })
	d.notify()

	err := d.persistMuted(ctx, func() {
		d.mu.Lock()
		d.prefs.MutedThreads = removeString(d.prefs.MutedThreads, key)
		for _, n := range removed {
			if d.indexLocked(n.ID) < 0 {
				d.items = append(d.items, n)
			}
		}
		d.sortLocked()
		d.mu.Unlock()
	})
	if err != nil {
		return d.rollback(key, err)
	}
	d.log.Info("thread_muted", "thread", key, "removed", len(removed))
	return nil
}

// UnmuteThread removes key from the muted set. Notifications dropped while
// it was muted are not restored.
func (d *NotificationDispatcher) UnmuteThread(ctx context.Context, key string) error {
	key = NormalizeThreadKey(key)
	d.mu.Lock()
	if !d.prefs.IsMuted(key) {
		d.mu.Unlock()
		return nil
	}
	d.prefs.MutedThreads = removeString(d.prefs.MutedThreads, key)
	d.mu.Unlock()
	d.notify()

	err := d.persistMuted(ctx, func() {
		d.mu.Lock()
		if !d.prefs.IsMuted(key) {
			d.prefs.MutedThreads = append(d.prefs.MutedThreads, key)
		}
		d.mu.Unlock()
	})
	if err != nil {
		return d.rollback(key, err)
	}
	return nil
}

// SetToastChannel enables or disables toasts for a channel.
func (d *NotificationDispatcher) SetToastChannel(ctx context.Context, channel string, enabled bool) error {
	d.mu.Lock()
	prev, had := d.prefs.Toasts[channel]
	if had && prev == enabled {
		d.mu.Unlock()
		return nil
	}
	d.prefs.Toasts[channel] = enabled
	d.mu.Unlock()
	d.notify()

	if err := d.persist(ctx, PreferencePatch{Toasts: map[string]bool{channel: enabled}}); err != nil {
		d.mu.Lock()
		if had {
			d.prefs.Toasts[channel] = prev
		} else {
			delete(d.prefs.Toasts, channel)
		}
		d.mu.Unlock()
		return d.rollback("", err)
	}
	return nil
}

// persistMuted writes the whole muted set as it is when the write starts.
// Writes are serialized and undo runs before the next write reads the set,
// so the last write to land always carries the latest local state.
func (d *NotificationDispatcher) persistMuted(ctx context.Context, undo func()) error {
	d.persistMu.Lock()
	defer d.persistMu.Unlock()
	d.mu.RLock()
	muted := append([]string{}, d.prefs.MutedThreads...)
	d.mu.RUnlock()
	if err := d.persist(ctx, PreferencePatch{MutedThreads: &muted}); err != nil {
		undo()
		return err
	}
	return nil
}

func (d *NotificationDispatcher) persist(ctx context.Context, patch PreferencePatch) error {
	if d.store == nil {
		return nil
	}
	_, err := d.store.Update(ctx, d.userID, patch)
	return err
}

func (d *NotificationDispatcher) rollback(key string, err error) error {
	perr := &PreferenceUpdateError{ThreadKey: key, Err: err}
	d.log.Warn("preference_update_rolled_back", "thread", key, "error", err)
	d.notify()
	d.warn(perr)
	return perr
}

// ── Views ────────────────────────────────────────────────

// Notifications returns copies of the stored notifications, newest first.
func (d *NotificationDispatcher) Notifications() []*Notification {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Notification, len(d.items))
	for i, n := range d.items {
		out[i] = n.clone()
	}
	return out
}

// UnreadCount returns the number of unread notifications.
func (d *NotificationDispatcher) UnreadCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, n := range d.items {
		if !n.IsRead {
			count++
		}
	}
	return count
}

// Toasts returns the active toasts, oldest first.
func (d *NotificationDispatcher) Toasts() []Toast { return d.toasts.Active() }

// Preferences returns a copy of the current preferences.
func (d *NotificationDispatcher) Preferences() *Preferences {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.prefs.clone()
}

func (d *NotificationDispatcher) indexLocked(id string) int {
	for i, n := range d.items {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (d *NotificationDispatcher) sortLocked() {
	sort.SliceStable(d.items, func(i, j int) bool {
		return d.items[i].Timestamp.After(d.items[j].Timestamp)
	})
}

func (d *NotificationDispatcher) notify() {
	d.mu.RLock()
	fns := append([]func(){}, d.onChange...)
	d.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (d *NotificationDispatcher) warn(err error) {
	d.mu.RLock()
	fns := append([]func(error){}, d.onWarning...)
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

