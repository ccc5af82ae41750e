package carenest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
)

// Submitter performs a form submission against the platform.
type Submitter interface {
	Submit(ctx context.Context, method, endpoint string, payload json.RawMessage) error
}

// SubmitResult reports how SubmitForm handled a request.
type SubmitResult struct {
	Queued  bool   `json:"queued"`
	EntryID string `json:"entryId,omitempty"`
}

// ReplaySummary counts the outcome of one replay cycle.
type ReplaySummary struct {
	Replayed int
	Failed   int
	Errors   []*ReplayError
}

// OfflineOptions configures the OfflineManager.
type OfflineOptions struct {
	// Online is the initial network state.
	Online  bool
	Logger  *slog.Logger
	Metrics *Metrics
}

// ============================================================================
// Event Emitter
// ============================================================================

// Offline event names.
const (
	OfflineEventOnline       = "network.online"
	OfflineEventOffline      = "network.offline"
	OfflineEventQueued       = "queue.added"
	OfflineEventReplayed     = "queue.replayed"
	OfflineEventReplayFailed = "queue.failed"
)

// OfflineEventHandler handles offline events.
type OfflineEventHandler func(event string, payload any)

type offlineEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]OfflineEventHandler
}

func (e *offlineEmitter) On(event string, handler OfflineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *offlineEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

// ============================================================================
// Sync Replayer
// ============================================================================

// SyncReplayer drains the offline queue through a Submitter. Categories are
// drained concurrently, entries within a category oldest first. A failed
// entry stays queued and the replay continues with the next one.
type SyncReplayer struct {
	queue     OfflineQueue
	submitter Submitter
	log       *slog.Logger
	metrics   *Metrics
	emit      func(event string, payload any)

	mu      sync.Mutex
	running bool
	rerun   bool
}

// NewSyncReplayer creates a replayer.
func NewSyncReplayer(queue OfflineQueue, submitter Submitter, logger *slog.Logger, metrics *Metrics) *SyncReplayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncReplayer{
		queue:     queue,
		submitter: submitter,
		log:       logger.With("component", "replay"),
		metrics:   metrics,
	}
}

// Replay drains the queue. When another replay is already running it asks
// that replay to run one more cycle, so entries queued in the meantime are
// not left behind, and returns false.
func (r *SyncReplayer) Replay(ctx context.Context) (*ReplaySummary, bool) {
	r.mu.Lock()
	if r.running {
		r.rerun = true
		r.mu.Unlock()
		return nil, false
	}
	r.running = true
	r.mu.Unlock()

	// Replayed accumulates over cycles; failures are those of the last cycle,
	// since every cycle retries what is still queued.
	var sum ReplaySummary
	for {
		c := r.cycle(ctx)
		sum.Replayed += c.Replayed
		sum.Failed, sum.Errors = c.Failed, c.Errors

		r.mu.Lock()
		if !r.rerun || ctx.Err() != nil {
			r.running, r.rerun = false, false
			r.mu.Unlock()
			break
		}
		r.rerun = false
		r.mu.Unlock()
		r.log.Debug("replay_rerun")
	}
	return &sum, true
}

func (r *SyncReplayer) cycle(ctx context.Context) ReplaySummary {
	var (
		mu  sync.Mutex
		sum ReplaySummary
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, category := range Categories {
		category := category
		g.Go(func() error {
			replayed, failures := r.replayCategory(gctx, category)
			mu.Lock()
			sum.Replayed += replayed
			sum.Failed += len(failures)
			sum.Errors = append(sum.Errors, failures...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.updateDepth(ctx)
	r.log.Info("replay_done", "replayed", sum.Replayed, "failed", sum.Failed)
	return sum
}

func (r *SyncReplayer) replayCategory(ctx context.Context, category QueueCategory) (int, []*ReplayError) {
	entries, err := r.queue.Pending(ctx, category)
	if err != nil {
		r.log.Error("queue_read_failed", "category", category, "error", err)
		return 0, nil
	}

	replayed := 0
	var failures []*ReplayError
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if err := r.submitter.Submit(ctx, e.Method, e.Endpoint, e.Payload); err != nil {
			rerr := &ReplayError{EntryID: e.ID, Category: category, Err: err}
			failures = append(failures, rerr)
			r.metrics.replayed(category, false)
			r.log.Warn("replay_failed", "category", category, "entry", e.ID, "endpoint", e.Endpoint, "error", err)
			r.notify(OfflineEventReplayFailed, rerr)
			continue
		}
		if err := r.queue.Delete(ctx, e); err != nil {
			r.log.Error("queue_delete_failed", "category", category, "entry", e.ID, "error", err)
		}
		replayed++
		r.metrics.replayed(category, true)
		r.notify(OfflineEventReplayed, e)
	}
	return replayed, failures
}

func (r *SyncReplayer) updateDepth(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	counts, err := r.queue.Count(ctx)
	if err != nil {
		return
	}
	for c, n := range counts {
		r.metrics.queueDepth(c, n)
	}
}

func (r *SyncReplayer) notify(event string, payload any) {
	if r.emit != nil {
		r.emit(event, payload)
	}
}

// ============================================================================
// Offline Manager
// ============================================================================

// OfflineManager routes form submissions directly while online and through
// the durable queue otherwise.
type OfflineManager struct {
	offlineEmitter
	queue     OfflineQueue
	submitter Submitter
	replayer  *SyncReplayer
	log       *slog.Logger
	metrics   *Metrics

	mu       sync.Mutex
	isOnline bool
	closed   bool
	replays  sync.WaitGroup
}

// NewOfflineManager creates a manager over queue and submitter.
func NewOfflineManager(queue OfflineQueue, submitter Submitter, opts *OfflineOptions) *OfflineManager {
	var o OfflineOptions
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	m := &OfflineManager{
		offlineEmitter: offlineEmitter{listeners: make(map[string][]OfflineEventHandler)},
		queue:          queue,
		submitter:      submitter,
		log:            o.Logger.With("component", "offline"),
		metrics:        o.Metrics,
		isOnline:       o.Online,
	}
	m.replayer = NewSyncReplayer(queue, submitter, o.Logger, o.Metrics)
	m.replayer.emit = m.emit
	return m
}

// Replayer returns the manager's SyncReplayer.
func (o *OfflineManager) Replayer() *SyncReplayer { return o.replayer }

// Bind follows the connection: CONNECTED means online, DISCONNECTED offline.
func (o *OfflineManager) Bind(cm *ConnectionManager) {
	cm.OnStateChange(func(c StateChange) {
		switch c.To {
		case StateConnected:
			o.SetOnline(true)
		case StateDisconnected:
			o.SetOnline(false)
		}
	})
}

// IsOnline returns current network state.
func (o *OfflineManager) IsOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isOnline
}

// SetOnline updates network state. Going online starts a replay.
func (o *OfflineManager) SetOnline(online bool) {
	o.mu.Lock()
	if o.isOnline == online || o.closed {
		o.mu.Unlock()
		return
	}
	o.isOnline = online
	if online {
		o.replays.Add(1)
	}
	o.mu.Unlock()

	if online {
		o.emit(OfflineEventOnline, nil)
		go func() {
			defer o.replays.Done()
			o.replayer.Replay(context.Background())
		}()
	} else {
		o.emit(OfflineEventOffline, nil)
	}
}

// Wait blocks until replays started by SetOnline have finished.
func (o *OfflineManager) Wait() { o.replays.Wait() }

// Close stops reacting to network changes and waits for running replays.
func (o *OfflineManager) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.replays.Wait()
}

// SubmitForm submits data to endpoint. While online it is sent directly; if
// that fails, or while offline, it is queued durably and Queued is true.
func (o *OfflineManager) SubmitForm(ctx context.Context, endpoint, method string, data any) (*SubmitResult, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal form: %w", err)
	}

	if o.IsOnline() {
		err := o.submitter.Submit(ctx, method, endpoint, payload)
		if err == nil {
			return &SubmitResult{}, nil
		}
		o.log.Warn("submit_failed_queueing", "endpoint", endpoint, "error", err)
	}

	entry := NewQueueEntry(endpoint, method, payload)
	if err := o.queue.Enqueue(ctx, entry); err != nil {
		return nil, fmt.Errorf("queue form: %w", err)
	}
	o.emit(OfflineEventQueued, entry)
	o.replayer.updateDepth(ctx)
	return &SubmitResult{Queued: true, EntryID: entry.ID}, nil
}

// QueueSize returns the number of pending entries per category.
func (o *OfflineManager) QueueSize(ctx context.Context) (map[QueueCategory]int, error) {
	return o.queue.Count(ctx)
}
