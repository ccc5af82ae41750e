package carenest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ============================================================================
// Data Types
// ============================================================================

// QueueCategory partitions the offline queue.
type QueueCategory string

const (
	CategoryInquiries QueueCategory = "inquiries"
	CategoryMessages  QueueCategory = "messages"
	CategoryProfile   QueueCategory = "profile"
	CategoryGeneral   QueueCategory = "general"
)

// Categories lists every queue category in replay order.
var Categories = []QueueCategory{CategoryInquiries, CategoryMessages, CategoryProfile, CategoryGeneral}

// QueueEntry is a write request that could not be delivered.
type QueueEntry struct {
	ID        string          `json:"id"`
	Category  QueueCategory   `json:"category"`
	Endpoint  string          `json:"endpoint"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

var categoryPatterns = []struct {
	pattern  *regexp.Regexp
	category QueueCategory
}{
	{regexp.MustCompile(`(?i)inquir`), CategoryInquiries},
	{regexp.MustCompile(`(?i)(message|conversation)`), CategoryMessages},
	{regexp.MustCompile(`(?i)(profile|account)`), CategoryProfile},
}

// CategoryForEndpoint maps a request endpoint to its queue category.
func CategoryForEndpoint(endpoint string) QueueCategory {
	for _, cp := range categoryPatterns {
		if cp.pattern.MatchString(endpoint) {
			return cp.category
		}
	}
	return CategoryGeneral
}

// NewQueueEntry builds an entry for endpoint with a fresh id.
func NewQueueEntry(endpoint, method string, payload json.RawMessage) *QueueEntry {
	return &QueueEntry{
		ID:        uuid.NewString(),
		Category:  CategoryForEndpoint(endpoint),
		Endpoint:  endpoint,
		Method:    method,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// OfflineQueue is a durable store of pending write requests. Entries of a
// category are returned oldest first.
type OfflineQueue interface {
	Enqueue(ctx context.Context, e *QueueEntry) error
	Pending(ctx context.Context, category QueueCategory) ([]*QueueEntry, error)
	Delete(ctx context.Context, e *QueueEntry) error
	Count(ctx context.Context) (map[QueueCategory]int, error)
	Close() error
}

// ============================================================================
// PebbleQueue
// ============================================================================

// PebbleQueue persists entries in a pebble database under
// queue:<category>:<created unix nanos>:<id>.
type PebbleQueue struct {
	db *pebble.DB
}

// OpenPebbleQueue opens (or creates) a queue database at path.
func OpenPebbleQueue(path string) (*PebbleQueue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return openPebbleQueue(path, &pebble.Options{})
}

// OpenMemPebbleQueue opens a queue on an in-memory filesystem.
func OpenMemPebbleQueue() (*PebbleQueue, error) {
	return openPebbleQueue("", &pebble.Options{FS: vfs.NewMem()})
}

func openPebbleQueue(path string, opts *pebble.Options) (*PebbleQueue, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	return &PebbleQueue{db: db}, nil
}

func queuePrefix(c QueueCategory) []byte {
	return []byte("queue:" + string(c) + ":")
}

func queueKey(e *QueueEntry) []byte {
	return []byte(fmt.Sprintf("queue:%s:%020d:%s", e.Category, e.CreatedAt.UnixNano(), e.ID))
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Enqueue implements OfflineQueue. The write is synced before returning.
func (q *PebbleQueue) Enqueue(_ context.Context, e *QueueEntry) error {
	if e.ID == "" || e.Category == "" {
		return errors.New("queue entry needs an id and a category")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := q.db.Set(queueKey(e), data, pebble.Sync); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

// Pending implements OfflineQueue.
func (q *PebbleQueue) Pending(_ context.Context, category QueueCategory) ([]*QueueEntry, error) {
	prefix := queuePrefix(category)
	it, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*QueueEntry
	for ok := it.First(); ok; ok = it.Next() {
		if !bytes.HasPrefix(it.Key(), prefix) {
			break
		}
		var e QueueEntry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", it.Key(), err)
		}
		out = append(out, &e)
	}
	return out, it.Error()
}

// Delete implements OfflineQueue.
func (q *PebbleQueue) Delete(_ context.Context, e *QueueEntry) error {
	return q.db.Delete(queueKey(e), pebble.Sync)
}

// Count implements OfflineQueue.
func (q *PebbleQueue) Count(ctx context.Context) (map[QueueCategory]int, error) {
	counts := make(map[QueueCategory]int, len(Categories))
	for _, c := range Categories {
		entries, err := q.Pending(ctx, c)
		if err != nil {
			return nil, err
		}
		counts[c] = len(entries)
	}
	return counts, nil
}

// Close closes the database.
func (q *PebbleQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// ============================================================================
// MemoryQueue
// ============================================================================

// MemoryQueue is a goroutine-safe OfflineQueue that lives only as long as
// the process.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[QueueCategory]map[string]*QueueEntry
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[QueueCategory]map[string]*QueueEntry)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, e *QueueEntry) error {
	if e.ID == "" || e.Category == "" {
		return errors.New("queue entry needs an id and a category")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.entries[e.Category]
	if m == nil {
		m = make(map[string]*QueueEntry)
		q.entries[e.Category] = m
	}
	c := *e
	m[e.ID] = &c
	return nil
}

func (q *MemoryQueue) Pending(_ context.Context, category QueueCategory) ([]*QueueEntry, error) {
	q.mu.Lock()
	out := make([]*QueueEntry, 0, len(q.entries[category]))
	for _, e := range q.entries[category] {
		c := *e
		out = append(out, &c)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (q *MemoryQueue) Delete(_ context.Context, e *QueueEntry) error {
	q.mu.Lock()
	delete(q.entries[e.Category], e.ID)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Count(_ context.Context) (map[QueueCategory]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[QueueCategory]int, len(Categories))
	for _, c := range Categories {
		counts[c] = len(q.entries[c])
	}
	return counts, nil
}

func (q *MemoryQueue) Close() error { return nil }
