package carenest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake transport
// ============================================================================

type sentCommand struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId"`
}

type fakeConn struct {
	in   chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	sent     []sentCommand
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case d := <-c.in:
		return d, nil
	case <-c.done:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	var cmd sentCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	c.sent = append(c.sent, cmd)
	return nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close(string) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) push(t *testing.T, eventType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) commands() []sentCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentCommand(nil), c.sent...)
}

type fakeDialer struct {
	mu       sync.Mutex
	failNext int
	failAll  bool
	dials    int
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failAll || d.failNext > 0 {
		if d.failNext > 0 {
			d.failNext--
		}
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) setFailAll(v bool) {
	d.mu.Lock()
	d.failAll = v
	d.mu.Unlock()
}

// ============================================================================
// Manual timers
// ============================================================================

type fakeTimer struct {
	delay time.Duration
	fn    func()
}

// fakeTimers records scheduled callbacks instead of running them. Tests fire
// them explicitly.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) *time.Timer {
	f.mu.Lock()
	f.timers = append(f.timers, &fakeTimer{delay: d, fn: fn})
	f.mu.Unlock()
	return time.AfterFunc(time.Hour, func() {})
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

func (f *fakeTimers) delays() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.timers))
	for i, t := range f.timers {
		out[i] = t.delay
	}
	return out
}

func (f *fakeTimers) fire(i int) {
	f.mu.Lock()
	fn := f.timers[i].fn
	f.mu.Unlock()
	fn()
}

func (f *fakeTimers) fireLast() {
	f.fire(f.count() - 1)
}

// ============================================================================
// Fake command sender
// ============================================================================

type fakeSender struct {
	mu    sync.Mutex
	state ConnectionState
	err   error
	cmds  []*Command
}

func newFakeSender() *fakeSender { return &fakeSender{state: StateConnected} }

func (s *fakeSender) Send(_ context.Context, cmd *Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.cmds = append(s.cmds, cmd)
	return nil
}

func (s *fakeSender) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSender) setState(st ConnectionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *fakeSender) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *fakeSender) commands(cmdType string) []*Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Command
	for _, c := range s.cmds {
		if cmdType == "" || c.Type == cmdType {
			out = append(out, c)
		}
	}
	return out
}

// ============================================================================
// Misc
// ============================================================================

type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func recordStates(cm *ConnectionManager) *stateRecorder {
	r := &stateRecorder{}
	cm.OnStateChange(func(c StateChange) {
		r.mu.Lock()
		r.changes = append(r.changes, c)
		r.mu.Unlock()
	})
	return r
}

func (r *stateRecorder) states() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnectionState, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.To
	}
	return out
}

func (r *stateRecorder) all() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChange(nil), r.changes...)
}

func eventually(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msgAndArgs...)
}
