package carenest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// Envelope is the wire format for all server-to-client events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server command.
type Command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// AuthenticatedPayload is the first event on every accepted connection.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// TypingIndicatorPayload is sent when a participant starts or stops typing.
type TypingIndicatorPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// PresenceChangedPayload is sent when a participant goes online or offline.
type PresenceChangedPayload struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// MessageStatusPayload carries ack, delivery and read receipts.
type MessageStatusPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// ReactionPayload carries a remote reaction change.
type ReactionPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
	Emoji          string `json:"emoji"`
}

// Event and command type names.
const (
	EventAuthenticated   = "authenticated"
	EventMessageNew      = "message.new"
	EventMessageAck      = "message.ack"
	EventMessageDeliver  = "message.delivered"
	EventMessageRead     = "message.read"
	EventMessageDeleted  = "message.deleted"
	EventReactionAdded   = "reaction.added"
	EventReactionRemoved = "reaction.removed"
	EventTyping          = "typing.indicator"
	EventPresence        = "presence.changed"

	CmdMessageSend    = "message.send"
	CmdMessageDelete  = "message.delete"
	CmdMessageRead    = "message.read"
	CmdReactionAdd    = "reaction.add"
	CmdReactionRemove = "reaction.remove"
	CmdTypingStart    = "typing.start"
	CmdTypingStop     = "typing.stop"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the ConnectionManager.
type RealtimeConfig struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	Logger               *slog.Logger
	Metrics              *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ReconnectDelay returns base × 2^attempt, capped at ReconnectMaxDelay.
func (c *RealtimeConfig) ReconnectDelay(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := c.ReconnectBaseDelay << uint(attempt)
	if c.ReconnectMaxDelay > 0 && d > c.ReconnectMaxDelay {
		d = c.ReconnectMaxDelay
	}
	return d
}

// ConnectionState is the state of the persistent channel.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateReconnecting ConnectionState = "RECONNECTING"
)

// StateChange describes a single connection state transition.
type StateChange struct {
	From    ConnectionState
	To      ConnectionState
	Attempt int
	Delay   time.Duration
	Err     error
}

// ============================================================================
// Transport
// ============================================================================

// Conn is an established duplex channel.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Dialer opens a new Conn.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// WSDialer dials the platform WebSocket endpoint and waits for the
// "authenticated" event before handing the connection out.
type WSDialer struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func (d *WSDialer) url() string {
	u := strings.Replace(d.BaseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.TrimRight(u, "/") + "/ws"
	if d.Token != "" {
		u += "?token=" + url.QueryEscape(d.Token)
	}
	return u
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, d.url(), &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "")
		return nil, fmt.Errorf("expected %q, got %q", EventAuthenticated, env.Type)
	}
	return &wsConn{c: conn}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Ping(ctx context.Context) error { return w.c.Ping(ctx) }

func (w *wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler receives the raw payload of a server event.
type EventHandler func(payload json.RawMessage)

type eventDispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	log      *slog.Logger
}

func newEventDispatcher(log *slog.Logger) *eventDispatcher {
	return &eventDispatcher{handlers: make(map[string][]EventHandler), log: log}
}

func (d *eventDispatcher) on(eventType string, h EventHandler) {
	d.mu.Lock()
	d.handlers[eventType] = append(d.handlers[eventType], h)
	d.mu.Unlock()
}

// dispatch runs handlers in registration order on the caller's goroutine so
// events are applied in the order they were read.
func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	handlers := append([]EventHandler(nil), d.handlers[env.Type]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("event_handler_panic", "type", env.Type, "panic", r)
				}
			}()
			h(env.Payload)
		}()
	}
}

// stateEmitter delivers state changes to subscribers one at a time, in the
// order the transitions happened, without holding the manager lock.
type stateEmitter struct {
	mu       sync.Mutex
	pending  []StateChange
	handlers []func(StateChange)
	wake     chan struct{}
	quit     chan struct{}
	once     sync.Once
	log      *slog.Logger
}

func newStateEmitter(log *slog.Logger) *stateEmitter {
	e := &stateEmitter{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		log:  log,
	}
	go e.loop()
	return e
}

func (e *stateEmitter) subscribe(h func(StateChange)) {
	e.mu.Lock()
	e.handlers = append(e.handlers, h)
	e.mu.Unlock()
}

func (e *stateEmitter) push(c StateChange) {
	e.mu.Lock()
	e.pending = append(e.pending, c)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *stateEmitter) drain() bool {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	handlers := append([]func(StateChange){}, e.handlers...)
	e.mu.Unlock()
	for _, c := range batch {
		for _, h := range handlers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						e.log.Error("state_handler_panic", "panic", r)
					}
				}()
				h(c)
			}()
		}
	}
	return len(batch) > 0
}

func (e *stateEmitter) loop() {
	for {
		if e.drain() {
			continue
		}
		select {
		case <-e.wake:
		case <-e.quit:
			e.drain()
			return
		}
	}
}

func (e *stateEmitter) close() {
	e.once.Do(func() { close(e.quit) })
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single logical persistent channel to the server.
// None of its methods block on the network; transitions are observed through
// OnStateChange and State.
type ConnectionManager struct {
	config RealtimeConfig
	dialer Dialer
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	writeMu    sync.Mutex
	state      ConnectionState
	attempt    int
	gen        uint64
	conn       Conn
	cancelConn context.CancelFunc
	retry      *time.Timer
	closed     bool

	events    *eventDispatcher
	states    *stateEmitter
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewConnectionManager creates a manager in the DISCONNECTED state.
func NewConnectionManager(dialer Dialer, config *RealtimeConfig) *ConnectionManager {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	log := cfg.Logger.With("component", "connection")
	return &ConnectionManager{
		config:    cfg,
		dialer:    dialer,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateDisconnected,
		events:    newEventDispatcher(log),
		states:    newStateEmitter(log),
		afterFunc: time.AfterFunc,
	}
}

// On registers a handler for a server event type.
func (m *ConnectionManager) On(eventType string, h EventHandler) {
	m.events.on(eventType, h)
}

// OnStateChange registers a handler for connection state transitions.
func (m *ConnectionManager) OnStateChange(h func(StateChange)) {
	m.states.subscribe(h)
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the number of automatic reconnect attempts scheduled since
// the last successful connection.
func (m *ConnectionManager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Connect starts establishing the channel. It is a no-op while CONNECTED or
// CONNECTING.
func (m *ConnectionManager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state == StateConnected || m.state == StateConnecting {
		return
	}
	m.stopRetryLocked()
	m.dialLocked()
}

// Reconnect resets the attempt counter and connects unless already CONNECTED.
func (m *ConnectionManager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.attempt = 0
	if m.state == StateConnected || m.state == StateConnecting {
		return
	}
	m.stopRetryLocked()
	m.dialLocked()
}

// Disconnect closes the channel intentionally. No retry is scheduled.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.attempt = 0
	m.stopRetryLocked()
	m.dropConnLocked("client disconnect")
	m.setStateLocked(StateDisconnected, StateChange{})
}

// Close disconnects and releases the manager. It cannot be reused.
func (m *ConnectionManager) Close() {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.states.close()
}

// Send writes a command on the channel.
func (m *ConnectionManager) Send(ctx context.Context, cmd *Command) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state != StateConnected || conn == nil {
		return &NotConnectedError{State: state}
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("write %s: %w", cmd.Type, err)
	}
	return nil
}

func (m *ConnectionManager) dialLocked() {
	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnecting, StateChange{Attempt: m.attempt})
	go m.dial(gen)
}

func (m *ConnectionManager) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(m.ctx, m.config.HandshakeTimeout)
	conn, err := m.dialer.Dial(ctx)
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		if conn != nil {
			conn.Close("superseded")
		}
		return
	}
	if err != nil {
		m.log.Warn("connect_failed", "attempt", m.attempt, "error", err)
		m.setStateLocked(StateDisconnected, StateChange{Err: err})
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return
	}

	connCtx, cancelConn := context.WithCancel(m.ctx)
	m.conn = conn
	m.cancelConn = cancelConn
	m.attempt = 0
	m.setStateLocked(StateConnected, StateChange{})
	m.mu.Unlock()

	m.log.Info("connected")
	go m.readLoop(connCtx, conn, gen)
	go m.heartbeatLoop(connCtx, conn, gen)
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.connectionLost(gen, err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.log.Debug("bad_envelope", "error", err)
			continue
		}
		m.events.dispatch(env)
	}
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context, conn Conn, gen uint64) {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				m.connectionLost(gen, fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

func (m *ConnectionManager) connectionLost(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closed || m.state != StateConnected {
		return
	}
	m.log.Warn("connection_lost", "error", err)
	m.dropConnLocked("connection lost")
	m.setStateLocked(StateDisconnected, StateChange{Err: err})
	m.scheduleReconnectLocked()
}

func (m *ConnectionManager) scheduleReconnectLocked() {
	if m.attempt >= m.config.MaxReconnectAttempts {
		m.log.Warn("reconnect_exhausted", "attempts", m.attempt)
		return
	}
	delay := m.config.ReconnectDelay(m.attempt)
	m.attempt++
	m.config.Metrics.reconnectAttempt()
	m.setStateLocked(StateReconnecting, StateChange{Attempt: m.attempt, Delay: delay})

	gen := m.gen
	m.retry = m.afterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || gen != m.gen || m.state != StateReconnecting {
			return
		}
		m.retry = nil
		m.dialLocked()
	})
}

func (m *ConnectionManager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *ConnectionManager) dropConnLocked(reason string) {
	if m.cancelConn != nil {
		m.cancelConn()
		m.cancelConn = nil
	}
	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		go conn.Close(reason)
	}
}

func (m *ConnectionManager) setStateLocked(to ConnectionState, c StateChange) {
	if m.state == to {
		return
	}
	c.From, c.To = m.state, to
	m.state = to
	m.config.Metrics.connectionState(to)
	m.states.push(c)
}
