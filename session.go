package carenest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// SessionConfig configures a Session. Only Identity is required; every
// collaborator left nil gets its default.
type SessionConfig struct {
	Identity Identity
	BaseURL  string
	Token    string

	Realtime      *RealtimeConfig
	Presence      *PresenceOptions
	Messages      *MessageOptions
	Notifications *NotificationOptions

	// Dialer defaults to a WSDialer on BaseURL.
	Dialer Dialer
	// Queue defaults to a MemoryQueue.
	Queue OfflineQueue
	// Uploader defaults to an Uploader over the client's file endpoints.
	Uploader AttachmentUploader
	// Stream defaults to an EventStream on BaseURL.
	Stream NotificationStream

	Logger  *slog.Logger
	Metrics *Metrics
}

// Session is the process-wide realtime context of one signed-in user. It
// owns exactly one ConnectionManager and wires the engines to it.
type Session struct {
	self   Identity
	conn   *ConnectionManager
	pres   *PresenceTracker
	msgs   *MessageEngine
	notifs *NotificationDispatcher
	off    *OfflineManager
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewSession builds a session. client supplies the HTTP collaborators; nil
// creates one from cfg.BaseURL and cfg.Token.
func NewSession(cfg SessionConfig, client *Client) (*Session, error) {
	if cfg.Identity.UserID == "" {
		return nil, fmt.Errorf("session identity needs a user id")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.With("user", cfg.Identity.UserID)
	if client == nil {
		opts := []ClientOption{WithLogger(log)}
		if cfg.BaseURL != "" {
			opts = append(opts, WithBaseURL(cfg.BaseURL))
		}
		client = NewClient(cfg.Token, opts...)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = client.BaseURL()
	}

	rt := RealtimeConfig{}
	if cfg.Realtime != nil {
		rt = *cfg.Realtime
	}
	rt.Logger, rt.Metrics = orLogger(rt.Logger, log), orMetrics(rt.Metrics, cfg.Metrics)

	if cfg.Dialer == nil {
		cfg.Dialer = &WSDialer{BaseURL: cfg.BaseURL, Token: cfg.Token}
	}
	if cfg.Queue == nil {
		cfg.Queue = NewMemoryQueue()
	}
	if cfg.Uploader == nil {
		cfg.Uploader = NewUploader(client.Files, &UploaderOptions{Logger: log, Metrics: cfg.Metrics})
	}
	if cfg.Stream == nil {
		cfg.Stream = NewEventStream(cfg.BaseURL, cfg.Token, nil, &rt)
	}

	conn := NewConnectionManager(cfg.Dialer, &rt)

	po := PresenceOptions{}
	if cfg.Presence != nil {
		po = *cfg.Presence
	}
	po.Logger = orLogger(po.Logger, log)
	pres := NewPresenceTracker(cfg.Identity.UserID, conn, &po)

	mo := MessageOptions{AckTimeout: DefaultAckTimeout}
	if cfg.Messages != nil {
		mo = *cfg.Messages
	}
	mo.Logger, mo.Metrics = orLogger(mo.Logger, log), orMetrics(mo.Metrics, cfg.Metrics)
	msgs := NewMessageEngine(cfg.Identity, conn, cfg.Uploader, pres, &mo)

	no := NotificationOptions{}
	if cfg.Notifications != nil {
		no = *cfg.Notifications
	}
	no.Logger, no.Metrics = orLogger(no.Logger, log), orMetrics(no.Metrics, cfg.Metrics)
	notifs := NewNotificationDispatcher(cfg.Identity.UserID, client.Notifications, client.Preferences, cfg.Stream, &no)

	off := NewOfflineManager(cfg.Queue, client, &OfflineOptions{Logger: log, Metrics: cfg.Metrics})

	pres.Bind(conn)
	msgs.Bind(conn)
	off.Bind(conn)

	return &Session{
		self:   cfg.Identity,
		conn:   conn,
		pres:   pres,
		msgs:   msgs,
		notifs: notifs,
		off:    off,
		log:    log,
	}, nil
}

func orLogger(l, fallback *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return fallback
}

func orMetrics(m, fallback *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return fallback
}

// Start connects and starts the notification dispatcher.
func (s *Session) Start(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.conn.Connect()
	if err := s.notifs.Start(ctx); err != nil {
		return fmt.Errorf("start notifications: %w", err)
	}
	s.log.Info("session_started")
	return nil
}

// Close tears the session down. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.notifs.Close()
	s.msgs.Close()
	s.conn.Close()
	s.off.Close()
	s.log.Info("session_closed")
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Identity returns the signed-in user.
func (s *Session) Identity() Identity { return s.self }

func (s *Session) Connection() *ConnectionManager { return s.conn }
func (s *Session) Presence() *PresenceTracker { return s.pres }
func (s *Session) Messages() *MessageEngine { return s.msgs }
func (s *Session) Notifications() *NotificationDispatcher { return s.notifs }
func (s *Session) Offline() *OfflineManager { return s.off }

// ── Entry points ─────────────────────────────────────────

func (s *Session) SendMessage(ctx context.Context, conversationID, content string, files []FileInput, replyTo string) (*Message, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	return s.msgs.SendMessage(ctx, conversationID, content, files, replyTo)
}

func (s *Session) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return s.msgs.AddReaction(ctx, conversationID, messageID, emoji, s.self.UserID, s.self.Name)
}

func (s *Session) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return s.msgs.RemoveReaction(ctx, conversationID, messageID, emoji, s.self.UserID)
}

func (s *Session) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return s.msgs.DeleteMessage(ctx, conversationID, messageID)
}

func (s *Session) StartTyping(conversationID string) {
	s.pres.StartTyping(conversationID, s.self.UserID)
}

func (s *Session) StopTyping(conversationID string) {
	s.pres.StopTyping(conversationID, s.self.UserID)
}

// MarkAsRead marks one notification read.
func (s *Session) MarkAsRead(ctx context.Context, notificationID string) error {
	return s.notifs.MarkAsRead(ctx, notificationID)
}

// MarkAllRead marks every notification read.
func (s *Session) MarkAllRead(ctx context.Context) error {
	return s.notifs.MarkAllRead(ctx)
}

func (s *Session) MuteThread(ctx context.Context, threadKey string) error {
	return s.notifs.MuteThread(ctx, threadKey)
}

func (s *Session) SubmitForm(ctx context.Context, endpoint, method string, data any) (*SubmitResult, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	return s.off.SubmitForm(ctx, endpoint, method, data)
}

// Reconnect resets the retry budget and reconnects.
func (s *Session) Reconnect() {
	s.conn.Reconnect()
}
