package carenest

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// commandSender is the part of ConnectionManager used by the engines.
type commandSender interface {
	Send(ctx context.Context, cmd *Command) error
	State() ConnectionState
}

// PresenceOptions configures a PresenceTracker.
type PresenceOptions struct {
	// TypingInterval is the minimum spacing between outbound typing.start
	// commands for one conversation.
	TypingInterval time.Duration
	Logger         *slog.Logger
}

// PresenceTracker keeps best-effort typing and online state. Absence of a
// typing key means "not typing".
type PresenceTracker struct {
	self string
	conn commandSender
	opts PresenceOptions
	log  *slog.Logger

	mu       sync.RWMutex
	typing   map[string]map[string]bool
	online   map[string]bool
	lastSeen map[string]time.Time
	limiters map[string]*rate.Limiter
	onChange []func(conversationID string)
}

// NewPresenceTracker creates a tracker for the given user. conn may be nil,
// in which case no typing commands are sent.
func NewPresenceTracker(self string, conn commandSender, opts *PresenceOptions) *PresenceTracker {
	var o PresenceOptions
	if opts != nil {
		o = *opts
	}
	if o.TypingInterval == 0 {
		o.TypingInterval = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &PresenceTracker{
		self:     self,
		conn:     conn,
		opts:     o,
		log:      o.Logger.With("component", "presence"),
		typing:   make(map[string]map[string]bool),
		online:   make(map[string]bool),
		lastSeen: make(map[string]time.Time),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Bind subscribes the tracker to connection events.
func (p *PresenceTracker) Bind(cm *ConnectionManager) {
	cm.On(EventTyping, func(raw json.RawMessage) {
		var ev TypingIndicatorPayload
		if err := json.Unmarshal(raw, &ev); err != nil || ev.ConversationID == "" || ev.UserID == "" {
			return
		}
		if ev.IsTyping {
			p.setTyping(ev.ConversationID, ev.UserID)
		} else {
			p.clearTyping(ev.ConversationID, ev.UserID)
		}
	})
	cm.On(EventPresence, func(raw json.RawMessage) {
		var ev PresenceChangedPayload
		if err := json.Unmarshal(raw, &ev); err != nil || ev.UserID == "" {
			return
		}
		p.SetOnline(ev.UserID, ev.Online, ev.LastSeen)
	})
	cm.OnStateChange(func(c StateChange) {
		if c.To == StateDisconnected {
			p.resetRemote()
		}
	})
}

// OnChange registers a callback fired with the affected conversation id, or
// "" for process-wide online changes.
func (p *PresenceTracker) OnChange(fn func(conversationID string)) {
	p.mu.Lock()
	p.onChange = append(p.onChange, fn)
	p.mu.Unlock()
}

// StartTyping marks userID as typing in conversationID.
func (p *PresenceTracker) StartTyping(conversationID, userID string) {
	p.setTyping(conversationID, userID)
	if userID == p.self && p.allowTyping(conversationID) {
		p.send(CmdTypingStart, conversationID)
	}
}

// StopTyping removes the typing flag for userID in conversationID.
func (p *PresenceTracker) StopTyping(conversationID, userID string) {
	p.clearTyping(conversationID, userID)
	if userID == p.self {
		p.send(CmdTypingStop, conversationID)
	}
}

// IsTyping reports whether userID is typing in conversationID.
func (p *PresenceTracker) IsTyping(conversationID, userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.typing[conversationID][userID]
}

// TypingUsers returns the sorted ids of users typing in conversationID.
func (p *PresenceTracker) TypingUsers(conversationID string) []string {
	p.mu.RLock()
	users := make([]string, 0, len(p.typing[conversationID]))
	for u := range p.typing[conversationID] {
		users = append(users, u)
	}
	p.mu.RUnlock()
	sort.Strings(users)
	return users
}

// SetOnline records a presence change.
func (p *PresenceTracker) SetOnline(userID string, online bool, lastSeen time.Time) {
	p.mu.Lock()
	p.online[userID] = online
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}
	p.lastSeen[userID] = lastSeen
	p.mu.Unlock()
	p.notify("")
}

// IsOnline reports whether userID is online.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online[userID]
}

// LastSeen returns the last time userID's presence changed.
func (p *PresenceTracker) LastSeen(userID string) time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeen[userID]
}

func (p *PresenceTracker) setTyping(conversationID, userID string) {
	p.mu.Lock()
	m := p.typing[conversationID]
	if m == nil {
		m = make(map[string]bool)
		p.typing[conversationID] = m
	}
	m[userID] = true
	p.mu.Unlock()
	p.notify(conversationID)
}

func (p *PresenceTracker) clearTyping(conversationID, userID string) {
	p.mu.Lock()
	if m := p.typing[conversationID]; m != nil {
		delete(m, userID)
		if len(m) == 0 {
			delete(p.typing, conversationID)
		}
	}
	p.mu.Unlock()
	p.notify(conversationID)
}

// resetRemote drops state that can no longer be refreshed once the channel
// is gone. The local user's own typing flags are kept.
func (p *PresenceTracker) resetRemote() {
	p.mu.Lock()
	var changed []string
	for conv, users := range p.typing {
		for u := range users {
			if u != p.self {
				delete(users, u)
			}
		}
		if len(users) == 0 {
			delete(p.typing, conv)
		}
		changed = append(changed, conv)
	}
	for u := range p.online {
		if u != p.self {
			p.online[u] = false
		}
	}
	p.mu.Unlock()
	for _, c := range changed {
		p.notify(c)
	}
	p.notify("")
}

func (p *PresenceTracker) allowTyping(conversationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.limiters[conversationID]
	if l == nil {
		l = rate.NewLimiter(rate.Every(p.opts.TypingInterval), 1)
		p.limiters[conversationID] = l
	}
	return l.Allow()
}

func (p *PresenceTracker) send(cmdType, conversationID string) {
	if p.conn == nil || p.conn.State() != StateConnected {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := p.conn.Send(ctx, &Command{
			Type:    cmdType,
			Payload: map[string]string{"conversationId": conversationID},
		})
		if err != nil {
			p.log.Debug("typing_send_failed", "type", cmdType, "conversation", conversationID, "error", err)
		}
	}()
}

func (p *PresenceTracker) notify(conversationID string) {
	p.mu.RLock()
	fns := append([]func(string){}, p.onChange...)
	p.mu.RUnlock()
	for _, fn := range fns {
		fn(conversationID)
	}
}
