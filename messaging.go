package carenest

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Options
// ============================================================================

// DefaultAckTimeout is the AckTimeout a Session uses unless configured.
const DefaultAckTimeout = 30 * time.Second

// MessageOptions configures a MessageEngine.
type MessageOptions struct {
	// AckTimeout moves a message still SENDING to FAILED. Zero disables it
	// and leaves such messages SENDING until an ack arrives.
	AckTimeout time.Duration
	// SendTimeout bounds a single channel write.
	SendTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *Metrics
}

func (o *MessageOptions) defaults() {
	if o.SendTimeout == 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// presenceReader is the part of PresenceTracker the engine reads from.
type presenceReader interface {
	IsOnline(userID string) bool
	LastSeen(userID string) time.Time
}

// wire shapes
type sendPayload struct {
	ConversationID string       `json:"conversationId"`
	MessageID      string       `json:"messageId"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyTo        string       `json:"replyTo,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

type messageRef struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// ============================================================================
// MessageEngine
// ============================================================================

type conversationState struct {
	id           string
	participants []Participant
	messages     []*Message
	index        map[string]int
}

func (c *conversationState) find(id string) *Message {
	if i, ok := c.index[id]; ok {
		return c.messages[i]
	}
	return nil
}

func (c *conversationState) append(m *Message) {
	c.index[m.ID] = len(c.messages)
	c.messages = append(c.messages, m)
}

func (c *conversationState) addParticipant(p Participant) {
	for _, existing := range c.participants {
		if existing.ID == p.ID {
			return
		}
	}
	c.participants = append(c.participants, p)
}

// MessageEngine owns conversations, messages and their delivery status.
type MessageEngine struct {
	self     Identity
	conn     commandSender
	uploader AttachmentUploader
	presence presenceReader
	opts     MessageOptions
	log      *slog.Logger

	mu            sync.RWMutex
	conversations map[string]*conversationState
	order         []string
	ackTimers     map[string]*time.Timer
	onChange      []func(conversationID string)
	afterFunc     func(time.Duration, func()) *time.Timer
}

// NewMessageEngine creates an engine. uploader and presence may be nil.
func NewMessageEngine(self Identity, conn commandSender, uploader AttachmentUploader, presence presenceReader, opts *MessageOptions) *MessageEngine {
	var o MessageOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &MessageEngine{
		self:          self,
		conn:          conn,
		uploader:      uploader,
		presence:      presence,
		opts:          o,
		log:           o.Logger.With("component", "messages"),
		conversations: make(map[string]*conversationState),
		ackTimers:     make(map[string]*time.Timer),
		afterFunc:     time.AfterFunc,
	}
}

// Bind subscribes the engine to server events.
func (e *MessageEngine) Bind(cm *ConnectionManager) {
	cm.On(EventMessageNew, func(raw json.RawMessage) {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			e.log.Debug("bad_message_event", "error", err)
			return
		}
		e.Receive(&m)
	})
	status := map[string]MessageStatus{
		EventMessageAck:     StatusSent,
		EventMessageDeliver: StatusDelivered,
		EventMessageRead:    StatusRead,
	}
	for ev, st := range status {
		st := st
		cm.On(ev, func(raw json.RawMessage) {
			var p MessageStatusPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				return
			}
			e.ApplyStatus(p.ConversationID, p.MessageID, st)
		})
	}
	cm.On(EventMessageDeleted, func(raw json.RawMessage) {
		var p MessageStatusPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		e.softDelete(p.ConversationID, p.MessageID)
	})
	cm.On(EventReactionAdded, func(raw json.RawMessage) {
		var p ReactionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		e.upsertReaction(p.ConversationID, p.MessageID, p.Emoji, p.UserID, p.UserName)
	})
	cm.On(EventReactionRemoved, func(raw json.RawMessage) {
		var p ReactionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		e.deleteReaction(p.ConversationID, p.MessageID, p.Emoji, p.UserID)
	})
}

// OnChange registers a callback fired after a conversation changed.
func (e *MessageEngine) OnChange(fn func(conversationID string)) {
	e.mu.Lock()
	e.onChange = append(e.onChange, fn)
	e.mu.Unlock()
}

// AddConversation registers a conversation with its initial participants.
// Participants are appended to an existing conversation, never removed.
func (e *MessageEngine) AddConversation(id string, participants ...Participant) {
	e.mu.Lock()
	c := e.conversationLocked(id)
	for _, p := range participants {
		c.addParticipant(p)
	}
	e.mu.Unlock()
	e.notify(id)
}

// ── Sending ──────────────────────────────────────────────

// SendMessage appends an optimistic SENDING message and returns a copy of it
// immediately. Attachments are uploaded and the message written to the
// channel in the background.
func (e *MessageEngine) SendMessage(ctx context.Context, conversationID, content string, files []FileInput, replyTo string) (*Message, error) {
	if st := e.conn.State(); st != StateConnected {
		return nil, &NotConnectedError{State: st}
	}

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       e.self.UserID,
		Content:        content,
		Timestamp:      time.Now().UTC(),
		Status:         StatusSending,
		ReplyTo:        replyTo,
	}
	for _, f := range files {
		msg.Attachments = append(msg.Attachments, Attachment{
			Name:     f.Name,
			Size:     int64(len(f.Data)),
			MimeType: f.MimeType,
		})
	}

	e.mu.Lock()
	if replyTo != "" && e.findLocked(conversationID, replyTo) == nil {
		e.mu.Unlock()
		return nil, ErrReplyTargetNotFound
	}
	c := e.conversationLocked(conversationID)
	c.addParticipant(e.self.participant())
	c.append(msg)
	out := msg.clone()
	e.armAckTimeoutLocked(conversationID, msg.ID)
	e.mu.Unlock()

	e.notify(conversationID)
	go e.deliver(context.WithoutCancel(ctx), conversationID, msg.ID, files)
	return out, nil
}

// Resend sends the content and uploaded attachments of a FAILED message as
// a new message. The failed message stays in place.
func (e *MessageEngine) Resend(ctx context.Context, conversationID, messageID string) (*Message, error) {
	e.mu.RLock()
	c := e.conversations[conversationID]
	var orig *Message
	if c != nil {
		if m := c.find(messageID); m != nil {
			orig = m.clone()
		}
	}
	e.mu.RUnlock()
	if c == nil {
		return nil, ErrConversationNotFound
	}
	if orig == nil {
		return nil, ErrMessageNotFound
	}
	if orig.Status != StatusFailed {
		return nil, ErrMessageNotFailed
	}
	if st := e.conn.State(); st != StateConnected {
		return nil, &NotConnectedError{State: st}
	}

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       e.self.UserID,
		Content:        orig.Content,
		Timestamp:      time.Now().UTC(),
		Status:         StatusSending,
		ReplyTo:        orig.ReplyTo,
	}
	for _, a := range orig.Attachments {
		if a.Uploaded() {
			msg.Attachments = append(msg.Attachments, a)
		}
	}

	e.mu.Lock()
	c.append(msg)
	out := msg.clone()
	e.armAckTimeoutLocked(conversationID, msg.ID)
	e.mu.Unlock()

	e.notify(conversationID)
	go e.deliver(context.WithoutCancel(ctx), conversationID, msg.ID, nil)
	return out, nil
}

func (e *MessageEngine) deliver(ctx context.Context, conversationID, messageID string, files []FileInput) {
	if len(files) > 0 {
		e.uploadAll(ctx, conversationID, messageID, files)
	}

	e.mu.RLock()
	var payload *sendPayload
	if c := e.conversations[conversationID]; c != nil {
		if m := c.find(messageID); m != nil && m.Status == StatusSending && !m.IsDeleted {
			payload = &sendPayload{
				ConversationID: conversationID,
				MessageID:      m.ID,
				Content:        m.Content,
				ReplyTo:        m.ReplyTo,
				Timestamp:      m.Timestamp,
			}
			for _, a := range m.Attachments {
				if a.Uploaded() {
					payload.Attachments = append(payload.Attachments, a)
				}
			}
		}
	}
	e.mu.RUnlock()
	if payload == nil {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
	defer cancel()
	err := e.conn.Send(sctx, &Command{Type: CmdMessageSend, Payload: payload, RequestID: messageID})
	if err != nil {
		e.log.Warn("message_send_failed", "conversation", conversationID, "message", messageID, "error", err)
		e.ApplyStatus(conversationID, messageID, StatusFailed)
		return
	}
	e.opts.Metrics.messageSent()
}

// uploadAll uploads every file concurrently, applying progress in place by
// attachment name, then swaps in the final attachment list.
func (e *MessageEngine) uploadAll(ctx context.Context, conversationID, messageID string, files []FileInput) {
	results := make([]Attachment, len(files))
	var g errgroup.Group
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			results[i] = e.uploadOne(ctx, conversationID, messageID, f)
			return nil
		})
	}
	_ = g.Wait()

	e.mu.Lock()
	if m := e.findLocked(conversationID, messageID); m != nil && !m.IsDeleted {
		m.Attachments = results
	}
	e.mu.Unlock()
	e.notify(conversationID)
}

func (e *MessageEngine) uploadOne(ctx context.Context, conversationID, messageID string, f FileInput) Attachment {
	failed := Attachment{Name: f.Name, Size: int64(len(f.Data)), MimeType: f.MimeType}
	if e.uploader == nil {
		failed.Error = "no uploader configured"
		return failed
	}
	att, err := e.uploader.Upload(ctx, f, func(pct int) {
		e.setProgress(conversationID, messageID, f.Name, pct)
	})
	if err != nil {
		e.log.Warn("attachment_upload_failed", "message", messageID, "name", f.Name, "error", err)
		failed.Error = err.Error()
		failed.Progress = e.progressOf(conversationID, messageID, f.Name)
		return failed
	}
	return att
}

func (e *MessageEngine) setProgress(conversationID, messageID, name string, pct int) {
	e.mu.Lock()
	changed := false
	if m := e.findLocked(conversationID, messageID); m != nil {
		for i := range m.Attachments {
			if m.Attachments[i].Name == name && pct > m.Attachments[i].Progress {
				m.Attachments[i].Progress = pct
				changed = true
			}
		}
	}
	e.mu.Unlock()
	if changed {
		e.notify(conversationID)
	}
}

func (e *MessageEngine) progressOf(conversationID, messageID, name string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if m := e.findLocked(conversationID, messageID); m != nil {
		for _, a := range m.Attachments {
			if a.Name == name {
				return a.Progress
			}
		}
	}
	return 0
}

// ── Status ───────────────────────────────────────────────

// ApplyStatus advances a message's status. Backward or repeated transitions
// are ignored. It reports whether the status changed.
func (e *MessageEngine) ApplyStatus(conversationID, messageID string, status MessageStatus) bool {
	e.mu.Lock()
	m := e.findLocked(conversationID, messageID)
	if m == nil || !m.Status.CanAdvanceTo(status) {
		e.mu.Unlock()
		return false
	}
	m.Status = status
	if status != StatusSending {
		e.disarmAckTimeoutLocked(messageID)
	}
	e.mu.Unlock()

	if status == StatusFailed {
		e.opts.Metrics.messageFailed()
	}
	e.notify(conversationID)
	return true
}

func (e *MessageEngine) armAckTimeoutLocked(conversationID, messageID string) {
	if e.opts.AckTimeout <= 0 {
		return
	}
	e.ackTimers[messageID] = e.afterFunc(e.opts.AckTimeout, func() {
		e.mu.Lock()
		delete(e.ackTimers, messageID)
		m := e.findLocked(conversationID, messageID)
		stuck := m != nil && m.Status == StatusSending
		e.mu.Unlock()
		if stuck {
			e.log.Warn("message_ack_timeout", "conversation", conversationID, "message", messageID)
			e.ApplyStatus(conversationID, messageID, StatusFailed)
		}
	})
}

func (e *MessageEngine) disarmAckTimeoutLocked(messageID string) {
	if t, ok := e.ackTimers[messageID]; ok {
		t.Stop()
		delete(e.ackTimers, messageID)
	}
}

// Receive appends a message that arrived from another participant. Messages
// already known by id are ignored.
func (e *MessageEngine) Receive(m *Message) {
	if m.ID == "" || m.ConversationID == "" {
		return
	}
	e.mu.Lock()
	c := e.conversationLocked(m.ConversationID)
	if c.find(m.ID) != nil {
		e.mu.Unlock()
		return
	}
	in := m.clone()
	if in.Status == "" {
		in.Status = StatusDelivered
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}
	c.append(in)
	e.mu.Unlock()
	e.notify(m.ConversationID)
}

// MarkConversationRead marks every message from other participants READ and
// sends a read receipt when connected.
func (e *MessageEngine) MarkConversationRead(ctx context.Context, conversationID string) int {
	e.mu.Lock()
	c := e.conversations[conversationID]
	var ids []string
	if c != nil {
		for _, m := range c.messages {
			if m.SenderID != e.self.UserID && m.Status.CanAdvanceTo(StatusRead) {
				m.Status = StatusRead
				ids = append(ids, m.ID)
			}
		}
	}
	e.mu.Unlock()
	if len(ids) == 0 {
		return 0
	}
	e.notify(conversationID)
	if e.conn.State() == StateConnected {
		err := e.conn.Send(ctx, &Command{
			Type:    CmdMessageRead,
			Payload: map[string]any{"conversationId": conversationID, "messageIds": ids},
		})
		if err != nil {
			e.log.Debug("read_receipt_failed", "conversation", conversationID, "error", err)
		}
	}
	return len(ids)
}

// ── Reactions & deletion ─────────────────────────────────

// AddReaction upserts the (userID, emoji) reaction on a message.
func (e *MessageEngine) AddReaction(ctx context.Context, conversationID, messageID, emoji, userID, userName string) error {
	if !e.upsertReaction(conversationID, messageID, emoji, userID, userName) {
		return ErrMessageNotFound
	}
	e.sendBestEffort(ctx, CmdReactionAdd, ReactionPayload{
		ConversationID: conversationID, MessageID: messageID,
		UserID: userID, UserName: userName, Emoji: emoji,
	})
	return nil
}

// RemoveReaction removes the (userID, emoji) reaction from a message.
func (e *MessageEngine) RemoveReaction(ctx context.Context, conversationID, messageID, emoji, userID string) error {
	if !e.deleteReaction(conversationID, messageID, emoji, userID) {
		return ErrMessageNotFound
	}
	e.sendBestEffort(ctx, CmdReactionRemove, ReactionPayload{
		ConversationID: conversationID, MessageID: messageID, UserID: userID, Emoji: emoji,
	})
	return nil
}

// DeleteMessage soft-deletes a message. The message keeps its position.
func (e *MessageEngine) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if !e.softDelete(conversationID, messageID) {
		return ErrMessageNotFound
	}
	e.sendBestEffort(ctx, CmdMessageDelete, messageRef{ConversationID: conversationID, MessageID: messageID})
	return nil
}

func (e *MessageEngine) upsertReaction(conversationID, messageID, emoji, userID, userName string) bool {
	e.mu.Lock()
	m := e.findLocked(conversationID, messageID)
	if m == nil {
		e.mu.Unlock()
		return false
	}
	r := Reaction{UserID: userID, UserName: userName, Emoji: emoji, CreatedAt: time.Now().UTC()}
	replaced := false
	for i := range m.Reactions {
		if m.Reactions[i].UserID == userID && m.Reactions[i].Emoji == emoji {
			m.Reactions[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		m.Reactions = append(m.Reactions, r)
	}
	e.mu.Unlock()
	e.notify(conversationID)
	return true
}

func (e *MessageEngine) deleteReaction(conversationID, messageID, emoji, userID string) bool {
	e.mu.Lock()
	m := e.findLocked(conversationID, messageID)
	if m == nil {
		e.mu.Unlock()
		return false
	}
	kept := m.Reactions[:0]
	for _, r := range m.Reactions {
		if r.UserID != userID || r.Emoji != emoji {
			kept = append(kept, r)
		}
	}
	m.Reactions = kept
	e.mu.Unlock()
	e.notify(conversationID)
	return true
}

func (e *MessageEngine) softDelete(conversationID, messageID string) bool {
	e.mu.Lock()
	m := e.findLocked(conversationID, messageID)
	if m == nil {
		e.mu.Unlock()
		return false
	}
	changed := !m.IsDeleted
	m.IsDeleted = true
	m.Content = ""
	m.Attachments = nil
	e.mu.Unlock()
	if changed {
		e.notify(conversationID)
	}
	return true
}

func (e *MessageEngine) sendBestEffort(ctx context.Context, cmdType string, payload any) {
	if e.conn.State() != StateConnected {
		return
	}
	if err := e.conn.Send(ctx, &Command{Type: cmdType, Payload: payload}); err != nil {
		e.log.Debug("command_send_failed", "type", cmdType, "error", err)
	}
}

// ── Views ────────────────────────────────────────────────

// Messages returns copies of a conversation's messages in insertion order.
func (e *MessageEngine) Messages(conversationID string) []*Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c := e.conversations[conversationID]
	if c == nil {
		return nil
	}
	out := make([]*Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.clone()
	}
	return out
}

// Message returns a copy of a single message.
func (e *MessageEngine) Message(conversationID, messageID string) (*Message, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m := e.findLocked(conversationID, messageID)
	if m == nil {
		return nil, false
	}
	return m.clone(), true
}

// Conversation returns a snapshot of one conversation.
func (e *MessageEngine) Conversation(conversationID string) (*Conversation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c := e.conversations[conversationID]
	if c == nil {
		return nil, false
	}
	return e.snapshotLocked(c), true
}

// Conversations returns snapshots ordered by most recent activity.
func (e *MessageEngine) Conversations() []*Conversation {
	e.mu.RLock()
	out := make([]*Conversation, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.snapshotLocked(e.conversations[id]))
	}
	e.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out
}

func (e *MessageEngine) snapshotLocked(c *conversationState) *Conversation {
	snap := &Conversation{ID: c.id}
	for _, p := range c.participants {
		if e.presence != nil {
			p.IsActive = e.presence.IsOnline(p.ID)
			if ls := e.presence.LastSeen(p.ID); !ls.IsZero() {
				p.LastSeen = ls
			}
		}
		snap.Participants = append(snap.Participants, p)
	}
	for _, m := range c.messages {
		snap.Messages = append(snap.Messages, m.clone())
		if m.Timestamp.After(snap.LastActivity) {
			snap.LastActivity = m.Timestamp
		}
		if m.SenderID != e.self.UserID && !m.IsDeleted && m.Status != StatusRead {
			snap.UnreadCount++
		}
	}
	return snap
}

func (e *MessageEngine) conversationLocked(id string) *conversationState {
	c := e.conversations[id]
	if c == nil {
		c = &conversationState{id: id, index: make(map[string]int)}
		e.conversations[id] = c
		e.order = append(e.order, id)
	}
	return c
}

func (e *MessageEngine) findLocked(conversationID, messageID string) *Message {
	if c := e.conversations[conversationID]; c != nil {
		return c.find(messageID)
	}
	return nil
}

func (e *MessageEngine) notify(conversationID string) {
	e.mu.RLock()
	fns := append([]func(string){}, e.onChange...)
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(conversationID)
	}
}

// Close stops pending ack timers.
func (e *MessageEngine) Close() {
	e.mu.Lock()
	for id, t := range e.ackTimers {
		t.Stop()
		delete(e.ackTimers, id)
	}
	e.mu.Unlock()
}
