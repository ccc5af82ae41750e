package carenest

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// ============================================================================
// Participants
// ============================================================================

// Role is the platform role of a conversation participant.
type Role string

const (
	RoleUser         Role = "USER"
	RoleFacility     Role = "FACILITY"
	RoleAdvisor      Role = "ADVISOR"
	RoleFamilyMember Role = "FAMILY_MEMBER"
	RoleSystem       Role = "SYSTEM"
)

// Participant is a member of a conversation. ID, Name and Role never change;
// IsActive and LastSeen are filled from the PresenceTracker on every snapshot.
type Participant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	IsActive  bool      `json:"isActive"`
	LastSeen  time.Time `json:"lastSeen,omitempty"`
}

// Identity is the authenticated user supplied by the auth collaborator.
type Identity struct {
	UserID string `json:"userId" toml:"user_id"`
	Name   string `json:"name" toml:"name"`
	Role   Role   `json:"role" toml:"role"`
}

func (id Identity) participant() Participant {
	return Participant{ID: id.UserID, Name: id.Name, Role: id.Role}
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the delivery status of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "SENDING"
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
	StatusFailed    MessageStatus = "FAILED"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

// CanAdvanceTo reports whether moving from s to next is a legal forward
// transition. READ and FAILED are final; FAILED is reachable from any
// non-final state.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if s == StatusRead || s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.rank() > s.rank()
}

// Attachment is a file attached to a message. Progress runs 0..100 while
// uploading; Error is set when this attachment's upload was rejected.
type Attachment struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimeType,omitempty"`
	URL          string `json:"url,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Progress     int    `json:"progress"`
	Error        string `json:"error,omitempty"`
}

// Uploaded reports whether the attachment reached the storage backend.
func (a Attachment) Uploaded() bool { return a.URL != "" && a.Error == "" }

// Reaction is an emoji reaction. At most one exists per (UserID, Emoji).
type Reaction struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a single conversation message.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	Timestamp      time.Time     `json:"timestamp"`
	Status         MessageStatus `json:"status"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	ReplyTo        string        `json:"replyTo,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	IsDeleted      bool          `json:"isDeleted"`
}

func (m *Message) clone() *Message {
	c := *m
	c.Attachments = append([]Attachment(nil), m.Attachments...)
	c.Reactions = append([]Reaction(nil), m.Reactions...)
	return &c
}

// Conversation is a snapshot of a conversation and its messages.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	Messages     []*Message    `json:"messages"`
	UnreadCount  int           `json:"unreadCount"`
	LastActivity time.Time     `json:"lastActivity"`
}

// FileInput is a binary payload handed to SendMessage or an uploader.
type FileInput struct {
	Name     string
	MimeType string
	Data     []byte
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationType classifies a notification.
type NotificationType string

const (
	NotificationMessage        NotificationType = "MESSAGE"
	NotificationInquiryUpdate  NotificationType = "INQUIRY_UPDATE"
	NotificationTourReminder   NotificationType = "TOUR_REMINDER"
	NotificationDocumentShared NotificationType = "DOCUMENT_SHARED"
	NotificationStatusChange   NotificationType = "STATUS_CHANGE"
	NotificationSystem         NotificationType = "SYSTEM"
)

// Priority only changes how a notification is displayed.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// Notification is a user-facing notification.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
	IsRead    bool             `json:"isRead"`
	Priority  Priority         `json:"priority"`
	Link      string           `json:"link,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// ThreadKey builds the stable mute key for a resource.
func ThreadKey(resourceType, resourceID string) string {
	if resourceType == "" || resourceID == "" {
		return ""
	}
	return NormalizeThreadKey(resourceType + ":" + resourceID)
}

// NormalizeThreadKey lower-cases the resource type of a "<type>:<id>" key
// and trims surrounding space. Resource ids keep their case.
func NormalizeThreadKey(key string) string {
	key = strings.TrimSpace(key)
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return strings.ToLower(key[:i]) + key[i:]
	}
	return strings.ToLower(key)
}

// ThreadKey returns the notification's thread key, or "" when it has none.
// An explicit metadata "threadKey" wins over resourceType/resourceId.
func (n *Notification) ThreadKey() string {
	if n.Metadata == nil {
		return ""
	}
	if k, ok := n.Metadata["threadKey"].(string); ok && k != "" {
		return NormalizeThreadKey(k)
	}
	rt, _ := n.Metadata["resourceType"].(string)
	rid, _ := n.Metadata["resourceId"].(string)
	return ThreadKey(rt, rid)
}

func (n *Notification) clone() *Notification {
	c := *n
	if n.Metadata != nil {
		c.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Preferences is the per-user notification preference record.
type Preferences struct {
	UserID       string          `json:"userId"`
	MutedThreads []string        `json:"mutedThreads"`
	Toasts       map[string]bool `json:"toasts,omitempty"`
}

// IsMuted reports whether key is muted.
func (p *Preferences) IsMuted(key string) bool {
	key = NormalizeThreadKey(key)
	if key == "" {
		return false
	}
	for _, k := range p.MutedThreads {
		if NormalizeThreadKey(k) == key {
			return true
		}
	}
	return false
}

func (p *Preferences) clone() *Preferences {
	c := &Preferences{
		UserID:       p.UserID,
		MutedThreads: append([]string(nil), p.MutedThreads...),
		Toasts:       make(map[string]bool, len(p.Toasts)),
	}
	for k, v := range p.Toasts {
		c.Toasts[k] = v
	}
	return c
}

// PreferencePatch is a partial update sent to the preference store. A nil
// MutedThreads leaves the muted set unchanged; a pointer to an empty slice
// clears it.
type PreferencePatch struct {
	MutedThreads *[]string       `json:"mutedThreads,omitempty"`
	Toasts       map[string]bool `json:"toasts,omitempty"`
}

// ============================================================================
// API envelope
// ============================================================================

// APIResult is the generic platform response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into v.
func (r *APIResult) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
