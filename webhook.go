package carenest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// ============================================================================
// Push Types
// ============================================================================

// PushSource is the source value of platform push deliveries.
const PushSource = "carenest"

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-CareNest-Signature"

// PushPayload is a signed notification push (POST to the receiver endpoint).
type PushPayload struct {
	Source       string        `json:"source"`
	Event        string        `json:"event"`
	Topic        string        `json:"topic"`
	Timestamp    int64         `json:"timestamp"`
	Notification *Notification `json:"notification"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifySignature verifies a push signature using HMAC-SHA256 in constant
// time. The signature may carry a "sha256=" prefix.
func VerifySignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// Sign returns the "sha256=" signature of body.
func Sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParsePushPayload parses a raw body into a PushPayload.
func ParsePushPayload(body string) (*PushPayload, error) {
	var payload PushPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in push body: %w", err)
	}

	if payload.Source != PushSource {
		return nil, fmt.Errorf("unknown push source: %s", payload.Source)
	}
	if payload.Event != StreamNotificationCreated && payload.Event != StreamNotificationUpdated {
		return nil, fmt.Errorf("unsupported push event: %q", payload.Event)
	}
	if payload.Topic == "" || payload.Notification == nil || payload.Notification.ID == "" {
		return nil, fmt.Errorf("missing required fields in push payload (topic, notification)")
	}
	return &payload, nil
}

// ============================================================================
// PushReceiver
// ============================================================================

// PushReceiver accepts signed notification pushes over HTTP and hands them to
// the subscribers of their topic. It implements NotificationStream.
type PushReceiver struct {
	secret string
	// MaxSkew rejects pushes whose timestamp is further than this from now.
	// Zero disables the check.
	MaxSkew time.Duration
	log     *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]StreamHandler
}

// NewPushReceiver creates a receiver verifying pushes with secret.
func NewPushReceiver(secret string, logger *slog.Logger) (*PushReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("push secret is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PushReceiver{
		secret:  secret,
		MaxSkew: 5 * time.Minute,
		log:     logger.With("component", "push"),
		now:     time.Now,
		subs:    make(map[string]map[int]StreamHandler),
	}, nil
}

// Subscribe implements NotificationStream.
func (p *PushReceiver) Subscribe(_ context.Context, topic string, h StreamHandler) (func(), error) {
	if topic == "" {
		return nil, fmt.Errorf("push topic is required")
	}
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	if p.subs[topic] == nil {
		p.subs[topic] = make(map[int]StreamHandler)
	}
	p.subs[topic][id] = h
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs[topic], id)
		if len(p.subs[topic]) == 0 {
			delete(p.subs, topic)
		}
		p.mu.Unlock()
	}, nil
}

// Handle processes a push (verify + parse + deliver). It returns the status
// code and response body for the caller to write.
func (p *PushReceiver) Handle(body, signature string) (int, any) {
	if !VerifySignature(body, signature, p.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParsePushPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if p.MaxSkew > 0 && payload.Timestamp > 0 {
		skew := p.now().Sub(time.Unix(payload.Timestamp, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > p.MaxSkew {
			return http.StatusBadRequest, map[string]string{"error": "Stale push"}
		}
	}

	data, err := json.Marshal(payload.Notification)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}

	p.mu.RLock()
	handlers := make([]StreamHandler, 0, len(p.subs[payload.Topic]))
	for _, h := range p.subs[payload.Topic] {
		handlers = append(handlers, h)
	}
	p.mu.RUnlock()

	for _, h := range handlers {
		h(payload.Event, data)
	}
	p.log.Debug("push_delivered", "topic", payload.Topic, "event", payload.Event, "subscribers", len(handlers))
	return http.StatusOK, map[string]any{"ok": true, "delivered": len(handlers)}
}

// HTTPHandler returns an http.Handler that processes push requests.
//
// Example:
//
//	rx, _ := carenest.NewPushReceiver("secret", nil)
//	http.Handle("/push", rx.HTTPHandler())
func (p *PushReceiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := p.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
