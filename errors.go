package carenest

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// ErrNotConnected is returned when an operation needs a CONNECTED channel.
	ErrNotConnected = errors.New("not connected")

	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrReplyTargetNotFound  = errors.New("reply target not found in conversation")
	ErrMessageNotFailed     = errors.New("only failed messages can be resent")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrSessionClosed        = errors.New("session closed")
)

// ============================================================================
// Typed errors
// ============================================================================

// APIError represents an error body returned by a platform endpoint.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// NotConnectedError is raised synchronously by SendMessage when the
// connection is not CONNECTED. It matches ErrNotConnected with errors.Is.
type NotConnectedError struct {
	State ConnectionState
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("not connected (state %s)", e.State)
}

func (e *NotConnectedError) Is(target error) bool { return target == ErrNotConnected }

// UploadError is recorded on a single attachment whose upload was rejected.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %q failed: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// ReplayError describes a queued entry whose resubmission failed. The entry
// stays in the queue.
type ReplayError struct {
	EntryID  string
	Category QueueCategory
	Err      error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay %s/%s failed: %v", e.Category, e.EntryID, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// PreferenceUpdateError is returned when persisting a preference change
// failed and the local change was rolled back.
type PreferenceUpdateError struct {
	ThreadKey string
	Err       error
}

func (e *PreferenceUpdateError) Error() string {
	if e.ThreadKey == "" {
		return fmt.Sprintf("preference update failed: %v", e.Err)
	}
	return fmt.Sprintf("preference update for thread %s failed: %v", e.ThreadKey, e.Err)
}

func (e *PreferenceUpdateError) Unwrap() error { return e.Err }
