// Package carenest provides the realtime client core of the CareNest
// care-facility inquiry platform: the persistent connection, presence,
// message delivery, notifications and the durable offline queue.
//
// Example:
//
//	client := carenest.NewClient(token, carenest.WithBaseURL("https://api.carenest.example"))
//
//	session, _ := carenest.NewSession(carenest.SessionConfig{
//		Identity: carenest.Identity{UserID: "u-1", Name: "Ana", Role: carenest.RoleFamilyMember},
//		BaseURL:  "https://api.carenest.example",
//		Token:    token,
//	}, client)
//	session.Start(ctx)
//	defer session.Close()
//
//	session.SendMessage(ctx, "conv-1", "Is Tuesday still fine for the tour?", nil, "")
package carenest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
)

var environments = map[Environment]string{
	Production: "https://api.carenest.app",
	Staging:    "https://staging-api.carenest.app",
}

const (
	DefaultBaseURL = "https://api.carenest.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the platform's HTTP endpoints. It implements Submitter
// directly and exposes NotificationSource, PreferenceStore and
// StorageBackend through its sub-clients.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger

	Notifications *NotificationsClient
	Preferences   *PreferencesClient
	Files         *FilesClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Notifications = &NotificationsClient{c: c}
	c.Preferences = &PreferencesClient{c: c}
	c.Files = &FilesClient{c: c}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) (*APIResult, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		bodyReader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return decodeResult(resp.StatusCode, data)
}

// decodeResult turns a response into an APIResult. Non-2xx statuses and
// envelopes with ok=false become *APIError.
func decodeResult(status int, data []byte) (*APIResult, error) {
	var result APIResult
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			if status >= 300 {
				return nil, &APIError{Status: status, Message: strings.TrimSpace(string(data))}
			}
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	} else if status < 300 {
		result.OK = true
	}
	if status >= 300 || !result.OK {
		apiErr := result.Error
		if apiErr == nil {
			apiErr = &APIError{Message: http.StatusText(status)}
		}
		apiErr.Status = status
		return nil, apiErr
	}
	return &result, nil
}

func decodeData[T any](r *APIResult) (*T, error) {
	var out T
	if err := r.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &out, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// ============================================================================
// Form submission
// ============================================================================

// Submit implements Submitter by sending payload as the request body.
func (c *Client) Submit(ctx context.Context, method, endpoint string, payload json.RawMessage) error {
	if method == "" {
		method = http.MethodPost
	}
	_, err := c.doRequest(ctx, method, endpoint, payload, nil)
	return err
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationsClient implements NotificationSource.
type NotificationsClient struct{ c *Client }

// Fetch returns the user's notifications.
func (n *NotificationsClient) Fetch(ctx context.Context) ([]*Notification, error) {
	res, err := n.c.doRequest(ctx, http.MethodGet, "/api/notifications", nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeData[[]*Notification](res)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// MarkRead marks the given notifications read in one call.
func (n *NotificationsClient) MarkRead(ctx context.Context, ids []string) error {
	_, err := n.c.doRequest(ctx, http.MethodPost, "/api/notifications/read", map[string]any{"ids": ids}, nil)
	return err
}

// MarkAllRead marks every notification of the user read.
func (n *NotificationsClient) MarkAllRead(ctx context.Context) error {
	_, err := n.c.doRequest(ctx, http.MethodPost, "/api/notifications/read-all", nil, nil)
	return err
}

// ============================================================================
// Preferences
// ============================================================================

// PreferencesClient implements PreferenceStore.
type PreferencesClient struct{ c *Client }

func preferencesPath(userID string) string {
	return "/api/users/" + url.PathEscape(userID) + "/preferences/notifications"
}

// Load returns the stored preferences of userID.
func (p *PreferencesClient) Load(ctx context.Context, userID string) (*Preferences, error) {
	res, err := p.c.doRequest(ctx, http.MethodGet, preferencesPath(userID), nil, nil)
	if err != nil {
		return nil, err
	}
	prefs, err := decodeData[Preferences](res)
	if err != nil {
		return nil, err
	}
	if prefs.UserID == "" {
		prefs.UserID = userID
	}
	return prefs, nil
}

// Update applies patch and returns the stored result.
func (p *PreferencesClient) Update(ctx context.Context, userID string, patch PreferencePatch) (*Preferences, error) {
	res, err := p.c.doRequest(ctx, http.MethodPatch, preferencesPath(userID), patch, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[Preferences](res)
}

// ============================================================================
// Files
// ============================================================================

// FilesClient implements StorageBackend with the platform's
// presign → upload → confirm flow.
type FilesClient struct{ c *Client }

type presignResult struct {
	UploadID string            `json:"uploadId"`
	URL      string            `json:"url"`
	Fields   map[string]string `json:"fields,omitempty"`
}

type confirmResult struct {
	UploadID     string `json:"uploadId"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// Put implements StorageBackend.
func (f *FilesClient) Put(ctx context.Context, name, mimeType string, r io.Reader, size int64) (StoredObject, error) {
	presignRes, err := f.c.doRequest(ctx, http.MethodPost, "/api/files/presign", map[string]any{
		"fileName": name, "fileSize": size, "mimeType": mimeType,
	}, nil)
	if err != nil {
		return StoredObject{}, fmt.Errorf("presign: %w", err)
	}
	presign, err := decodeData[presignResult](presignRes)
	if err != nil {
		return StoredObject{}, err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	external := strings.HasPrefix(presign.URL, "http")
	if external {
		for k, v := range presign.Fields {
			_ = w.WriteField(k, v)
		}
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return StoredObject{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return StoredObject{}, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	uploadURL := presign.URL
	if !external {
		uploadURL = f.c.baseURL + presign.URL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &buf)
	if err != nil {
		return StoredObject{}, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if !external {
		f.c.setAuthHeaders(req)
	}
	resp, err := f.c.httpClient.Do(req)
	if err != nil {
		return StoredObject{}, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return StoredObject{}, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	confirmRes, err := f.c.doRequest(ctx, http.MethodPost, "/api/files/confirm", map[string]string{"uploadId": presign.UploadID}, nil)
	if err != nil {
		return StoredObject{}, fmt.Errorf("confirm: %w", err)
	}
	confirmed, err := decodeData[confirmResult](confirmRes)
	if err != nil {
		return StoredObject{}, err
	}
	return StoredObject{URL: confirmed.URL, ThumbnailURL: confirmed.ThumbnailURL}, nil
}
