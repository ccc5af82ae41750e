package carenest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient("tok-123", WithBaseURL(srv.URL+"/"))
}

func TestNewClientOptions(t *testing.T) {
	c := NewClient("t")
	require.Equal(t, DefaultBaseURL, c.BaseURL())

	c = NewClient("t", WithEnvironment(Staging))
	require.Equal(t, "https://staging-api.carenest.app", c.BaseURL())

	c = NewClient("t", WithBaseURL("https://example.test/"))
	require.Equal(t, "https://example.test", c.BaseURL())
}

func TestDecodeResult(t *testing.T) {
	t.Run("ok envelope", func(t *testing.T) {
		res, err := decodeResult(200, []byte(`{"ok":true,"data":{"id":"x"}}`))
		require.NoError(t, err)
		require.JSONEq(t, `{"id":"x"}`, string(res.Data))
	})

	t.Run("empty 2xx body", func(t *testing.T) {
		res, err := decodeResult(204, nil)
		require.NoError(t, err)
		require.True(t, res.OK)
	})

	t.Run("error envelope", func(t *testing.T) {
		_, err := decodeResult(200, []byte(`{"ok":false,"error":{"code":"INVALID","message":"bad input"}}`))
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, "INVALID", apiErr.Code)
		require.Equal(t, 200, apiErr.Status)
	})

	t.Run("non-json error body", func(t *testing.T) {
		_, err := decodeResult(502, []byte("bad gateway"))
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, 502, apiErr.Status)
		require.Equal(t, "bad gateway", apiErr.Message)
	})

	t.Run("status without envelope", func(t *testing.T) {
		_, err := decodeResult(404, []byte(`{"ok":false}`))
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, "Not Found", apiErr.Message)
	})
}

func TestClientSubmit(t *testing.T) {
	var gotMethod, gotPath, gotAuth, gotBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotAuth = r.Method, r.URL.Path, r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Write([]byte(`{"ok":true}`))
	})

	err := c.Submit(context.Background(), "", "/api/inquiries", json.RawMessage(`{"facilityId":"f1"}`))
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "/api/inquiries", gotPath)
	require.Equal(t, "Bearer tok-123", gotAuth)
	require.JSONEq(t, `{"facilityId":"f1"}`, gotBody)
}

func TestNotificationsClient(t *testing.T) {
	var readBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/notifications":
			w.Write([]byte(`{"ok":true,"data":[{"id":"n1","type":"MESSAGE","title":"Hi","isRead":false}]}`))
		case "/api/notifications/read":
			b, _ := io.ReadAll(r.Body)
			readBody = string(b)
			w.Write([]byte(`{"ok":true}`))
		case "/api/notifications/read-all":
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"ok":false,"error":{"code":"UNAVAILABLE","message":"try later"}}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	list, err := c.Notifications.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, NotificationMessage, list[0].Type)

	require.NoError(t, c.Notifications.MarkRead(ctx, []string{"n1", "n2"}))
	require.JSONEq(t, `{"ids":["n1","n2"]}`, readBody)

	err = c.Notifications.MarkAllRead(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	require.Equal(t, "UNAVAILABLE", apiErr.Code)
}

func TestPreferencesClient(t *testing.T) {
	var patch string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users/u1/preferences/notifications" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte(`{"ok":true,"data":{"mutedThreads":["inquiry:7"],"toasts":{"tours":false}}}`))
		case http.MethodPatch:
			b, _ := io.ReadAll(r.Body)
			patch = string(b)
			w.Write([]byte(`{"ok":true,"data":{"userId":"u1","mutedThreads":[]}}`))
		}
	})
	ctx := context.Background()

	prefs, err := c.Preferences.Load(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "u1", prefs.UserID)
	require.True(t, prefs.IsMuted("inquiry:7"))
	require.False(t, prefs.Toasts["tours"])

	_, err = c.Preferences.Update(ctx, "u1", PreferencePatch{MutedThreads: &[]string{"inquiry:9"}})
	require.NoError(t, err)
	require.JSONEq(t, `{"mutedThreads":["inquiry:9"]}`, patch)

	_, err = c.Preferences.Update(ctx, "u1", PreferencePatch{MutedThreads: &[]string{}})
	require.NoError(t, err)
	require.JSONEq(t, `{"mutedThreads":[]}`, patch)

	_, err = c.Preferences.Update(ctx, "u1", PreferencePatch{Toasts: map[string]bool{"tours": true}})
	require.NoError(t, err)
	require.JSONEq(t, `{"toasts":{"tours":true}}`, patch)
}

func TestFilesClientPut(t *testing.T) {
	var uploaded, uploadAuth string
	var steps []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		steps = append(steps, r.URL.Path)
		switch r.URL.Path {
		case "/api/files/presign":
			w.Write([]byte(`{"ok":true,"data":{"uploadId":"up-1","url":"/api/files/upload/up-1"}}`))
		case "/api/files/upload/up-1":
			uploadAuth = r.Header.Get("Authorization")
			f, _, err := r.FormFile("file")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			b, _ := io.ReadAll(f)
			uploaded = string(b)
			w.WriteHeader(http.StatusNoContent)
		case "/api/files/confirm":
			w.Write([]byte(`{"ok":true,"data":{"uploadId":"up-1","url":"https://cdn.test/up-1/care-plan.pdf"}}`))
		}
	})

	obj, err := c.Files.Put(context.Background(), "care-plan.pdf", "application/pdf", strings.NewReader("%PDF"), 4)
	require.NoError(t, err)
	require.Equal(t, "https://cdn.test/up-1/care-plan.pdf", obj.URL)
	require.Equal(t, "%PDF", uploaded)
	require.Equal(t, "Bearer tok-123", uploadAuth)
	require.Equal(t, []string{"/api/files/presign", "/api/files/upload/up-1", "/api/files/confirm"}, steps)

	t.Run("upload rejection", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/api/files/presign":
				w.Write([]byte(`{"ok":true,"data":{"uploadId":"up-2","url":"/api/files/upload/up-2"}}`))
			default:
				http.Error(w, "too large", http.StatusRequestEntityTooLarge)
			}
		})
		_, err := c.Files.Put(context.Background(), "big.mov", "video/quicktime", strings.NewReader("x"), 1)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusRequestEntityTooLarge, apiErr.Status)
	})
}
