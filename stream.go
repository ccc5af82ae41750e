package carenest

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// ============================================================================
// EventStream
// ============================================================================

// EventStream is a server-sent events client for the platform's push topics.
// It implements NotificationStream and reconnects with the same backoff as
// the ConnectionManager.
type EventStream struct {
	baseURL    string
	token      string
	httpClient *http.Client
	config     RealtimeConfig
	log        *slog.Logger

	// StaleAfter closes a connection that received nothing, not even a
	// heartbeat comment, for this long.
	StaleAfter time.Duration
}

// NewEventStream creates a stream client. httpClient must not have a
// request timeout; nil uses a client without one.
func NewEventStream(baseURL, token string, httpClient *http.Client, config *RealtimeConfig) *EventStream {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &EventStream{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
		config:     cfg,
		log:        cfg.Logger.With("component", "stream"),
		StaleAfter: 45 * time.Second,
	}
}

func (s *EventStream) url(topic string) string {
	q := url.Values{}
	q.Set("topic", topic)
	if s.token != "" {
		q.Set("token", s.token)
	}
	return s.baseURL + "/sse?" + q.Encode()
}

// Subscribe implements NotificationStream. It returns at once; the stream
// is read on a background goroutine until cancel is called or ctx ends.
func (s *EventStream) Subscribe(ctx context.Context, topic string, h StreamHandler) (func(), error) {
	if topic == "" {
		return nil, fmt.Errorf("stream topic is required")
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.run(sctx, topic, h)
	}()
	return func() {
		cancel()
		wg.Wait()
	}, nil
}

func (s *EventStream) run(ctx context.Context, topic string, h StreamHandler) {
	attempt := 0
	for {
		connected, err := s.connect(ctx, topic, h)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		if attempt >= s.config.MaxReconnectAttempts {
			s.log.Warn("stream_reconnect_exhausted", "topic", topic, "attempts", attempt, "error", err)
			return
		}
		delay := s.config.ReconnectDelay(attempt)
		attempt++
		s.log.Info("stream_reconnecting", "topic", topic, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connect reads one connection to completion. connected reports whether the
// server accepted the stream.
func (s *EventStream) connect(ctx context.Context, topic string, h StreamHandler) (connected bool, err error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, s.url(topic), nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("SSE connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}
	s.log.Info("stream_connected", "topic", topic)

	var (
		mu       sync.Mutex
		lastData = time.Now()
	)
	go func() {
		ticker := time.NewTicker(s.StaleAfter / 3)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				stale := time.Since(lastData) > s.StaleAfter
				mu.Unlock()
				if stale {
					s.log.Warn("stream_stale", "topic", topic)
					cancel()
					return
				}
			}
		}
	}()

	var frame sseFrame
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		mu.Lock()
		lastData = time.Now()
		mu.Unlock()

		if ev, data, ok := frame.feed(scanner.Text()); ok {
			s.dispatch(h, ev, data)
		}
	}
	if err := scanner.Err(); err != nil {
		return true, err
	}
	return true, fmt.Errorf("stream ended")
}

func (s *EventStream) dispatch(h StreamHandler, event string, data []byte) {
	// Frames without an event field carry a {type, payload} envelope.
	if event == "" {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			s.log.Debug("bad_stream_frame", "error", err)
			return
		}
		event, data = env.Type, env.Payload
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("stream_handler_panic", "event", event, "panic", r)
		}
	}()
	h(event, json.RawMessage(data))
}

// sseFrame accumulates the fields of one event until the blank line that
// terminates it.
type sseFrame struct {
	event string
	data  []string
}

func (f *sseFrame) feed(line string) (event string, data []byte, ok bool) {
	switch {
	case line == "":
		if len(f.data) == 0 {
			f.event = ""
			return "", nil, false
		}
		event, data = f.event, []byte(strings.Join(f.data, "\n"))
		f.event, f.data = "", nil
		return event, data, true
	case strings.HasPrefix(line, ":"):
		// heartbeat comment
	case strings.HasPrefix(line, "event:"):
		f.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
	case strings.HasPrefix(line, "data:"):
		v := strings.TrimPrefix(line, "data:")
		f.data = append(f.data, strings.TrimPrefix(v, " "))
	}
	return "", nil, false
}
