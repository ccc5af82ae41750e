package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	carenest "github.com/carenest/realtime-go"
)

// newClient creates a platform client authenticated with the stored token.
func newClient(cfg *Config, log *slog.Logger) (*carenest.Client, error) {
	if cfg.Default.Token == "" {
		return nil, fmt.Errorf("no token configured. Run 'carenest init <token>' first")
	}

	opts := []carenest.ClientOption{carenest.WithLogger(log)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, carenest.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, carenest.WithEnvironment(carenest.Environment(cfg.Default.Environment)))
	}
	return carenest.NewClient(cfg.Default.Token, opts...), nil
}

// openQueue opens the durable queue, by default ~/.carenest/queue.
func openQueue(cfg *Config) (*carenest.PebbleQueue, error) {
	path := cfg.Queue.Path
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "queue")
	}
	return carenest.OpenPebbleQueue(path)
}

// newUploader returns a MinIO-backed uploader when storage is configured
// and nil otherwise, leaving the session on the platform file endpoints.
func newUploader(cfg *Config, log *slog.Logger, metrics *carenest.Metrics) (carenest.AttachmentUploader, error) {
	if cfg.Storage.Endpoint == "" {
		return nil, nil
	}
	backend, err := carenest.NewMinioBackend(carenest.MinioOptions{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
		PublicURL: cfg.Storage.PublicURL,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	return carenest.NewUploader(backend, &carenest.UploaderOptions{Logger: log, Metrics: metrics}), nil
}

// sessionDeps are the optional collaborators of newSession.
type sessionDeps struct {
	queue   carenest.OfflineQueue
	stream  carenest.NotificationStream
	metrics *carenest.Metrics
}

// newSession builds a session from the config.
func newSession(cfg *Config, log *slog.Logger, deps sessionDeps) (*carenest.Session, error) {
	if cfg.Identity.UserID == "" {
		return nil, fmt.Errorf("no identity configured. Run 'carenest config set identity.user_id <id>'")
	}
	client, err := newClient(cfg, log)
	if err != nil {
		return nil, err
	}
	uploader, err := newUploader(cfg, log, deps.metrics)
	if err != nil {
		return nil, err
	}
	return carenest.NewSession(carenest.SessionConfig{
		Identity: cfg.Identity,
		BaseURL:  client.BaseURL(),
		Token:    cfg.Default.Token,
		Queue:    deps.queue,
		Uploader: uploader,
		Stream:   deps.stream,
		Logger:   log,
		Metrics:  deps.metrics,
	}, client)
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
