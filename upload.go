package carenest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ============================================================================
// Interfaces
// ============================================================================

// ProgressFunc receives upload progress in percent (0..100).
type ProgressFunc func(percent int)

// AttachmentUploader uploads a binary payload and returns the stored
// attachment descriptor once persistence is confirmed.
type AttachmentUploader interface {
	Upload(ctx context.Context, file FileInput, onProgress ProgressFunc) (Attachment, error)
}

// StoredObject is what a storage backend returns for a persisted payload.
type StoredObject struct {
	URL          string
	ThumbnailURL string
}

// StorageBackend is the final persistence target for attachments.
type StorageBackend interface {
	Put(ctx context.Context, name, mimeType string, r io.Reader, size int64) (StoredObject, error)
}

// ============================================================================
// Uploader
// ============================================================================

// UploaderOptions configures an Uploader.
type UploaderOptions struct {
	MaxSize int64
	Logger  *slog.Logger
	Metrics *Metrics
}

// Uploader is the default AttachmentUploader on top of a StorageBackend.
type Uploader struct {
	backend StorageBackend
	opts    UploaderOptions
	log     *slog.Logger
}

// NewUploader creates an uploader. MaxSize defaults to 50 MB.
func NewUploader(backend StorageBackend, opts *UploaderOptions) *Uploader {
	var o UploaderOptions
	if opts != nil {
		o = *opts
	}
	if o.MaxSize == 0 {
		o.MaxSize = 50 * 1024 * 1024
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Uploader{backend: backend, opts: o, log: o.Logger.With("component", "uploader")}
}

// Upload implements AttachmentUploader. Progress reported while the payload
// streams stops at 99; 100 is reported only after the backend confirmed.
func (u *Uploader) Upload(ctx context.Context, file FileInput, onProgress ProgressFunc) (Attachment, error) {
	if file.Name == "" {
		return Attachment{}, &UploadError{Name: file.Name, Err: fmt.Errorf("file name is required")}
	}
	size := int64(len(file.Data))
	if size > u.opts.MaxSize {
		u.opts.Metrics.uploadFailed()
		return Attachment{}, &UploadError{Name: file.Name, Err: fmt.Errorf("file exceeds maximum size of %d bytes", u.opts.MaxSize)}
	}
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(file.Name)
	}

	pr := &progressReader{r: bytes.NewReader(file.Data), total: size, fn: onProgress}
	obj, err := u.backend.Put(ctx, file.Name, mimeType, pr, size)
	if err != nil {
		u.opts.Metrics.uploadFailed()
		u.log.Warn("upload_failed", "name", file.Name, "error", err)
		return Attachment{}, &UploadError{Name: file.Name, Err: err}
	}
	pr.report(100)

	return Attachment{
		Name:         file.Name,
		Size:         size,
		MimeType:     mimeType,
		URL:          obj.URL,
		ThumbnailURL: obj.ThumbnailURL,
		Progress:     100,
	}, nil
}

// progressReader reports monotonically non-decreasing percentages.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    ProgressFunc

	mu   sync.Mutex
	last int
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.total > 0 {
		p.read += int64(n)
		pct := int(p.read * 100 / p.total)
		if pct > 99 {
			pct = 99
		}
		p.report(pct)
	}
	return n, err
}

func (p *progressReader) report(pct int) {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	if pct <= p.last {
		p.mu.Unlock()
		return
	}
	p.last = pct
	p.mu.Unlock()
	p.fn(pct)
}

// ============================================================================
// MinIO backend
// ============================================================================

// MinioOptions configures a MinioBackend.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the base URL objects are served from. Defaults to the
	// endpoint URL.
	PublicURL string
	Prefix    string
	// ThumbnailSize bounds generated image thumbnails. 0 means 256.
	ThumbnailSize int
	Logger        *slog.Logger
}

// MinioBackend stores attachments in a MinIO / S3 bucket and writes a JPEG
// thumbnail next to every image.
type MinioBackend struct {
	client *minio.Client
	opts   MinioOptions
	log    *slog.Logger
}

// NewMinioBackend creates a backend. It does not contact the server.
func NewMinioBackend(opts MinioOptions) (*MinioBackend, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}
	if opts.ThumbnailSize == 0 {
		opts.ThumbnailSize = 256
	}
	if opts.PublicURL == "" {
		opts.PublicURL = client.EndpointURL().String()
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &MinioBackend{client: client, opts: opts, log: opts.Logger.With("component", "minio")}, nil
}

// Put implements StorageBackend.
func (b *MinioBackend) Put(ctx context.Context, name, mimeType string, r io.Reader, size int64) (StoredObject, error) {
	objectName := b.objectName(name)

	var img *bytes.Buffer
	if strings.HasPrefix(mimeType, "image/") {
		img = &bytes.Buffer{}
		r = io.TeeReader(r, img)
	}

	info, err := b.client.PutObject(ctx, b.opts.Bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return StoredObject{}, fmt.Errorf("failed to upload file: %w", err)
	}
	obj := StoredObject{URL: b.publicURL(info.Key)}

	if img != nil {
		thumb, err := b.putThumbnail(ctx, objectName, img)
		if err != nil {
			b.log.Warn("thumbnail_failed", "object", objectName, "error", err)
		} else {
			obj.ThumbnailURL = thumb
		}
	}
	return obj, nil
}

func (b *MinioBackend) putThumbnail(ctx context.Context, objectName string, src io.Reader) (string, error) {
	decoded, err := imaging.Decode(src, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	thumb := imaging.Fit(decoded, b.opts.ThumbnailSize, b.opts.ThumbnailSize, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	thumbName := objectName + ".thumb.jpg"
	info, err := b.client.PutObject(ctx, b.opts.Bucket, thumbName, &buf, int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "image/jpeg",
	})
	if err != nil {
		return "", fmt.Errorf("upload thumbnail: %w", err)
	}
	return b.publicURL(info.Key), nil
}

func (b *MinioBackend) objectName(name string) string {
	return b.opts.Prefix + uuid.NewString() + "/" + filepath.Base(name)
}

func (b *MinioBackend) publicURL(key string) string {
	return b.opts.PublicURL + "/" + b.opts.Bucket + "/" + key
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".md": "text/markdown", ".heic": "image/heic",
		".webp": "image/webp", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
