// Package storage uploads plan images and avatars to the platform's
// object store and maps between public URLs and bucket paths.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/movillink/sync_layer/supabase"
)

// Bucket is the single bucket holding plan images and avatars.
const Bucket = "planes-imagenes"

// MaxFileSize is the upload size limit.
const MaxFileSize = 5 * 1024 * 1024

// ObjectStore is the slice of the platform storage surface the service
// needs. *supabase.BucketClient implements it.
type ObjectStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	Remove(ctx context.Context, paths []string) error
	PublicURL(path string) string
}

var _ ObjectStore = (*supabase.BucketClient)(nil)

// Service validates and uploads images.
type Service struct {
	bucket ObjectStore
	log    *zap.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithClock replaces the time source used for object naming.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

// New creates a Service over a bucket.
func New(bucket ObjectStore, opts ...Option) *Service {
	s := &Service{bucket: bucket, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UploadPlanImage stores a plan image and returns its public URL, or an
// empty string when the upload fails. Only JPEG and PNG up to 5MiB are
// accepted.
func (s *Service) UploadPlanImage(ctx context.Context, data []byte, contentType, planID string) string {
	return s.upload(ctx, data, contentType, fmt.Sprintf("planes/plan-%s-%d", planID, s.now().Unix()))
}

// UploadAvatar stores a user avatar and returns its public URL, or an
// empty string when the upload fails.
func (s *Service) UploadAvatar(ctx context.Context, data []byte, contentType, userID string) string {
	return s.upload(ctx, data, contentType, fmt.Sprintf("avatars/avatar-%s-%d", userID, s.now().Unix()))
}

func (s *Service) upload(ctx context.Context, data []byte, contentType, base string) string {
	ext, ok := extensionFor(contentType)
	if !ok {
		s.log.Warn("upload rejected: unsupported content type",
			zap.String("content_type", contentType))
		return ""
	}
	if len(data) == 0 || len(data) > MaxFileSize {
		s.log.Warn("upload rejected: invalid size", zap.Int("size", len(data)))
		return ""
	}

	path := base + "." + ext
	if err := s.bucket.Upload(ctx, path, data, contentType); err != nil {
		s.log.Warn("upload failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return s.bucket.PublicURL(path)
}

// Delete removes an object. The argument may be a bucket path or a full
// public URL, which is normalized back to its path.
func (s *Service) Delete(ctx context.Context, pathOrURL string) bool {
	path := NormalizePath(pathOrURL)
	if path == "" {
		return false
	}
	if err := s.bucket.Remove(ctx, []string{path}); err != nil {
		s.log.Warn("delete failed", zap.String("path", path), zap.Error(err))
		return false
	}
	return true
}

// PublicURL returns the public URL for a bucket path.
func (s *Service) PublicURL(path string) string {
	return s.bucket.PublicURL(path)
}

// NormalizePath strips everything up to and including the bucket segment
// from a public URL, leaving the bucket-relative path.
func NormalizePath(pathOrURL string) string {
	if pathOrURL == "" {
		return ""
	}
	if idx := strings.Index(pathOrURL, Bucket+"/"); idx >= 0 {
		return pathOrURL[idx+len(Bucket)+1:]
	}
	return pathOrURL
}

func extensionFor(contentType string) (string, bool) {
	switch contentType {
	case "image/jpeg":
		return "jpg", true
	case "image/png":
		return "png", true
	default:
		return "", false
	}
}
