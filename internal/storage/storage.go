// Package storage keeps case documents in an S3-compatible bucket. Clients
// upload and download directly through presigned URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"brokerdesk/api/internal/util"
)

const (
	MaxUploadBytes = 25 << 20
	URLExpiry      = 15 * time.Minute
)

var (
	ErrObjectNotFound       = errors.New("object not found")
	ErrTooLarge             = errors.New("file exceeds 25 MiB")
	ErrEmpty                = errors.New("file is empty")
	ErrUnsupportedType      = errors.New("unsupported content type")
	ErrStorageNotConfigured = errors.New("object storage not configured")
)

var allowedContentTypes = map[string]bool{
	"application/pdf":    true,
	"image/png":          true,
	"image/jpeg":         true,
	"image/heic":         true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
}

// NormalizeContentType lowercases a MIME type and strips parameters.
func NormalizeContentType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// ValidateUpload checks a declared upload against the size and type limits.
func ValidateUpload(contentType string, sizeBytes int64) error {
	if sizeBytes <= 0 {
		return ErrEmpty
	}
	if sizeBytes > MaxUploadBytes {
		return ErrTooLarge
	}
	if !allowedContentTypes[NormalizeContentType(contentType)] {
		return ErrUnsupportedType
	}
	return nil
}

// ObjectKey returns a fresh key for a document upload.
func ObjectKey(clientID, documentID string) string {
	return fmt.Sprintf("clients/%s/%s/%s", clientID, documentID, util.NewID())
}

// KeyBelongsTo reports whether key was issued for the given document.
func KeyBelongsTo(key, clientID, documentID string) bool {
	return strings.HasPrefix(key, fmt.Sprintf("clients/%s/%s/", clientID, documentID))
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// ObjectInfo is what the service needs to know about a stored object.
type ObjectInfo struct {
	Size        int64
	ContentType string
}

type Store struct {
	client *minio.Client
	bucket string
}

func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, ErrStorageNotConfigured
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket: %w", err)
	}
	return nil
}

func (s *Store) PresignUpload(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, URLExpiry)
	if err != nil {
		return "", fmt.Errorf("presign upload: %w", err)
	}
	return u.String(), nil
}

// PresignDownload signs a GET that makes the browser save the file as filename.
func (s *Store) PresignDownload(ctx context.Context, key, filename string) (string, error) {
	params := url.Values{}
	if filename != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, URLExpiry, params)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return u.String(), nil
}

func (s *Store) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, fmt.Errorf("stat object: %w", err)
	}
	return ObjectInfo{Size: info.Size, ContentType: info.ContentType}, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}
