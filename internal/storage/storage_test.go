package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateUpload(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		size        int64
		want        error
	}{
		{"pdf", "application/pdf", 1024, nil},
		{"jpeg with params", "image/JPEG; charset=binary", 10, nil},
		{"docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document", 10, nil},
		{"at limit", "image/png", MaxUploadBytes, nil},
		{"too large", "image/png", MaxUploadBytes + 1, ErrTooLarge},
		{"empty", "image/png", 0, ErrEmpty},
		{"executable", "application/x-msdownload", 10, ErrUnsupportedType},
		{"blank type", "", 10, ErrUnsupportedType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUpload(tt.contentType, tt.size)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestObjectKey(t *testing.T) {
	key := ObjectKey("c1", "d1")
	assert.True(t, strings.HasPrefix(key, "clients/c1/d1/"))
	assert.True(t, KeyBelongsTo(key, "c1", "d1"))
	assert.False(t, KeyBelongsTo(key, "c1", "d2"))
	assert.NotEqual(t, key, ObjectKey("c1", "d1"))
}

func TestNewRequiresEndpointAndBucket(t *testing.T) {
	_, err := New(Config{Bucket: "docs"})
	assert.ErrorIs(t, err, ErrStorageNotConfigured)
	_, err = New(Config{Endpoint: "localhost:9000"})
	assert.ErrorIs(t, err, ErrStorageNotConfigured)
}

func TestPresignedURLsAreSignedAndScoped(t *testing.T) {
	s, err := New(Config{Endpoint: "localhost:9000", AccessKey: "minio", SecretKey: "minio123", Bucket: "docs"})
	require.NoError(t, err)

	raw, err := s.PresignUpload(context.Background(), "clients/c1/d1/k")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/docs/clients/c1/d1/k", u.Path)
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
	assert.Equal(t, "900", u.Query().Get("X-Amz-Expires"))

	raw, err = s.PresignDownload(context.Background(), "clients/c1/d1/k", "paystub.pdf")
	require.NoError(t, err)
	u, err = url.Parse(raw)
	require.NoError(t, err)
	assert.Contains(t, u.Query().Get("response-content-disposition"), "paystub.pdf")
}
