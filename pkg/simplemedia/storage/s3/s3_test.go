package s3

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

func TestNew_Configuration(t *testing.T) {
	ctx := context.Background()

	t.Run("EmptyBucket", func(t *testing.T) {
		_, err := New(ctx, Config{Region: "us-east-1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bucket name is required")
	})

	t.Run("Defaults", func(t *testing.T) {
		b, err := New(ctx, Config{Bucket: "media", AccessKeyID: "k", SecretAccessKey: "s"})
		require.NoError(t, err)
		assert.Equal(t, "us-east-1", b.config.Region)
		assert.Equal(t, time.Hour, b.config.PresignDuration)
		assert.Equal(t, "media", b.Bucket())
	})
}

func TestPublicURL(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   string
	}{
		{
			name:   "aws virtual hosted",
			config: Config{Bucket: "media", Region: "eu-west-1"},
			want:   "https://media.s3.eu-west-1.amazonaws.com/image/u1/a.jpg",
		},
		{
			name:   "path style endpoint",
			config: Config{Bucket: "media", Endpoint: "http://localhost:9000/", UsePathStyle: true},
			want:   "http://localhost:9000/media/image/u1/a.jpg",
		},
		{
			name:   "explicit base",
			config: Config{Bucket: "media", PublicBaseURL: "https://cdn.example.com/"},
			want:   "https://cdn.example.com/image/u1/a.jpg",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Backend{config: tt.config}
			assert.Equal(t, tt.want, b.PublicURL("image/u1/a.jpg"))
		})
	}
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}))
	assert.False(t, isNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.False(t, isNotFound(io.EOF))
}

// TestS3Backend_Integration runs against MinIO when S3_TEST_ENDPOINT is set.
func TestS3Backend_Integration(t *testing.T) {
	endpoint := os.Getenv("S3_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("S3_TEST_ENDPOINT not set")
	}
	ctx := context.Background()
	b, err := New(ctx, Config{
		Bucket:                 "simple-media-test",
		Endpoint:               endpoint,
		UsePathStyle:           true,
		AccessKeyID:            os.Getenv("S3_TEST_ACCESS_KEY"),
		SecretAccessKey:        os.Getenv("S3_TEST_SECRET_KEY"),
		CreateBucketIfNotExist: true,
	})
	require.NoError(t, err)

	key := "image/it/" + time.Now().Format("150405.000000") + ".jpg"
	require.NoError(t, b.Put(ctx, key, bytes.NewReader([]byte("data")), simplemedia.PutParams{ContentType: "image/jpeg"}))

	rc, err := b.Get(ctx, key)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "data", string(data))

	objs, err := b.List(ctx, "image/it/")
	require.NoError(t, err)
	assert.NotEmpty(t, objs)

	require.NoError(t, b.Delete(ctx, key))
	_, err = b.Get(ctx, key)
	assert.ErrorIs(t, err, simplemedia.ErrObjectNotFound)
}
