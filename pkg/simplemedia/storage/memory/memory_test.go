package memory_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	memorystorage "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
)

func TestMemoryBackend(t *testing.T) {
	backend := memorystorage.New("media")
	ctx := context.Background()
	testKey := "image/u1/abc.jpg"
	testData := "Hello, World! This is test data."

	t.Run("Put", func(t *testing.T) {
		err := backend.Put(ctx, testKey, strings.NewReader(testData), simplemedia.PutParams{ContentType: "image/jpeg"})
		require.NoError(t, err)
		assert.Equal(t, 1, backend.PutCount())
	})

	t.Run("Get", func(t *testing.T) {
		reader, err := backend.Get(ctx, testKey)
		require.NoError(t, err)
		defer reader.Close()

		data, err := io.ReadAll(reader)
		require.NoError(t, err)
		assert.Equal(t, testData, string(data))
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, backend.Put(ctx, "image/u1/abc__thumb.jpg", strings.NewReader("t"), simplemedia.PutParams{}))
		require.NoError(t, backend.Put(ctx, "image/u2/zzz.jpg", strings.NewReader("z"), simplemedia.PutParams{}))

		objs, err := backend.List(ctx, "image/u1/")
		require.NoError(t, err)
		require.Len(t, objs, 2)
		assert.Equal(t, "image/u1/abc.jpg", objs[0].Key)
		assert.Equal(t, "image/jpeg", objs[0].ContentType)
		assert.Equal(t, "application/octet-stream", objs[1].ContentType)
	})

	t.Run("SignedURL", func(t *testing.T) {
		url, err := backend.SignedURL(ctx, testKey, time.Minute)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(url, "memory://media/image/u1/abc.jpg?expires="))

		_, err = backend.SignedURL(ctx, "missing", time.Minute)
		assert.ErrorIs(t, err, simplemedia.ErrObjectNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, backend.Delete(ctx, testKey))

		_, err := backend.Get(ctx, testKey)
		assert.ErrorIs(t, err, simplemedia.ErrObjectNotFound)
		assert.ErrorIs(t, backend.Delete(ctx, testKey), simplemedia.ErrObjectNotFound)
	})
}
