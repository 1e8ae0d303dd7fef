package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/repo/postgres"
)

// newTestRepo connects to TEST_DATABASE_URL and migrates a throwaway schema.
func newTestRepo(t *testing.T) *postgres.Repository {
	t.Helper()

	connString := os.Getenv("TEST_DATABASE_URL")
	if connString == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	schema := fmt.Sprintf("media_test_%d", time.Now().UnixNano())

	cfg, err := pgxpool.ParseConfig(connString)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err, "Failed to connect to test database")
	require.NoError(t, pool.Ping(ctx), "Failed to ping test database")

	_, err = pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema)
	require.NoError(t, err)
	require.NoError(t, postgres.Migrate(ctx, pool))

	t.Cleanup(func() {
		pool.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
		pool.Close()
	})
	return postgres.NewWithPool(pool)
}

func original(hash string) *simplemedia.MediaAsset {
	id := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &simplemedia.MediaAsset{
		ID: id, Key: "image/u1/" + id.String() + ".jpg", Bucket: "media",
		Type: simplemedia.MediaTypeImage, Target: simplemedia.TargetPost,
		Variant: simplemedia.VariantOriginal, MimeType: "image/jpeg",
		SizeBytes: 10, Width: 10, Height: 10, Hash: hash, OwnerID: "u1",
		RefCount: 1, CreatedAt: now, UpdatedAt: now,
	}
}

func derivative(parent *simplemedia.MediaAsset, v simplemedia.Variant, suffix string) *simplemedia.MediaAsset {
	pid := parent.ID
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &simplemedia.MediaAsset{
		ID: uuid.New(), Key: parent.Key + "__" + suffix + ".jpg", Bucket: parent.Bucket,
		Type: parent.Type, Target: parent.Target, Variant: v, MimeType: "image/jpeg",
		OwnerID: parent.OwnerID, ParentID: &pid, CreatedAt: now, UpdatedAt: now,
	}
}

func TestPostgresRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	orig := original("abc")
	require.NoError(t, repo.CreateAsset(ctx, orig))

	t.Run("GetAsset", func(t *testing.T) {
		got, err := repo.GetAsset(ctx, orig.ID)
		require.NoError(t, err)
		assert.Equal(t, orig.Key, got.Key)
		assert.Equal(t, "abc", got.Hash)
		assert.Nil(t, got.ParentID)

		_, err = repo.GetAsset(ctx, uuid.New())
		assert.ErrorIs(t, err, simplemedia.ErrAssetNotFound)
	})

	t.Run("duplicate hash maps to ErrDuplicateAsset", func(t *testing.T) {
		assert.ErrorIs(t, repo.CreateAsset(ctx, original("abc")), simplemedia.ErrDuplicateAsset)
	})

	t.Run("variants", func(t *testing.T) {
		require.NoError(t, repo.CreateAsset(ctx, derivative(orig, simplemedia.VariantThumbnail, "thumb")))
		require.NoError(t, repo.CreateAsset(ctx, derivative(orig, simplemedia.VariantMedium, "medium")))

		vs, err := repo.ListVariants(ctx, orig.ID)
		require.NoError(t, err)
		require.Len(t, vs, 2)
		assert.Equal(t, orig.ID, *vs[0].ParentID)
		assert.Empty(t, vs[0].Hash)
	})

	t.Run("ref count floor", func(t *testing.T) {
		n, err := repo.IncrementRefCount(ctx, orig.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for want := 1; want >= 0; want-- {
			n, err = repo.DecrementRefCount(ctx, orig.ID)
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}
		_, err = repo.DecrementRefCount(ctx, orig.ID)
		assert.ErrorIs(t, err, simplemedia.ErrAssetNotFound)
	})

	t.Run("delete cascades", func(t *testing.T) {
		removed, err := repo.DeleteIfUnreferenced(ctx, orig.ID)
		require.NoError(t, err)
		assert.True(t, removed)

		vs, err := repo.ListVariants(ctx, orig.ID)
		require.NoError(t, err)
		assert.Empty(t, vs)

		exists, err := repo.KeyExists(ctx, orig.Bucket, orig.Key)
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestPostgresRepository_ConcurrentInsertSameHash(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = repo.CreateAsset(ctx, original("same"))
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, simplemedia.ErrDuplicateAsset):
			dup++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, len(results)-1, dup)
}

func TestPostgresRepository_ListUnreferenced(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	live := original("live")
	dead := original("dead")
	require.NoError(t, repo.CreateAsset(ctx, live))
	require.NoError(t, repo.CreateAsset(ctx, dead))
	require.NoError(t, repo.CreateAsset(ctx, derivative(dead, simplemedia.VariantThumbnail, "thumb")))

	_, err := repo.DecrementRefCount(ctx, dead.ID)
	require.NoError(t, err)

	got, err := repo.ListUnreferenced(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, dead.ID, got[0].ID)

	got, err = repo.ListUnreferenced(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
