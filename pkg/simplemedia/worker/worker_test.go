package worker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/queue"
	repomemory "github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
	storagememory "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
	"github.com/tendant/simple-media/pkg/simplemedia/worker"
)

type recordingPublisher struct {
	events []simplemedia.StatusEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, ev simplemedia.StatusEvent) error {
	p.events = append(p.events, ev)
	return p.err
}

type fixture struct {
	repo  *repomemory.Repository
	store *storagememory.Backend
	pub   *recordingPublisher
	w     *worker.Worker
}

func newFixture() *fixture {
	f := &fixture{
		repo:  repomemory.New(),
		store: storagememory.New("media"),
		pub:   &recordingPublisher{},
	}
	f.w = worker.New(f.repo, f.store, f.pub)
	return f
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func (f *fixture) seedOriginal(t *testing.T, w, h int) *simplemedia.MediaAsset {
	t.Helper()
	ctx := context.Background()
	data := jpegBytes(t, w, h)
	id := uuid.New()
	key := "image/u1/" + id.String() + ".jpg"
	require.NoError(t, f.store.Put(ctx, key, bytes.NewReader(data), simplemedia.PutParams{ContentType: "image/jpeg"}))

	asset := &simplemedia.MediaAsset{
		ID: id, Key: key, Bucket: "media", Type: simplemedia.MediaTypeImage,
		Target: simplemedia.TargetPost, Variant: simplemedia.VariantOriginal,
		MimeType: "image/jpeg", SizeBytes: int64(len(data)), Width: w, Height: h,
		Hash: id.String(), OwnerID: "u1", RefCount: 1,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.repo.CreateAsset(ctx, asset))
	return asset
}

func TestProcess_CreatesConfiguredSet(t *testing.T) {
	f := newFixture()
	orig := f.seedOriginal(t, 1300, 100)

	variants, err := f.w.Process(context.Background(), orig.ID)
	require.NoError(t, err)
	require.Len(t, variants, 3)

	want := map[simplemedia.Variant]struct {
		width  int
		suffix string
	}{
		simplemedia.VariantThumbnail: {150, "__thumb.jpg"},
		simplemedia.VariantMedium:    {600, "__medium.jpg"},
		simplemedia.VariantLarge:     {1200, "__large.jpg"},
	}
	stem := orig.Key[:len(orig.Key)-len(".jpg")]
	for _, v := range variants {
		w, ok := want[v.Variant]
		require.True(t, ok, "unexpected variant %s", v.Variant)
		assert.Equal(t, w.width, v.Width)
		assert.Equal(t, stem+w.suffix, v.Key)
		assert.Equal(t, orig.ID, *v.ParentID)
		assert.Equal(t, "u1", v.OwnerID)

		rc, err := f.store.Get(context.Background(), v.Key)
		require.NoError(t, err)
		rc.Close()
	}

	require.Len(t, f.pub.events, 1)
	ev := f.pub.events[0]
	assert.Equal(t, simplemedia.StateCompleted, ev.State)
	assert.Equal(t, orig.ID, ev.AssetID)
	assert.Len(t, ev.Variants, 3)
}

func TestProcess_NeverEnlarges(t *testing.T) {
	f := newFixture()
	orig := f.seedOriginal(t, 10, 10)

	variants, err := f.w.Process(context.Background(), orig.ID)
	require.NoError(t, err)
	require.Len(t, variants, 3)
	for _, v := range variants {
		assert.Equal(t, 10, v.Width)
		assert.Equal(t, 10, v.Height)
	}
}

func TestProcess_DuplicateDeliveryIsIdempotent(t *testing.T) {
	f := newFixture()
	orig := f.seedOriginal(t, 200, 200)
	ctx := context.Background()

	first, err := f.w.Process(ctx, orig.ID)
	require.NoError(t, err)
	puts := f.store.PutCount()

	second, err := f.w.Process(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, puts, f.store.PutCount())
	assert.ElementsMatch(t, simplemedia.VariantRefs(first), simplemedia.VariantRefs(second))

	all, err := f.repo.ListVariants(ctx, orig.ID)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Len(t, f.pub.events, 2)
}

func TestProcess_RebuildsPartialSet(t *testing.T) {
	f := newFixture()
	orig := f.seedOriginal(t, 200, 200)
	ctx := context.Background()

	partial := worker.New(f.repo, f.store, nil, worker.WithVariantSpecs(simplemedia.DefaultVariantSpecs()[:1]))
	_, err := partial.Process(ctx, orig.ID)
	require.NoError(t, err)

	variants, err := f.w.Process(ctx, orig.ID)
	require.NoError(t, err)
	assert.Len(t, variants, 3)

	all, err := f.repo.ListVariants(ctx, orig.ID)
	require.NoError(t, err)
	assert.True(t, simplemedia.CompleteVariantSet(all, simplemedia.DefaultVariantSpecs()))
}

func TestProcess_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing original", func(t *testing.T) {
		f := newFixture()
		_, err := f.w.Process(ctx, uuid.New())
		assert.ErrorIs(t, err, simplemedia.ErrAssetNotFound)
		assert.Empty(t, f.pub.events)
	})

	t.Run("missing blob", func(t *testing.T) {
		f := newFixture()
		orig := f.seedOriginal(t, 20, 20)
		require.NoError(t, f.store.Delete(ctx, orig.Key))

		_, err := f.w.Process(ctx, orig.ID)
		assert.ErrorIs(t, err, simplemedia.ErrObjectNotFound)
	})

	t.Run("undecodable original", func(t *testing.T) {
		f := newFixture()
		orig := f.seedOriginal(t, 20, 20)
		require.NoError(t, f.store.Put(ctx, orig.Key, bytes.NewReader([]byte("not an image")), simplemedia.PutParams{}))

		_, err := f.w.Process(ctx, orig.ID)
		assert.ErrorIs(t, err, simplemedia.ErrProcessing)
	})

	t.Run("publish failure fails the attempt", func(t *testing.T) {
		f := newFixture()
		f.pub.err = errors.New("broker down")
		orig := f.seedOriginal(t, 20, 20)

		_, err := f.w.Process(ctx, orig.ID)
		assert.Error(t, err)
	})
}

func TestHandleAndOnExhausted(t *testing.T) {
	f := newFixture()
	orig := f.seedOriginal(t, 40, 40)
	ctx := context.Background()

	task, err := queue.NewVariantTask(orig.ID)
	require.NoError(t, err)

	result, err := f.w.Handle(ctx, task)
	require.NoError(t, err)
	var refs []simplemedia.VariantRef
	require.NoError(t, json.Unmarshal(result, &refs))
	assert.Len(t, refs, 3)

	_, err = f.w.Handle(ctx, &queue.Task{Type: "other"})
	assert.Error(t, err)

	f.w.OnExhausted(ctx, task, errors.New("decode failed"))
	last := f.pub.events[len(f.pub.events)-1]
	assert.Equal(t, simplemedia.StateFailed, last.State)
	assert.Equal(t, "decode failed", last.Error)
}
