package config

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	fsstorage "github.com/tendant/simple-media/pkg/simplemedia/storage/fs"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for x := 0; x < 20; x++ {
		for y := 0; y < 20; y++ {
			img.Set(x, y, color.RGBA{uint8(x * 10), uint8(y * 10), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestBuildInMemoryPipeline(t *testing.T) {
	cfg, err := Load(WithWorkerConcurrency(2))
	require.NoError(t, err)
	cfg.TaskBaseDelay = 10 * time.Millisecond

	rt, err := cfg.Build(context.Background(), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Propagator.Run(ctx)
	go rt.NewRunner().Run(ctx)

	asset, err := rt.Service.Upload(ctx, simplemedia.UploadRequest{
		Data:     testPNG(t),
		MimeType: "image/png",
		OwnerID:  "owner-1",
		Type:     simplemedia.MediaTypeImage,
		Target:   simplemedia.TargetPost,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := rt.Service.Status(ctx, asset.ID)
		return err == nil && st.State == simplemedia.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	report, err := rt.NewSweeper(simplemedia.WithDryRun(true)).Sweep(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, report.Orphans)
}

func TestBuildFilesystemStoreSetsSigner(t *testing.T) {
	cfg, err := Load(WithStorageURL("file://" + t.TempDir()))
	require.NoError(t, err)
	cfg.URLSigningSecret = "secret"
	cfg.PublicBaseURL = "http://localhost:8080"

	rt, err := cfg.Build(context.Background(), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer rt.Close()

	require.NotNil(t, rt.Signer)
	assert.IsType(t, &fsstorage.Backend{}, rt.Store)
	assert.Equal(t, "http://localhost:8080/files/a/b.jpg", rt.Store.PublicURL("a/b.jpg"))
}

func TestBuildRejectsBadRedisURL(t *testing.T) {
	cfg, err := Load(WithRedis("not-a-url://"))
	require.NoError(t, err)

	_, err = cfg.Build(context.Background(), WithRegisterer(prometheus.NewRegistry()))
	assert.Error(t, err)
}
