package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/api"
	"github.com/tendant/simple-media/pkg/simplemedia/events"
	eventsmemory "github.com/tendant/simple-media/pkg/simplemedia/events/memory"
	"github.com/tendant/simple-media/pkg/simplemedia/queue"
	queuememory "github.com/tendant/simple-media/pkg/simplemedia/queue/memory"
	repomemory "github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
	storagememory "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
	"github.com/tendant/simple-media/pkg/simplemedia/worker"
)

type fixture struct {
	store  *storagememory.Backend
	svc    simplemedia.Service
	worker *worker.Worker
	router http.Handler
}

func setupMediaHandlerTest(t *testing.T, identity func(chi.Router)) *fixture {
	t.Helper()

	repo := repomemory.New()
	store := storagememory.New("media")
	broker := queuememory.New()
	t.Cleanup(func() { _ = broker.Close() })
	propagator := events.New(eventsmemory.New(16))

	svc, err := simplemedia.New(
		simplemedia.WithRepository(repo),
		simplemedia.WithBlobStore(store),
		simplemedia.WithTaskQueue(queue.NewClient(broker)),
		simplemedia.WithPublisher(propagator),
		simplemedia.WithSubscriber(propagator),
	)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		if identity != nil {
			identity(r)
		} else {
			r.Use(api.AuthenticationMiddleware(api.HeaderIdentity("")))
		}
		r.Mount("/media", api.NewMediaHandler(svc).Routes())
	})

	return &fixture{
		store:  store,
		svc:    svc,
		worker: worker.New(repo, store, propagator),
		router: r,
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 11), G: uint8(y * 3), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartUpload(t *testing.T, data []byte, partType string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}

	var (
		part io.Writer
		err  error
	)
	if partType == "" {
		part, err = mw.CreateFormFile("file", "photo.png")
	} else {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="photo.png"`)
		h.Set("Content-Type", partType)
		part, err = mw.CreatePart(h)
	}
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func (f *fixture) do(t *testing.T, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set(api.DefaultOwnerHeader, "user-1")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeMedia(t *testing.T, w *httptest.ResponseRecorder) api.MediaResponse {
	t.Helper()
	var resp api.MediaResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestMediaHandler_UploadMultipart(t *testing.T) {
	f := setupMediaHandlerTest(t, nil)

	body, ct := multipartUpload(t, pngBytes(t, 10, 10), "image/png", map[string]string{"target": "post"})
	w := f.do(t, http.MethodPost, "/api/v1/media", body, ct)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodeMedia(t, w)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "IMAGE", resp.Type)
	assert.Equal(t, "POST", resp.Target)
	assert.Equal(t, "ORIGINAL", resp.Variant)
	assert.Equal(t, "image/jpeg", resp.MimeType)
	assert.Equal(t, "user-1", resp.OwnerID)
	assert.Equal(t, 1, resp.RefCount)
	assert.Empty(t, resp.Variants)
}

func TestMediaHandler_UploadSniffsOctetStream(t *testing.T) {
	f := setupMediaHandlerTest(t, nil)

	body, ct := multipartUpload(t, pngBytes(t, 6, 6), "", map[string]string{"target": "COMMENT"})
	w := f.do(t, http.MethodPost, "/api/v1/media", body, ct)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "COMMENT", decodeMedia(t, w).Target)
}

func TestMediaHandler_UploadRawBody(t *testing.T) {
	f := setupMediaHandlerTest(t, nil)
	data := pngBytes(t, 8, 8)

	w := f.do(t, http.MethodPost, "/api/v1/media?target=avatar", bytes.NewReader(data), "image/png")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decodeMedia(t, w)
	assert.Equal(t, "AVATAR", first.Target)

	w = f.do(t, http.MethodPost, "/api/v1/media?target=avatar", bytes.NewReader(data), "image/png; charset=binary")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	second := decodeMedia(t, w)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.RefCount)
}

func TestMediaHandler_UploadRejections(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		mime       string
		data       func(t *testing.T) []byte
		wantStatus int
		wantReason string
	}{
		{
			name:       "unsupported format",
			target:     "post",
			mime:       "image/bmp",
			data:       func(t *testing.T) []byte { return pngBytes(t, 4, 4) },
			wantStatus: http.StatusBadRequest,
			wantReason: simplemedia.ReasonUnsupportedFormat,
		},
		{
			name:       "undecodable",
			target:     "post",
			mime:       "image/png",
			data:       func(t *testing.T) []byte { return []byte("garbage") },
			wantStatus: http.StatusBadRequest,
			wantReason: simplemedia.ReasonUndecodable,
		},
		{
			name:       "unknown target",
			target:     "banner",
			mime:       "image/png",
			data:       func(t *testing.T) []byte { return pngBytes(t, 4, 4) },
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupMediaHandlerTest(t, nil)

			w := f.do(t, http.MethodPost, "/api/v1/media?target="+tt.target, bytes.NewReader(tt.data(t)), tt.mime)
			assert.Equal(t, tt.wantStatus, w.Code)

			var resp api.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantReason, resp.Error.Reason)
			assert.Equal(t, 0, f.store.PutCount())
		})
	}
}

func TestMediaHandler_UploadBodyTooLarge(t *testing.T) {
	f := setupMediaHandlerTest(t, nil)
	r := chi.NewRouter()
	r.Use(api.AuthenticationMiddleware(api.HeaderIdentity("")))
	r.Mount("/media", api.NewMediaHandler(f.svc, api.WithMaxUploadBytes(64)).Routes())

	req := httptest.NewRequest(http.MethodPost, "/media?target=post", bytes.NewReader(pngBytes(t, 40, 40)))
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set(api.DefaultOwnerHeader, "user-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), simplemedia.ReasonFileTooLarge)
}

func TestMediaHandler_RequiresIdentity(t *testing.T) {
	f := setupMediaHandlerTest(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/media?target=post", bytes.NewReader(pngBytes(t, 4, 4)))
	req.Header.Set("Content-Type", "image/png")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")
}

func TestMediaHandler_JWTIdentity(t *testing.T) {
	tokenAuth := jwtauth.New("HS256", []byte("test-secret"), nil)
	f := setupMediaHandlerTest(t, func(r chi.Router) {
		r.Use(jwtauth.Verifier(tokenAuth))
		r.Use(api.AuthenticationMiddleware(api.JWTIdentity()))
	})

	_, token, err := tokenAuth.Encode(map[string]interface{}{"sub": "user-9"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/media?target=post", bytes.NewReader(pngBytes(t, 4, 4)))
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "user-9", decodeMedia(t, w).OwnerID)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/media?target=post", bytes.NewReader(pngBytes(t, 4, 4)))
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func (f *fixture) uploadProcessed(t *testing.T) uuid.UUID {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/media?target=post", bytes.NewReader(pngBytes(t, 10, 10)), "image/png")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := uuid.MustParse(decodeMedia(t, w).ID)
	_, err := f.worker.Process(context.Background(), id)
	require.NoError(t, err)
	return id
}

func TestMediaHandler_GetMedia(t *testing.T) {
	f := setupMediaHandlerTest(t, nil)
	id := f.uploadProcessed(t)

	w := f.do(t, http.MethodGet, "/api/v1/media/"+id.String(), nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeMedia(t, w)
	require.Len(t, resp.Variants, 3)
	for _, v := range resp.Variants {
		assert.NotEmpty(t, v.PublicURL)
		assert.Equal(t, "image/jpeg", v.MimeType)
		assert.True(t, strings.HasPrefix(v.Key, strings.TrimSuffix(resp.Key, ".jpg")+"__"))
	}

	w = f.do(t, http.MethodGet, "/api/v1/media/"+uuid.NewString(), nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/media/not-a-uuid", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMediaHandler_RemoveReference(t *testing.T) {
	f := setupMediaHandlerTest(t, nil)
	id := f.uploadProcessed(t)

	w := f.do(t, http.MethodDelete, "/api/v1/media/"+id.String()+"/reference", nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/media/"+id.String(), nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/media/"+id.String()+"/reference", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMediaHandler_SignedURLAndReprocess(t *testing.T) {
	f := setupMediaHandlerTest(t, nil)
	id := f.uploadProcessed(t)

	w := f.do(t, http.MethodGet, "/api/v1/media/"+id.String()+"/url?ttl=2m", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var signed map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &signed))
	assert.Contains(t, signed["url"], "memory://media/")

	w = f.do(t, http.MethodGet, "/api/v1/media/"+id.String()+"/url?ttl=soon", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/media/"+id.String()+"/reprocess", nil, "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"pending"`)
}

func TestMediaHandler_StreamStatusCompleted(t *testing.T) {
	f := setupMediaHandlerTest(t, nil)
	id := f.uploadProcessed(t)

	w := f.do(t, http.MethodGet, "/api/v1/media/"+id.String()+"/status", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "event: completed\n")
	assert.Equal(t, 1, strings.Count(w.Body.String(), "event: "))
}

func TestMediaHandler_StreamStatusUnknownAsset(t *testing.T) {
	f := setupMediaHandlerTest(t, nil)

	w := f.do(t, http.MethodGet, "/api/v1/media/"+uuid.NewString()+"/status", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestMediaHandler_StreamStatusLive(t *testing.T) {
	f := setupMediaHandlerTest(t, nil)
	server := httptest.NewServer(f.router)
	defer server.Close()

	w := f.do(t, http.MethodPost, "/api/v1/media?target=post", bytes.NewReader(pngBytes(t, 10, 10)), "image/png")
	require.Equal(t, http.StatusCreated, w.Code)
	id := uuid.MustParse(decodeMedia(t, w).ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/media/"+id.String()+"/status", nil)
	require.NoError(t, err)
	req.Header.Set(api.DefaultOwnerHeader, "user-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	assert.Equal(t, "pending", readEvent(t, reader).name)

	_, err = f.worker.Process(ctx, id)
	require.NoError(t, err)

	completed := readEvent(t, reader)
	assert.Equal(t, "completed", completed.name)
	var ev simplemedia.StatusEvent
	require.NoError(t, json.Unmarshal([]byte(completed.data), &ev))
	assert.Equal(t, id, ev.AssetID)
	assert.Len(t, ev.Variants, 3)

	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(rest)))
}
