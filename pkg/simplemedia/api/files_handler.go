package api

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/presigned"
)

// FilesHandler streams blobs from an object store behind signed URLs. It
// backs the public and signed URLs minted by the filesystem adapter.
type FilesHandler struct {
	store  simplemedia.BlobStore
	signer *presigned.Signer
	logger *slog.Logger
}

func NewFilesHandler(store simplemedia.BlobStore, signer *presigned.Signer, logger *slog.Logger) *FilesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilesHandler{store: store, signer: signer, logger: logger}
}

// MountPath is where Routes must be mounted for the signer's paths to match.
func (h *FilesHandler) MountPath() string {
	p := h.signer.Prefix()
	return p[:len(p)-1]
}

// Routes returns the router for signed file downloads
func (h *FilesHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(presigned.Middleware(h.signer))
	r.Get("/*", h.ServeFile)
	r.Head("/*", h.ServeFile)
	return r
}

func (h *FilesHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	key := presigned.ObjectKeyFromContext(r.Context())
	if key == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	rc, err := h.store.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, simplemedia.ErrObjectNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to open blob", "key", key, "error", err)
		http.Error(w, "Storage unavailable", http.StatusBadGateway)
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.WarnContext(r.Context(), "blob stream interrupted", "key", key, "error", err)
	}
}
