package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

const (
	defaultMaxUploadBytes = 32 << 20
	defaultSignedURLTTL   = 15 * time.Minute
	defaultHeartbeat      = 15 * time.Second
)

// MediaHandler serves the media API.
type MediaHandler struct {
	service        simplemedia.Service
	maxUploadBytes int64
	signedURLTTL   time.Duration
	heartbeat      time.Duration
	logger         *slog.Logger
}

type HandlerOption func(*MediaHandler)

// WithMaxUploadBytes caps the request body. Policy limits still apply below it.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *MediaHandler) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

func WithSignedURLTTL(ttl time.Duration) HandlerOption {
	return func(h *MediaHandler) {
		if ttl > 0 {
			h.signedURLTTL = ttl
		}
	}
}

// WithHeartbeat sets the interval of SSE keep-alive comments.
func WithHeartbeat(d time.Duration) HandlerOption {
	return func(h *MediaHandler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *MediaHandler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewMediaHandler creates a new media handler
func NewMediaHandler(service simplemedia.Service, opts ...HandlerOption) *MediaHandler {
	h := &MediaHandler{
		service:        service,
		maxUploadBytes: defaultMaxUploadBytes,
		signedURLTTL:   defaultSignedURLTTL,
		heartbeat:      defaultHeartbeat,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the routes for media
func (h *MediaHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Upload)
	r.Get("/{id}", h.GetMedia)
	r.Delete("/{id}/reference", h.RemoveReference)
	r.Get("/{id}/status", h.StreamStatus)
	r.Get("/{id}/url", h.GetSignedURL)
	r.Post("/{id}/reprocess", h.Reprocess)

	return r
}

// VariantResponse describes one derivative.
type VariantResponse struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	Variant   string `json:"variant"`
	PublicURL string `json:"public_url"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// MediaResponse is the response body for an asset
type MediaResponse struct {
	ID        string            `json:"id"`
	Key       string            `json:"key"`
	Bucket    string            `json:"bucket"`
	Type      string            `json:"type"`
	Target    string            `json:"target"`
	Variant   string            `json:"variant"`
	MimeType  string            `json:"mime_type"`
	SizeBytes int64             `json:"size_bytes"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	PublicURL string            `json:"public_url"`
	OwnerID   string            `json:"owner_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	RefCount  int               `json:"ref_count"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Variants  []VariantResponse `json:"variants"`
}

func newMediaResponse(a *simplemedia.MediaAsset, variants []*simplemedia.MediaAsset) MediaResponse {
	resp := MediaResponse{
		ID:        a.ID.String(),
		Key:       a.Key,
		Bucket:    a.Bucket,
		Type:      string(a.Type),
		Target:    string(a.Target),
		Variant:   string(a.Variant),
		MimeType:  a.MimeType,
		SizeBytes: a.SizeBytes,
		Width:     a.Width,
		Height:    a.Height,
		PublicURL: a.PublicURL,
		OwnerID:   a.OwnerID,
		RefCount:  a.RefCount,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
		Variants:  make([]VariantResponse, 0, len(variants)),
	}
	if a.ParentID != nil {
		resp.ParentID = a.ParentID.String()
	}
	for _, v := range variants {
		resp.Variants = append(resp.Variants, VariantResponse{
			ID:        v.ID.String(),
			Key:       v.Key,
			Variant:   string(v.Variant),
			PublicURL: v.PublicURL,
			MimeType:  v.MimeType,
			SizeBytes: v.SizeBytes,
			Width:     v.Width,
			Height:    v.Height,
		})
	}
	return resp
}

// Upload accepts either a multipart form (file, type, target) or a raw body
// whose Content-Type is the image format and whose type/target are query
// parameters.
func (h *MediaHandler) Upload(w http.ResponseWriter, r *http.Request) {
	owner := OwnerIDFromContext(r.Context())
	if owner == "" {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, ErrorResponse{Error: ErrorBody{Code: "unauthorized", Message: "Authentication required"}})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	req, err := h.readUpload(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			render.Status(r, http.StatusRequestEntityTooLarge)
			render.JSON(w, r, ErrorResponse{Error: ErrorBody{
				Code:    "validation_failed",
				Message: simplemedia.ReasonFileTooLarge,
				Reason:  simplemedia.ReasonFileTooLarge,
			}})
			return
		}
		writeBadRequest(w, r, err.Error())
		return
	}
	req.OwnerID = owner

	asset, err := h.service.Upload(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.logger.InfoContext(r.Context(), "media uploaded",
		"asset_id", asset.ID, "owner_id", owner, "ref_count", asset.RefCount)
	// a deduplicated upload returns the existing original
	if asset.RefCount > 1 {
		render.Status(r, http.StatusOK)
	} else {
		render.Status(r, http.StatusCreated)
	}
	render.JSON(w, r, newMediaResponse(asset, nil))
}

func (h *MediaHandler) readUpload(r *http.Request) (simplemedia.UploadRequest, error) {
	var (
		req         simplemedia.UploadRequest
		mediaType   string
		target      string
		contentType = r.Header.Get("Content-Type")
	)

	if strings.HasPrefix(contentType, "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			return req, fmt.Errorf("file: %w", err)
		}
		defer file.Close()

		if req.Data, err = io.ReadAll(file); err != nil {
			return req, err
		}
		req.MimeType = header.Header.Get("Content-Type")
		mediaType = r.FormValue("type")
		target = r.FormValue("target")
	} else {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return req, err
		}
		req.Data = data
		req.MimeType = contentType
		mediaType = r.URL.Query().Get("type")
		target = r.URL.Query().Get("target")
	}

	req.MimeType = normalizeMimeType(req.MimeType, req.Data)

	if mediaType == "" {
		mediaType = string(simplemedia.MediaTypeImage)
	}
	req.Type = simplemedia.MediaType(strings.ToUpper(mediaType))
	if !req.Type.IsValid() {
		return req, fmt.Errorf("invalid type %q", mediaType)
	}
	req.Target = simplemedia.Target(strings.ToUpper(target))
	if !req.Target.IsValid() {
		return req, fmt.Errorf("invalid target %q", target)
	}
	return req, nil
}

// normalizeMimeType drops parameters and sniffs the content when the client
// sent nothing useful.
func normalizeMimeType(declared string, data []byte) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			declared = mt
		}
	}
	if declared == "" || declared == "application/octet-stream" {
		if len(data) == 0 {
			return declared
		}
		declared, _, _ = strings.Cut(http.DetectContentType(data), ";")
	}
	return strings.ToLower(declared)
}

// GetMedia returns an asset with its derivatives
func (h *MediaHandler) GetMedia(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	asset, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, newMediaResponse(asset.MediaAsset, asset.Variants))
}

func (h *MediaHandler) RemoveReference(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.service.RemoveReference(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "media reference removed", "asset_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// GetSignedURL mints a time-limited URL for the asset. The ttl query
// parameter accepts a Go duration and defaults to the handler's TTL.
func (h *MediaHandler) GetSignedURL(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	ttl := h.signedURLTTL
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeBadRequest(w, r, "Invalid ttl")
			return
		}
		ttl = parsed
	}

	url, err := h.service.SignedURL(r.Context(), id, ttl)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	render.JSON(w, r, map[string]any{
		"url":        url,
		"expires_at": time.Now().Add(ttl).UTC(),
	})
}

func (h *MediaHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.service.Reprocess(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, simplemedia.PendingEvent(id))
}

// StreamStatus writes the processing status as Server-Sent Events until a
// terminal status is sent or the client disconnects.
func (h *MediaHandler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, h.logger, errors.New("response writer does not support streaming"))
		return
	}

	stream, err := h.service.WatchStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				h.logger.DebugContext(r.Context(), "status stream write failed", "asset_id", id, "error", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev simplemedia.StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.State, data)
	return err
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeBadRequest(w, r, "Invalid asset ID")
		return uuid.Nil, false
	}
	return id, true
}
