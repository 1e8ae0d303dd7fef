// Package worker generates the derivative set of an ORIGINAL. It is driven
// by queue.Runner and announces results through a StatusPublisher.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
	"github.com/tendant/simple-media/pkg/simplemedia/queue"
)

// Worker renders, stores and records derivatives.
type Worker struct {
	repository simplemedia.Repository
	store      simplemedia.BlobStore
	publisher  simplemedia.StatusPublisher
	specs      []simplemedia.VariantSpec
	keys       objectkey.Generator
	logger     *slog.Logger
	metrics    simplemedia.Metrics
}

// Option configures a Worker
type Option func(*Worker)

func WithVariantSpecs(specs []simplemedia.VariantSpec) Option {
	return func(w *Worker) {
		w.specs = specs
	}
}

func WithKeyGenerator(g objectkey.Generator) Option {
	return func(w *Worker) {
		w.keys = g
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithMetrics(m simplemedia.Metrics) Option {
	return func(w *Worker) {
		if m != nil {
			w.metrics = m
		}
	}
}

// New creates a Worker
func New(repo simplemedia.Repository, store simplemedia.BlobStore, publisher simplemedia.StatusPublisher, opts ...Option) *Worker {
	w := &Worker{
		repository: repo,
		store:      store,
		publisher:  publisher,
		specs:      simplemedia.DefaultVariantSpecs(),
		keys:       objectkey.NewRecommendedGenerator(),
		logger:     slog.Default(),
		metrics:    simplemedia.NopMetrics{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle implements queue.Handler. The result is the JSON list of created variants.
func (w *Worker) Handle(ctx context.Context, task *queue.Task) ([]byte, error) {
	if task.Type != queue.TypeGenerateVariants {
		return nil, fmt.Errorf("unsupported task type %q", task.Type)
	}
	assetID, err := task.AssetID()
	if err != nil {
		return nil, err
	}

	variants, err := w.Process(ctx, assetID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(simplemedia.VariantRefs(variants))
}

// Process produces the configured derivative set for assetID. A complete set
// from an earlier delivery is reused; a partial one is discarded and rebuilt.
func (w *Worker) Process(ctx context.Context, assetID uuid.UUID) ([]*simplemedia.MediaAsset, error) {
	original, err := w.repository.GetAsset(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("load original %s: %w", assetID, err)
	}
	if !original.IsOriginal() {
		return nil, fmt.Errorf("asset %s: %w", assetID, simplemedia.ErrNotOriginal)
	}

	existing, err := w.repository.ListVariants(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	if simplemedia.CompleteVariantSet(existing, w.specs) {
		w.logger.InfoContext(ctx, "variants already present", "asset_id", assetID)
		return existing, w.announce(ctx, original, existing)
	}
	if len(existing) > 0 {
		if err := w.discard(ctx, assetID, existing); err != nil {
			return nil, err
		}
	}

	rc, err := w.store.Get(ctx, original.Key)
	if err != nil {
		return nil, &simplemedia.StorageError{Bucket: original.Bucket, Key: original.Key, Op: "get", Err: err}
	}
	img, err := simplemedia.DecodeImage(rc)
	rc.Close()
	if err != nil {
		return nil, err
	}

	created := make([]*simplemedia.MediaAsset, 0, len(w.specs))
	for _, spec := range w.specs {
		v, err := w.createVariant(ctx, original, spec, img)
		if err != nil {
			return nil, err
		}
		created = append(created, v)
	}

	return created, w.announce(ctx, original, created)
}

func (w *Worker) createVariant(ctx context.Context, original *simplemedia.MediaAsset, spec simplemedia.VariantSpec, img image.Image) (*simplemedia.MediaAsset, error) {
	rendition, err := simplemedia.RenderVariant(img, spec)
	if err != nil {
		return nil, err
	}

	key := w.keys.VariantKey(original.Key, spec.Suffix, spec.Ext)
	err = w.store.Put(ctx, key, bytes.NewReader(rendition.Data), simplemedia.PutParams{
		ContentType: simplemedia.CanonicalMimeType,
		Size:        int64(len(rendition.Data)),
	})
	if err != nil {
		return nil, &simplemedia.StorageError{Bucket: w.store.Bucket(), Key: key, Op: "put", Err: err}
	}

	parentID := original.ID
	now := time.Now().UTC()
	variant := &simplemedia.MediaAsset{
		ID:        uuid.New(),
		Key:       key,
		Bucket:    w.store.Bucket(),
		Type:      original.Type,
		Target:    original.Target,
		Variant:   spec.Variant,
		MimeType:  simplemedia.CanonicalMimeType,
		SizeBytes: int64(len(rendition.Data)),
		Width:     rendition.Width,
		Height:    rendition.Height,
		PublicURL: w.store.PublicURL(key),
		OwnerID:   original.OwnerID,
		ParentID:  &parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.repository.CreateAsset(ctx, variant); err != nil {
		return nil, fmt.Errorf("record %s variant: %w", spec.Variant, err)
	}

	w.metrics.VariantCreated(spec.Variant)
	return variant, nil
}

// discard removes a partial set left by an interrupted attempt.
func (w *Worker) discard(ctx context.Context, assetID uuid.UUID, partial []*simplemedia.MediaAsset) error {
	w.logger.WarnContext(ctx, "discarding partial variant set", "asset_id", assetID, "count", len(partial))
	if err := w.repository.DeleteVariants(ctx, assetID); err != nil {
		return fmt.Errorf("delete partial variants: %w", err)
	}
	for _, v := range partial {
		if err := w.store.Delete(ctx, v.Key); err != nil && !errors.Is(err, simplemedia.ErrObjectNotFound) {
			w.logger.WarnContext(ctx, "partial variant blob delete failed", "key", v.Key, "error", err)
		}
	}
	return nil
}

// announce publishes completion. A failed publish fails the attempt so the
// retry publishes again from the persisted set.
func (w *Worker) announce(ctx context.Context, original *simplemedia.MediaAsset, variants []*simplemedia.MediaAsset) error {
	if w.publisher == nil {
		return nil
	}
	ev := simplemedia.CompletedEvent(original.ID, original.OwnerID, simplemedia.VariantRefs(variants))
	if err := w.publisher.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish completed: %w", err)
	}
	return nil
}

// OnExhausted publishes a failed status once retries are used up. It matches
// queue.ExhaustedFunc.
func (w *Worker) OnExhausted(ctx context.Context, task *queue.Task, cause error) {
	assetID, err := task.AssetID()
	if err != nil {
		w.logger.ErrorContext(ctx, "exhausted task has undecodable payload", "task_id", task.ID, "error", err)
		return
	}
	if w.publisher == nil {
		return
	}
	if err := w.publisher.Publish(ctx, simplemedia.FailedEvent(assetID, cause.Error())); err != nil {
		w.logger.ErrorContext(ctx, "publish failed status failed",
			"task_id", task.ID, "asset_id", assetID, "error", err)
	}
}
