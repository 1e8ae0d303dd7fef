package simplemedia

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
)

const defaultDedupAttempts = 3

// service implements the Service interface
type service struct {
	repository Repository
	store      BlobStore
	queue      TaskQueue
	publisher  StatusPublisher
	subscriber StatusSubscriber
	policies   PolicyTable
	specs      []VariantSpec
	keys       objectkey.Generator
	logger     *slog.Logger
	metrics    Metrics

	dedupAttempts int
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithRepository sets the repository for the service
func WithRepository(repo Repository) Option {
	return func(s *service) {
		s.repository = repo
	}
}

// WithBlobStore sets the object store for the service
func WithBlobStore(store BlobStore) Option {
	return func(s *service) {
		s.store = store
	}
}

// WithTaskQueue sets the queue receiving derivative-generation tasks
func WithTaskQueue(queue TaskQueue) Option {
	return func(s *service) {
		s.queue = queue
	}
}

// WithPublisher sets where pending status is announced
func WithPublisher(p StatusPublisher) Option {
	return func(s *service) {
		s.publisher = p
	}
}

// WithSubscriber enables WatchStatus
func WithSubscriber(sub StatusSubscriber) Option {
	return func(s *service) {
		s.subscriber = sub
	}
}

// WithPolicies replaces the default policy table
func WithPolicies(table PolicyTable) Option {
	return func(s *service) {
		s.policies = table
	}
}

// WithVariantSpecs replaces the derivative set used to decide completion
func WithVariantSpecs(specs []VariantSpec) Option {
	return func(s *service) {
		s.specs = specs
	}
}

// WithKeyGenerator overrides the storage key layout for originals
func WithKeyGenerator(g objectkey.Generator) Option {
	return func(s *service) {
		s.keys = g
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(s *service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		policies:      DefaultPolicies(),
		specs:         DefaultVariantSpecs(),
		keys:          objectkey.NewRecommendedGenerator(),
		logger:        slog.Default(),
		metrics:       NopMetrics{},
		dedupAttempts: defaultDedupAttempts,
	}

	for _, option := range options {
		option(s)
	}

	if s.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if s.store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if s.queue == nil {
		return nil, fmt.Errorf("task queue is required")
	}

	return s, nil
}

func (s *service) Upload(ctx context.Context, req UploadRequest) (*MediaAsset, error) {
	canon, err := s.validate(req)
	if err != nil {
		s.metrics.UploadObserved("rejected")
		return nil, err
	}

	sum := sha256.Sum256(canon.Data)
	hash := hex.EncodeToString(sum[:])

	for attempt := 1; attempt <= s.dedupAttempts; attempt++ {
		existing, err := s.repository.FindOriginalByHash(ctx, hash, req.Type)
		switch {
		case err == nil:
			count, err := s.repository.IncrementRefCount(ctx, existing.ID)
			if errors.Is(err, ErrAssetNotFound) {
				// removed between lookup and increment
				continue
			}
			if err != nil {
				s.metrics.UploadObserved("error")
				return nil, &AssetError{AssetID: existing.ID, Op: "increment_ref", Err: upstream(err)}
			}
			existing.RefCount = count
			s.metrics.UploadObserved("deduplicated")
			s.logger.DebugContext(ctx, "upload deduplicated",
				"asset_id", existing.ID, "ref_count", count)
			return existing, nil
		case !errors.Is(err, ErrAssetNotFound):
			s.metrics.UploadObserved("error")
			return nil, upstream(fmt.Errorf("find by hash: %w", err))
		}

		asset, err := s.createOriginal(ctx, req, canon, hash)
		if errors.Is(err, ErrDuplicateAsset) {
			s.logger.InfoContext(ctx, "concurrent identical upload, retrying as increment",
				"hash", hash, "attempt", attempt)
			continue
		}
		if err != nil {
			s.metrics.UploadObserved("error")
			return nil, err
		}

		if err := s.queue.Enqueue(ctx, asset.ID); err != nil {
			s.metrics.UploadObserved("error")
			s.logger.ErrorContext(ctx, "enqueue variant task failed",
				"asset_id", asset.ID, "error", err)
			return nil, &AssetError{AssetID: asset.ID, Op: "enqueue", Err: upstream(err)}
		}
		s.publish(ctx, PendingEvent(asset.ID))
		s.metrics.UploadObserved("created")
		return asset, nil
	}

	s.metrics.UploadObserved("error")
	return nil, upstream(fmt.Errorf("dedup did not settle after %d attempts", s.dedupAttempts))
}

// validate applies the policy checks and returns the canonical rendition.
// Nothing is written before it succeeds.
func (s *service) validate(req UploadRequest) (*Rendition, error) {
	policy, ok := s.policies.Lookup(req.Target, req.Type)
	if !ok {
		return nil, newValidationError(ReasonNoPolicy, ErrPolicyNotFound)
	}
	if !policy.Allows(req.MimeType) {
		return nil, newValidationError(ReasonUnsupportedFormat, nil)
	}
	if len(req.Data) == 0 {
		return nil, newValidationError(ReasonEmptyFile, nil)
	}
	if int64(len(req.Data)) > policy.MaxSizeBytes {
		return nil, newValidationError(ReasonFileTooLarge, nil)
	}

	width, height, err := DecodeDimensions(req.Data)
	if err != nil {
		return nil, newValidationError(ReasonUndecodable, err)
	}
	if width > policy.MaxWidth || height > policy.MaxHeight {
		return nil, newValidationError(ReasonDimensionsTooLarge, nil)
	}

	canon, err := Canonicalize(req.Data, policy.ResizeWidth)
	if err != nil {
		return nil, newValidationError(ReasonUndecodable, err)
	}
	return canon, nil
}

// createOriginal writes the blob, then the row. A failed row write leaves
// the blob for the orphan sweeper, except on a duplicate where it is removed.
func (s *service) createOriginal(ctx context.Context, req UploadRequest, canon *Rendition, hash string) (*MediaAsset, error) {
	id := uuid.New()
	key := s.keys.OriginalKey(string(req.Type), req.OwnerID, id, CanonicalExt)

	err := s.store.Put(ctx, key, bytes.NewReader(canon.Data), PutParams{
		ContentType: CanonicalMimeType,
		Size:        int64(len(canon.Data)),
	})
	if err != nil {
		return nil, upstream(&StorageError{Bucket: s.store.Bucket(), Key: key, Op: "put", Err: err})
	}

	now := time.Now().UTC()
	asset := &MediaAsset{
		ID:        id,
		Key:       key,
		Bucket:    s.store.Bucket(),
		Type:      req.Type,
		Target:    req.Target,
		Variant:   VariantOriginal,
		MimeType:  CanonicalMimeType,
		SizeBytes: int64(len(canon.Data)),
		Width:     canon.Width,
		Height:    canon.Height,
		PublicURL: s.store.PublicURL(key),
		Hash:      hash,
		OwnerID:   req.OwnerID,
		RefCount:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repository.CreateAsset(ctx, asset); err != nil {
		if errors.Is(err, ErrDuplicateAsset) {
			if derr := s.store.Delete(ctx, key); derr != nil {
				s.logger.WarnContext(ctx, "failed to delete losing duplicate blob",
					"key", key, "error", derr)
			}
			return nil, err
		}
		s.logger.WarnContext(ctx, "row insert failed after blob write, blob left for sweeper",
			"key", key, "error", err)
		return nil, &AssetError{AssetID: id, Op: "create", Err: upstream(err)}
	}

	return asset, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*AssetWithVariants, error) {
	asset, err := s.getAsset(ctx, id, "get")
	if err != nil {
		return nil, err
	}
	variants, err := s.repository.ListVariants(ctx, id)
	if err != nil {
		return nil, &AssetError{AssetID: id, Op: "list_variants", Err: upstream(err)}
	}
	return &AssetWithVariants{MediaAsset: asset, Variants: variants}, nil
}

func (s *service) RemoveReference(ctx context.Context, id uuid.UUID) error {
	asset, err := s.getAsset(ctx, id, "remove_reference")
	if err != nil {
		return err
	}
	if !asset.IsOriginal() {
		return &AssetError{AssetID: id, Op: "remove_reference", Err: newValidationError("not an original", ErrNotOriginal)}
	}

	count, err := s.repository.DecrementRefCount(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAssetNotFound) {
			return &AssetError{AssetID: id, Op: "remove_reference", Err: err}
		}
		return &AssetError{AssetID: id, Op: "remove_reference", Err: upstream(err)}
	}
	if count > 0 {
		return nil
	}

	variants, err := s.repository.ListVariants(ctx, id)
	if err != nil {
		return &AssetError{AssetID: id, Op: "list_variants", Err: upstream(err)}
	}
	removed, err := s.repository.DeleteIfUnreferenced(ctx, id)
	if err != nil {
		return &AssetError{AssetID: id, Op: "delete", Err: upstream(err)}
	}
	if !removed {
		// a concurrent upload took a new reference
		return nil
	}

	deleteAssetBlobs(ctx, s.store, s.logger, asset, variants)
	return nil
}

// deleteAssetBlobs removes the ORIGINAL's blob and every blob under its
// stem. Failures are logged; the sweeper reclaims what is left.
func deleteAssetBlobs(ctx context.Context, store BlobStore, logger *slog.Logger, asset *MediaAsset, variants []*MediaAsset) {
	keys := map[string]struct{}{asset.Key: {}}
	for _, v := range variants {
		keys[v.Key] = struct{}{}
	}
	if objs, err := store.List(ctx, objectkey.Stem(asset.Key)+"__"); err == nil {
		for _, o := range objs {
			keys[o.Key] = struct{}{}
		}
	} else {
		logger.WarnContext(ctx, "list derivative blobs failed", "asset_id", asset.ID, "error", err)
	}

	for key := range keys {
		if err := store.Delete(ctx, key); err != nil && !errors.Is(err, ErrObjectNotFound) {
			logger.WarnContext(ctx, "blob delete failed, left for sweeper",
				"asset_id", asset.ID, "key", key, "error", err)
		}
	}
}

func (s *service) SignedURL(ctx context.Context, id uuid.UUID, ttl time.Duration) (string, error) {
	asset, err := s.getAsset(ctx, id, "signed_url")
	if err != nil {
		return "", err
	}
	url, err := s.store.SignedURL(ctx, asset.Key, ttl)
	if err != nil {
		return "", upstream(&StorageError{Bucket: asset.Bucket, Key: asset.Key, Op: "sign", Err: err})
	}
	return url, nil
}

func (s *service) Status(ctx context.Context, id uuid.UUID) (StatusEvent, error) {
	asset, err := s.getAsset(ctx, id, "status")
	if err != nil {
		return StatusEvent{}, err
	}
	if !asset.IsOriginal() {
		return StatusEvent{}, &AssetError{AssetID: id, Op: "status", Err: newValidationError("not an original", ErrNotOriginal)}
	}

	variants, err := s.repository.ListVariants(ctx, id)
	if err != nil {
		return StatusEvent{}, &AssetError{AssetID: id, Op: "list_variants", Err: upstream(err)}
	}
	if CompleteVariantSet(variants, s.specs) {
		return CompletedEvent(id, asset.OwnerID, VariantRefs(variants)), nil
	}

	if lookup, ok := s.queue.(TaskFailureLookup); ok {
		reason, failed, err := lookup.LastFailure(ctx, id)
		if err != nil {
			s.logger.WarnContext(ctx, "task failure lookup failed", "asset_id", id, "error", err)
		} else if failed {
			return FailedEvent(id, reason), nil
		}
	}
	return PendingEvent(id), nil
}

func (s *service) WatchStatus(ctx context.Context, id uuid.UUID) (<-chan StatusEvent, error) {
	if s.subscriber == nil {
		return nil, fmt.Errorf("status subscriber is not configured")
	}

	// Subscribe before reading state so an event published in between is not lost.
	sub := s.subscriber.Subscribe(id)
	current, err := s.Status(ctx, id)
	if err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan StatusEvent, 1)
	go func() {
		defer close(out)
		defer sub.Close()

		if !sendStatus(ctx, out, current) || current.State.IsTerminal() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if !sendStatus(ctx, out, ev) || ev.State.IsTerminal() {
					return
				}
			}
		}
	}()
	return out, nil
}

func sendStatus(ctx context.Context, out chan<- StatusEvent, ev StatusEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *service) Reprocess(ctx context.Context, id uuid.UUID) error {
	asset, err := s.getAsset(ctx, id, "reprocess")
	if err != nil {
		return err
	}
	if !asset.IsOriginal() {
		return &AssetError{AssetID: id, Op: "reprocess", Err: newValidationError("not an original", ErrNotOriginal)}
	}
	if err := s.queue.Enqueue(ctx, id); err != nil {
		return &AssetError{AssetID: id, Op: "enqueue", Err: upstream(err)}
	}
	s.publish(ctx, PendingEvent(id))
	return nil
}

func (s *service) getAsset(ctx context.Context, id uuid.UUID, op string) (*MediaAsset, error) {
	asset, err := s.repository.GetAsset(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAssetNotFound) {
			return nil, &AssetError{AssetID: id, Op: op, Err: err}
		}
		return nil, &AssetError{AssetID: id, Op: op, Err: upstream(err)}
	}
	return asset, nil
}

func (s *service) publish(ctx context.Context, ev StatusEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "publish status failed",
			"asset_id", ev.AssetID, "status", ev.State, "error", err)
	}
}
