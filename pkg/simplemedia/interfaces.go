package simplemedia

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// BlobStore puts, gets and deletes byte blobs within one bucket.
//
// The bucket is fixed at construction; implementations never read it from
// ambient state afterwards.
type BlobStore interface {
	Bucket() string
	Put(ctx context.Context, key string, r io.Reader, params PutParams) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	PublicURL(key string) string
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Repository persists MediaAsset rows.
type Repository interface {
	// CreateAsset inserts a row. Returns ErrDuplicateAsset when an ORIGINAL
	// with the same (hash, type) exists.
	CreateAsset(ctx context.Context, asset *MediaAsset) error
	GetAsset(ctx context.Context, id uuid.UUID) (*MediaAsset, error)
	FindOriginalByHash(ctx context.Context, hash string, mediaType MediaType) (*MediaAsset, error)

	// IncrementRefCount atomically adds one and returns the new count.
	IncrementRefCount(ctx context.Context, id uuid.UUID) (int, error)
	// DecrementRefCount atomically subtracts one and returns the new count.
	// Returns ErrAssetNotFound if the row is missing or already at zero.
	DecrementRefCount(ctx context.Context, id uuid.UUID) (int, error)

	ListVariants(ctx context.Context, parentID uuid.UUID) ([]*MediaAsset, error)
	DeleteVariants(ctx context.Context, parentID uuid.UUID) error
	// DeleteIfUnreferenced removes an ORIGINAL and its derivatives when its
	// count is still zero. Reports whether a row was removed.
	DeleteIfUnreferenced(ctx context.Context, id uuid.UUID) (bool, error)
	// ListUnreferenced returns up to limit ORIGINAL rows whose count is zero
	// and that were last updated before the given time, oldest first.
	ListUnreferenced(ctx context.Context, before time.Time, limit int) ([]*MediaAsset, error)

	// KeyExists reports whether any row references bucket/key.
	KeyExists(ctx context.Context, bucket, key string) (bool, error)
}

// TaskQueue accepts derivative-generation work.
type TaskQueue interface {
	Enqueue(ctx context.Context, assetID uuid.UUID) error
}

// TaskFailureLookup is implemented by queues that keep failed tasks around.
type TaskFailureLookup interface {
	// LastFailure returns the error recorded for an exhausted task.
	LastFailure(ctx context.Context, assetID uuid.UUID) (string, bool, error)
}

// StatusPublisher publishes processing status.
type StatusPublisher interface {
	Publish(ctx context.Context, event StatusEvent) error
}

// StatusSubscriber registers listeners for one asset's status.
type StatusSubscriber interface {
	Subscribe(assetID uuid.UUID) Subscription
}

// Subscription is a live stream of status events for one asset.
// Close must be called to release it.
type Subscription interface {
	Events() <-chan StatusEvent
	Close()
}

// Metrics receives pipeline counters. A nil Metrics is never passed to
// callers; use NopMetrics.
type Metrics interface {
	UploadObserved(result string)
	VariantCreated(variant Variant)
}

// NopMetrics discards observations.
type NopMetrics struct{}

func (NopMetrics) UploadObserved(string)  {}
func (NopMetrics) VariantCreated(Variant) {}
