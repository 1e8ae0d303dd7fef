package simplemedia

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Service defines the main interface for the simple-media library
type Service interface {
	// Upload validates, canonicalizes and stores an upload, or adds a
	// reference to an identical ORIGINAL that already exists.
	Upload(ctx context.Context, req UploadRequest) (*MediaAsset, error)
	// Get returns an asset and its derivatives.
	Get(ctx context.Context, id uuid.UUID) (*AssetWithVariants, error)
	// RemoveReference drops one reference to an ORIGINAL and deletes it,
	// its derivatives and their blobs once no references remain.
	RemoveReference(ctx context.Context, id uuid.UUID) error
	// SignedURL mints a time-limited download URL for an asset.
	SignedURL(ctx context.Context, id uuid.UUID, ttl time.Duration) (string, error)

	// Status answers from persisted state, without waiting for events.
	Status(ctx context.Context, id uuid.UUID) (StatusEvent, error)
	// WatchStatus yields the current status followed by live events. The
	// channel closes after a terminal status or when ctx is done.
	WatchStatus(ctx context.Context, id uuid.UUID) (<-chan StatusEvent, error)
	// Reprocess enqueues derivative generation for an existing ORIGINAL.
	Reprocess(ctx context.Context, id uuid.UUID) error
}

// UploadRequest contains parameters for Upload
type UploadRequest struct {
	Data     []byte
	MimeType string
	OwnerID  string
	Type     MediaType
	Target   Target
}
