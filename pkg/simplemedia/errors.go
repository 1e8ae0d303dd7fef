package simplemedia

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error types
var (
	// ErrValidation indicates an upload or request was rejected before any side effect
	ErrValidation = errors.New("validation failed")

	// ErrAssetNotFound indicates an asset was not found
	ErrAssetNotFound = errors.New("asset not found")

	// ErrPolicyNotFound indicates no policy exists for a (target, type) pair
	ErrPolicyNotFound = errors.New("no policy for target/type")

	// ErrDuplicateAsset indicates an ORIGINAL with the same (hash, type) already exists
	ErrDuplicateAsset = errors.New("duplicate asset")

	// ErrObjectNotFound indicates a blob was not found in the object store
	ErrObjectNotFound = errors.New("object not found")

	// ErrUpstream indicates the object store, repository or queue failed
	ErrUpstream = errors.New("upstream failure")

	// ErrProcessing indicates decoding or rendering failed
	ErrProcessing = errors.New("processing failed")

	// ErrNotOriginal indicates an operation that only applies to ORIGINAL rows
	ErrNotOriginal = errors.New("asset is not an original")
)

// Validation reasons reported to callers.
const (
	ReasonUnsupportedFormat  = "unsupported format"
	ReasonEmptyFile          = "empty file"
	ReasonFileTooLarge       = "file too large"
	ReasonDimensionsTooLarge = "dimensions too large"
	ReasonUndecodable        = "undecodable image"
	ReasonNoPolicy           = "no policy for target/type"
)

// ValidationError carries the reason an upload was rejected.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Reason, e.Err)
	}
	return "validation failed: " + e.Reason
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func newValidationError(reason string, err error) *ValidationError {
	return &ValidationError{Reason: reason, Err: err}
}

// AssetError represents an error related to asset operations
type AssetError struct {
	AssetID uuid.UUID
	Op      string
	Err     error
}

func (e *AssetError) Error() string {
	return fmt.Sprintf("asset operation %s failed for asset %s: %v", e.Op, e.AssetID, e.Err)
}

func (e *AssetError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to object store operations
type StorageError struct {
	Bucket string
	Key    string
	Op     string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s in bucket %s: %v", e.Op, e.Key, e.Bucket, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// upstream marks err as an operational failure while keeping the cause in the chain.
func upstream(err error) error {
	if err == nil || errors.Is(err, ErrUpstream) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUpstream, err)
}

// ValidationReason returns the reason of a ValidationError in err's chain.
func ValidationReason(err error) (string, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason, true
	}
	return "", false
}
