package simplemedia

import "github.com/google/uuid"

// ProcessingState is the derivative-generation state of an ORIGINAL.
type ProcessingState string

// Processing state constants (typed).
const (
	StatePending   ProcessingState = "pending"
	StateCompleted ProcessingState = "completed"
	StateFailed    ProcessingState = "failed"
)

// IsValid reports whether s is a known processing state.
func (s ProcessingState) IsValid() bool {
	switch s {
	case StatePending, StateCompleted, StateFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further status follows s.
func (s ProcessingState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// StatusEvent reports the processing state of one asset.
//
// OwnerID and Variants are set for completed events, Error for failed ones.
type StatusEvent struct {
	State    ProcessingState `json:"status"`
	AssetID  uuid.UUID       `json:"asset_id"`
	OwnerID  string          `json:"owner_id,omitempty"`
	Variants []VariantRef    `json:"variants,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// PendingEvent builds a pending status for assetID.
func PendingEvent(assetID uuid.UUID) StatusEvent {
	return StatusEvent{State: StatePending, AssetID: assetID}
}

// CompletedEvent builds a completed status carrying the variant references.
func CompletedEvent(assetID uuid.UUID, ownerID string, variants []VariantRef) StatusEvent {
	return StatusEvent{State: StateCompleted, AssetID: assetID, OwnerID: ownerID, Variants: variants}
}

// FailedEvent builds a failed status carrying the error text.
func FailedEvent(assetID uuid.UUID, reason string) StatusEvent {
	return StatusEvent{State: StateFailed, AssetID: assetID, Error: reason}
}
