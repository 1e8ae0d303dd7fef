package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// Message is the pub/sub envelope: a status tag and a status-specific payload.
type Message struct {
	Status  simplemedia.ProcessingState `json:"status"`
	Payload json.RawMessage             `json:"payload"`
	// Origin identifies the publishing process so it can skip its own echo.
	Origin string `json:"origin,omitempty"`
}

type pendingPayload struct {
	AssetID string `json:"assetId"`
}

type completedPayload struct {
	AssetID  string                   `json:"assetId"`
	OwnerID  string                   `json:"ownerId"`
	Variants []simplemedia.VariantRef `json:"variants"`
}

type failedPayload struct {
	AssetID string `json:"assetId"`
	Error   string `json:"error"`
}

// Encode serializes ev for the shared channel.
func Encode(ev simplemedia.StatusEvent, origin string) ([]byte, error) {
	var payload any
	id := ev.AssetID.String()
	switch ev.State {
	case simplemedia.StatePending:
		payload = pendingPayload{AssetID: id}
	case simplemedia.StateCompleted:
		variants := ev.Variants
		if variants == nil {
			variants = []simplemedia.VariantRef{}
		}
		payload = completedPayload{AssetID: id, OwnerID: ev.OwnerID, Variants: variants}
	case simplemedia.StateFailed:
		payload = failedPayload{AssetID: id, Error: ev.Error}
	default:
		return nil, fmt.Errorf("unknown status %q", ev.State)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Status: ev.State, Payload: raw, Origin: origin})
}

// Decode parses a message from the shared channel.
func Decode(data []byte) (simplemedia.StatusEvent, string, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return simplemedia.StatusEvent{}, "", fmt.Errorf("decode envelope: %w", err)
	}

	var (
		ev      simplemedia.StatusEvent
		assetID string
	)
	switch msg.Status {
	case simplemedia.StatePending:
		var p pendingPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return ev, "", fmt.Errorf("decode pending payload: %w", err)
		}
		assetID = p.AssetID
	case simplemedia.StateCompleted:
		var p completedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return ev, "", fmt.Errorf("decode completed payload: %w", err)
		}
		assetID = p.AssetID
		ev.OwnerID = p.OwnerID
		ev.Variants = p.Variants
	case simplemedia.StateFailed:
		var p failedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return ev, "", fmt.Errorf("decode failed payload: %w", err)
		}
		assetID = p.AssetID
		ev.Error = p.Error
	default:
		return ev, "", fmt.Errorf("unknown status %q", msg.Status)
	}

	id, err := uuid.Parse(assetID)
	if err != nil {
		return simplemedia.StatusEvent{}, "", fmt.Errorf("invalid assetId %q: %w", assetID, err)
	}
	ev.State = msg.Status
	ev.AssetID = id
	return ev, msg.Origin, nil
}
