package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Client submits variant tasks to a Broker and answers failure lookups.
type Client struct {
	broker Broker
}

// NewClient wraps broker.
func NewClient(broker Broker) *Client {
	return &Client{broker: broker}
}

// Enqueue submits the variant task for assetID. A task that is already live
// is left alone.
func (c *Client) Enqueue(ctx context.Context, assetID uuid.UUID) error {
	task, err := NewVariantTask(assetID)
	if err != nil {
		return err
	}
	if err := c.broker.Enqueue(ctx, task); err != nil && !errors.Is(err, ErrDuplicateTask) {
		return err
	}
	return nil
}

// LastFailure reports the recorded error of an exhausted task for assetID.
func (c *Client) LastFailure(ctx context.Context, assetID uuid.UUID) (string, bool, error) {
	info, err := c.broker.Info(ctx, TaskID(assetID))
	if errors.Is(err, ErrTaskNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if info.State != StateFailed {
		return "", false, nil
	}
	return info.LastError, true, nil
}

// Info returns the inspectable record of the task for assetID.
func (c *Client) Info(ctx context.Context, assetID uuid.UUID) (*TaskInfo, error) {
	return c.broker.Info(ctx, TaskID(assetID))
}
