// Package queue carries derivative-generation tasks from the ingestion
// service to workers. Brokers deliver at least once; a task id is derived
// from the asset id so a live task is never enqueued twice.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// TypeGenerateVariants is the only task type the pipeline produces.
const TypeGenerateVariants = "media:generate_variants"

var (
	// ErrDuplicateTask is returned by Enqueue while a task with the same id is pending, active or waiting to retry.
	ErrDuplicateTask = errors.New("task already queued")

	// ErrTaskNotFound is returned by Info for unknown or expired tasks.
	ErrTaskNotFound = errors.New("task not found")
)

// Task is one unit of work.
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// VariantPayload is the wire form of a derivative-generation task.
type VariantPayload struct {
	AssetID string `json:"assetId"`
}

// TaskID returns the task id used for assetID.
func TaskID(assetID uuid.UUID) string {
	return "variants:" + assetID.String()
}

// NewVariantTask builds the task generating derivatives of assetID.
func NewVariantTask(assetID uuid.UUID) (*Task, error) {
	payload, err := json.Marshal(VariantPayload{AssetID: assetID.String()})
	if err != nil {
		return nil, err
	}
	return &Task{
		ID:         TaskID(assetID),
		Type:       TypeGenerateVariants,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// AssetID decodes the payload of a variant task.
func (t *Task) AssetID() (uuid.UUID, error) {
	var p VariantPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return uuid.Nil, fmt.Errorf("decode payload: %w", err)
	}
	id, err := uuid.Parse(p.AssetID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("decode payload: invalid assetId %q: %w", p.AssetID, err)
	}
	return id, nil
}

// State is the lifecycle position of a task.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateRetry     State = "retry"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IsLive reports whether a task in state s still blocks a re-enqueue.
func (s State) IsLive() bool {
	return s == StatePending || s == StateActive || s == StateRetry
}

// TaskInfo is the inspectable record of a task. Completed tasks are kept for
// the broker's retention period, failed tasks until they are re-enqueued.
type TaskInfo struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	State     State           `json:"state"`
	Attempt   int             `json:"attempt"`
	LastError string          `json:"last_error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Delivery is a reserved task. Receipt identifies the reservation to the broker.
type Delivery struct {
	Task    Task
	Receipt string
}

// Broker is a task transport with at-least-once delivery.
type Broker interface {
	Enqueue(ctx context.Context, task *Task) error
	// Reserve blocks until a task is available or ctx is done. The returned
	// task's Attempt counts this delivery.
	Reserve(ctx context.Context) (*Delivery, error)
	Complete(ctx context.Context, d *Delivery, result []byte) error
	// Retry makes the task available again after delay.
	Retry(ctx context.Context, d *Delivery, delay time.Duration, cause error) error
	Fail(ctx context.Context, d *Delivery, cause error) error
	Info(ctx context.Context, taskID string) (*TaskInfo, error)
}

// RetryPolicy bounds attempts and spaces them with doubling delays. The
// broker owns the schedule; the policy only computes it.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// maxRetryDelay caps a single delay so large attempt numbers stay finite.
const maxRetryDelay = 24 * time.Hour

// DefaultRetryPolicy is 5 attempts starting at 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second}
}

func (p RetryPolicy) exponential() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxRetryDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Next returns the delay before the attempt following attempt, or false when
// attempt was the last one allowed.
func (p RetryPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	retries := 0
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	b := backoff.WithMaxRetries(p.exponential(), uint64(retries))

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
		if delay == backoff.Stop {
			return 0, false
		}
	}
	return delay, true
}

// Backoff returns the delay scheduled after attempt, ignoring the ceiling.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.exponential()
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Exhausted reports whether attempt was the last one allowed.
func (p RetryPolicy) Exhausted(attempt int) bool {
	_, ok := p.Next(attempt)
	return !ok
}
