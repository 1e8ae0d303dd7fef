package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler processes one task and returns its result.
type Handler interface {
	Handle(ctx context.Context, task *Task) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *Task) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, task *Task) ([]byte, error) {
	return f(ctx, task)
}

// Observer receives task outcomes: completed, retried or failed.
type Observer interface {
	TaskObserved(outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) TaskObserved(string, time.Duration) {}

// ExhaustedFunc is called once a task has used its last attempt.
type ExhaustedFunc func(ctx context.Context, task *Task, err error)

// Runner pulls tasks from a Broker with a fixed number of consumers.
type Runner struct {
	broker      Broker
	handler     Handler
	policy      RetryPolicy
	concurrency int
	idleBackoff time.Duration
	logger      *slog.Logger
	observer    Observer
	onExhausted ExhaustedFunc
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithRetryPolicy(p RetryPolicy) RunnerOption {
	return func(r *Runner) {
		r.policy = p
	}
}

func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) {
		if o != nil {
			r.observer = o
		}
	}
}

func WithExhaustedHook(fn ExhaustedFunc) RunnerOption {
	return func(r *Runner) {
		r.onExhausted = fn
	}
}

// NewRunner creates a Runner
func NewRunner(broker Broker, handler Handler, opts ...RunnerOption) *Runner {
	r := &Runner{
		broker:      broker,
		handler:     handler,
		policy:      DefaultRetryPolicy(),
		concurrency: 1,
		idleBackoff: time.Second,
		logger:      slog.Default(),
		observer:    nopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes until ctx is done. A task already taken runs to completion
// even after ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.concurrency; i++ {
		consumer := i
		g.Go(func() error {
			r.consume(ctx, consumer)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) consume(ctx context.Context, consumer int) {
	for {
		d, err := r.broker.Reserve(ctx)
		if err == nil {
			r.process(context.WithoutCancel(ctx), d)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		r.logger.WarnContext(ctx, "reserve task failed", "consumer", consumer, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.idleBackoff):
		}
	}
}

func (r *Runner) process(ctx context.Context, d *Delivery) {
	start := time.Now()
	task := &d.Task
	assetID, _ := task.AssetID()
	logger := r.logger.With("task_id", task.ID, "asset_id", assetID, "attempt", task.Attempt)

	result, err := r.safeHandle(ctx, task)
	delay, hasDelay := r.policy.Next(task.Attempt)
	switch {
	case err == nil:
		if cerr := r.broker.Complete(ctx, d, result); cerr != nil {
			logger.ErrorContext(ctx, "complete task failed", "error", cerr)
		}
		r.observer.TaskObserved("completed", time.Since(start))
		logger.InfoContext(ctx, "task completed", "duration", time.Since(start))

	case !hasDelay:
		if ferr := r.broker.Fail(ctx, d, err); ferr != nil {
			logger.ErrorContext(ctx, "record task failure failed", "error", ferr)
		}
		r.observer.TaskObserved("failed", time.Since(start))
		logger.ErrorContext(ctx, "task failed permanently", "error", err)
		if r.onExhausted != nil {
			r.onExhausted(ctx, task, err)
		}

	default:
		if rerr := r.broker.Retry(ctx, d, delay, err); rerr != nil {
			logger.ErrorContext(ctx, "schedule retry failed", "error", rerr)
		}
		r.observer.TaskObserved("retried", time.Since(start))
		logger.WarnContext(ctx, "task failed, will retry", "error", err, "retry_in", delay)
	}
}

func (r *Runner) safeHandle(ctx context.Context, task *Task) (result []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "task handler panic", "task_id", task.ID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return r.handler.Handle(ctx, task)
}
