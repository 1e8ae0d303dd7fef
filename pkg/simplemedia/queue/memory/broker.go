package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia/queue"
)

type entry struct {
	task    queue.Task
	info    queue.TaskInfo
	expires time.Time
	timer   *time.Timer
}

// Broker is an in-process queue.Broker. Tasks do not survive a restart.
type Broker struct {
	retention time.Duration
	now       func() time.Time

	mu     sync.Mutex
	ready  []string
	tasks  map[string]*entry
	notify chan struct{}
	closed bool
}

// Option configures a Broker
type Option func(*Broker)

// WithRetention sets how long completed tasks stay inspectable
func WithRetention(d time.Duration) Option {
	return func(b *Broker) {
		b.retention = d
	}
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// New creates an in-memory broker
func New(opts ...Option) *Broker {
	b := &Broker{
		retention: time.Hour,
		now:       time.Now,
		tasks:     make(map[string]*entry),
		notify:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// purge drops completed tasks past retention. Caller holds mu.
func (b *Broker) purge() {
	now := b.now()
	for id, e := range b.tasks {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(b.tasks, id)
		}
	}
}

func (b *Broker) Enqueue(ctx context.Context, task *queue.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.purge()
	if e, ok := b.tasks[task.ID]; ok && e.info.State.IsLive() {
		return queue.ErrDuplicateTask
	}

	t := *task
	t.Attempt = 0
	b.tasks[t.ID] = &entry{
		task: t,
		info: queue.TaskInfo{
			ID:        t.ID,
			Type:      t.Type,
			State:     queue.StatePending,
			Payload:   t.Payload,
			UpdatedAt: b.now().UTC(),
		},
	}
	b.ready = append(b.ready, t.ID)
	b.signal()
	return nil
}

func (b *Broker) Reserve(ctx context.Context) (*queue.Delivery, error) {
	for {
		b.mu.Lock()
		if len(b.ready) > 0 {
			id := b.ready[0]
			b.ready = b.ready[1:]
			if len(b.ready) > 0 {
				b.signal()
			}
			e, ok := b.tasks[id]
			if !ok || e.info.State != queue.StatePending {
				b.mu.Unlock()
				continue
			}
			e.info.State = queue.StateActive
			e.info.Attempt++
			e.info.UpdatedAt = b.now().UTC()
			e.task.Attempt = e.info.Attempt
			d := &queue.Delivery{Task: e.task, Receipt: id}
			b.mu.Unlock()
			return d, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.notify:
		}
	}
}

func (b *Broker) settle(d *queue.Delivery, fn func(e *entry)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.tasks[d.Receipt]
	if !ok {
		return queue.ErrTaskNotFound
	}
	e.info.UpdatedAt = b.now().UTC()
	fn(e)
	return nil
}

func (b *Broker) Complete(ctx context.Context, d *queue.Delivery, result []byte) error {
	return b.settle(d, func(e *entry) {
		e.info.State = queue.StateCompleted
		e.info.Result = result
		e.info.LastError = ""
		e.expires = b.now().Add(b.retention)
	})
}

func (b *Broker) Retry(ctx context.Context, d *queue.Delivery, delay time.Duration, cause error) error {
	return b.settle(d, func(e *entry) {
		e.info.State = queue.StateRetry
		if cause != nil {
			e.info.LastError = cause.Error()
		}
		id := d.Receipt
		e.timer = time.AfterFunc(delay, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if cur, ok := b.tasks[id]; ok && cur == e && cur.info.State == queue.StateRetry && !b.closed {
				cur.info.State = queue.StatePending
				b.ready = append(b.ready, id)
				b.signal()
			}
		})
	})
}

func (b *Broker) Fail(ctx context.Context, d *queue.Delivery, cause error) error {
	return b.settle(d, func(e *entry) {
		e.info.State = queue.StateFailed
		if cause != nil {
			e.info.LastError = cause.Error()
		}
		e.expires = time.Time{}
	})
}

func (b *Broker) Info(ctx context.Context, taskID string) (*queue.TaskInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.purge()
	e, ok := b.tasks[taskID]
	if !ok {
		return nil, queue.ErrTaskNotFound
	}
	info := e.info
	return &info, nil
}

// Close stops pending retry timers
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, e := range b.tasks {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	return nil
}

var _ queue.Broker = (*Broker)(nil)
