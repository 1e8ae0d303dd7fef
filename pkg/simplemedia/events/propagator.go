// Package events propagates processing status across process instances.
//
// A Propagator publishes each event to a shared Bus channel and delivers it
// to listeners registered in the same process. Every process runs one
// Propagator whose Run loop re-dispatches inbound bus messages to its local
// listeners by asset id.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// DefaultChannel is the shared channel name.
const DefaultChannel = "media:status"

// Bus is a broadcast transport reachable by every process.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Stream, error)
}

// Stream is an open bus subscription.
type Stream interface {
	Messages() <-chan []byte
	Close() error
}

// Observer counts events dropped for malformed input or slow listeners.
type Observer interface {
	EventDropped(reason string)
}

type nopObserver struct{}

func (nopObserver) EventDropped(string) {}

// Propagator implements simplemedia.StatusPublisher and simplemedia.StatusSubscriber.
type Propagator struct {
	bus      Bus
	channel  string
	origin   string
	buffer   int
	retry    time.Duration
	logger   *slog.Logger
	observer Observer

	mu   sync.RWMutex
	subs map[uuid.UUID]map[*subscription]struct{}
}

// Option configures a Propagator
type Option func(*Propagator)

func WithChannel(name string) Option {
	return func(p *Propagator) {
		if name != "" {
			p.channel = name
		}
	}
}

// WithOrigin sets the instance id stamped on outgoing messages
func WithOrigin(id string) Option {
	return func(p *Propagator) {
		p.origin = id
	}
}

// WithBuffer sets the per-listener channel capacity
func WithBuffer(n int) Option {
	return func(p *Propagator) {
		if n > 0 {
			p.buffer = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Propagator) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(p *Propagator) {
		if o != nil {
			p.observer = o
		}
	}
}

// New creates a Propagator over bus
func New(bus Bus, opts ...Option) *Propagator {
	p := &Propagator{
		bus:      bus,
		channel:  DefaultChannel,
		origin:   uuid.NewString(),
		buffer:   16,
		retry:    time.Second,
		logger:   slog.Default(),
		observer: nopObserver{},
		subs:     make(map[uuid.UUID]map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish delivers ev to local listeners, then to the shared channel.
func (p *Propagator) Publish(ctx context.Context, ev simplemedia.StatusEvent) error {
	p.deliver(ev)

	data, err := Encode(ev, p.origin)
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, p.channel, data)
}

// Subscribe registers a listener for assetID.
func (p *Propagator) Subscribe(assetID uuid.UUID) simplemedia.Subscription {
	s := &subscription{
		p:       p,
		assetID: assetID,
		ch:      make(chan simplemedia.StatusEvent, p.buffer),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.subs[assetID]
	if !ok {
		set = make(map[*subscription]struct{})
		p.subs[assetID] = set
	}
	set[s] = struct{}{}
	return s
}

// Listeners returns how many listeners are registered for assetID.
func (p *Propagator) Listeners(assetID uuid.UUID) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs[assetID])
}

func (p *Propagator) unsubscribe(s *subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.subs[s.assetID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(p.subs, s.assetID)
		}
	}
}

// deliver never blocks; a listener whose buffer is full misses the event.
func (p *Propagator) deliver(ev simplemedia.StatusEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for s := range p.subs[ev.AssetID] {
		select {
		case s.ch <- ev:
		default:
			p.observer.EventDropped("slow_listener")
			p.logger.Warn("status listener full, event dropped",
				"asset_id", ev.AssetID, "status", ev.State)
		}
	}
}

// Run subscribes to the shared channel and dispatches until ctx is done.
// A closed or failed subscription is re-established.
func (p *Propagator) Run(ctx context.Context) error {
	for {
		err := p.dispatch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		p.logger.WarnContext(ctx, "status subscription lost, resubscribing",
			"channel", p.channel, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.retry):
		}
	}
}

var errStreamClosed = errors.New("stream closed")

func (p *Propagator) dispatch(ctx context.Context) error {
	stream, err := p.bus.Subscribe(ctx, p.channel)
	if err != nil {
		return err
	}
	defer stream.Close()

	p.logger.InfoContext(ctx, "status dispatch started", "channel", p.channel, "origin", p.origin)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-stream.Messages():
			if !ok {
				return errStreamClosed
			}
			ev, origin, err := Decode(data)
			if err != nil {
				p.observer.EventDropped("malformed")
				p.logger.WarnContext(ctx, "malformed status message dropped", "error", err)
				continue
			}
			if origin != "" && origin == p.origin {
				continue
			}
			p.deliver(ev)
		}
	}
}

type subscription struct {
	p       *Propagator
	assetID uuid.UUID
	ch      chan simplemedia.StatusEvent
	once    sync.Once
}

func (s *subscription) Events() <-chan simplemedia.StatusEvent {
	return s.ch
}

// Close unregisters before closing the channel, so deliver never sends on a closed channel.
func (s *subscription) Close() {
	s.once.Do(func() {
		s.p.unsubscribe(s)
		close(s.ch)
	})
}

var (
	_ simplemedia.StatusPublisher  = (*Propagator)(nil)
	_ simplemedia.StatusSubscriber = (*Propagator)(nil)
)
