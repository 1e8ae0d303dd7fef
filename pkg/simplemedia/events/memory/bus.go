// Package memory provides an in-process events.Bus. Propagators sharing one
// Bus behave like separate instances sharing a broker channel.
package memory

import (
	"context"
	"sync"

	"github.com/tendant/simple-media/pkg/simplemedia/events"
)

// Bus fans every published payload out to current subscribers of the channel.
type Bus struct {
	buffer int

	mu      sync.RWMutex
	streams map[string]map[*stream]struct{}
}

// New creates a Bus whose subscriber channels hold buffer messages
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{buffer: buffer, streams: make(map[string]map[*stream]struct{})}
}

// Publish drops the payload for subscribers whose buffer is full, like a broker would for a lagging client.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.streams[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string) (events.Stream, error) {
	s := &stream{bus: b, channel: channel, ch: make(chan []byte, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams[channel] == nil {
		b.streams[channel] = make(map[*stream]struct{})
	}
	b.streams[channel][s] = struct{}{}
	return s, nil
}

// Subscribers returns the number of open streams on channel
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.streams[channel])
}

type stream struct {
	bus     *Bus
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *stream) Messages() <-chan []byte {
	return s.ch
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.streams[s.channel], s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

var _ events.Bus = (*Bus)(nil)
