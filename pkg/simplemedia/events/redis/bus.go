// Package redis implements events.Bus on Redis pub/sub.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tendant/simple-media/pkg/simplemedia/events"
)

// Bus publishes and subscribes through a Redis client
type Bus struct {
	rdb redis.UniversalClient
}

// New wraps rdb
func New(rdb redis.UniversalClient) *Bus {
	return &Bus{rdb: rdb}
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed before returning.
func (b *Bus) Subscribe(ctx context.Context, channel string) (events.Stream, error) {
	ps := b.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	s := &stream{ps: ps, out: make(chan []byte), done: make(chan struct{})}
	go s.pump()
	return s, nil
}

type stream struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
}

func (s *stream) pump() {
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		}
	}
}

func (s *stream) Messages() <-chan []byte {
	return s.out
}

func (s *stream) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	return s.ps.Close()
}

var _ events.Bus = (*Bus)(nil)
