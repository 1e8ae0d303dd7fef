package events_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/events"
	"github.com/tendant/simple-media/pkg/simplemedia/events/memory"
)

type countingObserver struct{ dropped atomic.Int32 }

func (o *countingObserver) EventDropped(string) { o.dropped.Add(1) }

func receive(t *testing.T, sub simplemedia.Subscription) simplemedia.StatusEvent {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return simplemedia.StatusEvent{}
	}
}

func startRun(t *testing.T, p *events.Propagator, bus *memory.Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestPropagator_CrossInstance(t *testing.T) {
	bus := memory.New(8)
	worker := events.New(bus, events.WithOrigin("worker"))
	api := events.New(bus, events.WithOrigin("api"))
	startRun(t, api, bus)
	require.Eventually(t, func() bool { return bus.Subscribers(events.DefaultChannel) == 1 }, time.Second, 5*time.Millisecond)

	id := uuid.New()
	sub := api.Subscribe(id)
	defer sub.Close()
	other := api.Subscribe(uuid.New())
	defer other.Close()

	require.NoError(t, worker.Publish(context.Background(), simplemedia.CompletedEvent(id, "u1", nil)))

	ev := receive(t, sub)
	assert.Equal(t, simplemedia.StateCompleted, ev.State)
	assert.Equal(t, "u1", ev.OwnerID)
	assert.Empty(t, other.Events())
}

func TestPropagator_LocalDeliveryWithoutEcho(t *testing.T) {
	bus := memory.New(8)
	p := events.New(bus)
	startRun(t, p, bus)
	require.Eventually(t, func() bool { return bus.Subscribers(events.DefaultChannel) == 1 }, time.Second, 5*time.Millisecond)

	id := uuid.New()
	sub := p.Subscribe(id)
	defer sub.Close()

	require.NoError(t, p.Publish(context.Background(), simplemedia.PendingEvent(id)))
	assert.Equal(t, simplemedia.StatePending, receive(t, sub).State)

	// the bus echo of our own message is skipped
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sub.Events())
}

func TestPropagator_MalformedMessagesDropped(t *testing.T) {
	bus := memory.New(8)
	obs := &countingObserver{}
	p := events.New(bus, events.WithObserver(obs))
	startRun(t, p, bus)
	require.Eventually(t, func() bool { return bus.Subscribers(events.DefaultChannel) == 1 }, time.Second, 5*time.Millisecond)

	id := uuid.New()
	sub := p.Subscribe(id)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, events.DefaultChannel, []byte("{garbage")))
	data, err := events.Encode(simplemedia.FailedEvent(id, "boom"), "elsewhere")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, events.DefaultChannel, data))

	ev := receive(t, sub)
	assert.Equal(t, simplemedia.StateFailed, ev.State)
	assert.Equal(t, "boom", ev.Error)
	assert.Equal(t, int32(1), obs.dropped.Load())
}

func TestPropagator_SubscriptionLifecycle(t *testing.T) {
	p := events.New(memory.New(1), events.WithBuffer(1))
	id := uuid.New()

	sub := p.Subscribe(id)
	assert.Equal(t, 1, p.Listeners(id))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, p.Listeners(id))

	_, open := <-sub.Events()
	assert.False(t, open)

	// publishing with no listeners is fine
	assert.NoError(t, p.Publish(context.Background(), simplemedia.PendingEvent(id)))
}
