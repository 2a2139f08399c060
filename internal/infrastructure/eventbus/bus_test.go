package eventbus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 16)
	defer bus.Close()

	var got atomic.Value
	done := make(chan struct{})
	bus.Subscribe(EventTypeInteractionSaved, func(_ context.Context, event Event) {
		got.Store(event.Payload())
		close(done)
	})

	bus.Publish(context.Background(), NewEvent(EventTypeInteractionSaved, "payload-1"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
	if got.Load() != "payload-1" {
		t.Errorf("payload = %v", got.Load())
	}
}

func TestWildcardSubscriber(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 16)
	defer bus.Close()

	var count atomic.Int32
	done := make(chan struct{}, 2)
	bus.Subscribe("*", func(context.Context, Event) {
		count.Add(1)
		done <- struct{}{}
	})

	bus.Publish(context.Background(), NewEvent(EventTypeInteractionSaved, nil))
	bus.Publish(context.Background(), NewEvent(EventTypeUpstreamError, nil))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("wildcard handler missed an event")
		}
	}
	if count.Load() != 2 {
		t.Errorf("count = %d, want 2", count.Load())
	}
}

func TestPanickingHandlerDoesNotCrash(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 16)

	done := make(chan struct{})
	bus.Subscribe("boom", func(context.Context, Event) {
		panic("handler exploded")
	})
	bus.Subscribe("boom", func(context.Context, Event) {
		close(done)
	})

	bus.Publish(context.Background(), NewEvent("boom", nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("surviving handler was not invoked")
	}
	bus.Close()
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 1)
	bus.Close()
	// Must not panic on the closed channel.
	bus.Publish(context.Background(), NewEvent(EventTypeInteractionSaved, nil))
}
