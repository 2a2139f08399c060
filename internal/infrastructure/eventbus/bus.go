package eventbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/llmtap/llmtap/pkg/safego"
)

// Event is one observation flowing through the bus.
type Event interface {
	Type() string
	Timestamp() time.Time
	Payload() any
}

// BaseEvent is the plain Event implementation used by publishers.
type BaseEvent struct {
	EventType      string
	EventTimestamp time.Time
	EventPayload   any
}

func (e *BaseEvent) Type() string         { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTimestamp }
func (e *BaseEvent) Payload() any         { return e.EventPayload }

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType string, payload any) *BaseEvent {
	return &BaseEvent{
		EventType:      eventType,
		EventTimestamp: time.Now(),
		EventPayload:   payload,
	}
}

// Handler consumes one event.
type Handler func(ctx context.Context, event Event)

// Bus decouples the proxy path from observers such as the live websocket
// feed. Publish never blocks the publisher.
type Bus interface {
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for one event type. "*" matches all.
	Subscribe(eventType string, handler Handler)
	Close()
}

// InMemoryBus is a buffered in-process bus with a single dispatch goroutine.
type InMemoryBus struct {
	mu        sync.RWMutex
	handlers  map[string][]Handler
	eventChan chan eventWrapper
	closed    bool
	logger    *zap.Logger
	wg        sync.WaitGroup
}

type eventWrapper struct {
	ctx   context.Context
	event Event
}

// NewInMemoryBus creates a bus with the given buffer size and starts its
// dispatch loop.
func NewInMemoryBus(logger *zap.Logger, bufferSize int) *InMemoryBus {
	bus := &InMemoryBus{
		handlers:  make(map[string][]Handler),
		eventChan: make(chan eventWrapper, bufferSize),
		logger:    logger,
	}

	bus.wg.Add(1)
	go bus.dispatch()

	return bus
}

// Publish enqueues the event. When the buffer is full the event is dropped;
// observers are best-effort and must never stall the proxy.
func (b *InMemoryBus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	select {
	case b.eventChan <- eventWrapper{ctx: ctx, event: event}:
	default:
		b.logger.Warn("Event buffer full, dropping event",
			zap.String("type", event.Type()),
		)
	}
}

// Subscribe registers a handler for eventType.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Close drains the buffer and stops the dispatch loop.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.eventChan)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("Event bus closed")
}

func (b *InMemoryBus) dispatch() {
	defer b.wg.Done()

	for wrapper := range b.eventChan {
		b.dispatchEvent(wrapper.ctx, wrapper.event)
	}
}

func (b *InMemoryBus) dispatchEvent(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0)
	if h, ok := b.handlers[event.Type()]; ok {
		handlers = append(handlers, h...)
	}
	if h, ok := b.handlers["*"]; ok {
		handlers = append(handlers, h...)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		h := handler
		safego.Go(b.logger.With(zap.String("event_type", event.Type())), "eventbus-handler", func() {
			defer wg.Done()
			h(ctx, event)
		})
	}
	wg.Wait()
}

// Event types published by the proxy pipeline.
const (
	EventTypeInteractionSaved = "interaction.saved"
	EventTypeUpstreamError    = "upstream.error"
)

// UpstreamErrorPayload describes a failed forward attempt.
type UpstreamErrorPayload struct {
	InteractionID string
	Provider      string
	Path          string
	Error         string
}
