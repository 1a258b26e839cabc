package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"opsflow/internal/domain"
)

type subscriber struct {
	id      uint64
	handler domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus. Workflow transitions,
// poller ticks and tool calls are published here; the gateway and the
// notifiers subscribe.
type Bus struct {
	mu       sync.RWMutex
	byType   map[domain.EventType][]subscriber
	catchAll []subscriber
	nextID   atomic.Uint64
	logger   *slog.Logger
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		byType: make(map[domain.EventType][]subscriber),
		logger: logger,
	}
}

// Publish fans an event out to matching typed subscribers and catch-all
// subscribers. Each handler runs in its own goroutine so a slow notifier
// never blocks the sequencer. Panicking handlers are recovered and logged.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	typed := make([]subscriber, len(b.byType[event.Type]))
	copy(typed, b.byType[event.Type])
	catchAll := make([]subscriber, len(b.catchAll))
	copy(catchAll, b.catchAll)
	b.mu.RUnlock()

	for _, sub := range typed {
		b.dispatch(ctx, event, sub)
	}
	for _, sub := range catchAll {
		b.dispatch(ctx, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscriber) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for one event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscriber{id: id, handler: handler}

	b.mu.Lock()
	b.byType[eventType] = append(b.byType[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.byType[eventType]
		for i, s := range subs {
			if s.id == id {
				b.byType[eventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscriber{id: id, handler: handler}

	b.mu.Lock()
	b.catchAll = append(b.catchAll, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.catchAll {
			if s.id == id {
				b.catchAll = append(b.catchAll[:i], b.catchAll[i+1:]...)
				return
			}
		}
	}
}

// Close stops accepting publishes and waits for in-flight handlers to
// finish. Safe to call more than once.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
