package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"msgline/internal/domain"
	"msgline/internal/infra/logger"
)

type subscription struct {
	id      uint64
	chatID  string // empty matches every chat
	handler domain.EventHandler
}

func (s subscription) matches(e domain.Event) bool {
	return s.chatID == "" || s.chatID == e.ChatID
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxInFlight bounds the number of handler goroutines running at once.
// Publish blocks once the limit is reached. Zero means unbounded.
func WithMaxInFlight(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.sem = make(chan struct{}, n)
		}
	}
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]subscription
	allSubs []subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	sem     chan struct{}
	wg      sync.WaitGroup
	closed  bool // guarded by mu
}

// New creates an event bus. A nil logger discards handler panics.
func New(log *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		typed:  make(map[domain.EventType][]subscription),
		logger: logger.Component(log, "eventbus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish fans out an event to matching typed subscribers and all-event subscribers.
// Each handler is invoked in its own goroutine. Panicking handlers are recovered.
// Publishing after Close is a no-op.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var matched []subscription
	for _, sub := range b.typed[event.Type] {
		if sub.matches(event) {
			matched = append(matched, sub)
		}
	}
	for _, sub := range b.allSubs {
		if sub.matches(event) {
			matched = append(matched, sub)
		}
	}
	// Add under the lock so Close never waits while the counter grows.
	b.wg.Add(len(matched))
	b.mu.RUnlock()

	for _, sub := range matched {
		b.dispatch(ctx, event, sub)
	}
}

// dispatch runs one handler. The caller has already counted it in wg.
func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	if b.sem != nil {
		b.sem <- struct{}{}
	}
	go func() {
		defer b.wg.Done()
		if b.sem != nil {
			defer func() { <-b.sem }()
		}
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"chat_id", event.ChatID,
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.subscribeTyped(eventType, subscription{handler: handler})
}

// SubscribeChat registers a handler for one event type restricted to a single chat.
func (b *Bus) SubscribeChat(eventType domain.EventType, chatID string, handler domain.EventHandler) func() {
	return b.subscribeTyped(eventType, subscription{chatID: chatID, handler: handler})
}

func (b *Bus) subscribeTyped(eventType domain.EventType, sub subscription) func() {
	sub.id = b.nextID.Add(1)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == sub.id {
				b.typed[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == id {
				b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}

// Close prevents new publishes and waits for all in-flight handlers to finish.
// Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}
