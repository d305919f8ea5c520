package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"msgline/internal/domain"
)

func newTestBus(opts ...Option) *Bus {
	return New(slog.Default(), opts...)
}

func newEvent(t domain.EventType, chatID string) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now(), ChatID: chatID}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventLineBuilt, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventLineBuilt {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventLineBuilt, "c1"))
	bus.Publish(context.Background(), newEvent(domain.EventLineFailed, "c1"))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessageReceived, "c1"))
	bus.Publish(context.Background(), newEvent(domain.EventMediaCacheSwept, ""))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestSubscribeChat(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var chats []string
	bus.SubscribeChat(domain.EventLineBuilt, "c1", func(_ context.Context, e domain.Event) {
		mu.Lock()
		chats = append(chats, e.ChatID)
		mu.Unlock()
	})

	bus.Publish(context.Background(), newEvent(domain.EventLineBuilt, "c1"))
	bus.Publish(context.Background(), newEvent(domain.EventLineBuilt, "c2"))
	bus.Publish(context.Background(), newEvent(domain.EventLineFailed, "c1"))
	bus.Close()

	if len(chats) != 1 || chats[0] != "c1" {
		t.Fatalf("expected one delivery for c1, got %v", chats)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var typed, all atomic.Int32
	unsubTyped := bus.Subscribe(domain.EventLineBuilt, func(_ context.Context, _ domain.Event) {
		typed.Add(1)
	})
	unsubAll := bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		all.Add(1)
	})
	keep := atomic.Int32{}
	bus.Subscribe(domain.EventLineBuilt, func(_ context.Context, _ domain.Event) {
		keep.Add(1)
	})

	unsubTyped()
	unsubAll()
	unsubTyped() // second call is a no-op

	bus.Publish(context.Background(), newEvent(domain.EventLineBuilt, "c1"))
	bus.Close()

	if typed.Load() != 0 || all.Load() != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got typed=%d all=%d", typed.Load(), all.Load())
	}
	if keep.Load() != 1 {
		t.Fatalf("expected remaining subscriber to fire once, got %d", keep.Load())
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventMessageReceived, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventMessageReceived, "c1"))
		}()
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
}

func TestMaxInFlight(t *testing.T) {
	bus := newTestBus(WithMaxInFlight(2))

	var running, peak atomic.Int32
	bus.Subscribe(domain.EventLineBuilt, func(_ context.Context, _ domain.Event) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
	})

	for i := 0; i < 10; i++ {
		bus.Publish(context.Background(), newEvent(domain.EventLineBuilt, "c1"))
	}
	bus.Close()

	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent handlers, saw %d", peak.Load())
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventMessageReceived, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventMessageReceived, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessageReceived, "c1"))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected 1 (second handler), got %d", got.Load())
	}
}

func TestNilLogger(t *testing.T) {
	bus := New(nil)
	bus.Subscribe(domain.EventLineBuilt, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.Publish(context.Background(), newEvent(domain.EventLineBuilt, "c1"))
	bus.Close()
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventMessageReceived, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessageReceived, "c1"))
	bus.Close() // should block until the handler finishes

	if got.Load() != 1 {
		t.Fatalf("expected handler to have run, got %d", got.Load())
	}

	bus.Publish(context.Background(), newEvent(domain.EventMessageReceived, "c1"))
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
	bus.Close()
}

func TestPublishRacingClose(t *testing.T) {
	bus := newTestBus(WithMaxInFlight(2))

	var started, finished atomic.Int32
	bus.Subscribe(domain.EventLineBuilt, func(_ context.Context, _ domain.Event) {
		started.Add(1)
		time.Sleep(time.Millisecond)
		finished.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(context.Background(), newEvent(domain.EventLineBuilt, "c1"))
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	bus.Close()

	// Every handler accepted before Close has finished by the time it returns.
	if s, f := started.Load(), finished.Load(); s != f {
		t.Fatalf("Close returned with %d of %d handlers still running", s-f, s)
	}
	wg.Wait()
	if s, f := started.Load(), finished.Load(); s != f {
		t.Fatalf("handlers ran after Close: started=%d finished=%d", s, f)
	}
}
