package event

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func newTestBus() Bus {
	return NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBus_DeliversToSubscribersOfType(t *testing.T) {
	bus := newTestBus()
	var hits, misses int
	bus.Subscribe(EventCacheHit, func(ctx context.Context, e Event) error {
		hits++
		if e.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
		return nil
	})
	bus.Subscribe(EventCacheMiss, func(ctx context.Context, e Event) error {
		misses++
		return nil
	})

	bus.Publish(context.Background(), Event{Type: EventCacheHit, Payload: CacheEvent{Fingerprint: "fp"}})
	bus.Publish(context.Background(), Event{Type: EventCacheHit})

	if hits != 2 || misses != 0 {
		t.Errorf("hits=%d misses=%d, want 2/0", hits, misses)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := newTestBus()
	var a, b int
	unsubA := bus.Subscribe(EventJobStarted, func(context.Context, Event) error { a++; return nil })
	bus.Subscribe(EventJobStarted, func(context.Context, Event) error { b++; return nil })

	bus.Publish(context.Background(), Event{Type: EventJobStarted})
	unsubA()
	unsubA() // idempotent
	bus.Publish(context.Background(), Event{Type: EventJobStarted})

	if a != 1 || b != 2 {
		t.Errorf("a=%d b=%d, want 1/2", a, b)
	}
}

func TestBus_HandlerErrorDoesNotStopDelivery(t *testing.T) {
	bus := newTestBus()
	var second bool
	bus.Subscribe(eventTest, func(context.Context, Event) error { return errors.New("boom") })
	bus.Subscribe(eventTest, func(context.Context, Event) error { second = true; return nil })

	if err := bus.Publish(context.Background(), Event{Type: eventTest}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !second {
		t.Error("second handler not called")
	}
}

const eventTest EventType = "test.event"

func TestNop(t *testing.T) {
	bus := Nop()
	bus.Subscribe(EventCacheHit, func(context.Context, Event) error {
		t.Error("nop bus delivered an event")
		return nil
	})()
	bus.Publish(context.Background(), Event{Type: EventCacheHit})
}
