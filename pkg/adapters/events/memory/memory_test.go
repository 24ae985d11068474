package memory

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/crewdock/crewd/pkg/domain"
)

func publish(t *testing.T, bus *Bus, topic, id string) {
	t.Helper()
	err := bus.Publish(context.Background(), topic, domain.Event{
		ID:        id,
		Type:      domain.EventTypeTaskDispatched,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	first := make(chan domain.Event, 1)
	second := make(chan domain.Event, 1)
	for _, ch := range []chan domain.Event{first, second} {
		ch := ch
		if err := bus.Subscribe(context.Background(), "topic", func(ctx context.Context, ev domain.Event) error {
			ch <- ev
			return nil
		}); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	publish(t, bus, "topic", "ev-1")

	for _, ch := range []chan domain.Event{first, second} {
		select {
		case ev := <-ch:
			if ev.ID != "ev-1" {
				t.Errorf("event ID = %q, want ev-1", ev.ID)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
}

func TestPublishPrunesCancelledSubscriptions(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	live := make(chan domain.Event, 2)
	if err := bus.Subscribe(context.Background(), "topic", func(ctx context.Context, ev domain.Event) error {
		live <- ev
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// A churned subscriber: its context ends before the next publish.
	gone, cancel := context.WithCancel(context.Background())
	if err := bus.Subscribe(gone, "topic", func(ctx context.Context, ev domain.Event) error {
		t.Error("cancelled subscription received an event")
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	publish(t, bus, "topic", "ev-1")

	select {
	case <-live:
	case <-time.After(time.Second):
		t.Fatal("live subscriber never received the event")
	}

	bus.mu.RLock()
	remaining := len(bus.subscribers["topic"])
	bus.mu.RUnlock()
	if remaining != 1 {
		t.Errorf("subscriptions after publish = %d, want 1 (cancelled entry pruned)", remaining)
	}
}
