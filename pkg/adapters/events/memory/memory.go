package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/crewdock/crewd/pkg/domain"
	"github.com/crewdock/crewd/pkg/ports"
)

// Bus is the in-process event bus. Handlers run on their own goroutines so a
// slow subscriber (a WebSocket fan-out, a worker mid-execution) never blocks
// the publisher. Default bus for a single-process deployment.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription
	logger      *zap.Logger
	wg          sync.WaitGroup
	closed      bool
}

type subscription struct {
	handler ports.EventHandler
	ctx     context.Context
}

// NewBus creates an empty in-process event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string][]subscription),
		logger:      logger,
	}
}

// Publish delivers the event to every live subscriber of the topic.
// Subscriptions whose context has ended are dropped here, so churning
// subscribers (a WebSocket connection per watcher) do not accumulate.
func (b *Bus) Publish(ctx context.Context, topic string, event domain.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	subs := b.subscribers[topic][:0]
	for _, sub := range b.subscribers[topic] {
		if sub.ctx.Err() != nil {
			continue
		}
		subs = append(subs, sub)
	}
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	} else {
		b.subscribers[topic] = subs
	}
	live := make([]subscription, len(subs))
	copy(live, subs)
	b.mu.Unlock()

	for _, sub := range live {
		b.wg.Add(1)
		go func(sub subscription) {
			defer b.wg.Done()
			if err := sub.handler(sub.ctx, event); err != nil {
				b.logger.Warn("event handler error",
					zap.String("topic", topic),
					zap.String("event_id", event.ID),
					zap.String("type", string(event.Type)),
					zap.Error(err))
			}
		}(sub)
	}
	return nil
}

// Subscribe registers a handler for a topic. The subscription lives until ctx
// is cancelled or the topic is unsubscribed.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[topic] = append(b.subscribers[topic], subscription{
		handler: handler,
		ctx:     ctx,
	})
	return nil
}

// Unsubscribe drops every handler on a topic.
func (b *Bus) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, topic)
	return nil
}

// Close drops all subscribers and waits for in-flight deliveries to drain.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subscribers = make(map[string][]subscription)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
