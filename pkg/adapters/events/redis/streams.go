package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crewdock/crewd/pkg/domain"
	"github.com/crewdock/crewd/pkg/ports"
)

// StreamsBus implements the event bus on Redis Streams. Each Subscribe call
// joins its own consumer group, so every subscriber sees the full stream,
// matching the in-memory bus's broadcast semantics. Within a group, replicas
// of the same process share the stream's work. Delivery is at-least-once;
// handlers tolerate replays.
type StreamsBus struct {
	client        *redis.Client
	logger        *zap.Logger
	consumerGroup string
	consumerName  string

	mu        sync.Mutex
	subCounts map[string]int

	cancel context.CancelFunc
	ctx    context.Context
}

// NewStreamsBus creates a Redis Streams event bus. consumerName should be
// unique per process (hostname plus pid works).
func NewStreamsBus(client *redis.Client, consumerGroup, consumerName string, logger *zap.Logger) *StreamsBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamsBus{
		client:        client,
		logger:        logger,
		consumerGroup: consumerGroup,
		consumerName:  consumerName,
		subCounts:     make(map[string]int),
		ctx:           ctx,
		cancel:        cancel,
	}
}

func streamKey(topic string) string {
	return fmt.Sprintf("crewd:events:%s", topic)
}

// Publish appends the event to the topic's stream.
func (b *StreamsBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamKey(topic),
		Values: map[string]interface{}{"data": string(data)},
	}
	if _, err := b.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	b.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("topic", topic))
	return nil
}

// Subscribe joins a fresh consumer group on the topic's stream and starts a
// reader goroutine. The group name is derived from the subscription ordinal,
// which is stable as long as components subscribe in startup order.
func (b *StreamsBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	key := streamKey(topic)

	b.mu.Lock()
	ordinal := b.subCounts[topic]
	b.subCounts[topic]++
	b.mu.Unlock()
	group := fmt.Sprintf("%s:%s:%d", b.consumerGroup, topic, ordinal)

	err := b.client.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	b.logger.Info("subscribed to event stream",
		zap.String("topic", topic),
		zap.String("consumer_group", group),
		zap.String("consumer", b.consumerName))

	go b.readStream(topic, group, handler)
	return nil
}

func (b *StreamsBus) readStream(topic, group string, handler ports.EventHandler) {
	key := streamKey(topic)
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		streams, err := b.client.XReadGroup(b.ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumerName,
			Streams:  []string{key, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || b.ctx.Err() != nil {
				continue
			}
			b.logger.Error("failed to read from stream",
				zap.String("topic", topic),
				zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.handleMessage(topic, group, msg, handler)
			}
		}
	}
}

func (b *StreamsBus) handleMessage(topic, group string, msg redis.XMessage, handler ports.EventHandler) {
	key := streamKey(topic)

	data, ok := msg.Values["data"].(string)
	if !ok {
		b.logger.Error("invalid message format",
			zap.String("topic", topic),
			zap.String("message_id", msg.ID))
		return
	}

	var event domain.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		b.logger.Error("failed to unmarshal event",
			zap.String("topic", topic),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return
	}

	if err := handler(b.ctx, event); err != nil {
		// Left unacked; the pending-entries list keeps it for redelivery.
		b.logger.Error("handler error",
			zap.String("topic", topic),
			zap.String("event_id", event.ID),
			zap.Error(err))
		return
	}

	if err := b.client.XAck(b.ctx, key, group, msg.ID).Err(); err != nil {
		b.logger.Error("failed to acknowledge message",
			zap.String("topic", topic),
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
}

// Unsubscribe is a no-op: consumers drop out of the group when Close stops
// their readers, and stale consumers can be pruned with XGROUP DELCONSUMER.
func (b *StreamsBus) Unsubscribe(ctx context.Context, topic string) error {
	return nil
}

// Close stops every reader goroutine. The Redis client belongs to the caller.
func (b *StreamsBus) Close() error {
	b.cancel()
	return nil
}
