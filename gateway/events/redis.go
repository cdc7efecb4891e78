package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/conduit-ai/conduit/gateway/observability"
)

const channelPrefix = "conduit:events:"

// RedisBus publishes and subscribes over Redis Pub/Sub. Fan-out is
// fire-and-forget per Redis semantics; durability comes from the task store,
// not the bus.
type RedisBus struct {
	client *redis.Client
	source string
}

func NewRedisBus(client *redis.Client, source string) *RedisBus {
	return &RedisBus{client: client, source: source}
}

func (b *RedisBus) Publish(ctx context.Context, topic Topic, taskID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		TaskID:    taskID,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    b.source,
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := b.client.Publish(ctx, channelPrefix+string(topic), eventBytes).Err(); err != nil {
		observability.EventPublishFailures.WithLabelValues(string(topic)).Inc()
		return err
	}
	return nil
}

func (b *RedisBus) Close() error {
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

func (s *redisSubscription) Unsubscribe() error {
	close(s.done)
	return s.pubsub.Close()
}

// Subscribe delivers events published on topic to handler. The handler runs
// on the subscription goroutine; slow handlers delay later events on the same
// subscription only.
func (b *RedisBus) Subscribe(ctx context.Context, topic Topic, handler func(Event)) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channelPrefix+string(topic))

	// Force the SUBSCRIBE round trip so a failed connection surfaces here.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{pubsub: pubsub, done: make(chan struct{})}

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Printf("events: dropping malformed event on %s: %v", topic, err)
					continue
				}
				handler(event)
			}
		}
	}()

	return sub, nil
}
