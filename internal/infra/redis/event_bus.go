package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"quizroom-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// EventBus publishes room events on a Redis channel per room so every service
// instance can fan them out to its own sockets.
type EventBus struct {
	client *redis.Client
	buffer int
}

func NewEventBus(client *redis.Client) *EventBus {
	return &EventBus{client: client, buffer: 16}
}

// Publish sends all events in one pipeline so they reach subscribers in order.
func (b *EventBus) Publish(ctx context.Context, roomID string, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := b.client.Pipeline()
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		pipe.Publish(ctx, eventsChannel(roomID), payload)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Subscribe returns once the subscription is confirmed by Redis, so events
// published afterwards are not missed.
func (b *EventBus) Subscribe(ctx context.Context, roomID string) (<-chan domain.Event, func(), error) {
	ps := b.client.Subscribe(ctx, eventsChannel(roomID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe room %s: %w", roomID, err)
	}

	out := make(chan domain.Event, b.buffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				cancel()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("room %s: dropping malformed event: %v", roomID, err)
					continue
				}
				select {
				case out <- ev:
				case <-done:
					return
				case <-ctx.Done():
					cancel()
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

func eventsChannel(roomID string) string {
	return "quizroom:room:" + roomID + ":events"
}
