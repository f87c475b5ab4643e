package memory

import (
	"context"
	"sync"

	"quizroom-service/internal/domain"
)

// EventBus fans room events out to in-process subscribers.
type EventBus struct {
	mu     sync.RWMutex
	rooms  map[string]map[chan domain.Event]struct{}
	buffer int
}

func NewEventBus() *EventBus {
	return &EventBus{
		rooms:  make(map[string]map[chan domain.Event]struct{}),
		buffer: 16,
	}
}

func (b *EventBus) Publish(_ context.Context, roomID string, events ...domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.rooms[roomID] {
		for _, ev := range events {
			deliver(ch, ev)
		}
	}
	return nil
}

// deliver never blocks: a full subscriber loses its oldest event and is
// expected to resync from the store.
func deliver(ch chan domain.Event, ev domain.Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// Subscribe registers a subscriber. The returned cancel function closes the
// channel; it is also called when ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, roomID string) (<-chan domain.Event, func(), error) {
	ch := make(chan domain.Event, b.buffer)

	b.mu.Lock()
	subs, ok := b.rooms[roomID]
	if !ok {
		subs = make(map[chan domain.Event]struct{})
		b.rooms[roomID] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.rooms[roomID]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.rooms, roomID)
				}
			}
			close(ch)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel, nil
}

// Subscribers returns the number of live subscriptions for a room.
func (b *EventBus) Subscribers(roomID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[roomID])
}
