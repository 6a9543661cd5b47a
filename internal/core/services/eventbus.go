package services

import (
	"log/slog"
	"sync"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/domain"
)

type EventType string

const (
	EventTypeStatus EventType = "status"
	EventTypeLog    EventType = "log"
)

// BroadcastKey subscribes to events of every task.
const BroadcastKey = "*"

// Event is one observable task transition or log line.
type Event struct {
	TaskID    domain.TaskID
	Type      EventType
	Status    domain.TaskStatus // set for status events
	Message   string            // set for log events
	Timestamp int64             // unix milliseconds
}

// EventBus fans task events out to SSE subscribers. Slow subscribers drop
// events instead of blocking publishers.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Event
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe registers for events of one task id, or BroadcastKey for all.
// The returned func unsubscribes and closes the channel.
func (b *EventBus) Subscribe(key string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 64)
	b.subs[key] = append(b.subs[key], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subscribers := b.subs[key]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[key] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[key]) == 0 {
			delete(b.subs, key)
		}
	}
	return ch, unsub
}

// Publish delivers e to the task's subscribers and to broadcast subscribers.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range []string{string(e.TaskID), BroadcastKey} {
		for _, ch := range b.subs[key] {
			select {
			case ch <- e:
			default:
				b.logger.Warn("event subscriber full, dropping event", "task_id", e.TaskID, "type", e.Type)
			}
		}
	}
}
