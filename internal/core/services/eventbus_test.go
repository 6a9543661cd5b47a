package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/domain"
)

func TestEventBus_SubscribeAndPublish(t *testing.T) {
	bus := NewEventBus(testLogger())

	ch, unsub := bus.Subscribe("t1")
	defer unsub()
	other, unsubOther := bus.Subscribe("t2")
	defer unsubOther()

	bus.Publish(Event{TaskID: "t1", Type: EventTypeStatus, Status: domain.TaskStatusRunning})

	select {
	case ev := <-ch:
		assert.Equal(t, domain.TaskID("t1"), ev.TaskID)
		assert.Equal(t, domain.TaskStatusRunning, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("expected event for t1")
	}

	select {
	case ev := <-other:
		t.Fatalf("unexpected event for t2: %+v", ev)
	default:
	}
}

func TestEventBus_BroadcastKey(t *testing.T) {
	bus := NewEventBus(testLogger())

	all, unsub := bus.Subscribe(BroadcastKey)
	defer unsub()

	bus.Publish(Event{TaskID: "t1", Type: EventTypeStatus, Status: domain.TaskStatusCompleted})
	bus.Publish(Event{TaskID: "t2", Type: EventTypeStatus, Status: domain.TaskStatusFailed})

	require.Len(t, all, 2)
	assert.Equal(t, domain.TaskID("t1"), (<-all).TaskID)
	assert.Equal(t, domain.TaskID("t2"), (<-all).TaskID)
}

func TestEventBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus(testLogger())

	ch, unsub := bus.Subscribe("t1")
	unsub()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{TaskID: "t1", Type: EventTypeStatus})
}

func TestEventBus_DropsWhenSubscriberFull(t *testing.T) {
	bus := NewEventBus(testLogger())

	ch, unsub := bus.Subscribe("t1")
	defer unsub()

	for i := 0; i < 100; i++ {
		bus.Publish(Event{TaskID: "t1", Type: EventTypeLog, Message: "line"})
	}
	// The buffer holds 64; the rest were dropped without blocking.
	assert.Len(t, ch, 64)
}
