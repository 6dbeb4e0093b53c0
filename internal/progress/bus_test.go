package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusRegisterAndEmit(t *testing.T) {
	bus := NewBus()
	sub := bus.Register("session-1")
	defer bus.Unregister("session-1", sub)

	bus.Emit("session-1", StepEvent("fusion", StatusStart, map[string]interface{}{"count": 4}))

	select {
	case event := <-sub.Events():
		assert.Equal(t, EventRetrievalStep, event.Type)
		assert.Equal(t, "fusion", event.Step)
		assert.Equal(t, StatusStart, event.Status)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected buffered event")
	}
}

func TestBusMultipleHandles(t *testing.T) {
	bus := NewBus()
	first := bus.Register("session-1")
	second := bus.Register("session-1")
	defer bus.Unregister("session-1", first)
	defer bus.Unregister("session-1", second)

	assert.Equal(t, 2, bus.SubscriberCount("session-1"))

	bus.Emit("session-1", SummaryEvent(map[string]interface{}{"total_time_ms": 12}))

	for _, sub := range []*Subscription{first, second} {
		select {
		case event := <-sub.Events():
			assert.Equal(t, EventRetrievalSummary, event.Type)
		case <-time.After(time.Second):
			t.Fatal("every handle should receive every emission")
		}
	}
}

func TestBusSessionIsolation(t *testing.T) {
	bus := NewBus()
	sub := bus.Register("session-a")
	defer bus.Unregister("session-a", sub)

	bus.Emit("session-b", StepEvent("fusion", StatusComplete, nil))

	select {
	case <-sub.Events():
		t.Fatal("event leaked across sessions")
	default:
	}
}

func TestBusUnregister(t *testing.T) {
	bus := NewBus()

	t.Run("closes channel and drops session", func(t *testing.T) {
		sub := bus.Register("session-1")
		bus.Unregister("session-1", sub)

		_, open := <-sub.Events()
		assert.False(t, open)
		assert.Equal(t, 0, bus.SubscriberCount("session-1"))
	})

	t.Run("idempotent", func(t *testing.T) {
		sub := bus.Register("session-2")
		bus.Unregister("session-2", sub)
		assert.NotPanics(t, func() {
			bus.Unregister("session-2", sub)
			bus.Unregister("session-2", nil)
		})
	})

	t.Run("keeps session while other handles remain", func(t *testing.T) {
		first := bus.Register("session-3")
		second := bus.Register("session-3")
		bus.Unregister("session-3", first)
		require.Equal(t, 1, bus.SubscriberCount("session-3"))
		bus.Unregister("session-3", second)
		assert.Equal(t, 0, bus.SubscriberCount("session-3"))
	})
}

func TestBusEmitNeverBlocks(t *testing.T) {
	bus := NewBus()
	sub := bus.Register("session-1")
	defer bus.Unregister("session-1", sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			bus.Emit("session-1", StepEvent("graph_search", StatusComplete, nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full subscriber buffer")
	}
}

func TestBusEmitWithoutSubscribers(t *testing.T) {
	bus := NewBus()
	assert.NotPanics(t, func() {
		bus.Emit("ghost-session", SummaryEvent(nil))
	})
}
