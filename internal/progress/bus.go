package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ragbase/backend/internal/metrics"
	"github.com/ragbase/backend/pkg/logger"
)

const (
	// EventRetrievalStep brackets one pipeline stage (status start/complete).
	EventRetrievalStep = "retrieval_step"
	// EventRetrievalSummary is the terminal event of a retrieval call.
	EventRetrievalSummary = "retrieval_summary"

	StatusStart    = "start"
	StatusComplete = "complete"
)

// Event is one progress notification. Transient, never persisted.
type Event struct {
	Type      string                 `json:"type"`
	Step      string                 `json:"step,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Subscription is one listener handle for a session. Events arrive on a
// buffered channel; when the buffer is full further events are dropped for
// this handle only.
type Subscription struct {
	id string
	ch chan Event
}

// Events returns the receive side of the subscription channel. The channel
// is closed on Unregister.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Bus routes progress events to the listeners registered for a session id.
// Delivery is best-effort and at-most-once: Emit never blocks and never
// fails, a full or missing subscriber simply misses the event. Observability
// must not slow down or break retrieval, so do not tighten this contract.
type Bus struct {
	mu         sync.RWMutex
	sessions   map[string]map[string]*Subscription
	bufferSize int
}

func NewBus() *Bus {
	return &Bus{
		sessions:   make(map[string]map[string]*Subscription),
		bufferSize: 64,
	}
}

// Register creates a fresh subscription for the session. Multiple handles
// per session are allowed; each receives every emission independently.
func (b *Bus) Register(sessionID string) *Subscription {
	sub := &Subscription{
		id: uuid.New().String(),
		ch: make(chan Event, b.bufferSize),
	}

	b.mu.Lock()
	handles, ok := b.sessions[sessionID]
	if !ok {
		handles = make(map[string]*Subscription)
		b.sessions[sessionID] = handles
	}
	handles[sub.id] = sub
	b.mu.Unlock()

	logger.Debug("Progress subscription registered",
		zap.String("session_id", sessionID),
		zap.String("subscription_id", sub.id),
	)

	return sub
}

// Unregister removes the handle and closes its channel. When the last handle
// for a session goes away the session entry is dropped. Safe to call with a
// handle that was already removed.
func (b *Bus) Unregister(sessionID string, sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	handles, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	if _, ok := handles[sub.id]; !ok {
		return
	}

	delete(handles, sub.id)
	close(sub.ch)
	if len(handles) == 0 {
		delete(b.sessions, sessionID)
	}
}

// Emit pushes the event to every handle currently registered for the
// session. Non-blocking: a handle whose buffer is full drops the event.
func (b *Bus) Emit(sessionID string, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.sessions[sessionID] {
		select {
		case sub.ch <- event:
		default:
			metrics.EventsDropped.Inc()
		}
	}
}

// SubscriberCount reports the number of handles for a session; for tests
// and the health surface.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[sessionID])
}

// StepEvent builds a stage start/complete notification.
func StepEvent(step, status string, data map[string]interface{}) Event {
	return Event{
		Type:      EventRetrievalStep,
		Step:      step,
		Status:    status,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// SummaryEvent builds the terminal event for a retrieval call.
func SummaryEvent(data map[string]interface{}) Event {
	return Event{
		Type:      EventRetrievalSummary,
		Data:      data,
		Timestamp: time.Now(),
	}
}
