// Package events is the in-process pub/sub fabric for plan execution events.
// The planner publishes every state transition here; the websocket feed and
// the optional Redis / Pub-Sub mirrors subscribe. Delivery on the bus is
// best-effort (slow subscribers are skipped); the authoritative, lossless
// event order for a plan is the sink the planner writes during execution.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type enumerates plan execution event types.
type Type string

const (
	PlanStarted          Type = "plan_started"
	StepStarted          Type = "step_started"
	StepAwaitingApproval Type = "step_awaiting_approval"
	StepVerified         Type = "step_verified"
	StepCompleted        Type = "step_completed"
	StepFailed           Type = "step_failed"
	StepRetrying         Type = "step_retrying"
	StepRolledBack       Type = "step_rolled_back"
	RollbackFailed       Type = "rollback_failed"
	PlanCompleted        Type = "plan_completed"
	PlanFailed           Type = "plan_failed"
	PlanCancelled        Type = "plan_cancelled"
)

// Terminal reports whether the event ends its plan's stream.
func (t Type) Terminal() bool {
	return t == PlanCompleted || t == PlanFailed || t == PlanCancelled
}

// Event is one plan execution event.
type Event struct {
	ID        string                 `json:"event_id"`
	PlanID    string                 `json:"plan_id"`
	StepID    string                 `json:"step_id,omitempty"`
	Type      Type                   `json:"event_type"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// New builds an event with a fresh id and timestamp.
func New(typ Type, planID, stepID, message string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		PlanID:    planID,
		StepID:    stepID,
		Type:      typ,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Sink receives events. The planner writes to a Sink; Bus is one.
type Sink interface {
	Publish(event *Event)
}

// Mirror replicates events to an external transport (Redis, Pub/Sub).
type Mirror interface {
	Forward(event *Event)
	Close() error
}

// Bus fans events out to in-process subscribers and attached mirrors.
type Bus struct {
	mu         sync.RWMutex
	planSubs   map[string][]chan *Event // plan_id -> channels
	allSubs    []chan *Event
	mirrors    []Mirror
	bufferSize int
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		planSubs:   make(map[string][]chan *Event),
		bufferSize: 256,
	}
}

// AttachMirror adds an external replication target. Mirrors receive every
// published event; forwarding errors are the mirror's problem.
func (b *Bus) AttachMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirrors = append(b.mirrors, m)
}

// SubscribePlan returns a channel receiving events for one plan only.
func (b *Bus) SubscribePlan(planID string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *Event, b.bufferSize)
	b.planSubs[planID] = append(b.planSubs[planID], ch)
	return ch
}

// SubscribeAll returns a channel receiving every event on the bus.
func (b *Bus) SubscribeAll() chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *Event, b.bufferSize)
	b.allSubs = append(b.allSubs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for planID, subs := range b.planSubs {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		if len(filtered) == 0 {
			delete(b.planSubs, planID)
		} else {
			b.planSubs[planID] = filtered
		}
	}

	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish delivers an event to matching subscribers and mirrors.
func (b *Bus) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.planSubs[event.PlanID] {
		select {
		case ch <- event:
		default:
			// Subscriber is not keeping up, skip.
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
	for _, m := range b.mirrors {
		m.Forward(event)
	}
}

// SubscriberCount returns the number of live subscriber channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.allSubs)
	for _, subs := range b.planSubs {
		n += len(subs)
	}
	return n
}

// Close shuts down attached mirrors.
func (b *Bus) Close() {
	b.mu.Lock()
	mirrors := b.mirrors
	b.mirrors = nil
	b.mu.Unlock()
	for _, m := range mirrors {
		_ = m.Close()
	}
}
