package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanSubscriptionFilters(t *testing.T) {
	b := NewBus()
	p1 := b.SubscribePlan("plan-1")
	p2 := b.SubscribePlan("plan-2")

	b.Publish(New(StepStarted, "plan-1", "s1", "go", nil))

	select {
	case evt := <-p1:
		assert.Equal(t, "plan-1", evt.PlanID)
		assert.Equal(t, StepStarted, evt.Type)
	default:
		t.Fatal("plan-1 subscriber got nothing")
	}
	select {
	case <-p2:
		t.Fatal("plan-2 subscriber saw a plan-1 event")
	default:
	}
}

func TestSubscribeAllSeesEverything(t *testing.T) {
	b := NewBus()
	all := b.SubscribeAll()

	b.Publish(New(PlanStarted, "plan-1", "", "", nil))
	b.Publish(New(PlanCompleted, "plan-2", "", "", nil))

	assert.Equal(t, "plan-1", (<-all).PlanID)
	assert.Equal(t, "plan-2", (<-all).PlanID)
}

func TestSlowSubscriberIsSkipped(t *testing.T) {
	b := NewBus()
	b.bufferSize = 1
	ch := b.SubscribePlan("p")

	// Second publish finds the buffer full and must not block.
	b.Publish(New(StepStarted, "p", "s1", "", nil))
	b.Publish(New(StepCompleted, "p", "s1", "", nil))

	assert.Equal(t, StepStarted, (<-ch).Type)
	select {
	case evt := <-ch:
		t.Fatalf("expected the second event dropped, got %s", evt.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch := b.SubscribeAll()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(ch)
	assert.Equal(t, 0, b.SubscriberCount())
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe is harmless.
	b.Publish(New(PlanFailed, "p", "", "", nil))
}

type captureMirror struct {
	mu     sync.Mutex
	events []*Event
	closed bool
}

func (m *captureMirror) Forward(e *Event) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
}

func (m *captureMirror) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func TestMirrorReceivesAllEvents(t *testing.T) {
	b := NewBus()
	m := &captureMirror{}
	b.AttachMirror(m)

	b.Publish(New(PlanStarted, "p", "", "", nil))
	b.Publish(New(PlanCompleted, "p", "", "", nil))

	m.mu.Lock()
	assert.Len(t, m.events, 2)
	m.mu.Unlock()

	b.Close()
	m.mu.Lock()
	assert.True(t, m.closed)
	m.mu.Unlock()
}

func TestPublishFillsIDAndTimestamp(t *testing.T) {
	b := NewBus()
	ch := b.SubscribeAll()

	b.Publish(&Event{Type: StepStarted, PlanID: "p"})
	evt := <-ch
	assert.NotEmpty(t, evt.ID)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestTerminalTypes(t *testing.T) {
	assert.True(t, PlanCompleted.Terminal())
	assert.True(t, PlanFailed.Terminal())
	assert.True(t, PlanCancelled.Terminal())
	assert.False(t, StepCompleted.Terminal())
	assert.False(t, StepFailed.Terminal())
}
