// Package bus carries the typed domain events emitted by the engine
// components. External collaborators (UI, notification tooling) subscribe to
// the bus; there is no implicit global listener registry.
package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a domain event.
type EventType string

const (
	EventAgentMetricsUpdated        EventType = "agent-metrics-updated"
	EventAgentPerformanceCalculated EventType = "agent-performance-calculated"
	EventPerformanceChangeDetected  EventType = "performance-change-detected"
	EventAnomalyDetected            EventType = "anomaly-detected"
	EventDetectionModelUpdated      EventType = "detection-model-updated"
	EventAlertProcessed             EventType = "alert-processed"
	EventAlertSuppressed            EventType = "alert-suppressed"
	EventAlertAcknowledged          EventType = "alert-acknowledged"
	EventAlertResolved              EventType = "alert-resolved"
	EventAlertEscalated             EventType = "alert-escalated"
	EventAlertAutoResolved          EventType = "alert-auto-resolved"
	EventAlertCorrelationCreated    EventType = "alert-correlation-created"
	EventPerformanceForecast        EventType = "performance-forecast-generated"
	EventCapacityAlert              EventType = "capacity-alert"
	EventCostOptimization           EventType = "cost-optimization-opportunity"
)

// Event is a single domain event with an optional typed payload.
type Event struct {
	Type      EventType `json:"type"`
	EntityID  string    `json:"entity_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks the caller.
type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel receiving events of the given types (all
	// types when empty) and a cancel function releasing the subscription.
	Subscribe(types ...EventType) (<-chan Event, func())
}

type subscription struct {
	types map[EventType]struct{}
	ch    chan Event
}

func (s *subscription) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// ChannelBus is the in-process Bus implementation. Slow subscribers drop
// events rather than stalling publishers; drops are counted.
type ChannelBus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	nextID  int
	buffer  int
	dropped atomic.Uint64
	closed  bool
}

// NewChannelBus creates a bus whose subscriber channels buffer up to buffer
// events (default 256).
func NewChannelBus(buffer int) *ChannelBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelBus{subs: make(map[int]*subscription), buffer: buffer}
}

// Publish delivers the event to every interested subscriber.
func (b *ChannelBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(e.Type) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a new subscriber for the given event types.
func (b *ChannelBus) Subscribe(types ...EventType) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, b.buffer)}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Dropped returns the number of events discarded due to full subscriber
// channels.
func (b *ChannelBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close removes all subscriptions and closes their channels.
func (b *ChannelBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
