package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Event types emitted by the attendance pipeline.
const (
	TypeSessionCompleted = "session.completed"
	TypeSessionStale     = "session.stale"
	TypeCardIssued       = "card.issued"
	TypeCardFullySigned  = "card.fully_signed"
	TypeCardTampered     = "card.tampered"
	TypeDigestSent       = "digest.sent"
)

// Emitter is the interface for publishing CloudEvents. Both the in-memory
// EventBus and PubSubEventBus satisfy this interface.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// CloudEvent is the CloudEvents 1.0 envelope for all pipeline events.
// Compatible with the CNCF CloudEvents specification.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewCloudEvent creates a CloudEvents 1.0 compliant event.
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          fmt.Sprintf("ce-%d", time.Now().UnixNano()),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// subscription tracks one subscriber channel and the event types it wants.
// A nil type set means every event.
type subscription struct {
	ch    chan *CloudEvent
	types map[string]struct{}
}

func (s *subscription) wants(eventType string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// EventBus is an in-process pub/sub event bus. Subscribers receive
// CloudEvents in real time; slow subscribers are skipped, never blocked on.
type EventBus struct {
	mu         sync.RWMutex
	subs       map[chan *CloudEvent]*subscription
	logger     *log.Logger
	bufferSize int
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:       make(map[chan *CloudEvent]*subscription),
		logger:     log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize: 100,
	}
}

// Subscribe creates a channel that receives events of specific types.
// Pass no eventTypes to receive ALL events.
func (eb *EventBus) Subscribe(eventTypes ...string) chan *CloudEvent {
	sub := &subscription{ch: make(chan *CloudEvent, eb.bufferSize)}
	if len(eventTypes) > 0 {
		sub.types = make(map[string]struct{}, len(eventTypes))
		for _, et := range eventTypes {
			sub.types[et] = struct{}{}
		}
	}

	eb.mu.Lock()
	eb.subs[sub.ch] = sub
	eb.mu.Unlock()
	return sub.ch
}

// Unsubscribe removes a subscription channel and closes it.
func (eb *EventBus) Unsubscribe(ch chan *CloudEvent) {
	eb.mu.Lock()
	_, known := eb.subs[ch]
	delete(eb.subs, ch)
	eb.mu.Unlock()

	if known {
		close(ch)
	}
}

// Publish sends an event to all matching subscribers. A subscriber whose
// buffer is full misses the event; the pipeline never waits on a consumer.
func (eb *EventBus) Publish(event *CloudEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, sub := range eb.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Emit is a convenience method to create and publish an event.
func (eb *EventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	eb.Publish(NewCloudEvent(eventType, source, subject, data))
}

// SubscriberCount returns the number of active subscriptions.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs)
}
