package server

import (
	"context"
	"sync"
	"time"
)

const (
	// EventIdentityLinked is published when an upsert binds fresh platform
	// data to a participant.
	EventIdentityLinked = "identity-linked"
	// EventAccountClaimed is published when a claim call performs the
	// claimed-state transition.
	EventAccountClaimed = "account-claimed"
)

// LinkEvent notifies a participant's open sessions about linking activity.
type LinkEvent struct {
	ParticipantID string
	EventType     string
	Platform      string
	Slug          string
	Timestamp     time.Time
}

// EventDispatcher fans link events out to per-participant subscribers.
// Delivery is best effort: a subscriber that cannot keep up loses events
// rather than blocking the publisher.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan LinkEvent
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[string]map[int64]*eventSubscriber),
		bufferSize:  16,
	}
}

func (d *EventDispatcher) Subscribe(ctx context.Context, participantID string) (<-chan LinkEvent, func()) {
	if participantID == "" {
		ch := make(chan LinkEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan LinkEvent, d.bufferSize),
	}
	d.registerSubscriber(participantID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(participantID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *EventDispatcher) Publish(event LinkEvent) {
	if event.ParticipantID == "" || event.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.ParticipantID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*eventSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *EventDispatcher) registerSubscriber(participantID string, subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[participantID]; !ok {
		d.subscribers[participantID] = make(map[int64]*eventSubscriber)
	}
	d.subscribers[participantID][subscriber.id] = subscriber
}

func (d *EventDispatcher) unregisterSubscriber(participantID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[participantID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, participantID)
		}
	}
	d.mu.Unlock()
}
