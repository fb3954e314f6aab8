// Package realtime fans document events out to in-process subscribers.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/franciszver/lexforge-sub002/internal/collab"
)

const (
	// EventPresenceChanged signals that the session set of a document changed.
	EventPresenceChanged = "presence-change"
	// EventSyncStateChanged signals that the synchronization record of a document changed.
	EventSyncStateChanged = "sync-state-change"

	defaultBufferSize = 16
)

// Event is a change notification for one document.
type Event struct {
	DocumentID collab.DocumentID
	EventType  string
	SyncState  *collab.SyncState
	Timestamp  time.Time
}

// Dispatcher fans events out to subscribers of the event's document.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[collab.DocumentID]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	mu     sync.Mutex
	closed bool
	stream chan Event
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[collab.DocumentID]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers for events of documentID until ctx ends or the returned cleanup runs.
// The stream is closed after cleanup.
func (d *Dispatcher) Subscribe(ctx context.Context, documentID collab.DocumentID) (<-chan Event, func()) {
	if documentID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.registerSubscriber(documentID, sub)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(documentID, sub.id)
			sub.close()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every subscriber of its document without blocking. A subscriber
// whose buffer is full loses its oldest buffered event, never the newest.
func (d *Dispatcher) Publish(event Event) {
	if event.DocumentID == "" || event.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.DocumentID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		sub.deliver(event)
	}
}

// SubscriberCount reports how many subscriptions exist for documentID.
func (d *Dispatcher) SubscriberCount(documentID collab.DocumentID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[documentID])
}

func (s *subscriber) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.stream <- event:
			return
		default:
		}
		select {
		case <-s.stream:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stream)
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(documentID collab.DocumentID, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[documentID]; !ok {
		d.subscribers[documentID] = make(map[int64]*subscriber)
	}
	d.subscribers[documentID][sub.id] = sub
}

func (d *Dispatcher) unregisterSubscriber(documentID collab.DocumentID, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[documentID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, documentID)
		}
	}
	d.mu.Unlock()
}
