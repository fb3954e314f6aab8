package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/franciszver/lexforge-sub002/internal/collab"
)

func TestDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "doc-1")
	defer cleanup()

	dispatcher.Publish(Event{
		DocumentID: "doc-1",
		EventType:  EventSyncStateChanged,
		SyncState:  &collab.SyncState{DocumentID: "doc-1", Version: 3},
		Timestamp:  time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != EventSyncStateChanged {
			t.Fatalf("expected event type %s, got %s", EventSyncStateChanged, received.EventType)
		}
		if received.SyncState == nil || received.SyncState.Version != 3 {
			t.Fatalf("unexpected sync state %#v", received.SyncState)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime event within deadline")
	}
}

func TestDispatcherIsolatedByDocument(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	firstStream, firstCleanup := dispatcher.Subscribe(ctx, "doc-2")
	defer firstCleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "doc-3")
	defer otherCleanup()

	dispatcher.Publish(Event{DocumentID: "doc-3", EventType: EventPresenceChanged})

	select {
	case <-firstStream:
		t.Fatal("did not expect event for unrelated document")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-otherStream:
		if event.DocumentID != "doc-3" {
			t.Fatalf("expected doc-3, received %s", event.DocumentID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event for subscribed document")
	}
}

func TestDispatcherKeepsNewestEventWhenSubscriberLags(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "doc-4")
	defer cleanup()

	total := defaultBufferSize + 5
	for version := 1; version <= total; version++ {
		dispatcher.Publish(Event{
			DocumentID: "doc-4",
			EventType:  EventSyncStateChanged,
			SyncState:  &collab.SyncState{Version: int64(version)},
		})
	}

	var last int64
	for index := 0; index < defaultBufferSize; index++ {
		event := <-stream
		last = event.SyncState.Version
	}
	if last != int64(total) {
		t.Fatalf("expected newest version %d to survive, got %d", total, last)
	}
}

func TestDispatcherCleanupClosesStream(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	stream, _ := dispatcher.Subscribe(ctx, "doc-5")
	if dispatcher.SubscriberCount("doc-5") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatal("expected closed stream")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected stream to close after context cancellation")
	}
	if dispatcher.SubscriberCount("doc-5") != 0 {
		t.Fatalf("expected subscriber to be removed")
	}
	dispatcher.Publish(Event{DocumentID: "doc-5", EventType: EventPresenceChanged})
}
