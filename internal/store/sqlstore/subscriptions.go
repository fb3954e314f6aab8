package sqlstore

import (
	"context"

	"github.com/franciszver/lexforge-sub002/internal/collab"
	"github.com/franciszver/lexforge-sub002/internal/realtime"
)

const syncStateBuffer = 16

func presenceNotifications(ctx context.Context, dispatcher *realtime.Dispatcher, documentID collab.DocumentID) (<-chan struct{}, func()) {
	subscriptionCtx, cancel := context.WithCancel(ctx)
	events, cleanup := dispatcher.Subscribe(subscriptionCtx, documentID)
	notifications := make(chan struct{}, 1)
	go func() {
		defer close(notifications)
		for event := range events {
			if event.EventType != realtime.EventPresenceChanged {
				continue
			}
			select {
			case notifications <- struct{}{}:
			default:
			}
		}
	}()
	return notifications, func() {
		cancel()
		cleanup()
	}
}

func syncStateUpdates(ctx context.Context, dispatcher *realtime.Dispatcher, documentID collab.DocumentID) (<-chan collab.SyncState, func()) {
	subscriptionCtx, cancel := context.WithCancel(ctx)
	events, cleanup := dispatcher.Subscribe(subscriptionCtx, documentID)
	states := make(chan collab.SyncState, syncStateBuffer)
	go func() {
		defer close(states)
		for event := range events {
			if event.EventType != realtime.EventSyncStateChanged || event.SyncState == nil {
				continue
			}
			select {
			case states <- *event.SyncState:
			case <-subscriptionCtx.Done():
				return
			}
		}
	}()
	return states, func() {
		cancel()
		cleanup()
	}
}
