package redisstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/franciszver/lexforge-sub002/internal/collab"
	"github.com/franciszver/lexforge-sub002/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const syncStateBuffer = 16

// SubscribePresence notifies on every presence change of documentID until ctx ends or the
// returned cancel runs.
func (s *Store) SubscribePresence(ctx context.Context, documentID collab.DocumentID) (<-chan struct{}, func(), error) {
	pubsub, subscriptionCtx, cancel, err := s.subscribe(ctx, s.presenceChannel(documentID))
	if err != nil {
		return nil, nil, err
	}
	notifications := make(chan struct{}, 1)
	go func() {
		defer close(notifications)
		messages := pubsub.Channel()
		for {
			select {
			case <-subscriptionCtx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				select {
				case notifications <- struct{}{}:
				default:
				}
			}
		}
	}()
	return notifications, cancel, nil
}

// SubscribeSyncState streams every new synchronization record of documentID until ctx ends or the
// returned cancel runs.
func (s *Store) SubscribeSyncState(ctx context.Context, documentID collab.DocumentID) (<-chan collab.SyncState, func(), error) {
	pubsub, subscriptionCtx, cancel, err := s.subscribe(ctx, s.syncChannel(documentID))
	if err != nil {
		return nil, nil, err
	}
	states := make(chan collab.SyncState, syncStateBuffer)
	go func() {
		defer close(states)
		messages := pubsub.Channel()
		for {
			select {
			case <-subscriptionCtx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				var state collab.SyncState
				if err := json.Unmarshal([]byte(message.Payload), &state); err != nil {
					s.logger.Warn("discarding malformed sync state message",
						zap.String(fieldChannel, message.Channel),
						zap.Error(err))
					continue
				}
				select {
				case states <- state:
				case <-subscriptionCtx.Done():
					return
				}
			}
		}
	}()
	return states, cancel, nil
}

// subscribe opens a Pub/Sub subscription and waits for Redis to confirm it, so that no message
// published after it returns is missed.
func (s *Store) subscribe(ctx context.Context, channel string) (*redis.PubSub, context.Context, func(), error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		wrapped := store.NewError(opSubscribe, reasonCommand, err)
		s.logError(opSubscribe, wrapped, zap.String(fieldChannel, channel))
		return nil, nil, nil, wrapped
	}

	subscriptionCtx, cancelCtx := context.WithCancel(ctx)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			_ = pubsub.Close()
		})
	}
	go func() {
		<-subscriptionCtx.Done()
		cancel()
	}()
	return pubsub, subscriptionCtx, cancel, nil
}
