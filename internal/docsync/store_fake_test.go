package docsync

import (
	"context"
	"sync"

	"github.com/franciszver/lexforge-sub002/internal/collab"
)

type fakeStateStore struct {
	mu          sync.Mutex
	states      map[collab.DocumentID]collab.SyncState
	subscribers map[collab.DocumentID][]chan collab.SyncState
	writes      int
	getErr      error
	updateErr   error
	beforeWrite func(store *fakeStateStore, next collab.SyncState)
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{
		states:      make(map[collab.DocumentID]collab.SyncState),
		subscribers: make(map[collab.DocumentID][]chan collab.SyncState),
	}
}

func (s *fakeStateStore) GetSyncState(_ context.Context, documentID collab.DocumentID) (collab.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return collab.SyncState{}, s.getErr
	}
	state, ok := s.states[documentID]
	if !ok {
		return collab.SyncState{}, collab.ErrRecordNotFound
	}
	return state, nil
}

func (s *fakeStateStore) CreateSyncState(_ context.Context, state collab.SyncState) (collab.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[state.DocumentID]; ok {
		return collab.SyncState{}, collab.ErrAlreadyExists
	}
	s.states[state.DocumentID] = state
	return state, nil
}

func (s *fakeStateStore) UpdateSyncState(_ context.Context, next collab.SyncState, expectedVersion int64) (collab.SyncState, error) {
	s.mu.Lock()
	hook := s.beforeWrite
	s.beforeWrite = nil
	s.mu.Unlock()
	if hook != nil {
		hook(s, next)
	}

	s.mu.Lock()
	if s.updateErr != nil {
		err := s.updateErr
		s.mu.Unlock()
		return collab.SyncState{}, err
	}
	current, ok := s.states[next.DocumentID]
	if !ok {
		s.mu.Unlock()
		return collab.SyncState{}, collab.ErrRecordNotFound
	}
	if current.Version != expectedVersion {
		s.mu.Unlock()
		return collab.SyncState{}, collab.ErrVersionMismatch
	}
	s.states[next.DocumentID] = next
	s.writes++
	s.notifyLocked(next)
	s.mu.Unlock()
	return next, nil
}

func (s *fakeStateStore) SubscribeSyncState(ctx context.Context, documentID collab.DocumentID) (<-chan collab.SyncState, func(), error) {
	stream := make(chan collab.SyncState, 16)
	s.mu.Lock()
	s.subscribers[documentID] = append(s.subscribers[documentID], stream)
	s.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			remaining := s.subscribers[documentID][:0]
			for _, existing := range s.subscribers[documentID] {
				if existing != stream {
					remaining = append(remaining, existing)
				}
			}
			s.subscribers[documentID] = remaining
			close(stream)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup, nil
}

// forceState overwrites the stored state as another writer would, notifying subscribers.
func (s *fakeStateStore) forceState(state collab.SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.DocumentID] = state
	s.notifyLocked(state)
}

func (s *fakeStateStore) notifyLocked(state collab.SyncState) {
	for _, subscriber := range s.subscribers[state.DocumentID] {
		select {
		case subscriber <- state:
		default:
		}
	}
}

func (s *fakeStateStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *fakeStateStore) stored(documentID collab.DocumentID) collab.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[documentID]
}
