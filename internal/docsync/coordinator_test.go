package docsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/franciszver/lexforge-sub002/internal/collab"
	"github.com/franciszver/lexforge-sub002/internal/timing"
)

const testDocumentID collab.DocumentID = "D1"

var testEpoch = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func mustCoordinator(t *testing.T, store StateStore, clock timing.Clock, cfg Config) *Coordinator {
	t.Helper()
	cfg.Store = store
	cfg.Clock = clock
	coordinator, err := NewCoordinator(cfg)
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	t.Cleanup(coordinator.Close)
	return coordinator
}

func mustInitialize(t *testing.T, coordinator *Coordinator, userID collab.UserID) {
	t.Helper()
	if !coordinator.Initialize(context.Background(), testDocumentID, userID) {
		t.Fatalf("expected coordinator for %s to initialize", userID)
	}
}

func TestHashContentIsDeterministic(t *testing.T) {
	if HashContent("<p>hello</p>") != HashContent("<p>hello</p>") {
		t.Fatalf("expected identical content to hash identically")
	}
	if HashContent("<p>hello</p>") == HashContent("<p>hello!</p>") {
		t.Fatalf("expected different content to hash differently")
	}
	if len(HashContent("")) != 64 {
		t.Fatalf("expected hex sha256 length")
	}
}

func TestDecideWrite(t *testing.T) {
	tests := []struct {
		name         string
		localVersion int64
		stored       collab.SyncState
		expected     writeDecision
	}{
		{name: "current version", localVersion: 3, stored: collab.SyncState{Version: 3, LastModifiedBy: "u2", ContentHash: "old"}, expected: decisionWrite},
		{name: "ahead by other user", localVersion: 3, stored: collab.SyncState{Version: 4, LastModifiedBy: "u2", ContentHash: "old"}, expected: decisionConflict},
		{name: "ahead by same user", localVersion: 3, stored: collab.SyncState{Version: 5, LastModifiedBy: "u1", ContentHash: "old"}, expected: decisionWrite},
		{name: "identical content", localVersion: 1, stored: collab.SyncState{Version: 4, LastModifiedBy: "u2", ContentHash: "same"}, expected: decisionAdopt},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			contentHash := "new"
			if testCase.expected == decisionAdopt {
				contentHash = "same"
			}
			if got := decideWrite(testCase.localVersion, testCase.stored, "u1", contentHash); got != testCase.expected {
				t.Fatalf("expected decision %d, got %d", testCase.expected, got)
			}
		})
	}
}

func TestParseResolution(t *testing.T) {
	resolution, err := ParseResolution("Take-Server")
	if err != nil || resolution != ResolutionTakeServer {
		t.Fatalf("unexpected parse result %q %v", resolution, err)
	}
	if _, err := ParseResolution("merge"); !errors.Is(err, ErrInvalidResolution) {
		t.Fatalf("expected invalid resolution error, got %v", err)
	}
}

func TestInitializeCreatesStateAtVersionZero(t *testing.T) {
	store := newFakeStateStore()
	coordinator := mustCoordinator(t, store, timing.NewManualClock(testEpoch), Config{})
	mustInitialize(t, coordinator, "u1")

	stored := store.stored(testDocumentID)
	if stored.Version != 0 || stored.LastModifiedBy != "u1" {
		t.Fatalf("unexpected initial state %+v", stored)
	}
	state := coordinator.State()
	if state.LocalVersion != 0 || state.ServerVersion != 0 || state.HasConflict {
		t.Fatalf("unexpected coordinator state %+v", state)
	}
}

func TestInitializeWithoutIdentityIsNoOp(t *testing.T) {
	store := newFakeStateStore()
	coordinator := mustCoordinator(t, store, timing.NewManualClock(testEpoch), Config{})
	if coordinator.Initialize(context.Background(), "", "u1") {
		t.Fatalf("expected missing document id to be a no-op")
	}
	if coordinator.Sync(context.Background(), "content") {
		t.Fatalf("expected sync before initialize to report false")
	}
	if len(store.states) != 0 {
		t.Fatalf("expected no state to be created")
	}
}

func TestSyncSkipsUnchangedContent(t *testing.T) {
	store := newFakeStateStore()
	coordinator := mustCoordinator(t, store, timing.NewManualClock(testEpoch), Config{})
	mustInitialize(t, coordinator, "u1")

	if !coordinator.Sync(context.Background(), "v1") {
		t.Fatalf("expected first sync to be accepted")
	}
	if !coordinator.Sync(context.Background(), "v1") {
		t.Fatalf("expected unchanged sync to succeed")
	}
	if store.writeCount() != 1 {
		t.Fatalf("expected exactly one write, got %d", store.writeCount())
	}
	stored := store.stored(testDocumentID)
	if stored.Version != 1 || stored.ContentHash != HashContent("v1") {
		t.Fatalf("unexpected stored state %+v", stored)
	}
}

func TestConflictingWriteByOtherUserIsRejectedThenTakeServer(t *testing.T) {
	store := newFakeStateStore()
	clock := timing.NewManualClock(testEpoch)
	sessionA := mustCoordinator(t, store, clock, Config{})
	sessionB := mustCoordinator(t, store, clock, Config{})
	mustInitialize(t, sessionA, "u1")
	mustInitialize(t, sessionB, "u2")

	if !sessionA.Sync(context.Background(), "v1") {
		t.Fatalf("expected session A sync to be accepted")
	}
	if sessionA.State().LocalVersion != 1 {
		t.Fatalf("expected session A local version 1, got %d", sessionA.State().LocalVersion)
	}

	if sessionB.Sync(context.Background(), "v2") {
		t.Fatalf("expected session B sync to be rejected")
	}
	state := sessionB.State()
	if !state.HasConflict {
		t.Fatalf("expected conflict flag")
	}
	if state.Server.Version != 1 || state.Server.LastModifiedBy != "u1" {
		t.Fatalf("unexpected server state %+v", state.Server)
	}
	writesBefore := store.writeCount()

	if !sessionB.ResolveConflict(context.Background(), ResolutionTakeServer) {
		t.Fatalf("expected take-server to succeed")
	}
	state = sessionB.State()
	if state.LocalVersion != 1 || state.HasConflict {
		t.Fatalf("unexpected state after take-server %+v", state)
	}
	if store.writeCount() != writesBefore {
		t.Fatalf("expected take-server not to write")
	}
}

func TestSameUserOtherSessionAdvanceIsOverwritten(t *testing.T) {
	store := newFakeStateStore()
	clock := timing.NewManualClock(testEpoch)
	firstTab := mustCoordinator(t, store, clock, Config{})
	secondTab := mustCoordinator(t, store, clock, Config{})
	mustInitialize(t, firstTab, "u1")
	mustInitialize(t, secondTab, "u1")

	if !firstTab.Sync(context.Background(), "from first tab") {
		t.Fatalf("expected first tab sync to be accepted")
	}
	if !secondTab.Sync(context.Background(), "from second tab") {
		t.Fatalf("expected same-user sync to be accepted")
	}
	stored := store.stored(testDocumentID)
	if stored.Version != 2 {
		t.Fatalf("expected version to strictly increase to 2, got %d", stored.Version)
	}
	if secondTab.State().HasConflict {
		t.Fatalf("did not expect conflict for same user")
	}
}

func TestForceSaveAdvancesExactlyOneDuringConflict(t *testing.T) {
	store := newFakeStateStore()
	clock := timing.NewManualClock(testEpoch)
	sessionA := mustCoordinator(t, store, clock, Config{})
	sessionB := mustCoordinator(t, store, clock, Config{})
	mustInitialize(t, sessionA, "u1")
	mustInitialize(t, sessionB, "u2")

	sessionA.Sync(context.Background(), "a1")
	sessionA.Sync(context.Background(), "a2")
	if sessionB.Sync(context.Background(), "b1") {
		t.Fatalf("expected conflict")
	}
	before := store.stored(testDocumentID).Version
	if !sessionB.ForceSave(context.Background(), "b1") {
		t.Fatalf("expected force save to succeed")
	}
	after := store.stored(testDocumentID)
	if after.Version != before+1 {
		t.Fatalf("expected version %d, got %d", before+1, after.Version)
	}
	if after.LastModifiedBy != "u2" || sessionB.State().HasConflict {
		t.Fatalf("unexpected state after force save %+v", after)
	}
}

func TestForceSaveDropsPendingDebouncedSync(t *testing.T) {
	store := newFakeStateStore()
	clock := timing.NewManualClock(testEpoch)
	coordinator := mustCoordinator(t, store, clock, Config{DebounceWindow: 2 * time.Second})
	mustInitialize(t, coordinator, "u1")

	coordinator.SyncContent("old")
	if !coordinator.ForceSave(context.Background(), "new") {
		t.Fatalf("expected force save to succeed")
	}
	clock.Advance(2 * time.Second)

	stored := store.stored(testDocumentID)
	if stored.Version != 1 || stored.ContentHash != HashContent("new") {
		t.Fatalf("expected only the forced save to be written, got %+v", stored)
	}
	if store.writeCount() != 1 {
		t.Fatalf("expected one write, got %d", store.writeCount())
	}
}

func TestKeepLocalForceSavesPendingContent(t *testing.T) {
	store := newFakeStateStore()
	clock := timing.NewManualClock(testEpoch)
	sessionA := mustCoordinator(t, store, clock, Config{})
	sessionB := mustCoordinator(t, store, clock, Config{})
	mustInitialize(t, sessionA, "u1")
	mustInitialize(t, sessionB, "u2")

	sessionA.Sync(context.Background(), "server text")
	if sessionB.Sync(context.Background(), "local text") {
		t.Fatalf("expected conflict")
	}
	if !sessionB.ResolveConflict(context.Background(), ResolutionKeepLocal) {
		t.Fatalf("expected keep-local to succeed")
	}
	stored := store.stored(testDocumentID)
	if stored.ContentHash != HashContent("local text") || stored.Version != 2 {
		t.Fatalf("unexpected stored state %+v", stored)
	}
}

func TestKeepLocalWithoutPendingContentFails(t *testing.T) {
	store := newFakeStateStore()
	coordinator := mustCoordinator(t, store, timing.NewManualClock(testEpoch), Config{})
	mustInitialize(t, coordinator, "u1")
	if coordinator.ResolveConflict(context.Background(), ResolutionKeepLocal) {
		t.Fatalf("expected keep-local without pending content to fail")
	}
}

func TestSyncContentDebouncesToLatestCall(t *testing.T) {
	store := newFakeStateStore()
	clock := timing.NewManualClock(testEpoch)
	synced := make(chan State, 4)
	coordinator := mustCoordinator(t, store, clock, Config{
		DebounceWindow: time.Second,
		OnSynced: func(state State) {
			synced <- state
		},
	})
	mustInitialize(t, coordinator, "u1")

	coordinator.SyncContent("draft 1")
	clock.Advance(400 * time.Millisecond)
	coordinator.SyncContent("draft 2")
	clock.Advance(400 * time.Millisecond)
	coordinator.SyncContent("draft 3")
	clock.Advance(999 * time.Millisecond)
	if store.writeCount() != 0 {
		t.Fatalf("expected no write inside debounce window")
	}
	clock.Advance(time.Millisecond)
	if store.writeCount() != 1 {
		t.Fatalf("expected exactly one write, got %d", store.writeCount())
	}
	if store.stored(testDocumentID).ContentHash != HashContent("draft 3") {
		t.Fatalf("expected latest content to be written")
	}
	select {
	case state := <-synced:
		if state.LocalVersion != 1 {
			t.Fatalf("unexpected synced state %+v", state)
		}
	default:
		t.Fatalf("expected completion notification")
	}
}

func TestCollaboratorFailureDoesNotAdvanceVersion(t *testing.T) {
	store := newFakeStateStore()
	coordinator := mustCoordinator(t, store, timing.NewManualClock(testEpoch), Config{})
	mustInitialize(t, coordinator, "u1")

	store.mu.Lock()
	store.updateErr = errors.New("network down")
	store.mu.Unlock()
	if coordinator.Sync(context.Background(), "v1") {
		t.Fatalf("expected failed sync to report false")
	}
	if coordinator.State().LocalVersion != 0 {
		t.Fatalf("expected local version to stay at 0")
	}

	store.mu.Lock()
	store.updateErr = nil
	store.mu.Unlock()
	if !coordinator.Sync(context.Background(), "v1") {
		t.Fatalf("expected retry to be accepted")
	}
	if store.stored(testDocumentID).Version != 1 {
		t.Fatalf("expected version 1 after retry")
	}
}

func TestSyncRetriesWhenVersionMovesDuringWrite(t *testing.T) {
	store := newFakeStateStore()
	coordinator := mustCoordinator(t, store, timing.NewManualClock(testEpoch), Config{})
	mustInitialize(t, coordinator, "u1")

	store.mu.Lock()
	store.beforeWrite = func(store *fakeStateStore, next collab.SyncState) {
		store.forceState(collab.SyncState{DocumentID: testDocumentID, Version: 1, ContentHash: "other-tab", LastModifiedBy: "u1"})
	}
	store.mu.Unlock()

	if !coordinator.Sync(context.Background(), "mine") {
		t.Fatalf("expected sync to succeed after retry")
	}
	stored := store.stored(testDocumentID)
	if stored.Version != 2 || stored.ContentHash != HashContent("mine") {
		t.Fatalf("unexpected stored state %+v", stored)
	}
}

func TestRemoteUpdateRaisesConflictProactively(t *testing.T) {
	store := newFakeStateStore()
	conflicts := make(chan Conflict, 1)
	reader := mustCoordinator(t, store, timing.NewManualClock(testEpoch), Config{
		OnConflict: func(conflict Conflict) {
			conflicts <- conflict
		},
	})
	mustInitialize(t, reader, "reader")

	store.forceState(collab.SyncState{DocumentID: testDocumentID, Version: 1, ContentHash: "x", LastModifiedBy: "writer"})

	select {
	case conflict := <-conflicts:
		if conflict.Server.Version != 1 || conflict.LocalVersion != 0 {
			t.Fatalf("unexpected conflict %+v", conflict)
		}
	case <-time.After(time.Second):
		t.Fatal("expected proactive conflict notification")
	}
	if !reader.State().HasConflict {
		t.Fatalf("expected conflict flag")
	}
}

func TestRefreshServerStateKeepsLocalVersion(t *testing.T) {
	store := newFakeStateStore()
	coordinator := mustCoordinator(t, store, timing.NewManualClock(testEpoch), Config{})
	mustInitialize(t, coordinator, "u1")

	store.mu.Lock()
	store.states[testDocumentID] = collab.SyncState{DocumentID: testDocumentID, Version: 7, LastModifiedBy: "u9"}
	store.mu.Unlock()

	state, ok := coordinator.RefreshServerState(context.Background())
	if !ok || state.Version != 7 {
		t.Fatalf("unexpected refresh result %+v %v", state, ok)
	}
	snapshot := coordinator.State()
	if snapshot.ServerVersion != 7 || snapshot.LocalVersion != 0 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	store.mu.Lock()
	store.getErr = errors.New("unavailable")
	store.mu.Unlock()
	if _, ok := coordinator.RefreshServerState(context.Background()); ok {
		t.Fatalf("expected refresh failure to report false")
	}
}

func TestCloseCancelsPendingSync(t *testing.T) {
	store := newFakeStateStore()
	clock := timing.NewManualClock(testEpoch)
	coordinator := mustCoordinator(t, store, clock, Config{DebounceWindow: time.Second})
	mustInitialize(t, coordinator, "u1")

	coordinator.SyncContent("unsent")
	coordinator.Close()
	coordinator.Close()
	clock.Advance(time.Minute)
	if store.writeCount() != 0 {
		t.Fatalf("expected pending sync to be cancelled")
	}
	if clock.PendingTimers() != 0 {
		t.Fatalf("expected no dangling timers")
	}
}
