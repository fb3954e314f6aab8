// Package docsync reconciles editor content with the shared per-document version.
package docsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/franciszver/lexforge-sub002/internal/collab"
	"github.com/franciszver/lexforge-sub002/internal/timing"
	"go.uber.org/zap"
)

const (
	// DefaultDebounceWindow matches a typical autosave cadence.
	DefaultDebounceWindow = 2 * time.Second

	maxWriteAttempts = 3

	opInitialize   = "docsync.initialize"
	opSync         = "docsync.sync_content"
	opForceSave    = "docsync.force_save"
	opRefresh      = "docsync.refresh_server_state"
	opSubscribe    = "docsync.subscribe"
	fieldDocument  = "document_id"
	fieldUser      = "user_id"
	fieldVersion   = "version"
	reasonFetch    = "state_fetch_failed"
	reasonCreate   = "state_create_failed"
	reasonWrite    = "state_write_failed"
	reasonExhaust  = "write_attempts_exhausted"
	reasonStream   = "subscription_failed"
	reasonNotReady = "not_initialized"
)

var (
	errMissingStore = errors.New("docsync: state store is required")
	noOpLogger      = zap.NewNop()
)

// StateStore persists the per-document synchronization record.
type StateStore interface {
	GetSyncState(ctx context.Context, documentID collab.DocumentID) (collab.SyncState, error)
	CreateSyncState(ctx context.Context, state collab.SyncState) (collab.SyncState, error)
	UpdateSyncState(ctx context.Context, next collab.SyncState, expectedVersion int64) (collab.SyncState, error)
	SubscribeSyncState(ctx context.Context, documentID collab.DocumentID) (<-chan collab.SyncState, func(), error)
}

// Config describes the dependencies of a Coordinator.
type Config struct {
	Store          StateStore
	Clock          timing.Clock
	Logger         *zap.Logger
	DebounceWindow time.Duration
	// OnSynced runs after every accepted write and after a take-server resolution.
	OnSynced func(State)
	// OnConflict runs when a divergent write by another user is detected.
	OnConflict func(Conflict)
	// OnServerState runs for every server state observed through the subscription or a refresh.
	OnServerState func(collab.SyncState)
}

// State is a snapshot of the coordinator's view of a document.
type State struct {
	DocumentID    collab.DocumentID
	LocalVersion  int64
	ServerVersion int64
	HasConflict   bool
	Server        collab.SyncState
}

// Coordinator reconciles locally edited content with the shared document version.
type Coordinator struct {
	store         StateStore
	clock         timing.Clock
	logger        *zap.Logger
	debouncer     *timing.Debouncer
	onSynced      func(State)
	onConflict    func(Conflict)
	onServerState func(collab.SyncState)

	mu                sync.Mutex
	documentID        collab.DocumentID
	userID            collab.UserID
	localVersion      int64
	serverVersion     int64
	hasConflict       bool
	lastSyncedHash    string
	pendingContent    string
	hasPendingContent bool
	server            collab.SyncState
	runCtx            context.Context
	cancelRun         context.CancelFunc
	unsubscribe       func()
	closed            bool
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timing.SystemClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	window := cfg.DebounceWindow
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Coordinator{
		store:         cfg.Store,
		clock:         clock,
		logger:        logger,
		debouncer:     timing.NewDebouncer(clock, window),
		onSynced:      cfg.OnSynced,
		onConflict:    cfg.OnConflict,
		onServerState: cfg.OnServerState,
	}, nil
}

// Initialize loads the document's synchronization record, creating it at version 0 attributed
// to userID when absent, and starts watching remote updates until ctx ends or Close runs.
// Missing identifiers make it a no-op. It reports whether the coordinator is ready.
func (c *Coordinator) Initialize(ctx context.Context, documentID collab.DocumentID, userID collab.UserID) bool {
	if documentID == "" || userID == "" {
		return false
	}
	state, err := c.loadOrCreate(ctx, documentID, userID)
	if err != nil {
		return false
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancelRun()
		return false
	}
	previousUnsubscribe, previousCancel := c.unsubscribe, c.cancelRun
	c.documentID = documentID
	c.userID = userID
	c.localVersion = state.Version
	c.serverVersion = state.Version
	c.server = state
	c.hasConflict = false
	c.lastSyncedHash = state.ContentHash
	c.pendingContent = ""
	c.hasPendingContent = false
	c.runCtx = runCtx
	c.cancelRun = cancelRun
	c.unsubscribe = nil
	c.mu.Unlock()

	if previousUnsubscribe != nil {
		previousUnsubscribe()
	}
	if previousCancel != nil {
		previousCancel()
	}

	stream, unsubscribe, err := c.store.SubscribeSyncState(runCtx, documentID)
	if err != nil {
		c.logError(opSubscribe, reasonStream, err, zap.String(fieldDocument, documentID.String()))
		return true
	}
	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()
	go c.watch(stream)
	return true
}

// SyncContent schedules a debounced, unforced write of content and returns immediately.
// Only the latest call inside the debounce window is sent.
func (c *Coordinator) SyncContent(content string) {
	c.mu.Lock()
	if c.closed || c.documentID == "" {
		c.mu.Unlock()
		return
	}
	c.pendingContent = content
	c.hasPendingContent = true
	ctx := c.runCtx
	c.mu.Unlock()

	c.debouncer.Trigger(func() {
		c.Sync(ctx, content)
	})
}

// Flush sends the pending debounced sync immediately. It reports whether one was pending.
func (c *Coordinator) Flush() bool {
	return c.debouncer.Flush()
}

// Sync performs an unforced write of content now. It reports whether the write was accepted.
// Content unchanged since the last accepted sync is a successful no-op.
func (c *Coordinator) Sync(ctx context.Context, content string) bool {
	return c.write(ctx, opSync, content, false)
}

// ForceSave writes content as a new version, bypassing the debounce and the conflict check.
// A pending debounced sync is superseded and dropped.
func (c *Coordinator) ForceSave(ctx context.Context, content string) bool {
	c.debouncer.Cancel()
	return c.write(ctx, opForceSave, content, true)
}

// RefreshServerState re-reads the synchronization record without touching the local version.
func (c *Coordinator) RefreshServerState(ctx context.Context) (collab.SyncState, bool) {
	c.mu.Lock()
	documentID := c.documentID
	c.mu.Unlock()
	if documentID == "" {
		return collab.SyncState{}, false
	}
	state, err := c.store.GetSyncState(ctx, documentID)
	if err != nil {
		c.logError(opRefresh, reasonFetch, err, zap.String(fieldDocument, documentID.String()))
		return collab.SyncState{}, false
	}
	c.observeServer(state)
	if c.onServerState != nil {
		c.onServerState(state)
	}
	return state, true
}

// ResolveConflict applies the operator's choice. keep-local force-saves the last content the
// user tried to send; take-server adopts the server version without writing, and the caller
// reloads server content into the editor.
func (c *Coordinator) ResolveConflict(ctx context.Context, resolution Resolution) bool {
	switch resolution {
	case ResolutionKeepLocal:
		c.mu.Lock()
		content, ok := c.pendingContent, c.hasPendingContent
		c.mu.Unlock()
		if !ok {
			return false
		}
		return c.ForceSave(ctx, content)
	case ResolutionTakeServer:
		c.debouncer.Cancel()
		c.mu.Lock()
		if c.documentID == "" {
			c.mu.Unlock()
			return false
		}
		c.localVersion = c.serverVersion
		c.lastSyncedHash = c.server.ContentHash
		c.hasConflict = false
		c.hasPendingContent = false
		c.pendingContent = ""
		snapshot := c.snapshotLocked()
		c.mu.Unlock()
		if c.onSynced != nil {
			c.onSynced(snapshot)
		}
		return true
	default:
		return false
	}
}

// State returns a snapshot of the coordinator.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Close cancels the pending debounced sync and stops watching remote updates. It is idempotent.
func (c *Coordinator) Close() {
	c.debouncer.Close()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubscribe, cancelRun := c.unsubscribe, c.cancelRun
	c.unsubscribe, c.cancelRun = nil, nil
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	if cancelRun != nil {
		cancelRun()
	}
}

func (c *Coordinator) write(ctx context.Context, operation, content string, force bool) bool {
	contentHash := HashContent(content)

	c.mu.Lock()
	documentID, userID := c.documentID, c.userID
	if documentID == "" || userID == "" {
		c.mu.Unlock()
		c.logger.Debug("sync skipped", zap.String("operation", operation), zap.String("reason", reasonNotReady))
		return false
	}
	c.pendingContent = content
	c.hasPendingContent = true
	if !force && contentHash == c.lastSyncedHash {
		c.mu.Unlock()
		return true
	}
	localVersion := c.localVersion
	c.mu.Unlock()

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		stored, err := c.loadOrCreate(ctx, documentID, userID)
		if err != nil {
			return false
		}

		if !force {
			switch decideWrite(localVersion, stored, userID, contentHash) {
			case decisionAdopt:
				c.accept(stored, contentHash)
				return true
			case decisionConflict:
				c.raiseConflict(stored)
				return false
			}
		}

		next := collab.SyncState{
			DocumentID:     documentID,
			Version:        stored.Version + 1,
			ContentHash:    contentHash,
			LastModifiedBy: userID,
			UpdatedAt:      c.clock.Now().UTC(),
		}
		saved, err := c.store.UpdateSyncState(ctx, next, stored.Version)
		if errors.Is(err, collab.ErrVersionMismatch) {
			c.logger.Debug("sync state moved during write, retrying",
				zap.String("operation", operation),
				zap.String(fieldDocument, documentID.String()),
				zap.Int64(fieldVersion, stored.Version))
			continue
		}
		if err != nil {
			c.logError(operation, reasonWrite, err,
				zap.String(fieldDocument, documentID.String()),
				zap.String(fieldUser, userID.String()))
			return false
		}
		c.accept(saved, contentHash)
		return true
	}

	c.logError(operation, reasonExhaust, collab.ErrVersionMismatch,
		zap.String(fieldDocument, documentID.String()),
		zap.String(fieldUser, userID.String()))
	return false
}

func (c *Coordinator) loadOrCreate(ctx context.Context, documentID collab.DocumentID, userID collab.UserID) (collab.SyncState, error) {
	state, err := c.store.GetSyncState(ctx, documentID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, collab.ErrRecordNotFound) {
		c.logError(opInitialize, reasonFetch, err, zap.String(fieldDocument, documentID.String()))
		return collab.SyncState{}, err
	}

	created, err := c.store.CreateSyncState(ctx, collab.SyncState{
		DocumentID:     documentID,
		Version:        0,
		LastModifiedBy: userID,
		UpdatedAt:      c.clock.Now().UTC(),
	})
	if err == nil {
		return created, nil
	}
	if errors.Is(err, collab.ErrAlreadyExists) {
		state, err = c.store.GetSyncState(ctx, documentID)
		if err == nil {
			return state, nil
		}
	}
	c.logError(opInitialize, reasonCreate, err, zap.String(fieldDocument, documentID.String()))
	return collab.SyncState{}, err
}

func (c *Coordinator) accept(saved collab.SyncState, contentHash string) {
	c.mu.Lock()
	c.localVersion = saved.Version
	if saved.Version >= c.serverVersion {
		c.serverVersion = saved.Version
		c.server = saved
	}
	c.lastSyncedHash = contentHash
	c.hasConflict = false
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	if c.onSynced != nil {
		c.onSynced(snapshot)
	}
}

func (c *Coordinator) raiseConflict(stored collab.SyncState) {
	c.mu.Lock()
	c.observeServerLocked(stored)
	c.hasConflict = true
	conflict := Conflict{DocumentID: c.documentID, LocalVersion: c.localVersion, Server: stored}
	c.mu.Unlock()
	c.logger.Info("sync conflict detected",
		zap.String(fieldDocument, conflict.DocumentID.String()),
		zap.Int64("local_version", conflict.LocalVersion),
		zap.Int64("server_version", stored.Version),
		zap.String("last_modified_by", stored.LastModifiedBy.String()))
	if c.onConflict != nil {
		c.onConflict(conflict)
	}
}

func (c *Coordinator) watch(stream <-chan collab.SyncState) {
	for incoming := range stream {
		c.mu.Lock()
		if c.closed || incoming.DocumentID != c.documentID || incoming.Version < c.serverVersion {
			c.mu.Unlock()
			continue
		}
		c.observeServerLocked(incoming)
		conflicting := isRemoteConflict(c.localVersion, incoming, c.userID)
		if conflicting {
			c.hasConflict = true
		}
		conflict := Conflict{DocumentID: c.documentID, LocalVersion: c.localVersion, Server: incoming}
		c.mu.Unlock()

		if c.onServerState != nil {
			c.onServerState(incoming)
		}
		if conflicting && c.onConflict != nil {
			c.onConflict(conflict)
		}
	}
}

func (c *Coordinator) observeServer(state collab.SyncState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observeServerLocked(state)
}

func (c *Coordinator) observeServerLocked(state collab.SyncState) {
	if state.Version < c.serverVersion {
		return
	}
	c.server = state
	c.serverVersion = state.Version
}

func (c *Coordinator) snapshotLocked() State {
	return State{
		DocumentID:    c.documentID,
		LocalVersion:  c.localVersion,
		ServerVersion: c.serverVersion,
		HasConflict:   c.hasConflict,
		Server:        c.server,
	}
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("docsync coordinator error", attrs...)
}
