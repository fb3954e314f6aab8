// Package editsession ties presence, sync and cursor sharing to one open editor.
package editsession

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/franciszver/lexforge-sub002/internal/collab"
	"github.com/franciszver/lexforge-sub002/internal/cursors"
	"github.com/franciszver/lexforge-sub002/internal/docsync"
	"github.com/franciszver/lexforge-sub002/internal/presence"
	"github.com/franciszver/lexforge-sub002/internal/timing"
	"go.uber.org/zap"
)

const (
	fieldDocument = "document_id"
	fieldSession  = "session_id"
	fieldUser     = "user_id"
)

var (
	// ErrJoinFailed indicates the presence store rejected the session's record.
	ErrJoinFailed = errors.New("editsession: presence join failed")
	// ErrSyncUnavailable indicates the synchronization record could not be loaded or created.
	ErrSyncUnavailable = errors.New("editsession: sync state unavailable")

	errMissingPresenceStore = errors.New("editsession: presence store is required")
	errMissingStateStore    = errors.New("editsession: state store is required")
	errMissingSurface       = errors.New("editsession: surface is required")
)

// Surface is the editor the session is attached to.
type Surface interface {
	Content() string
	Selection() collab.Selection
	SetContent(html string)
	// OnSelectionChange registers a callback for local caret moves and returns its cancel.
	OnSelectionChange(callback func(collab.Selection)) func()
	ApplyDecorations(decorations []cursors.Decoration)
}

// Listener receives the session's outcomes. Every field is optional.
type Listener struct {
	OnPresence    func(records []collab.SessionRecord, drawn []collab.CursorDatum)
	OnSynced      func(docsync.State)
	OnConflict    func(docsync.Conflict)
	OnServerState func(collab.SyncState)
}

// Config describes the collaborators of an editor session.
type Config struct {
	PresenceStore     presence.Store
	StateStore        docsync.StateStore
	Surface           Surface
	Clock             timing.Clock
	Logger            *zap.Logger
	SessionID         collab.SessionID
	DebounceWindow    time.Duration
	CursorInterval    time.Duration
	CleanupInterval   time.Duration
	HeartbeatInterval time.Duration
	Listener          Listener
}

// Identity names who opens which document.
type Identity struct {
	DocumentID      collab.DocumentID
	DocumentOwnerID collab.UserID
	UserID          collab.UserID
	UserEmail       string
	UserName        string
}

// Session is one open editor attached to a document. It owns a presence registry, a content
// sync coordinator and a cursor broadcaster, and releases all of them on Close.
type Session struct {
	surface     Surface
	logger      *zap.Logger
	listener    Listener
	identity    Identity
	registry    *presence.Registry
	coordinator *docsync.Coordinator
	broadcaster *cursors.Broadcaster

	ctx    context.Context
	cancel context.CancelFunc

	mu                  sync.Mutex
	unsubscribePresence func()
	cancelSelection     func()
	closed              bool
}

// Open joins the document's presence, starts the heartbeat and cleanup loops, loads the sync
// record and begins rendering remote cursors. Whatever was acquired is released when a later
// step fails.
func Open(ctx context.Context, cfg Config, identity Identity) (*Session, error) {
	if cfg.PresenceStore == nil {
		return nil, errMissingPresenceStore
	}
	if cfg.StateStore == nil {
		return nil, errMissingStateStore
	}
	if cfg.Surface == nil {
		return nil, errMissingSurface
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timing.SystemClock()
	}

	session := &Session{
		surface:  cfg.Surface,
		logger:   logger,
		listener: cfg.Listener,
		identity: identity,
	}

	registry, err := presence.NewRegistry(presence.Config{
		Store:             cfg.PresenceStore,
		Clock:             clock,
		Logger:            logger,
		CleanupInterval:   cfg.CleanupInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionID:         cfg.SessionID,
	})
	if err != nil {
		return nil, err
	}
	coordinator, err := docsync.NewCoordinator(docsync.Config{
		Store:          cfg.StateStore,
		Clock:          clock,
		Logger:         logger,
		DebounceWindow: cfg.DebounceWindow,
		OnSynced:       cfg.Listener.OnSynced,
		OnConflict:     cfg.Listener.OnConflict,
		OnServerState:  cfg.Listener.OnServerState,
	})
	if err != nil {
		return nil, err
	}
	broadcaster, err := cursors.NewBroadcaster(cursors.Config{
		Publisher: registry,
		Surface:   cfg.Surface,
		Clock:     clock,
		Logger:    logger,
		Interval:  cfg.CursorInterval,
		SessionID: registry.SessionID(),
	})
	if err != nil {
		coordinator.Close()
		return nil, err
	}
	session.registry = registry
	session.coordinator = coordinator
	session.broadcaster = broadcaster
	session.ctx, session.cancel = context.WithCancel(ctx)

	fields := []zap.Field{
		zap.String(fieldDocument, identity.DocumentID.String()),
		zap.String(fieldSession, registry.SessionID().String()),
		zap.String(fieldUser, identity.UserID.String()),
	}

	record := registry.Join(session.ctx, presence.JoinRequest{
		DocumentID:      identity.DocumentID,
		DocumentOwnerID: identity.DocumentOwnerID,
		UserID:          identity.UserID,
		UserEmail:       identity.UserEmail,
		UserName:        identity.UserName,
	})
	if record == nil {
		session.release(ctx)
		logger.Warn("editor session join failed", fields...)
		return nil, ErrJoinFailed
	}
	registry.Start(session.ctx)

	if !coordinator.Initialize(session.ctx, identity.DocumentID, identity.UserID) {
		session.release(ctx)
		logger.Warn("editor session sync initialization failed", fields...)
		return nil, ErrSyncUnavailable
	}

	unsubscribe := registry.Subscribe(session.renderPresence)
	cancelSelection := cfg.Surface.OnSelectionChange(session.selectionChanged)

	session.mu.Lock()
	session.unsubscribePresence = unsubscribe
	session.cancelSelection = cancelSelection
	session.mu.Unlock()

	logger.Info("editor session opened", fields...)
	return session, nil
}

// SessionID returns the identifier of this editor tab.
func (s *Session) SessionID() collab.SessionID {
	return s.registry.SessionID()
}

// Record returns a copy of the session's own presence record.
func (s *Session) Record() *collab.SessionRecord {
	return s.registry.Record()
}

// Connected reports whether the last presence store interaction succeeded.
func (s *Session) Connected() bool {
	return s.registry.Connected()
}

// Sessions lists every session attached to the document.
func (s *Session) Sessions(ctx context.Context) []collab.SessionRecord {
	return s.registry.List(ctx, s.identity.DocumentID)
}

// SyncState returns the coordinator's current view of the document.
func (s *Session) SyncState() docsync.State {
	return s.coordinator.State()
}

// ContentChanged schedules a debounced sync of the surface content and redraws remote cursors
// against the new length.
func (s *Session) ContentChanged() {
	if s.isClosed() {
		return
	}
	s.coordinator.SyncContent(s.surface.Content())
	s.broadcaster.Rerender()
}

// Focus marks the session as editing.
func (s *Session) Focus(ctx context.Context) bool {
	if s.isClosed() {
		return false
	}
	return s.registry.UpdateStatus(ctx, collab.StatusEditing)
}

// Blur marks the session as viewing.
func (s *Session) Blur(ctx context.Context) bool {
	if s.isClosed() {
		return false
	}
	return s.registry.UpdateStatus(ctx, collab.StatusViewing)
}

// MoveCursor publishes a caret move that did not originate from the surface callback.
func (s *Session) MoveCursor(selection collab.Selection) {
	s.selectionChanged(selection)
}

// ForceSave writes the surface content as a new version immediately.
func (s *Session) ForceSave(ctx context.Context) bool {
	if s.isClosed() {
		return false
	}
	return s.coordinator.ForceSave(ctx, s.surface.Content())
}

// ResolveConflict applies the operator's choice. For take-server, serverContent, when provided,
// replaces the surface content.
func (s *Session) ResolveConflict(ctx context.Context, resolution docsync.Resolution, serverContent *string) bool {
	if s.isClosed() {
		return false
	}
	if !s.coordinator.ResolveConflict(ctx, resolution) {
		return false
	}
	if resolution == docsync.ResolutionTakeServer && serverContent != nil {
		s.surface.SetContent(*serverContent)
		s.broadcaster.Rerender()
	}
	return true
}

// RefreshServerState re-reads the document's synchronization record.
func (s *Session) RefreshServerState(ctx context.Context) (collab.SyncState, bool) {
	if s.isClosed() {
		return collab.SyncState{}, false
	}
	return s.coordinator.RefreshServerState(ctx)
}

// Close cancels pending debounced and throttled work, ends every subscription, stops the
// presence loops and removes the session's record. It is idempotent.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.release(ctx)
	s.logger.Info("editor session closed",
		zap.String(fieldDocument, s.identity.DocumentID.String()),
		zap.String(fieldSession, s.registry.SessionID().String()))
}

func (s *Session) release(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	unsubscribe, cancelSelection := s.unsubscribePresence, s.cancelSelection
	s.unsubscribePresence, s.cancelSelection = nil, nil
	s.mu.Unlock()

	if cancelSelection != nil {
		cancelSelection()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	s.broadcaster.Close()
	s.coordinator.Close()
	s.registry.Stop()
	s.registry.Leave(ctx, s.registry.SessionID())
	s.cancel()
}

func (s *Session) renderPresence(records []collab.SessionRecord) {
	drawn := s.broadcaster.Render(records)
	if s.isClosed() {
		return
	}
	if s.listener.OnPresence != nil {
		s.listener.OnPresence(records, drawn)
	}
}

func (s *Session) selectionChanged(selection collab.Selection) {
	if s.isClosed() {
		return
	}
	normalized := selection.Normalized()
	s.broadcaster.UpdateCursor(s.ctx, selection.To, &normalized)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
