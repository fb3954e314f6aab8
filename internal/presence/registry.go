// Package presence tracks which sessions are attached to a document.
package presence

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/franciszver/lexforge-sub002/internal/collab"
	"github.com/franciszver/lexforge-sub002/internal/timing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultCleanupInterval bounds how long a session may go without a heartbeat.
	DefaultCleanupInterval = 30 * time.Second
	// DefaultHeartbeatInterval is how often a live session refreshes its lastSeenAt.
	DefaultHeartbeatInterval = 10 * time.Second

	opJoin             = "presence.join"
	opLeave            = "presence.leave"
	opList             = "presence.list"
	opRefresh          = "presence.refresh"
	opHeartbeat        = "presence.heartbeat"
	opStatus           = "presence.update_status"
	opCursor           = "presence.update_cursor"
	opSubscribe        = "presence.subscribe"
	reasonSave         = "save_failed"
	reasonDelete       = "delete_failed"
	reasonList         = "list_failed"
	reasonStream       = "subscription_failed"
	reasonSessionTaken = "session_owned_by_another_user"
	fieldDocument      = "document_id"
	fieldSession       = "session_id"
	fieldUser          = "user_id"
	fieldRecord        = "record_id"
	fieldLastSeen      = "last_seen_at"
	fieldStaleness     = "staleness"
)

var (
	errMissingStore       = errors.New("presence: store is required")
	errHeartbeatTooSlow   = errors.New("presence: heartbeat interval must be shorter than cleanup interval")
	errInvalidJoinRequest = errors.New("presence: document id and user id are required")
	noOpLogger            = zap.NewNop()
)

// Store persists presence records and pushes change notifications per document.
type Store interface {
	SavePresence(ctx context.Context, record collab.SessionRecord) (collab.SessionRecord, error)
	DeletePresence(ctx context.Context, documentID collab.DocumentID, recordID string) error
	ListPresence(ctx context.Context, documentID collab.DocumentID) ([]collab.SessionRecord, error)
	SubscribePresence(ctx context.Context, documentID collab.DocumentID) (<-chan struct{}, func(), error)
}

// Config describes the dependencies of a Registry.
type Config struct {
	Store             Store
	Clock             timing.Clock
	Logger            *zap.Logger
	CleanupInterval   time.Duration
	HeartbeatInterval time.Duration
	// SessionID identifies the local session. A random one is generated when empty.
	SessionID collab.SessionID
}

// JoinRequest carries the identity a session joins a document with.
type JoinRequest struct {
	DocumentID      collab.DocumentID
	DocumentOwnerID collab.UserID
	UserID          collab.UserID
	UserEmail       string
	UserName        string
}

// Registry maintains the presence of one local session and reads the sessions around it.
type Registry struct {
	store             Store
	clock             timing.Clock
	logger            *zap.Logger
	cleanupInterval   time.Duration
	heartbeatInterval time.Duration
	sessionID         collab.SessionID
	connected         atomic.Bool

	mu          sync.Mutex
	record      *collab.SessionRecord
	loopCtx     context.Context
	cancelLoops context.CancelFunc
	timers      []timing.Timer
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg Config) (*Registry, error) {
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
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = DefaultCleanupInterval
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	if heartbeat >= cleanup {
		return nil, errHeartbeatTooSlow
	}
	sessionID := collab.SessionID(strings.TrimSpace(string(cfg.SessionID)))
	if sessionID == "" {
		sessionID = collab.SessionID(uuid.NewString())
	}
	return &Registry{
		store:             cfg.Store,
		clock:             clock,
		logger:            logger,
		cleanupInterval:   cleanup,
		heartbeatInterval: heartbeat,
		sessionID:         sessionID,
	}, nil
}

// SessionID returns the identifier of the local session.
func (r *Registry) SessionID() collab.SessionID {
	return r.sessionID
}

// Connected reports whether the latest store interaction succeeded.
func (r *Registry) Connected() bool {
	return r.connected.Load()
}

// Record returns a copy of the local session's record, or nil before a successful Join.
func (r *Registry) Record() *collab.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record == nil {
		return nil
	}
	copied := *r.record
	return &copied
}

// Join creates or refreshes the local session's record with status viewing.
// It returns nil when the request lacks identity, the store is unavailable, or a live record
// with the same session id belongs to another user.
func (r *Registry) Join(ctx context.Context, request JoinRequest) *collab.SessionRecord {
	if request.DocumentID == "" || request.UserID == "" {
		r.logger.Debug("presence join skipped", zap.Error(errInvalidJoinRequest))
		return nil
	}
	ownerID := request.DocumentOwnerID
	if ownerID == "" {
		ownerID = request.UserID
	}

	r.mu.Lock()
	recordID := ""
	if r.record != nil && r.record.DocumentID == request.DocumentID {
		recordID = r.record.ID
	}
	r.mu.Unlock()

	existing, err := r.store.ListPresence(ctx, request.DocumentID)
	if err != nil {
		r.markFailure(opJoin, reasonList, err, zap.String(fieldDocument, request.DocumentID.String()))
		return nil
	}
	now := r.clock.Now().UTC()
	for _, record := range existing {
		if record.SessionID != r.sessionID || record.UserID == request.UserID {
			continue
		}
		if now.Sub(record.LastSeenAt) >= r.cleanupInterval {
			continue
		}
		r.logger.Warn("presence join rejected",
			zap.String("operation", opJoin),
			zap.String("reason", reasonSessionTaken),
			zap.String(fieldDocument, request.DocumentID.String()),
			zap.String(fieldSession, r.sessionID.String()),
			zap.String(fieldUser, request.UserID.String()))
		return nil
	}

	candidate := collab.SessionRecord{
		ID:              recordID,
		SessionID:       r.sessionID,
		UserID:          request.UserID,
		UserEmail:       strings.TrimSpace(request.UserEmail),
		UserName:        strings.TrimSpace(request.UserName),
		UserColor:       ColorForSession(r.sessionID),
		Status:          collab.StatusViewing,
		DocumentID:      request.DocumentID,
		DocumentOwnerID: ownerID,
		LastSeenAt:      now,
	}
	saved, err := r.store.SavePresence(ctx, candidate)
	if err != nil {
		r.markFailure(opJoin, reasonSave, err,
			zap.String(fieldDocument, request.DocumentID.String()),
			zap.String(fieldUser, request.UserID.String()))
		return nil
	}
	r.connected.Store(true)

	r.mu.Lock()
	r.record = &saved
	r.mu.Unlock()
	result := saved
	return &result
}

// Leave removes the record of sessionID from the joined document. Leaving twice, or leaving a
// session that never joined, does nothing.
func (r *Registry) Leave(ctx context.Context, sessionID collab.SessionID) {
	r.mu.Lock()
	own := r.record
	if sessionID == r.sessionID {
		r.record = nil
	}
	r.mu.Unlock()
	if own == nil {
		return
	}

	recordIDs := make([]string, 0, 1)
	if sessionID == r.sessionID {
		recordIDs = append(recordIDs, own.ID)
	} else {
		records, err := r.store.ListPresence(ctx, own.DocumentID)
		if err != nil {
			r.markFailure(opLeave, reasonList, err, zap.String(fieldDocument, own.DocumentID.String()))
			return
		}
		for _, record := range records {
			if record.SessionID == sessionID {
				recordIDs = append(recordIDs, record.ID)
			}
		}
	}

	for _, recordID := range recordIDs {
		if err := r.store.DeletePresence(ctx, own.DocumentID, recordID); err != nil {
			r.markFailure(opLeave, reasonDelete, err,
				zap.String(fieldDocument, own.DocumentID.String()),
				zap.String(fieldSession, sessionID.String()),
				zap.String(fieldRecord, recordID))
			return
		}
	}
}

// List returns the sessions attached to documentID ordered by session id. Records whose last
// heartbeat is at least the cleanup interval old are left out even before cleanup deletes them.
// A store failure yields an empty list and marks the registry disconnected.
func (r *Registry) List(ctx context.Context, documentID collab.DocumentID) []collab.SessionRecord {
	if documentID == "" {
		return nil
	}
	records, err := r.store.ListPresence(ctx, documentID)
	if err != nil {
		r.markFailure(opList, reasonList, err, zap.String(fieldDocument, documentID.String()))
		return nil
	}
	r.connected.Store(true)

	now := r.clock.Now().UTC()
	live := make([]collab.SessionRecord, 0, len(records))
	for _, record := range records {
		if now.Sub(record.LastSeenAt) < r.cleanupInterval {
			live = append(live, record)
		}
	}
	sortRecords(live)
	return live
}

// Subscribe delivers the joined document's full session set now and after every change until
// the returned function runs. Without a joined document it delivers nothing.
func (r *Registry) Subscribe(callback func([]collab.SessionRecord)) func() {
	r.mu.Lock()
	own := r.record
	r.mu.Unlock()
	if own == nil || callback == nil {
		return func() {}
	}

	subscriptionCtx, cancel := context.WithCancel(context.Background())
	documentID := own.DocumentID
	notifications, cancelStream, err := r.store.SubscribePresence(subscriptionCtx, documentID)
	if err != nil {
		r.markFailure(opSubscribe, reasonStream, err, zap.String(fieldDocument, documentID.String()))
		cancel()
		callback(nil)
		return func() {}
	}

	var active atomic.Bool
	active.Store(true)
	deliver := func() {
		records := r.List(subscriptionCtx, documentID)
		if active.Load() {
			callback(records)
		}
	}
	deliver()
	go func() {
		for range notifications {
			if subscriptionCtx.Err() != nil {
				return
			}
			deliver()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			active.Store(false)
			cancelStream()
			cancel()
		})
	}
}

// Refresh re-reads the joined document and removes every record whose last heartbeat is at least
// the cleanup interval old. Stale records are marked disconnected before they are deleted.
// It returns the remaining records.
func (r *Registry) Refresh(ctx context.Context) []collab.SessionRecord {
	r.mu.Lock()
	own := r.record
	r.mu.Unlock()
	if own == nil {
		return nil
	}
	documentID := own.DocumentID
	records, err := r.store.ListPresence(ctx, documentID)
	if err != nil {
		r.markFailure(opRefresh, reasonList, err, zap.String(fieldDocument, documentID.String()))
		return nil
	}
	r.connected.Store(true)

	now := r.clock.Now().UTC()
	live := make([]collab.SessionRecord, 0, len(records))
	for _, record := range records {
		staleness := now.Sub(record.LastSeenAt)
		if staleness < r.cleanupInterval {
			live = append(live, record)
			continue
		}
		r.expire(ctx, record, staleness)
	}
	sortRecords(live)
	return live
}

// Heartbeat refreshes the local record's lastSeenAt, recreating it when cleanup removed it.
func (r *Registry) Heartbeat(ctx context.Context) bool {
	return r.saveOwn(ctx, opHeartbeat, func(record *collab.SessionRecord) bool {
		return true
	})
}

// UpdateStatus moves the local record between viewing, editing and idle.
// Only cleanup applies disconnected.
func (r *Registry) UpdateStatus(ctx context.Context, status collab.Status) bool {
	switch status {
	case collab.StatusViewing, collab.StatusEditing, collab.StatusIdle:
	default:
		return false
	}
	return r.saveOwn(ctx, opStatus, func(record *collab.SessionRecord) bool {
		record.Status = status
		return true
	})
}

// PublishCursor stores the local caret on the session's record.
func (r *Registry) PublishCursor(ctx context.Context, cursor collab.Cursor) bool {
	return r.saveOwn(ctx, opCursor, func(record *collab.SessionRecord) bool {
		copied := cursor
		if cursor.Selection != nil {
			selection := *cursor.Selection
			copied.Selection = &selection
		}
		record.Cursor = &copied
		return true
	})
}

// Start runs the heartbeat and cleanup loops until Stop runs or ctx ends.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancelLoops != nil {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.loopCtx = loopCtx
	r.cancelLoops = cancel
	r.mu.Unlock()

	r.schedule(loopCtx, r.heartbeatInterval, func() { r.Heartbeat(loopCtx) })
	r.schedule(loopCtx, r.cleanupInterval, func() { r.Refresh(loopCtx) })
}

// Stop halts the heartbeat and cleanup loops. It is idempotent.
func (r *Registry) Stop() {
	r.mu.Lock()
	cancel := r.cancelLoops
	timers := r.timers
	r.cancelLoops = nil
	r.loopCtx = nil
	r.timers = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, timer := range timers {
		timer.Stop()
	}
}

func (r *Registry) schedule(ctx context.Context, interval time.Duration, tick func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil || r.loopCtx != ctx {
		return
	}
	r.timers = append(r.timers, nil)
	r.armLocked(ctx, len(r.timers)-1, interval, tick)
}

func (r *Registry) rearm(ctx context.Context, slot int, interval time.Duration, tick func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil || r.loopCtx != ctx || slot >= len(r.timers) {
		return
	}
	r.armLocked(ctx, slot, interval, tick)
}

func (r *Registry) armLocked(ctx context.Context, slot int, interval time.Duration, tick func()) {
	r.timers[slot] = r.clock.AfterFunc(interval, func() {
		if ctx.Err() != nil {
			return
		}
		tick()
		r.rearm(ctx, slot, interval, tick)
	})
}

func (r *Registry) saveOwn(ctx context.Context, operation string, mutate func(*collab.SessionRecord) bool) bool {
	r.mu.Lock()
	if r.record == nil {
		r.mu.Unlock()
		return false
	}
	next := *r.record
	r.mu.Unlock()

	if !mutate(&next) {
		return false
	}
	next.LastSeenAt = r.clock.Now().UTC()
	saved, err := r.store.SavePresence(ctx, next)
	if err != nil {
		r.markFailure(operation, reasonSave, err,
			zap.String(fieldDocument, next.DocumentID.String()),
			zap.String(fieldSession, next.SessionID.String()))
		return false
	}
	r.connected.Store(true)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record == nil {
		// Leave ran while the save was in flight; the save must not resurrect the session.
		if err := r.store.DeletePresence(ctx, saved.DocumentID, saved.ID); err != nil {
			r.markFailure(operation, reasonDelete, err, zap.String(fieldRecord, saved.ID))
		}
		return false
	}
	r.record = &saved
	return true
}

func (r *Registry) expire(ctx context.Context, record collab.SessionRecord, staleness time.Duration) {
	fields := []zap.Field{
		zap.String(fieldDocument, record.DocumentID.String()),
		zap.String(fieldSession, record.SessionID.String()),
		zap.Time(fieldLastSeen, record.LastSeenAt),
		zap.Duration(fieldStaleness, staleness),
	}
	if record.Status != collab.StatusDisconnected {
		marked := record
		marked.Status = collab.StatusDisconnected
		if _, err := r.store.SavePresence(ctx, marked); err != nil {
			r.markFailure(opRefresh, reasonSave, err, fields...)
		}
	}
	if err := r.store.DeletePresence(ctx, record.DocumentID, record.ID); err != nil {
		r.markFailure(opRefresh, reasonDelete, err, fields...)
		return
	}
	r.logger.Info("stale presence removed", fields...)
}

func (r *Registry) markFailure(operation, reason string, err error, fields ...zap.Field) {
	r.connected.Store(false)
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("presence registry error", attrs...)
}

func sortRecords(records []collab.SessionRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].SessionID == records[j].SessionID {
			return records[i].ID < records[j].ID
		}
		return records[i].SessionID < records[j].SessionID
	})
}
