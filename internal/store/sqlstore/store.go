// Package sqlstore implements the presence and sync-state stores on gorm.
package sqlstore

import (
	"context"
	"errors"
	"time"

	"github.com/franciszver/lexforge-sub002/internal/collab"
	"github.com/franciszver/lexforge-sub002/internal/realtime"
	"github.com/franciszver/lexforge-sub002/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opNew             = "sqlstore.new"
	opSavePresence    = "sqlstore.save_presence"
	opDeletePresence  = "sqlstore.delete_presence"
	opListPresence    = "sqlstore.list_presence"
	opGetSyncState    = "sqlstore.get_sync_state"
	opCreateSyncState = "sqlstore.create_sync_state"
	opUpdateSyncState = "sqlstore.update_sync_state"

	reasonMissingDatabase = "missing_database"
	reasonInvalidRecord   = "invalid_record"
	reasonIDFailed        = "id_generation_failed"
	reasonQueryFailed     = "query_failed"
	reasonWriteFailed     = "write_failed"
	reasonNotFound        = "not_found"
	reasonExists          = "already_exists"
	reasonVersionMismatch = "version_mismatch"

	fieldDocumentID = "document_id"
	fieldSessionID  = "session_id"
	fieldRecordID   = "record_id"

	queryDocumentSession = "document_id = ? AND session_id = ?"
	queryDocumentRecord  = "document_id = ? AND record_id = ?"
	queryDocument        = "document_id = ?"
	queryDocumentVersion = "document_id = ? AND version = ?"
)

var (
	errMissingDatabase = errors.New("sqlstore: database handle is required")
	errInvalidRecord   = errors.New("sqlstore: document id and session id are required")
	noOpLogger         = zap.NewNop()
)

// Config describes the dependencies of a Store.
type Config struct {
	Database   *gorm.DB
	Dispatcher *realtime.Dispatcher
	IDProvider store.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store persists presence records and sync states in SQL and publishes their changes through an
// in-process dispatcher.
type Store struct {
	db         *gorm.DB
	dispatcher *realtime.Dispatcher
	ids        store.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, store.NewError(opNew, reasonMissingDatabase, errMissingDatabase)
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = realtime.NewDispatcher()
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = store.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		dispatcher: dispatcher,
		ids:        ids,
		clock:      clock,
		logger:     logger,
	}, nil
}

// SavePresence inserts or updates the record of (documentId, sessionId). The record id is assigned on
// first save and kept afterwards.
func (s *Store) SavePresence(ctx context.Context, record collab.SessionRecord) (collab.SessionRecord, error) {
	if record.DocumentID == "" || record.SessionID == "" {
		return collab.SessionRecord{}, store.NewError(opSavePresence, reasonInvalidRecord, errInvalidRecord)
	}
	if record.LastSeenAt.IsZero() {
		record.LastSeenAt = s.clock().UTC()
	}

	var saved collab.SessionRecord
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing PresenceRow
		lookupErr := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryDocumentSession, record.DocumentID.String(), record.SessionID.String()).
			Take(&existing).Error
		switch {
		case lookupErr == nil:
			record.ID = existing.RecordID
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
			if record.ID == "" {
				recordID, idErr := s.ids.NewID()
				if idErr != nil {
					return store.NewError(opSavePresence, reasonIDFailed, idErr)
				}
				record.ID = recordID
			}
		default:
			return store.NewError(opSavePresence, reasonQueryFailed, lookupErr)
		}

		row := presenceRowFromRecord(record)
		writeErr := transaction.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "record_id"}},
			UpdateAll: true,
		}).Create(&row).Error
		if writeErr != nil {
			return store.NewError(opSavePresence, reasonWriteFailed, writeErr)
		}
		saved = row.record()
		return nil
	})
	if err != nil {
		s.logError(opSavePresence, err,
			zap.String(fieldDocumentID, record.DocumentID.String()),
			zap.String(fieldSessionID, record.SessionID.String()))
		return collab.SessionRecord{}, err
	}
	s.publishPresence(saved.DocumentID)
	return saved, nil
}

// DeletePresence removes a record. Deleting a missing record is not an error.
func (s *Store) DeletePresence(ctx context.Context, documentID collab.DocumentID, recordID string) error {
	result := s.db.WithContext(ctx).
		Where(queryDocumentRecord, documentID.String(), recordID).
		Delete(&PresenceRow{})
	if result.Error != nil {
		err := store.NewError(opDeletePresence, reasonWriteFailed, result.Error)
		s.logError(opDeletePresence, err,
			zap.String(fieldDocumentID, documentID.String()),
			zap.String(fieldRecordID, recordID))
		return err
	}
	if result.RowsAffected > 0 {
		s.publishPresence(documentID)
	}
	return nil
}

// ListPresence returns the records of documentID ordered by session id.
func (s *Store) ListPresence(ctx context.Context, documentID collab.DocumentID) ([]collab.SessionRecord, error) {
	var rows []PresenceRow
	err := s.db.WithContext(ctx).
		Where(queryDocument, documentID.String()).
		Order("session_id ASC").
		Find(&rows).Error
	if err != nil {
		wrapped := store.NewError(opListPresence, reasonQueryFailed, err)
		s.logError(opListPresence, wrapped, zap.String(fieldDocumentID, documentID.String()))
		return nil, wrapped
	}
	records := make([]collab.SessionRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}

// SubscribePresence notifies on every presence change of documentID until ctx ends or the
// returned cancel runs.
func (s *Store) SubscribePresence(ctx context.Context, documentID collab.DocumentID) (<-chan struct{}, func(), error) {
	notifications, cancel := presenceNotifications(ctx, s.dispatcher, documentID)
	return notifications, cancel, nil
}

// GetSyncState returns the synchronization record of documentID.
func (s *Store) GetSyncState(ctx context.Context, documentID collab.DocumentID) (collab.SyncState, error) {
	var row SyncStateRow
	err := s.db.WithContext(ctx).Where(queryDocument, documentID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return collab.SyncState{}, store.NewError(opGetSyncState, reasonNotFound, collab.ErrRecordNotFound)
	}
	if err != nil {
		wrapped := store.NewError(opGetSyncState, reasonQueryFailed, err)
		s.logError(opGetSyncState, wrapped, zap.String(fieldDocumentID, documentID.String()))
		return collab.SyncState{}, wrapped
	}
	return row.state(), nil
}

// CreateSyncState inserts the first synchronization record of a document. It fails with
// collab.ErrAlreadyExists when another session created it first.
func (s *Store) CreateSyncState(ctx context.Context, state collab.SyncState) (collab.SyncState, error) {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = s.clock().UTC()
	}
	row := syncStateRowFromState(state)
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		wrapped := store.NewError(opCreateSyncState, reasonWriteFailed, result.Error)
		s.logError(opCreateSyncState, wrapped, zap.String(fieldDocumentID, state.DocumentID.String()))
		return collab.SyncState{}, wrapped
	}
	if result.RowsAffected == 0 {
		return collab.SyncState{}, store.NewError(opCreateSyncState, reasonExists, collab.ErrAlreadyExists)
	}
	created := row.state()
	s.publishSyncState(created)
	return created, nil
}

// UpdateSyncState replaces the synchronization record only while its stored version still equals
// expectedVersion.
func (s *Store) UpdateSyncState(ctx context.Context, next collab.SyncState, expectedVersion int64) (collab.SyncState, error) {
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = s.clock().UTC()
	}
	row := syncStateRowFromState(next)
	result := s.db.WithContext(ctx).Model(&SyncStateRow{}).
		Where(queryDocumentVersion, row.DocumentID, expectedVersion).
		Updates(map[string]any{
			"version":          row.Version,
			"content_hash":     row.ContentHash,
			"last_modified_by": row.LastModifiedBy,
			"updated_at_ms":    row.UpdatedAtMs,
		})
	if result.Error != nil {
		wrapped := store.NewError(opUpdateSyncState, reasonWriteFailed, result.Error)
		s.logError(opUpdateSyncState, wrapped, zap.String(fieldDocumentID, row.DocumentID))
		return collab.SyncState{}, wrapped
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetSyncState(ctx, next.DocumentID); err != nil {
			return collab.SyncState{}, err
		}
		return collab.SyncState{}, store.NewError(opUpdateSyncState, reasonVersionMismatch, collab.ErrVersionMismatch)
	}
	updated := row.state()
	s.publishSyncState(updated)
	return updated, nil
}

// SubscribeSyncState streams every new synchronization record of documentID until ctx ends or the
// returned cancel runs.
func (s *Store) SubscribeSyncState(ctx context.Context, documentID collab.DocumentID) (<-chan collab.SyncState, func(), error) {
	states, cancel := syncStateUpdates(ctx, s.dispatcher, documentID)
	return states, cancel, nil
}

func (s *Store) publishPresence(documentID collab.DocumentID) {
	s.dispatcher.Publish(realtime.Event{
		DocumentID: documentID,
		EventType:  realtime.EventPresenceChanged,
		Timestamp:  s.clock().UTC(),
	})
}

func (s *Store) publishSyncState(state collab.SyncState) {
	published := state
	s.dispatcher.Publish(realtime.Event{
		DocumentID: state.DocumentID,
		EventType:  realtime.EventSyncStateChanged,
		SyncState:  &published,
		Timestamp:  s.clock().UTC(),
	})
}

func (s *Store) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{zap.String("operation", operation)}
	var storeErr *store.Error
	if errors.As(err, &storeErr) {
		attrs = append(attrs, zap.String("code", storeErr.Code()))
	}
	attrs = append(attrs, zap.Error(err))
	attrs = append(attrs, fields...)
	s.logger.Error("sql store error", attrs...)
}
