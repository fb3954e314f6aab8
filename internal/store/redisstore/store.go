// Package redisstore implements the presence and sync-state stores on Redis, with Redis Pub/Sub
// carrying change notifications between processes.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/franciszver/lexforge-sub002/internal/collab"
	"github.com/franciszver/lexforge-sub002/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultPrefix = "lexforge"
	pingTimeout   = 5 * time.Second

	opNew             = "redisstore.new"
	opSavePresence    = "redisstore.save_presence"
	opDeletePresence  = "redisstore.delete_presence"
	opListPresence    = "redisstore.list_presence"
	opSubscribe       = "redisstore.subscribe"
	opGetSyncState    = "redisstore.get_sync_state"
	opCreateSyncState = "redisstore.create_sync_state"
	opUpdateSyncState = "redisstore.update_sync_state"

	reasonParseURL        = "parse_url_failed"
	reasonConnect         = "connect_failed"
	reasonInvalidRecord   = "invalid_record"
	reasonIDFailed        = "id_generation_failed"
	reasonEncode          = "encode_failed"
	reasonDecode          = "decode_failed"
	reasonCommand         = "command_failed"
	reasonNotFound        = "not_found"
	reasonExists          = "already_exists"
	reasonVersionMismatch = "version_mismatch"

	fieldDocumentID = "document_id"
	fieldSessionID  = "session_id"
	fieldRecordID   = "record_id"
	fieldChannel    = "channel"
)

var (
	errInvalidRecord = errors.New("redisstore: document id and session id are required")
	noOpLogger       = zap.NewNop()
)

// Config describes how to reach Redis. Client takes precedence over URL.
type Config struct {
	URL        string
	Client     *redis.Client
	Prefix     string
	IDProvider store.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store keeps presence records in one hash per document and the sync state in one string key
// per document.
type Store struct {
	client *redis.Client
	prefix string
	ids    store.IDProvider
	clock  func() time.Time
	logger *zap.Logger
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Store, error) {
	client := cfg.Client
	if client == nil {
		options, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, store.NewError(opNew, reasonParseURL, err)
		}
		client = redis.NewClient(options)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, store.NewError(opNew, reasonConnect, err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
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
	return &Store{client: client, prefix: prefix, ids: ids, clock: clock, logger: logger}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) presenceKey(documentID collab.DocumentID) string {
	return fmt.Sprintf("%s:presence-records:%s", s.prefix, documentID)
}

func (s *Store) syncStateKey(documentID collab.DocumentID) string {
	return fmt.Sprintf("%s:sync-state:%s", s.prefix, documentID)
}

func (s *Store) presenceChannel(documentID collab.DocumentID) string {
	return fmt.Sprintf("%s:presence:%s", s.prefix, documentID)
}

func (s *Store) syncChannel(documentID collab.DocumentID) string {
	return fmt.Sprintf("%s:sync:%s", s.prefix, documentID)
}

// SavePresence inserts or updates the record of (documentId, sessionId) and notifies subscribers.
func (s *Store) SavePresence(ctx context.Context, record collab.SessionRecord) (collab.SessionRecord, error) {
	if record.DocumentID == "" || record.SessionID == "" {
		return collab.SessionRecord{}, store.NewError(opSavePresence, reasonInvalidRecord, errInvalidRecord)
	}
	if record.LastSeenAt.IsZero() {
		record.LastSeenAt = s.clock().UTC()
	}
	key := s.presenceKey(record.DocumentID)
	field := record.SessionID.String()

	watchErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := tx.HGet(ctx, key, field).Result()
		switch {
		case err == nil:
			var stored collab.SessionRecord
			if decodeErr := json.Unmarshal([]byte(existing), &stored); decodeErr != nil {
				return store.NewError(opSavePresence, reasonDecode, decodeErr)
			}
			record.ID = stored.ID
		case errors.Is(err, redis.Nil):
			if record.ID == "" {
				recordID, idErr := s.ids.NewID()
				if idErr != nil {
					return store.NewError(opSavePresence, reasonIDFailed, idErr)
				}
				record.ID = recordID
			}
		default:
			return store.NewError(opSavePresence, reasonCommand, err)
		}

		payload, err := json.Marshal(record)
		if err != nil {
			return store.NewError(opSavePresence, reasonEncode, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, payload)
			return nil
		})
		return err
	}, key)
	if watchErr != nil {
		err := watchErr
		var storeErr *store.Error
		if !errors.As(err, &storeErr) {
			err = store.NewError(opSavePresence, reasonCommand, watchErr)
		}
		s.logError(opSavePresence, err,
			zap.String(fieldDocumentID, record.DocumentID.String()),
			zap.String(fieldSessionID, field))
		return collab.SessionRecord{}, err
	}
	s.notify(ctx, s.presenceChannel(record.DocumentID), record.ID)
	return record, nil
}

// DeletePresence removes the record with recordID. Deleting a missing record is not an error.
func (s *Store) DeletePresence(ctx context.Context, documentID collab.DocumentID, recordID string) error {
	records, err := s.ListPresence(ctx, documentID)
	if err != nil {
		return err
	}
	fields := make([]string, 0, 1)
	for _, record := range records {
		if record.ID == recordID {
			fields = append(fields, record.SessionID.String())
		}
	}
	if len(fields) == 0 {
		return nil
	}
	removed, err := s.client.HDel(ctx, s.presenceKey(documentID), fields...).Result()
	if err != nil {
		wrapped := store.NewError(opDeletePresence, reasonCommand, err)
		s.logError(opDeletePresence, wrapped,
			zap.String(fieldDocumentID, documentID.String()),
			zap.String(fieldRecordID, recordID))
		return wrapped
	}
	if removed > 0 {
		s.notify(ctx, s.presenceChannel(documentID), recordID)
	}
	return nil
}

// ListPresence returns the records of documentID ordered by session id.
func (s *Store) ListPresence(ctx context.Context, documentID collab.DocumentID) ([]collab.SessionRecord, error) {
	entries, err := s.client.HGetAll(ctx, s.presenceKey(documentID)).Result()
	if err != nil {
		wrapped := store.NewError(opListPresence, reasonCommand, err)
		s.logError(opListPresence, wrapped, zap.String(fieldDocumentID, documentID.String()))
		return nil, wrapped
	}
	records := make([]collab.SessionRecord, 0, len(entries))
	for field, payload := range entries {
		var record collab.SessionRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			s.logError(opListPresence, store.NewError(opListPresence, reasonDecode, err),
				zap.String(fieldDocumentID, documentID.String()),
				zap.String(fieldSessionID, field))
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].SessionID < records[j].SessionID
	})
	return records, nil
}

// GetSyncState returns the synchronization record of documentID.
func (s *Store) GetSyncState(ctx context.Context, documentID collab.DocumentID) (collab.SyncState, error) {
	payload, err := s.client.Get(ctx, s.syncStateKey(documentID)).Result()
	if errors.Is(err, redis.Nil) {
		return collab.SyncState{}, store.NewError(opGetSyncState, reasonNotFound, collab.ErrRecordNotFound)
	}
	if err != nil {
		wrapped := store.NewError(opGetSyncState, reasonCommand, err)
		s.logError(opGetSyncState, wrapped, zap.String(fieldDocumentID, documentID.String()))
		return collab.SyncState{}, wrapped
	}
	var state collab.SyncState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return collab.SyncState{}, store.NewError(opGetSyncState, reasonDecode, err)
	}
	return state, nil
}

// CreateSyncState stores the first synchronization record of a document. It fails with
// collab.ErrAlreadyExists when another session created it first.
func (s *Store) CreateSyncState(ctx context.Context, state collab.SyncState) (collab.SyncState, error) {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = s.clock().UTC()
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return collab.SyncState{}, store.NewError(opCreateSyncState, reasonEncode, err)
	}
	created, err := s.client.SetNX(ctx, s.syncStateKey(state.DocumentID), payload, 0).Result()
	if err != nil {
		wrapped := store.NewError(opCreateSyncState, reasonCommand, err)
		s.logError(opCreateSyncState, wrapped, zap.String(fieldDocumentID, state.DocumentID.String()))
		return collab.SyncState{}, wrapped
	}
	if !created {
		return collab.SyncState{}, store.NewError(opCreateSyncState, reasonExists, collab.ErrAlreadyExists)
	}
	s.notify(ctx, s.syncChannel(state.DocumentID), string(payload))
	return state, nil
}

// UpdateSyncState replaces the synchronization record only while its stored version still equals
// expectedVersion. A concurrent writer touching the key between the read and the write also
// yields collab.ErrVersionMismatch.
func (s *Store) UpdateSyncState(ctx context.Context, next collab.SyncState, expectedVersion int64) (collab.SyncState, error) {
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = s.clock().UTC()
	}
	key := s.syncStateKey(next.DocumentID)
	payload, err := json.Marshal(next)
	if err != nil {
		return collab.SyncState{}, store.NewError(opUpdateSyncState, reasonEncode, err)
	}

	watchErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return store.NewError(opUpdateSyncState, reasonNotFound, collab.ErrRecordNotFound)
		}
		if err != nil {
			return store.NewError(opUpdateSyncState, reasonCommand, err)
		}
		var stored collab.SyncState
		if err := json.Unmarshal([]byte(current), &stored); err != nil {
			return store.NewError(opUpdateSyncState, reasonDecode, err)
		}
		if stored.Version != expectedVersion {
			return store.NewError(opUpdateSyncState, reasonVersionMismatch, collab.ErrVersionMismatch)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case watchErr == nil:
	case errors.Is(watchErr, redis.TxFailedErr):
		return collab.SyncState{}, store.NewError(opUpdateSyncState, reasonVersionMismatch, collab.ErrVersionMismatch)
	case errors.Is(watchErr, collab.ErrRecordNotFound), errors.Is(watchErr, collab.ErrVersionMismatch):
		return collab.SyncState{}, watchErr
	default:
		err := watchErr
		var storeErr *store.Error
		if !errors.As(err, &storeErr) {
			err = store.NewError(opUpdateSyncState, reasonCommand, watchErr)
		}
		s.logError(opUpdateSyncState, err, zap.String(fieldDocumentID, next.DocumentID.String()))
		return collab.SyncState{}, err
	}
	s.notify(ctx, s.syncChannel(next.DocumentID), string(payload))
	return next, nil
}

func (s *Store) notify(ctx context.Context, channel, payload string) {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		s.logger.Warn("redis publish failed",
			zap.String(fieldChannel, channel),
			zap.Error(err))
	}
}

func (s *Store) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{zap.String("operation", operation)}
	var storeErr *store.Error
	if errors.As(err, &storeErr) {
		attrs = append(attrs, zap.String("code", storeErr.Code()))
	}
	attrs = append(attrs, zap.Error(err))
	attrs = append(attrs, fields...)
	s.logger.Error("redis store error", attrs...)
}
