package redisstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/franciszver/lexforge-sub002/internal/collab"
	"github.com/franciszver/lexforge-sub002/internal/docsync"
	"github.com/franciszver/lexforge-sub002/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const testDocumentID collab.DocumentID = "doc-1"

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("record-%d", p.next), nil
}

func setupTestRedis(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	redisStore, err := New(Config{
		URL:        "redis://" + server.Addr(),
		IDProvider: &sequenceIDProvider{},
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisStore.Close() })
	return redisStore, server
}

func sampleRecord(sessionID collab.SessionID) collab.SessionRecord {
	return collab.SessionRecord{
		SessionID:  sessionID,
		UserID:     "user-1",
		UserEmail:  "user-1@example.com",
		UserColor:  "#3cb44b",
		Status:     collab.StatusViewing,
		DocumentID: testDocumentID,
		LastSeenAt: time.Unix(1700000500, 0).UTC(),
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(Config{URL: "not a url"})
	require.Error(t, err)
	var storeErr *store.Error
	require.ErrorAs(t, err, &storeErr)
	require.Equal(t, "redisstore.new.parse_url_failed", storeErr.Code())
}

func TestNewWithClient(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	redisStore, err := New(Config{Client: client})
	require.NoError(t, err)
	defer redisStore.Close()
	require.NoError(t, redisStore.Ping(context.Background()))
}

func TestSavePresenceKeepsRecordID(t *testing.T) {
	redisStore, _ := setupTestRedis(t)
	ctx := context.Background()

	first, err := redisStore.SavePresence(ctx, sampleRecord("tab-a"))
	require.NoError(t, err)
	require.Equal(t, "record-1", first.ID)

	update := sampleRecord("tab-a")
	update.Status = collab.StatusEditing
	update.Cursor = &collab.Cursor{Position: 3}
	second, err := redisStore.SavePresence(ctx, update)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	_, err = redisStore.SavePresence(ctx, sampleRecord("tab-b"))
	require.NoError(t, err)

	records, err := redisStore.ListPresence(ctx, testDocumentID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, collab.SessionID("tab-a"), records[0].SessionID)
	require.Equal(t, collab.StatusEditing, records[0].Status)
	require.NotNil(t, records[0].Cursor)
	require.Equal(t, 3, records[0].Cursor.Position)
}

func TestSavePresenceRejectsMissingIdentity(t *testing.T) {
	redisStore, _ := setupTestRedis(t)
	_, err := redisStore.SavePresence(context.Background(), collab.SessionRecord{SessionID: "tab-a"})
	require.ErrorIs(t, err, errInvalidRecord)
}

func TestDeletePresenceIsIdempotent(t *testing.T) {
	redisStore, _ := setupTestRedis(t)
	ctx := context.Background()

	saved, err := redisStore.SavePresence(ctx, sampleRecord("tab-a"))
	require.NoError(t, err)
	require.NoError(t, redisStore.DeletePresence(ctx, testDocumentID, saved.ID))
	require.NoError(t, redisStore.DeletePresence(ctx, testDocumentID, saved.ID))
	require.NoError(t, redisStore.DeletePresence(ctx, "doc-unknown", "record-9"))

	records, err := redisStore.ListPresence(ctx, testDocumentID)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestSubscribePresenceReceivesNotifications(t *testing.T) {
	redisStore, _ := setupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifications, stop, err := redisStore.SubscribePresence(ctx, testDocumentID)
	require.NoError(t, err)
	defer stop()

	_, err = redisStore.SavePresence(context.Background(), sampleRecord("tab-a"))
	require.NoError(t, err)

	select {
	case <-notifications:
	case <-time.After(2 * time.Second):
		t.Fatal("expected presence notification")
	}
}

func TestSyncStateCompareAndSet(t *testing.T) {
	redisStore, _ := setupTestRedis(t)
	ctx := context.Background()

	_, err := redisStore.GetSyncState(ctx, testDocumentID)
	require.ErrorIs(t, err, collab.ErrRecordNotFound)

	initial := collab.SyncState{DocumentID: testDocumentID, LastModifiedBy: "user-1"}
	created, err := redisStore.CreateSyncState(ctx, initial)
	require.NoError(t, err)
	require.Equal(t, int64(0), created.Version)

	_, err = redisStore.CreateSyncState(ctx, initial)
	require.ErrorIs(t, err, collab.ErrAlreadyExists)

	next := collab.SyncState{DocumentID: testDocumentID, Version: 1, ContentHash: "hash-1", LastModifiedBy: "user-2"}
	updated, err := redisStore.UpdateSyncState(ctx, next, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), updated.Version)

	_, err = redisStore.UpdateSyncState(ctx, next, 0)
	require.ErrorIs(t, err, collab.ErrVersionMismatch)

	_, err = redisStore.UpdateSyncState(ctx, collab.SyncState{DocumentID: "doc-missing", Version: 1}, 0)
	require.ErrorIs(t, err, collab.ErrRecordNotFound)

	stored, err := redisStore.GetSyncState(ctx, testDocumentID)
	require.NoError(t, err)
	require.Equal(t, "hash-1", stored.ContentHash)
	require.Equal(t, collab.UserID("user-2"), stored.LastModifiedBy)
}

func TestSubscribeSyncStateDeliversUpdates(t *testing.T) {
	redisStore, _ := setupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states, stop, err := redisStore.SubscribeSyncState(ctx, testDocumentID)
	require.NoError(t, err)
	defer stop()

	_, err = redisStore.CreateSyncState(context.Background(), collab.SyncState{DocumentID: testDocumentID, LastModifiedBy: "user-1"})
	require.NoError(t, err)
	_, err = redisStore.UpdateSyncState(context.Background(), collab.SyncState{DocumentID: testDocumentID, Version: 1, LastModifiedBy: "user-1"}, 0)
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-states:
			if state.Version == 1 {
				return
			}
		case <-deadline:
			t.Fatal("expected version 1 on the stream")
		}
	}
}

func TestCoordinatorsOverRedis(t *testing.T) {
	redisStore, _ := setupTestRedis(t)
	ctx := context.Background()

	writer, err := docsync.NewCoordinator(docsync.Config{Store: redisStore})
	require.NoError(t, err)
	defer writer.Close()
	reader, err := docsync.NewCoordinator(docsync.Config{Store: redisStore})
	require.NoError(t, err)
	defer reader.Close()

	require.True(t, writer.Initialize(ctx, testDocumentID, "u1"))
	require.True(t, reader.Initialize(ctx, testDocumentID, "u2"))

	require.True(t, writer.Sync(ctx, "first draft"))
	require.False(t, reader.Sync(ctx, "second draft"))
	require.True(t, reader.State().HasConflict)

	require.True(t, reader.ForceSave(ctx, "second draft"))
	stored, err := redisStore.GetSyncState(ctx, testDocumentID)
	require.NoError(t, err)
	require.Equal(t, int64(2), stored.Version)
	require.Equal(t, docsync.HashContent("second draft"), stored.ContentHash)
}
