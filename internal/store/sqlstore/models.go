package sqlstore

import (
	"time"

	"github.com/franciszver/lexforge-sub002/internal/collab"
)

// PresenceRow persists one session record.
type PresenceRow struct {
	RecordID        string `gorm:"column:record_id;primaryKey;size:64;not null"`
	DocumentID      string `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_presence_document_session,priority:1"`
	SessionID       string `gorm:"column:session_id;size:190;not null;uniqueIndex:idx_presence_document_session,priority:2"`
	UserID          string `gorm:"column:user_id;size:190;not null"`
	UserEmail       string `gorm:"column:user_email;size:320"`
	UserName        string `gorm:"column:user_name;size:190"`
	UserColor       string `gorm:"column:user_color;size:16;not null"`
	Status          string `gorm:"column:status;size:16;not null;index"`
	DocumentOwnerID string `gorm:"column:document_owner_id;size:190"`
	CursorPosition  *int   `gorm:"column:cursor_position"`
	SelectionFrom   *int   `gorm:"column:selection_from"`
	SelectionTo     *int   `gorm:"column:selection_to"`
	LastSeenAtMs    int64  `gorm:"column:last_seen_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PresenceRow) TableName() string {
	return "document_presence"
}

// SyncStateRow persists the synchronization record of one document.
type SyncStateRow struct {
	DocumentID     string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Version        int64  `gorm:"column:version;not null;default:0"`
	ContentHash    string `gorm:"column:content_hash;size:64"`
	LastModifiedBy string `gorm:"column:last_modified_by;size:190"`
	UpdatedAtMs    int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncStateRow) TableName() string {
	return "document_sync_states"
}

// Models lists the tables the store needs migrated.
func Models() []any {
	return []any{&PresenceRow{}, &SyncStateRow{}}
}

func presenceRowFromRecord(record collab.SessionRecord) PresenceRow {
	row := PresenceRow{
		RecordID:        record.ID,
		DocumentID:      record.DocumentID.String(),
		SessionID:       record.SessionID.String(),
		UserID:          record.UserID.String(),
		UserEmail:       record.UserEmail,
		UserName:        record.UserName,
		UserColor:       record.UserColor,
		Status:          string(record.Status),
		DocumentOwnerID: record.DocumentOwnerID.String(),
		LastSeenAtMs:    record.LastSeenAt.UTC().UnixMilli(),
	}
	if record.Cursor != nil {
		position := record.Cursor.Position
		row.CursorPosition = &position
		if record.Cursor.Selection != nil {
			from, to := record.Cursor.Selection.From, record.Cursor.Selection.To
			row.SelectionFrom = &from
			row.SelectionTo = &to
		}
	}
	return row
}

func (row PresenceRow) record() collab.SessionRecord {
	record := collab.SessionRecord{
		ID:              row.RecordID,
		SessionID:       collab.SessionID(row.SessionID),
		UserID:          collab.UserID(row.UserID),
		UserEmail:       row.UserEmail,
		UserName:        row.UserName,
		UserColor:       row.UserColor,
		Status:          collab.Status(row.Status),
		DocumentID:      collab.DocumentID(row.DocumentID),
		DocumentOwnerID: collab.UserID(row.DocumentOwnerID),
		LastSeenAt:      time.UnixMilli(row.LastSeenAtMs).UTC(),
	}
	if row.CursorPosition != nil {
		record.Cursor = &collab.Cursor{Position: *row.CursorPosition}
		if row.SelectionFrom != nil && row.SelectionTo != nil {
			record.Cursor.Selection = &collab.Selection{From: *row.SelectionFrom, To: *row.SelectionTo}
		}
	}
	return record
}

func syncStateRowFromState(state collab.SyncState) SyncStateRow {
	return SyncStateRow{
		DocumentID:     state.DocumentID.String(),
		Version:        state.Version,
		ContentHash:    state.ContentHash,
		LastModifiedBy: state.LastModifiedBy.String(),
		UpdatedAtMs:    state.UpdatedAt.UTC().UnixMilli(),
	}
}

func (row SyncStateRow) state() collab.SyncState {
	return collab.SyncState{
		DocumentID:     collab.DocumentID(row.DocumentID),
		Version:        row.Version,
		ContentHash:    row.ContentHash,
		LastModifiedBy: collab.UserID(row.LastModifiedBy),
		UpdatedAt:      time.UnixMilli(row.UpdatedAtMs).UTC(),
	}
}
