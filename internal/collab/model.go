package collab

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("collab: invalid document id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("collab: invalid user id")
	// ErrInvalidSessionID indicates that a session identifier is empty or exceeds storage bounds.
	ErrInvalidSessionID = errors.New("collab: invalid session id")
	// ErrInvalidStatus indicates an unknown presence status.
	ErrInvalidStatus = errors.New("collab: invalid presence status")
	// ErrRecordNotFound is returned by stores when the requested record does not exist.
	ErrRecordNotFound = errors.New("collab: record not found")
	// ErrAlreadyExists is returned when creating a record that another writer created first.
	ErrAlreadyExists = errors.New("collab: record already exists")
	// ErrVersionMismatch is returned by conditional writes when the stored version moved on.
	ErrVersionMismatch = errors.New("collab: stored version changed")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidDocumentID)
	if err != nil {
		return "", err
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidUserID)
	if err != nil {
		return "", err
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// SessionID identifies one browser tab or connection. A user may hold several.
type SessionID string

// NewSessionID validates raw input and returns a SessionID.
func NewSessionID(rawInput string) (SessionID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidSessionID)
	if err != nil {
		return "", err
	}
	return SessionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SessionID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Status enumerates presence states of a session.
type Status string

const (
	StatusViewing      Status = "viewing"
	StatusEditing      Status = "editing"
	StatusIdle         Status = "idle"
	StatusDisconnected Status = "disconnected"
)

// ParseStatus validates a raw status value.
func ParseStatus(rawInput string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(rawInput))) {
	case StatusViewing:
		return StatusViewing, nil
	case StatusEditing:
		return StatusEditing, nil
	case StatusIdle:
		return StatusIdle, nil
	case StatusDisconnected:
		return StatusDisconnected, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
}

// Selection is a range of editor offsets. From == To means a collapsed caret.
type Selection struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Empty reports whether the selection covers no characters.
func (s Selection) Empty() bool {
	return s.From == s.To
}

// Normalized returns the selection with From <= To.
func (s Selection) Normalized() Selection {
	if s.From > s.To {
		return Selection{From: s.To, To: s.From}
	}
	return s
}

// Cursor is the last caret position a session published.
type Cursor struct {
	Position  int        `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
}

// SessionRecord is the presence descriptor of one session attached to a document.
type SessionRecord struct {
	ID              string     `json:"id"`
	SessionID       SessionID  `json:"sessionId"`
	UserID          UserID     `json:"userId"`
	UserEmail       string     `json:"userEmail"`
	UserName        string     `json:"userName,omitempty"`
	UserColor       string     `json:"userColor"`
	Status          Status     `json:"status"`
	DocumentID      DocumentID `json:"documentId"`
	DocumentOwnerID UserID     `json:"documentOwnerId"`
	Cursor          *Cursor    `json:"cursor,omitempty"`
	LastSeenAt      time.Time  `json:"lastSeenAt"`
}

// DisplayName returns the user name, or initials derived from the email when it is absent.
func (r SessionRecord) DisplayName() string {
	if name := strings.TrimSpace(r.UserName); name != "" {
		return name
	}
	return InitialsFromEmail(r.UserEmail)
}

// InitialsFromEmail derives up to two uppercase initials from the local part of an email.
func InitialsFromEmail(email string) string {
	local := strings.TrimSpace(email)
	if at := strings.Index(local, "@"); at >= 0 {
		local = local[:at]
	}
	parts := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})
	initials := make([]rune, 0, 2)
	for _, part := range parts {
		if len(initials) == 2 {
			break
		}
		initials = append(initials, []rune(part)[0])
	}
	if len(initials) == 1 {
		if runes := []rune(parts[0]); len(runes) > 1 {
			initials = append(initials, runes[1])
		}
	}
	if len(initials) == 0 {
		return "?"
	}
	return strings.ToUpper(string(initials))
}

// SyncState is the shared synchronization record of a document.
type SyncState struct {
	DocumentID     DocumentID `json:"documentId"`
	Version        int64      `json:"version"`
	ContentHash    string     `json:"contentHash"`
	LastModifiedBy UserID     `json:"lastModifiedBy"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// CursorDatum is a remote caret ready to be rendered. It is derived from presence and never stored.
type CursorDatum struct {
	ID        SessionID  `json:"id"`
	Name      string     `json:"name"`
	Color     string     `json:"color"`
	Position  int        `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
}
