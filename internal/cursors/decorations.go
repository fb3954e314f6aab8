package cursors

import (
	"unicode/utf8"

	"github.com/franciszver/lexforge-sub002/internal/collab"
)

// DecorationKind names the shape a remote cursor is drawn with.
type DecorationKind string

const (
	// DecorationCaret is the thin marker at the cursor position.
	DecorationCaret DecorationKind = "caret"
	// DecorationLabel is the name tag attached to the caret.
	DecorationLabel DecorationKind = "label"
	// DecorationHighlight is the translucent range over a non-empty selection.
	DecorationHighlight DecorationKind = "highlight"
)

// Decoration is one drawing instruction for the editor surface.
type Decoration struct {
	Kind      DecorationKind   `json:"kind"`
	SessionID collab.SessionID `json:"sessionId"`
	From      int              `json:"from"`
	To        int              `json:"to"`
	Color     string           `json:"color"`
	Label     string           `json:"label,omitempty"`
}

// DocumentLength is the offset range used to clamp remote cursors.
func DocumentLength(content string) int {
	return utf8.RuneCountInString(content)
}

// CursorsFromRecords derives the cursors of every session other than ownSession.
// Sessions without a published cursor and disconnected sessions are skipped.
func CursorsFromRecords(records []collab.SessionRecord, ownSession collab.SessionID) []collab.CursorDatum {
	cursors := make([]collab.CursorDatum, 0, len(records))
	for _, record := range records {
		if record.SessionID == ownSession || record.Cursor == nil || record.Status == collab.StatusDisconnected {
			continue
		}
		datum := collab.CursorDatum{
			ID:       record.SessionID,
			Name:     record.DisplayName(),
			Color:    record.UserColor,
			Position: record.Cursor.Position,
		}
		if record.Cursor.Selection != nil {
			selection := *record.Cursor.Selection
			datum.Selection = &selection
		}
		cursors = append(cursors, datum)
	}
	return cursors
}

// Clamp confines the cursor and its selection to [0, length].
func Clamp(datum collab.CursorDatum, length int) collab.CursorDatum {
	if length < 0 {
		length = 0
	}
	datum.Position = clampOffset(datum.Position, length)
	if datum.Selection != nil {
		selection := datum.Selection.Normalized()
		selection.From = clampOffset(selection.From, length)
		selection.To = clampOffset(selection.To, length)
		datum.Selection = &selection
	}
	return datum
}

// BuildDecorations turns clamped cursors into caret, label and highlight decorations.
// Collapsed selections only get the caret and label.
func BuildDecorations(cursors []collab.CursorDatum) []Decoration {
	decorations := make([]Decoration, 0, len(cursors)*3)
	for _, cursor := range cursors {
		decorations = append(decorations,
			Decoration{Kind: DecorationCaret, SessionID: cursor.ID, From: cursor.Position, To: cursor.Position, Color: cursor.Color},
			Decoration{Kind: DecorationLabel, SessionID: cursor.ID, From: cursor.Position, To: cursor.Position, Color: cursor.Color, Label: cursor.Name},
		)
		if cursor.Selection != nil && !cursor.Selection.Empty() {
			decorations = append(decorations, Decoration{
				Kind:      DecorationHighlight,
				SessionID: cursor.ID,
				From:      cursor.Selection.From,
				To:        cursor.Selection.To,
				Color:     cursor.Color,
			})
		}
	}
	return decorations
}

func clampOffset(offset, length int) int {
	if offset < 0 {
		return 0
	}
	if offset > length {
		return length
	}
	return offset
}
