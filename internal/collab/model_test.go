package collab

import (
	"errors"
	"strings"
	"testing"
)

func TestNewDocumentIDValidation(t *testing.T) {
	if _, err := NewDocumentID("   "); !errors.Is(err, ErrInvalidDocumentID) {
		t.Fatalf("expected invalid document id error, got %v", err)
	}
	if _, err := NewDocumentID(strings.Repeat("d", maxIdentifierLength+1)); !errors.Is(err, ErrInvalidDocumentID) {
		t.Fatalf("expected length error, got %v", err)
	}
	id, err := NewDocumentID("  doc-1 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "doc-1" {
		t.Fatalf("expected trimmed identifier, got %q", id)
	}
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus(" Editing ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusEditing {
		t.Fatalf("expected editing, got %s", status)
	}
	if _, err := ParseStatus("away"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected invalid status error, got %v", err)
	}
}

func TestDisplayNameFallsBackToInitials(t *testing.T) {
	tests := []struct {
		name     string
		record   SessionRecord
		expected string
	}{
		{name: "explicit name", record: SessionRecord{UserName: "Ada Lovelace", UserEmail: "ada@example.com"}, expected: "Ada Lovelace"},
		{name: "dotted email", record: SessionRecord{UserEmail: "jane.doe@example.com"}, expected: "JD"},
		{name: "single word email", record: SessionRecord{UserEmail: "bob@example.com"}, expected: "BO"},
		{name: "single letter", record: SessionRecord{UserEmail: "x@example.com"}, expected: "X"},
		{name: "missing email", record: SessionRecord{}, expected: "?"},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			if got := testCase.record.DisplayName(); got != testCase.expected {
				t.Fatalf("expected %q, got %q", testCase.expected, got)
			}
		})
	}
}

func TestSelectionNormalized(t *testing.T) {
	selection := Selection{From: 9, To: 3}.Normalized()
	if selection.From != 3 || selection.To != 9 {
		t.Fatalf("unexpected normalized selection %+v", selection)
	}
	if !(Selection{From: 4, To: 4}).Empty() {
		t.Fatalf("expected collapsed selection to be empty")
	}
}
