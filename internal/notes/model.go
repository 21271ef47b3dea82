package notes

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidText indicates that note text is empty after trimming.
	ErrInvalidText = errors.New("notes: invalid note text")
	// ErrNoteNotFound indicates that an update or delete referenced an unknown note.
	ErrNoteNotFound = errors.New("notes: note not found")
)

// Action describes what the authoritative store did with an operation.
type Action string

const (
	// ActionCreated marks a note inserted for the first time.
	ActionCreated Action = "created"
	// ActionUpdated marks a note whose text or timestamp changed.
	ActionUpdated Action = "updated"
	// ActionUnchanged marks a create that matched the stored text exactly.
	ActionUnchanged Action = "unchanged"
	// ActionDeleted marks a removed note.
	ActionDeleted Action = "deleted"
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// NoteText represents non-empty note content.
type NoteText string

// NewNoteText validates raw input and returns NoteText. Content is stored as given.
func NewNoteText(rawInput string) (NoteText, error) {
	if strings.TrimSpace(rawInput) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidText)
	}
	return NoteText(rawInput), nil
}

// String returns the underlying text.
func (text NoteText) String() string {
	return string(text)
}

// Note is the authoritative copy of a record. Timestamps are unix milliseconds.
type Note struct {
	NoteID          string `gorm:"column:note_id;primaryKey;size:190;not null"`
	Text            string `gorm:"column:text;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_notes_created"`
	UpdatedAtMillis *int64 `gorm:"column:updated_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// CreateRequest carries a create-or-update operation keyed by NoteID.
type CreateRequest struct {
	NoteID          NoteID
	Text            NoteText
	CreatedAtMillis int64
	UpdatedAtMillis *int64
}

// UpdateRequest carries an update of an existing note.
type UpdateRequest struct {
	NoteID          NoteID
	Text            NoteText
	UpdatedAtMillis *int64
}

// Outcome captures the stored record and what happened to it.
type Outcome struct {
	Note   Note
	Action Action
}
