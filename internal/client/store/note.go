package store

import "github.com/MarcoPoloResearchLab/notesync/internal/protocol"

// Note is the client copy of a record. Timestamps are unix milliseconds.
type Note struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt *int64 `json:"updatedAt,omitempty"`
	Synced    bool   `json:"synced"`
	SyncedAt  *int64 `json:"syncedAt,omitempty"`
}

// Payload returns the wire shape of the note.
func (n Note) Payload() protocol.NotePayload {
	return protocol.NotePayload{
		ID:        n.ID,
		Text:      n.Text,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}

type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// Operation is one pending queue entry.
type Operation struct {
	Kind OperationKind `json:"kind"`
	Note Note          `json:"note"`
}

// OperationFor picks the send kind for a note: a note that was never edited goes
// out as a create, as does one the server has never confirmed, since a create
// is an upsert on the server while an update of an unknown id fails.
func OperationFor(note Note) Operation {
	if note.UpdatedAt == nil || note.SyncedAt == nil {
		return Operation{Kind: OperationCreate, Note: note}
	}
	return Operation{Kind: OperationUpdate, Note: note}
}

// Envelope encodes the operation as a client-to-server event.
func (op Operation) Envelope() (protocol.Envelope, error) {
	switch op.Kind {
	case OperationCreate:
		return protocol.NewEnvelope(protocol.EventCreate, op.Note.Payload())
	case OperationUpdate:
		return protocol.NewEnvelope(protocol.EventUpdate, op.Note.Payload())
	case OperationDelete:
		return protocol.NewEnvelope(protocol.EventDelete, protocol.DeletePayload{ID: op.Note.ID})
	default:
		return protocol.Envelope{}, protocol.ErrInvalidPayload
	}
}

// IndexOf returns the position of id in notes, or -1.
func IndexOf(notes []Note, id string) int {
	for index := range notes {
		if notes[index].ID == id {
			return index
		}
	}
	return -1
}
