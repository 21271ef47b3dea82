package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event names carried in Envelope.Event.
const (
	EventCreate = "note:create"
	EventUpdate = "note:update"
	EventDelete = "note:delete"

	EventCreated = "note:created"
	EventUpdated = "note:updated"
	EventDeleted = "note:deleted"
	EventAck     = "note:ack"
	EventError   = "note:error"
)

// Acknowledgment statuses and actions.
const (
	StatusSuccess = "success"
	StatusError   = "error"

	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Human-readable messages carried in acknowledgments and errors.
const (
	MessageNoteCreated  = "Note created"
	MessageNoteUpdated  = "Note updated"
	MessageNoteDeleted  = "Note deleted"
	MessageNoteNotFound = "Note not found"
)

// ErrInvalidPayload reports a frame that could not be decoded or failed validation.
var ErrInvalidPayload = errors.New("protocol: invalid payload")

// Envelope is the single frame shape exchanged over the sync channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NotePayload is the record shape used by create/update requests and broadcasts.
// Timestamps are unix milliseconds.
type NotePayload struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	UpdatedAt *int64 `json:"updatedAt,omitempty"`
}

// DeletePayload identifies a note to delete or that was deleted.
type DeletePayload struct {
	ID string `json:"id"`
}

// AckPayload is sent only to the connection that issued the operation. Text
// carries the confirmed state for create and update acks.
type AckPayload struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Action  string `json:"action"`
	Message string `json:"message"`
	Text    string `json:"text,omitempty"`
}

// ErrorPayload is sent only to the connection whose operation failed.
type ErrorPayload struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// NewEnvelope marshals data under the given event name.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal %s: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Encode returns the wire representation of the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a single wire frame.
func Decode(frame []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(envelope.Event) == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrInvalidPayload)
	}
	return envelope, nil
}

// DecodeNote extracts and validates a note payload.
func (e Envelope) DecodeNote() (NotePayload, error) {
	var payload NotePayload
	if err := e.decodeInto(&payload); err != nil {
		return NotePayload{}, err
	}
	if strings.TrimSpace(payload.ID) == "" {
		return payload, fmt.Errorf("%w: missing id", ErrInvalidPayload)
	}
	if strings.TrimSpace(payload.Text) == "" {
		return payload, fmt.Errorf("%w: empty text", ErrInvalidPayload)
	}
	return payload, nil
}

// DecodeDelete extracts and validates a delete payload.
func (e Envelope) DecodeDelete() (DeletePayload, error) {
	var payload DeletePayload
	if err := e.decodeInto(&payload); err != nil {
		return DeletePayload{}, err
	}
	if strings.TrimSpace(payload.ID) == "" {
		return payload, fmt.Errorf("%w: missing id", ErrInvalidPayload)
	}
	return payload, nil
}

// DecodeAck extracts an acknowledgment payload.
func (e Envelope) DecodeAck() (AckPayload, error) {
	var payload AckPayload
	if err := e.decodeInto(&payload); err != nil {
		return AckPayload{}, err
	}
	return payload, nil
}

// DecodeError extracts an error payload.
func (e Envelope) DecodeError() (ErrorPayload, error) {
	var payload ErrorPayload
	if err := e.decodeInto(&payload); err != nil {
		return ErrorPayload{}, err
	}
	return payload, nil
}

// PeekID returns the "id" field of the payload when present, for error correlation.
func (e Envelope) PeekID() string {
	var probe struct {
		ID string `json:"id"`
	}
	if len(e.Data) == 0 {
		return ""
	}
	if err := json.Unmarshal(e.Data, &probe); err != nil {
		return ""
	}
	return probe.ID
}

func (e Envelope) decodeInto(target any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrInvalidPayload, e.Event)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
