package server

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"go.uber.org/zap"
)

const (
	messageNoteCreated  = protocol.MessageNoteCreated
	messageNoteUpdated  = protocol.MessageNoteUpdated
	messageNoteDeleted  = protocol.MessageNoteDeleted
	messageNoteNotFound = protocol.MessageNoteNotFound
	messageUnknownEvent = "Unknown event"
	messageCreateFailed = "Failed to create note"
	messageUpdateFailed = "Failed to update note"
	messageDeleteFailed = "Failed to delete note"
)

// NoteStore is the authoritative store consumed by the event router.
type NoteStore interface {
	Create(ctx context.Context, request notes.CreateRequest) (notes.Outcome, error)
	Update(ctx context.Context, request notes.UpdateRequest) (notes.Outcome, error)
	Delete(ctx context.Context, noteID notes.NoteID) (notes.Outcome, error)
}

// Broadcaster delivers envelopes to connected channels.
type Broadcaster interface {
	Broadcast(envelope protocol.Envelope)
	BroadcastExcept(excluded int64, envelope protocol.Envelope)
	SendTo(subscriberID int64, envelope protocol.Envelope)
}

// EventRouter applies channel operations to the authoritative store, acknowledges
// the sender, and rebroadcasts the result. Failures become note:error events for
// the sender only; a handler never closes the connection.
type EventRouter struct {
	store  NoteStore
	hub    Broadcaster
	logger *zap.Logger
}

func NewEventRouter(store NoteStore, hub Broadcaster, logger *zap.Logger) *EventRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventRouter{store: store, hub: hub, logger: logger}
}

// Handle dispatches one decoded envelope received from senderID.
func (r *EventRouter) Handle(ctx context.Context, senderID int64, envelope protocol.Envelope) {
	switch envelope.Event {
	case protocol.EventCreate:
		payload, err := envelope.DecodeNote()
		if err != nil {
			r.sendError(senderID, envelope.PeekID(), err.Error())
			return
		}
		r.HandleCreate(ctx, senderID, payload)
	case protocol.EventUpdate:
		payload, err := envelope.DecodeNote()
		if err != nil {
			r.sendError(senderID, envelope.PeekID(), err.Error())
			return
		}
		r.HandleUpdate(ctx, senderID, payload)
	case protocol.EventDelete:
		payload, err := envelope.DecodeDelete()
		if err != nil {
			r.sendError(senderID, envelope.PeekID(), err.Error())
			return
		}
		r.HandleDelete(ctx, senderID, payload)
	default:
		r.sendError(senderID, envelope.PeekID(), messageUnknownEvent+": "+envelope.Event)
	}
}

// HandleCreate applies create-or-update-by-id, broadcasts the record to every client
// and acknowledges the sender. A repeat of an identical create is acknowledged the same way.
func (r *EventRouter) HandleCreate(ctx context.Context, senderID int64, payload protocol.NotePayload) {
	request, err := createRequestFromPayload(payload)
	if err != nil {
		r.sendError(senderID, payload.ID, err.Error())
		return
	}

	outcome, err := r.store.Create(ctx, request)
	if err != nil {
		r.logger.Error("create failed", zap.String("note_id", payload.ID), zap.Error(err))
		r.sendError(senderID, payload.ID, messageCreateFailed)
		return
	}

	r.broadcast(protocol.EventCreated, noSubscriber, notePayload(outcome.Note))

	action, message := protocol.ActionCreated, messageNoteCreated
	if outcome.Action == notes.ActionUpdated {
		action, message = protocol.ActionUpdated, messageNoteUpdated
	}
	r.sendAck(senderID, outcome.Note.NoteID, outcome.Note.Text, action, message)
}

// HandleUpdate overwrites an existing note and broadcasts to everyone but the sender.
func (r *EventRouter) HandleUpdate(ctx context.Context, senderID int64, payload protocol.NotePayload) {
	request, err := updateRequestFromPayload(payload)
	if err != nil {
		r.sendError(senderID, payload.ID, err.Error())
		return
	}

	outcome, err := r.store.Update(ctx, request)
	if errors.Is(err, notes.ErrNoteNotFound) {
		r.sendError(senderID, payload.ID, messageNoteNotFound)
		return
	}
	if err != nil {
		r.logger.Error("update failed", zap.String("note_id", payload.ID), zap.Error(err))
		r.sendError(senderID, payload.ID, messageUpdateFailed)
		return
	}

	r.broadcast(protocol.EventUpdated, senderID, notePayload(outcome.Note))
	r.sendAck(senderID, outcome.Note.NoteID, outcome.Note.Text, protocol.ActionUpdated, messageNoteUpdated)
}

// HandleDelete removes a note and notifies every client.
func (r *EventRouter) HandleDelete(ctx context.Context, senderID int64, payload protocol.DeletePayload) {
	noteID, err := notes.NewNoteID(payload.ID)
	if err != nil {
		r.sendError(senderID, payload.ID, err.Error())
		return
	}

	outcome, err := r.store.Delete(ctx, noteID)
	if errors.Is(err, notes.ErrNoteNotFound) {
		r.sendError(senderID, payload.ID, messageNoteNotFound)
		return
	}
	if err != nil {
		r.logger.Error("delete failed", zap.String("note_id", payload.ID), zap.Error(err))
		r.sendError(senderID, payload.ID, messageDeleteFailed)
		return
	}

	r.broadcast(protocol.EventDeleted, noSubscriber, protocol.DeletePayload{ID: outcome.Note.NoteID})
	r.sendAck(senderID, outcome.Note.NoteID, "", protocol.ActionDeleted, messageNoteDeleted)
}

func (r *EventRouter) broadcast(event string, excluded int64, data any) {
	envelope, err := protocol.NewEnvelope(event, data)
	if err != nil {
		r.logger.Error("broadcast encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	r.hub.BroadcastExcept(excluded, envelope)
}

func (r *EventRouter) sendAck(senderID int64, noteID, text, action, message string) {
	if senderID == noSubscriber {
		return
	}
	envelope, err := protocol.NewEnvelope(protocol.EventAck, protocol.AckPayload{
		ID:      noteID,
		Status:  protocol.StatusSuccess,
		Action:  action,
		Message: message,
		Text:    text,
	})
	if err != nil {
		r.logger.Error("ack encode failed", zap.String("note_id", noteID), zap.Error(err))
		return
	}
	r.hub.SendTo(senderID, envelope)
}

func (r *EventRouter) sendError(senderID int64, noteID, message string) {
	r.logger.Warn("note operation rejected", zap.Int64("subscriber_id", senderID), zap.String("note_id", noteID), zap.String("message", message))
	if senderID == noSubscriber {
		return
	}
	envelope, err := protocol.NewEnvelope(protocol.EventError, protocol.ErrorPayload{
		ID:      noteID,
		Status:  protocol.StatusError,
		Message: message,
	})
	if err != nil {
		r.logger.Error("error encode failed", zap.String("note_id", noteID), zap.Error(err))
		return
	}
	r.hub.SendTo(senderID, envelope)
}

func createRequestFromPayload(payload protocol.NotePayload) (notes.CreateRequest, error) {
	noteID, err := notes.NewNoteID(payload.ID)
	if err != nil {
		return notes.CreateRequest{}, err
	}
	text, err := notes.NewNoteText(payload.Text)
	if err != nil {
		return notes.CreateRequest{}, err
	}
	return notes.CreateRequest{
		NoteID:          noteID,
		Text:            text,
		CreatedAtMillis: payload.CreatedAt,
		UpdatedAtMillis: payload.UpdatedAt,
	}, nil
}

func updateRequestFromPayload(payload protocol.NotePayload) (notes.UpdateRequest, error) {
	noteID, err := notes.NewNoteID(payload.ID)
	if err != nil {
		return notes.UpdateRequest{}, err
	}
	text, err := notes.NewNoteText(payload.Text)
	if err != nil {
		return notes.UpdateRequest{}, err
	}
	return notes.UpdateRequest{
		NoteID:          noteID,
		Text:            text,
		UpdatedAtMillis: payload.UpdatedAt,
	}, nil
}

func notePayload(note notes.Note) protocol.NotePayload {
	return protocol.NotePayload{
		ID:        note.NoteID,
		Text:      note.Text,
		CreatedAt: note.CreatedAtMillis,
		UpdatedAt: note.UpdatedAtMillis,
	}
}
