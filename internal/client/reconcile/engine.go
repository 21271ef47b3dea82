// Package reconcile merges server-confirmed events into the local collection.
package reconcile

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/client/notify"
	"github.com/MarcoPoloResearchLab/notesync/internal/client/store"
	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"go.uber.org/zap"
)

const notificationTitle = "Note synced"

var (
	errMissingStore = errors.New("reconcile: store is required")
	// errNoChange aborts a Mutate without writing.
	errNoChange = errors.New("reconcile: no change")
)

type Config struct {
	Store    *store.Store
	Notifier notify.Notifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Engine applies broadcasts, acknowledgments and errors to the local store.
// It never retries on its own; unconfirmed notes wait for the next drain.
type Engine struct {
	store    *store.Store
	notifier notify.Notifier
	clock    func() time.Time
	logger   *zap.Logger
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: cfg.Store, notifier: notifier, clock: clock, logger: logger}, nil
}

// HandleEnvelope routes one server event. Failures are logged, never returned,
// so a bad event cannot stop the channel.
func (e *Engine) HandleEnvelope(envelope protocol.Envelope) {
	var err error
	switch envelope.Event {
	case protocol.EventCreated, protocol.EventUpdated:
		var payload protocol.NotePayload
		if payload, err = envelope.DecodeNote(); err == nil {
			err = e.ApplyBroadcast(payload)
		}
	case protocol.EventDeleted:
		var payload protocol.DeletePayload
		if payload, err = envelope.DecodeDelete(); err == nil {
			err = e.ApplyDeletion(payload.ID)
		}
	case protocol.EventAck:
		var payload protocol.AckPayload
		if payload, err = envelope.DecodeAck(); err == nil {
			err = e.ApplyAck(payload)
		}
	case protocol.EventError:
		var payload protocol.ErrorPayload
		if payload, err = envelope.DecodeError(); err == nil {
			err = e.ApplyError(payload)
		}
	default:
		e.logger.Debug("ignoring unknown event", zap.String("event", envelope.Event))
	}
	if err != nil {
		e.logger.Error("failed to apply event", zap.String("event", envelope.Event), zap.String("note_id", envelope.PeekID()), zap.Error(err))
	}
}

// ApplyBroadcast inserts an unknown note at the front as synced, or replaces the
// local copy when the incoming one is newer.
func (e *Engine) ApplyBroadcast(payload protocol.NotePayload) error {
	now := e.now()
	incoming := store.Note{
		ID:        payload.ID,
		Text:      payload.Text,
		CreatedAt: payload.CreatedAt,
		UpdatedAt: payload.UpdatedAt,
		Synced:    true,
		SyncedAt:  &now,
	}

	return e.mutate(func(snapshot *store.Snapshot) error {
		index := store.IndexOf(snapshot.Notes, incoming.ID)
		if index < 0 {
			snapshot.Notes = append([]store.Note{incoming}, snapshot.Notes...)
			return nil
		}
		if !IsNewer(snapshot.Notes[index], incoming) {
			return errNoChange
		}
		if incoming.CreatedAt == 0 {
			incoming.CreatedAt = snapshot.Notes[index].CreatedAt
		}
		snapshot.Notes[index] = incoming
		return nil
	})
}

// ApplyAck marks the acknowledged note synced without touching its text, or
// removes it for a delete acknowledgment. An ack whose text no longer matches
// the local note confirms an earlier version, so the note stays pending.
func (e *Engine) ApplyAck(ack protocol.AckPayload) error {
	if ack.Status != protocol.StatusSuccess {
		e.logger.Warn("ignoring unsuccessful ack", zap.String("note_id", ack.ID), zap.String("status", ack.Status))
		return nil
	}
	if ack.Action == protocol.ActionDeleted {
		return e.ApplyDeletion(ack.ID)
	}

	now := e.now()
	var text string
	err := e.mutate(func(snapshot *store.Snapshot) error {
		index := store.IndexOf(snapshot.Notes, ack.ID)
		if index < 0 {
			return errNoChange
		}
		note := &snapshot.Notes[index]
		// The server knows the note either way, so a later send is an update.
		note.SyncedAt = &now
		if ack.Text != "" && ack.Text != note.Text {
			e.logger.Debug("ack confirms an earlier version, note stays pending", zap.String("note_id", ack.ID))
			return nil
		}
		note.Synced = true
		text = note.Text
		return nil
	})
	if err != nil {
		return err
	}
	if text != "" {
		e.notifier.Notify(notificationTitle, text)
	}
	return nil
}

// ApplyDeletion removes the note if present.
func (e *Engine) ApplyDeletion(noteID string) error {
	return e.mutate(func(snapshot *store.Snapshot) error {
		index := store.IndexOf(snapshot.Notes, noteID)
		if index < 0 {
			return errNoChange
		}
		snapshot.Notes = append(snapshot.Notes[:index], snapshot.Notes[index+1:]...)
		return nil
	})
}

// ApplyError records a rejected operation. The note stays unsynced; when the
// server no longer knows it, its confirmation is cleared so the next drain
// sends it as a create.
func (e *Engine) ApplyError(payload protocol.ErrorPayload) error {
	e.logger.Warn("server rejected note operation", zap.String("note_id", payload.ID), zap.String("message", payload.Message))
	if payload.Message != protocol.MessageNoteNotFound || payload.ID == "" {
		return nil
	}
	return e.mutate(func(snapshot *store.Snapshot) error {
		index := store.IndexOf(snapshot.Notes, payload.ID)
		if index < 0 {
			return errNoChange
		}
		snapshot.Notes[index].Synced = false
		snapshot.Notes[index].SyncedAt = nil
		return nil
	})
}

func (e *Engine) mutate(fn func(snapshot *store.Snapshot) error) error {
	err := e.store.Mutate(fn)
	if errors.Is(err, errNoChange) {
		return nil
	}
	return err
}

func (e *Engine) now() int64 {
	return e.clock().UTC().UnixMilli()
}
