// Package dispatch moves local operations onto the sync channel.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/notesync/internal/client/channel"
	"github.com/MarcoPoloResearchLab/notesync/internal/client/store"
	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"go.uber.org/zap"
)

var (
	errMissingStore  = errors.New("dispatch: store is required")
	errMissingSender = errors.New("dispatch: sender is required")
)

// Sender is the outbound half of the sync channel.
type Sender interface {
	State() channel.State
	Send(ctx context.Context, envelope protocol.Envelope) error
}

// Dispatcher sends operations immediately when the channel is connected and
// queues them otherwise. It never waits for acknowledgments.
type Dispatcher struct {
	store  *store.Store
	sender Sender
	logger *zap.Logger

	drainMu sync.Mutex
}

func New(local *store.Store, sender Sender, logger *zap.Logger) (*Dispatcher, error) {
	if local == nil {
		return nil, errMissingStore
	}
	if sender == nil {
		return nil, errMissingSender
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: local, sender: sender, logger: logger}, nil
}

// Submit sends op now when connected, otherwise appends it to the durable queue.
// A failed send also falls back to the queue. Submit and Drain exclude each
// other, so an operation queued while a connection comes up is either drained
// or sent directly.
func (d *Dispatcher) Submit(ctx context.Context, op store.Operation) error {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	if d.connected() {
		err := d.send(ctx, op)
		if err == nil {
			return nil
		}
		d.logger.Warn("send failed, queueing operation", zap.String("note_id", op.Note.ID), zap.String("kind", string(op.Kind)), zap.Error(err))
	}
	return d.store.Enqueue(op)
}

// Drain empties the queue onto the channel in FIFO order, then re-sends every
// note not yet confirmed. Queued operations that could not be sent go back to
// the head of the queue.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	pending, err := d.store.PendingNotes()
	if err != nil {
		return err
	}
	queued, err := d.store.DrainQueue()
	if err != nil {
		return err
	}

	for index, op := range queued {
		if err := d.send(ctx, op); err != nil {
			d.logger.Warn("drain interrupted", zap.Int("unsent", len(queued)-index), zap.Error(err))
			if requeueErr := d.store.Requeue(queued[index:]); requeueErr != nil {
				return errors.Join(err, requeueErr)
			}
			return err
		}
	}

	for _, note := range pending {
		if err := d.send(ctx, store.OperationFor(note)); err != nil {
			// Still unsynced, so the next drain picks it up again.
			d.logger.Warn("drain interrupted", zap.String("note_id", note.ID), zap.Error(err))
			return err
		}
	}

	d.logger.Info("drain complete", zap.Int("queued", len(queued)), zap.Int("pending", len(pending)))
	return nil
}

func (d *Dispatcher) connected() bool {
	return d.sender.State() == channel.StateConnected
}

func (d *Dispatcher) send(ctx context.Context, op store.Operation) error {
	envelope, err := op.Envelope()
	if err != nil {
		return err
	}
	return d.sender.Send(ctx, envelope)
}
