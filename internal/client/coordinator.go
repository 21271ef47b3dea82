// Package client wires the offline-first sync pieces into one coordinator per process.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/client/channel"
	"github.com/MarcoPoloResearchLab/notesync/internal/client/dispatch"
	"github.com/MarcoPoloResearchLab/notesync/internal/client/netmon"
	"github.com/MarcoPoloResearchLab/notesync/internal/client/notify"
	"github.com/MarcoPoloResearchLab/notesync/internal/client/reconcile"
	"github.com/MarcoPoloResearchLab/notesync/internal/client/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidText  = errors.New("client: note text must not be empty")
	ErrNoteNotFound = store.ErrNoteNotFound

	errMissingStore   = errors.New("client: store is required")
	errMissingMonitor = errors.New("client: monitor is required")
)

type Config struct {
	Store             *store.Store
	Monitor           netmon.Monitor
	ServerURL         string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration
	Notifier          notify.Notifier
	Clock             func() time.Time
	IDGenerator       func() string
	Logger            *zap.Logger
}

// Status summarizes the sync state for display.
type Status struct {
	State     channel.State
	LastError string
	Pending   int
	Queued    int
}

// Coordinator commits user actions locally, hands them to the dispatcher, and
// follows reachability to open and close the sync channel.
type Coordinator struct {
	store      *store.Store
	monitor    netmon.Monitor
	channel    *channel.SyncChannel
	dispatcher *dispatch.Dispatcher
	engine     *reconcile.Engine
	clock      func() time.Time
	newID      func() string
	logger     *zap.Logger
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Monitor == nil {
		return nil, errMissingMonitor
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.IDGenerator
	if newID == nil {
		newID = uuid.NewString
	}

	coordinator := &Coordinator{
		store:   cfg.Store,
		monitor: cfg.Monitor,
		clock:   clock,
		newID:   newID,
		logger:  logger,
	}

	engine, err := reconcile.NewEngine(reconcile.Config{
		Store:    cfg.Store,
		Notifier: cfg.Notifier,
		Clock:    clock,
		Logger:   logger.Named("reconcile"),
	})
	if err != nil {
		return nil, err
	}
	coordinator.engine = engine

	syncChannel, err := channel.New(channel.Config{
		ServerURL:         cfg.ServerURL,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		Logger:            logger.Named("channel"),
	}, channel.Handlers{
		OnConnected:    coordinator.handleConnected,
		OnDisconnected: coordinator.handleDisconnected,
		OnEvent:        engine.HandleEnvelope,
	})
	if err != nil {
		return nil, err
	}
	coordinator.channel = syncChannel

	dispatcher, err := dispatch.New(cfg.Store, syncChannel, logger.Named("dispatch"))
	if err != nil {
		return nil, err
	}
	coordinator.dispatcher = dispatcher

	return coordinator, nil
}

// Run follows the reachability monitor until ctx is done, then closes the channel.
func (c *Coordinator) Run(ctx context.Context) error {
	updates, stop := c.monitor.Subscribe()
	defer stop()
	defer c.channel.Disconnect()

	if c.monitor.Connected() {
		c.channel.Connect(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case connected, ok := <-updates:
			if !ok {
				return nil
			}
			if connected {
				c.logger.Info("network available, connecting")
				c.channel.Connect(ctx)
				continue
			}
			c.logger.Info("network lost, disconnecting")
			c.channel.Disconnect()
		}
	}
}

// CreateNote stores a new unsynced note and dispatches its create.
func (c *Coordinator) CreateNote(ctx context.Context, text string) (store.Note, error) {
	if strings.TrimSpace(text) == "" {
		return store.Note{}, ErrInvalidText
	}
	note := store.Note{
		ID:        c.newID(),
		Text:      text,
		CreatedAt: c.now(),
	}

	err := c.store.Mutate(func(snapshot *store.Snapshot) error {
		snapshot.Notes = append([]store.Note{note}, snapshot.Notes...)
		return nil
	})
	if err != nil {
		return store.Note{}, err
	}
	return note, c.submit(ctx, store.OperationFor(note))
}

// EditNote replaces the text locally, marks the note unsynced and dispatches it.
func (c *Coordinator) EditNote(ctx context.Context, noteID, text string) (store.Note, error) {
	if strings.TrimSpace(text) == "" {
		return store.Note{}, ErrInvalidText
	}

	var edited store.Note
	err := c.store.Mutate(func(snapshot *store.Snapshot) error {
		index := store.IndexOf(snapshot.Notes, noteID)
		if index < 0 {
			return fmt.Errorf("%w: %s", ErrNoteNotFound, noteID)
		}
		updatedAt := c.now()
		snapshot.Notes[index].Text = text
		snapshot.Notes[index].UpdatedAt = &updatedAt
		snapshot.Notes[index].Synced = false
		edited = snapshot.Notes[index]
		return nil
	})
	if err != nil {
		return store.Note{}, err
	}
	return edited, c.submit(ctx, store.OperationFor(edited))
}

// DeleteNote removes the note locally and dispatches the delete.
func (c *Coordinator) DeleteNote(ctx context.Context, noteID string) error {
	var removed store.Note
	err := c.store.Mutate(func(snapshot *store.Snapshot) error {
		index := store.IndexOf(snapshot.Notes, noteID)
		if index < 0 {
			return fmt.Errorf("%w: %s", ErrNoteNotFound, noteID)
		}
		removed = snapshot.Notes[index]
		snapshot.Notes = append(snapshot.Notes[:index], snapshot.Notes[index+1:]...)
		return nil
	})
	if err != nil {
		return err
	}
	return c.submit(ctx, store.Operation{Kind: store.OperationDelete, Note: removed})
}

// Notes returns the local collection, newest first.
func (c *Coordinator) Notes() ([]store.Note, error) {
	return c.store.Load()
}

func (c *Coordinator) Status() (Status, error) {
	pending, err := c.store.PendingNotes()
	if err != nil {
		return Status{}, err
	}
	queued, err := c.store.QueueLength()
	if err != nil {
		return Status{}, err
	}

	status := Status{
		State:   c.channel.State(),
		Pending: len(pending),
		Queued:  queued,
	}
	if lastErr := c.channel.LastError(); lastErr != nil {
		status.LastError = lastErr.Error()
	}
	return status, nil
}

func (c *Coordinator) submit(ctx context.Context, op store.Operation) error {
	if err := c.dispatcher.Submit(ctx, op); err != nil {
		c.logger.Error("failed to dispatch operation", zap.String("note_id", op.Note.ID), zap.String("kind", string(op.Kind)), zap.Error(err))
		return err
	}
	return nil
}

func (c *Coordinator) handleConnected(ctx context.Context) {
	if err := c.dispatcher.Drain(ctx); err != nil {
		c.logger.Warn("drain failed, will retry on next connection", zap.Error(err))
	}
}

func (c *Coordinator) handleDisconnected(err error) {
	if err != nil {
		c.logger.Warn("sync channel dropped", zap.Error(err))
	}
}

func (c *Coordinator) now() int64 {
	return c.clock().UTC().UnixMilli()
}
