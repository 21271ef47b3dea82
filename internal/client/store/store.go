// Package store persists the client's note collection and pending operation
// queue through a string key-value backend.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	keyNotes = "NOTES_LIST"
	keyQueue = "NOTES_QUEUE"
)

var (
	// ErrStorageFailure reports that the backend could not be read or written.
	// The previously persisted collection is left intact.
	ErrStorageFailure = errors.New("store: storage failure")
	// ErrNoteNotFound reports a local edit or delete of an unknown id.
	ErrNoteNotFound = errors.New("store: note not found")
)

// KeyValue is the durable backend: a string value per key, absent when unset.
type KeyValue interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// batchSetter is implemented by backends that can write several keys atomically.
type batchSetter interface {
	SetAll(values map[string]string) error
}

// Snapshot is the mutable view handed to Mutate.
type Snapshot struct {
	Notes []Note
	Queue []Operation
}

// Store serializes every read-modify-write of the collection and queue.
type Store struct {
	mu     sync.Mutex
	kv     KeyValue
	logger *zap.Logger
}

func New(kv KeyValue, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{kv: kv, logger: logger}
}

// Load returns the whole collection, newest first.
func (s *Store) Load() ([]Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadNotes()
}

// Save replaces the whole collection.
func (s *Store) Save(notes []Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(map[string]any{keyNotes: notes})
}

// Enqueue appends one operation to the tail of the pending queue.
func (s *Store) Enqueue(op Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := s.loadQueue()
	if err != nil {
		return err
	}
	return s.write(map[string]any{keyQueue: append(queue, op)})
}

// DrainQueue returns every queued operation in insertion order and clears the queue.
func (s *Store) DrainQueue() ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := s.loadQueue()
	if err != nil {
		return nil, err
	}
	if len(queue) == 0 {
		return nil, nil
	}
	if err := s.write(map[string]any{keyQueue: []Operation{}}); err != nil {
		return nil, err
	}
	return queue, nil
}

// Requeue puts operations that could not be sent back at the head of the queue,
// ahead of anything enqueued since they were drained.
func (s *Store) Requeue(ops []Operation) error {
	if len(ops) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := s.loadQueue()
	if err != nil {
		return err
	}
	merged := make([]Operation, 0, len(ops)+len(queue))
	merged = append(merged, ops...)
	merged = append(merged, queue...)
	return s.write(map[string]any{keyQueue: merged})
}

// PendingNotes returns the notes the server has not confirmed in their current state.
func (s *Store) PendingNotes() ([]Note, error) {
	notes, err := s.Load()
	if err != nil {
		return nil, err
	}
	pending := make([]Note, 0, len(notes))
	for _, note := range notes {
		if !note.Synced {
			pending = append(pending, note)
		}
	}
	return pending, nil
}

// QueueLength reports how many operations are waiting for a connection.
func (s *Store) QueueLength() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := s.loadQueue()
	if err != nil {
		return 0, err
	}
	return len(queue), nil
}

// Mutate loads the collection and queue, applies fn, and persists both in one
// write. Nothing is written when fn returns an error.
func (s *Store) Mutate(fn func(snapshot *Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	notes, err := s.loadNotes()
	if err != nil {
		return err
	}
	queue, err := s.loadQueue()
	if err != nil {
		return err
	}

	snapshot := &Snapshot{Notes: notes, Queue: queue}
	if err := fn(snapshot); err != nil {
		return err
	}
	return s.write(map[string]any{keyNotes: snapshot.Notes, keyQueue: snapshot.Queue})
}

func (s *Store) loadNotes() ([]Note, error) {
	notes := []Note{}
	if err := s.read(keyNotes, &notes); err != nil {
		return nil, err
	}
	return notes, nil
}

func (s *Store) loadQueue() ([]Operation, error) {
	queue := []Operation{}
	if err := s.read(keyQueue, &queue); err != nil {
		return nil, err
	}
	return queue, nil
}

func (s *Store) read(key string, target any) error {
	raw, ok, err := s.kv.Get(key)
	if err != nil {
		s.logger.Error("store read failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("%w: read %s: %v", ErrStorageFailure, key, err)
	}
	if !ok || raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		s.logger.Error("store decode failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("%w: decode %s: %v", ErrStorageFailure, key, err)
	}
	return nil
}

func (s *Store) write(values map[string]any) error {
	encoded := make(map[string]string, len(values))
	for key, value := range values {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("%w: encode %s: %v", ErrStorageFailure, key, err)
		}
		encoded[key] = string(raw)
	}

	if batch, ok := s.kv.(batchSetter); ok {
		if err := batch.SetAll(encoded); err != nil {
			s.logger.Error("store write failed", zap.Error(err))
			return fmt.Errorf("%w: write: %v", ErrStorageFailure, err)
		}
		return nil
	}
	for key, raw := range encoded {
		if err := s.kv.Set(key, raw); err != nil {
			s.logger.Error("store write failed", zap.String("key", key), zap.Error(err))
			return fmt.Errorf("%w: write %s: %v", ErrStorageFailure, key, err)
		}
	}
	return nil
}
