package notes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "notes.service.new"
	opCreate     = "notes.create"
	opUpdate     = "notes.update"
	opDelete     = "notes.delete"
	opGet        = "notes.get"
	opListNotes  = "notes.list_notes"

	fieldNoteID  = "note_id"
	queryNoteID  = fieldNoteID + " = ?"
	orderCreated = "created_at_ms DESC"

	reasonMissingDatabase = "missing_database"
	reasonSelectFailed    = "note_select_failed"
	reasonSaveFailed      = "note_save_failed"
	reasonDeleteFailed    = "note_delete_failed"
	reasonNotFound        = "not_found"
	reasonQueryFailed     = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service owns the authoritative note collection. Every write is idempotent by note id.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// NewNoteID issues a server-side identifier for requests that arrive without one.
func (s *Service) NewNoteID() (NoteID, error) {
	raw, err := s.idProvider.NewID()
	if err != nil {
		return "", err
	}
	return NewNoteID(raw)
}

// Create inserts the note when its id is unknown, updates it when the text differs,
// and otherwise leaves it untouched. All three outcomes are successful.
func (s *Service) Create(ctx context.Context, request CreateRequest) (Outcome, error) {
	if s.db == nil {
		s.logError(opCreate, reasonMissingDatabase, errMissingDatabase)
		return Outcome{}, newServiceError(opCreate, reasonMissingDatabase, errMissingDatabase)
	}

	var outcome Outcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.selectForUpdate(tx, opCreate, request.NoteID)
		if err != nil {
			return err
		}

		outcome = resolveCreate(existing, request, s.clock().UTC())
		if outcome.Action == ActionUnchanged {
			return nil
		}
		if err := tx.Save(&outcome.Note).Error; err != nil {
			s.logError(opCreate, reasonSaveFailed, err, zap.String(fieldNoteID, request.NoteID.String()))
			return newServiceError(opCreate, reasonSaveFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return Outcome{}, txErr
	}
	return outcome, nil
}

// Update overwrites text and updatedAt of an existing note.
func (s *Service) Update(ctx context.Context, request UpdateRequest) (Outcome, error) {
	if s.db == nil {
		s.logError(opUpdate, reasonMissingDatabase, errMissingDatabase)
		return Outcome{}, newServiceError(opUpdate, reasonMissingDatabase, errMissingDatabase)
	}

	var outcome Outcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.selectForUpdate(tx, opUpdate, request.NoteID)
		if err != nil {
			return err
		}
		if existing == nil {
			return newServiceError(opUpdate, reasonNotFound, ErrNoteNotFound)
		}

		outcome = resolveUpdate(*existing, request, s.clock().UTC())
		if err := tx.Save(&outcome.Note).Error; err != nil {
			s.logError(opUpdate, reasonSaveFailed, err, zap.String(fieldNoteID, request.NoteID.String()))
			return newServiceError(opUpdate, reasonSaveFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return Outcome{}, txErr
	}
	return outcome, nil
}

// Delete removes a note. No tombstone is kept, so the id can be created again.
func (s *Service) Delete(ctx context.Context, noteID NoteID) (Outcome, error) {
	if s.db == nil {
		s.logError(opDelete, reasonMissingDatabase, errMissingDatabase)
		return Outcome{}, newServiceError(opDelete, reasonMissingDatabase, errMissingDatabase)
	}

	var outcome Outcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.selectForUpdate(tx, opDelete, noteID)
		if err != nil {
			return err
		}
		if existing == nil {
			return newServiceError(opDelete, reasonNotFound, ErrNoteNotFound)
		}
		if err := tx.Where(queryNoteID, noteID.String()).Delete(&Note{}).Error; err != nil {
			s.logError(opDelete, reasonDeleteFailed, err, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opDelete, reasonDeleteFailed, err)
		}
		outcome = Outcome{Note: *existing, Action: ActionDeleted}
		return nil
	})
	if txErr != nil {
		return Outcome{}, txErr
	}
	return outcome, nil
}

// Get returns a single note or ErrNoteNotFound.
func (s *Service) Get(ctx context.Context, noteID NoteID) (Note, error) {
	if s.db == nil {
		s.logError(opGet, reasonMissingDatabase, errMissingDatabase)
		return Note{}, newServiceError(opGet, reasonMissingDatabase, errMissingDatabase)
	}
	var note Note
	result := s.db.WithContext(ctx).Where(queryNoteID, noteID.String()).Limit(1).Find(&note)
	if result.Error != nil {
		s.logError(opGet, reasonQueryFailed, result.Error, zap.String(fieldNoteID, noteID.String()))
		return Note{}, newServiceError(opGet, reasonQueryFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return Note{}, newServiceError(opGet, reasonNotFound, ErrNoteNotFound)
	}
	return note, nil
}

// ListNotes returns every stored note, newest first.
func (s *Service) ListNotes(ctx context.Context) ([]Note, error) {
	if s.db == nil {
		s.logError(opListNotes, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListNotes, reasonMissingDatabase, errMissingDatabase)
	}

	var notes []Note
	if err := s.db.WithContext(ctx).
		Order(orderCreated).
		Find(&notes).Error; err != nil {
		s.logError(opListNotes, reasonQueryFailed, err)
		return nil, newServiceError(opListNotes, reasonQueryFailed, err)
	}

	return notes, nil
}

func (s *Service) selectForUpdate(tx *gorm.DB, operation string, noteID NoteID) (*Note, error) {
	// Find instead of Take: a missing row is the normal create path, not an error.
	var existing Note
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryNoteID, noteID.String()).
		Limit(1).
		Find(&existing)
	if result.Error != nil {
		s.logError(operation, reasonSelectFailed, result.Error, zap.String(fieldNoteID, noteID.String()))
		return nil, newServiceError(operation, reasonSelectFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &existing, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
