package database

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationTrimNoteIDs = "2025-05-11_trim_note_ids"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationTrimNoteIDs, apply: trimNoteIDs},
	}

	for _, migration := range migrations {
		var applied int64
		if err := db.Model(&migrationRecord{}).Where("name = ?", migration.name).Count(&applied).Error; err != nil {
			return err
		}
		if applied > 0 {
			continue
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// trimNoteIDs rewrites ids stored with surrounding whitespace. When the trimmed id
// already exists the padded duplicate is dropped.
func trimNoteIDs(db *gorm.DB) error {
	var stored []notes.Note
	if err := db.Find(&stored).Error; err != nil {
		return err
	}
	for _, note := range stored {
		trimmed := strings.TrimSpace(note.NoteID)
		if trimmed == note.NoteID {
			continue
		}
		var conflicts int64
		if err := db.Model(&notes.Note{}).Where("note_id = ?", trimmed).Count(&conflicts).Error; err != nil {
			return err
		}
		if conflicts > 0 || trimmed == "" {
			if err := db.Where("note_id = ?", note.NoteID).Delete(&notes.Note{}).Error; err != nil {
				return err
			}
			continue
		}
		if err := db.Model(&notes.Note{}).Where("note_id = ?", note.NoteID).Update("note_id", trimmed).Error; err != nil {
			return err
		}
	}
	return nil
}
