package database

import (
	"errors"
	"time"

	"github.com/perigeelabs/driftsync/internal/todos"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearTombstonePayloads = "2026-07-18_clear_tombstone_payloads"

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
		{name: migrationClearTombstonePayloads, apply: clearTombstonePayloads},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
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

// Tombstones only need identity and timestamp to propagate; rows deleted
// before this migration still carried their full text.
func clearTombstonePayloads(db *gorm.DB) error {
	return db.Model(&todos.Todo{}).
		Where("is_deleted = ? AND text <> ''", true).
		Update("text", "").Error
}
