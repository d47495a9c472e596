package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationIndexSubmittedAt = "2026-10-15_index_comment_submitted_at"

	indexCommentsSubmittedAt = "idx_comments_submitted_at"
)

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

var migrations = []migrationDefinition{
	{name: migrationIndexSubmittedAt, apply: indexSubmittedAt},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	return runMigrations(db, migrations, logger)
}

func runMigrations(db *gorm.DB, definitions []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range definitions {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
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

// indexSubmittedAt backs the duplicate-window lookup, which scans a
// subtree by submission time.
func indexSubmittedAt(db *gorm.DB) error {
	return db.Exec("CREATE INDEX IF NOT EXISTS " + indexCommentsSubmittedAt + " ON comments (submitted_at_s)").Error
}
