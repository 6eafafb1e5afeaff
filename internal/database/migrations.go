package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/projects"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearDanglingVersionPointers = "2026-09-14_clear_dangling_version_pointers"

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
	{name: migrationClearDanglingVersionPointers, apply: clearDanglingVersionPointers},
}

// applyMigrations runs each pending migration and records it in the same transaction.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, migration := range migrations {
		applied, err := migrationApplied(db, migration.name)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", migration.name, err)
		}
		if applied {
			continue
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", migration.name, err)
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	err := db.Where("name = ?", name).Take(&migrationRecord{}).Error
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, err
	}
}

// clearDanglingVersionPointers resets pointers that reference versions which no longer exist,
// so current_version_index is either empty or a real version of the same project.
func clearDanglingVersionPointers(db *gorm.DB) error {
	existing := db.Model(&projects.Version{}).
		Select("1").
		Where("project_versions.id = projects.current_version_index AND project_versions.project_id = projects.id")
	return db.Model(&projects.Project{}).
		Where("current_version_index <> ''").
		Where("NOT EXISTS (?)", existing).
		Update("current_version_index", "").Error
}
