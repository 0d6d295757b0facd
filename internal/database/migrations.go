package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/studytrack/internal/study"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillProfileLevels = "2024-03-01_backfill_profile_levels"

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
		{name: migrationBackfillProfileLevels, apply: backfillProfileLevels},
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

// backfillProfileLevels derives the level of profiles written before levels were stored.
// updated_at is left alone so the change never wins a merge on its own.
func backfillProfileLevels(db *gorm.DB) error {
	return db.Model(&study.Profile{}).
		Where("level < ?", 1).
		Update("level", gorm.Expr("1 + xp / ?", study.XPPerLevel)).Error
}
