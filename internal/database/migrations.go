package database

import (
	"errors"
	"time"

	"github.com/curatehq/roundkeeper/internal/catalog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeAuthorCountryCodes = "2026-08-14_normalize_author_country_codes"

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
		{name: migrationNormalizeAuthorCountryCodes, apply: normalizeAuthorCountryCodes},
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

// Early imports stored country codes as received, sometimes lowercase. The
// sync layer now uppercases on write; this brings old rows in line.
func normalizeAuthorCountryCodes(db *gorm.DB) error {
	return db.Model(&catalog.Author{}).
		Where("country <> upper(country)").
		Update("country", gorm.Expr("upper(country)")).Error
}
