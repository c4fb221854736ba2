package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/elsewhere"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearExpiredConnectTokens = "2026-08-20_clear_expired_connect_tokens"

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
		{name: migrationClearExpiredConnectTokens, apply: clearExpiredConnectTokens},
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

// clearExpiredConnectTokens drops connect tokens whose window already lapsed.
// Verification treats them as invalid either way; clearing keeps dead secrets
// out of the table.
func clearExpiredConnectTokens(db *gorm.DB) error {
	return db.Model(&elsewhere.Account{}).
		Where("connect_expires IS NOT NULL AND connect_expires < ?", time.Now().UTC()).
		Updates(map[string]any{
			"connect_token":   "",
			"connect_expires": nil,
		}).Error
}
