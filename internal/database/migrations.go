package database

import (
	"errors"
	"time"

	"github.com/franciszver/lexforge-sub002/internal/collab"
	"github.com/franciszver/lexforge-sub002/internal/store/sqlstore"
	"github.com/franciszver/lexforge-sub002/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPurgeDisconnectedPresence = "2026-04-02_purge_disconnected_presence"

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

// Migrate creates the schema and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(sqlstore.Models(), &users.Identity{}, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationPurgeDisconnectedPresence, apply: purgeDisconnectedPresence},
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

// purgeDisconnectedPresence drops rows a crash left between the disconnected marker and removal.
func purgeDisconnectedPresence(db *gorm.DB) error {
	return db.Where("status = ?", string(collab.StatusDisconnected)).
		Delete(&sqlstore.PresenceRow{}).Error
}
