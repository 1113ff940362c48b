package cache

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDiscardOptimisticSnapshots = "2026-10-15_discard_optimistic_snapshots"

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
		{name: migrationDiscardOptimisticSnapshots, apply: discardSnapshots},
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
			logger.Info("cache migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// discardSnapshots drops every saved view. Snapshots written before they were limited to
// server-confirmed records may carry unsent local edits stamped with local times, which
// would outrank the server once reloaded. Remembered accounts are kept.
func discardSnapshots(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		global := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		if err := global.Delete(&snapshotRow{}).Error; err != nil {
			return err
		}
		return global.Delete(&snapshotMeta{}).Error
	})
}
