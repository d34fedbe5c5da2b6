package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/ordering"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillOrderKeys = "2026-10-01_backfill_document_order_keys"

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
		{name: migrationBackfillOrderKeys, apply: backfillOrderKeys},
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

// backfillOrderKeys assigns keys to documents stored without one, appending
// them after their keyed siblings in creation order.
func backfillOrderKeys(db *gorm.DB) error {
	var pending []documents.DocumentRow
	if err := db.Where("order_key = ''").
		Order("site_id ASC, owner_id ASC, created_at ASC, document_id ASC").
		Find(&pending).Error; err != nil {
		return err
	}

	lastKeys := make(map[[2]string]string)
	for _, row := range pending {
		group := [2]string{row.SiteID, row.OwnerID}
		last, seen := lastKeys[group]
		if !seen {
			var keyed documents.DocumentRow
			err := db.Where("site_id = ? AND owner_id = ? AND order_key <> ''", row.SiteID, row.OwnerID).
				Order("order_key DESC").
				Limit(1).
				Take(&keyed).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			last = keyed.OrderKey
		}
		key, err := ordering.KeyBetween(last, "")
		if err != nil {
			return err
		}
		if err := db.Model(&documents.DocumentRow{}).
			Where("document_id = ?", row.DocumentID).
			Update("order_key", key).Error; err != nil {
			return err
		}
		lastKeys[group] = key
	}
	return nil
}
