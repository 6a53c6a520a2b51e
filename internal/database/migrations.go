package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationImportLegacyMappings  = "2025-06-01_import_legacy_message_mapping"
	migrationImportLegacyReactions = "2025-06-01_import_legacy_message_reactions"

	legacyMappingTable   = "message_mapping"
	legacyReactionsTable = "message_reactions"
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
	apply func(*gorm.DB, int64) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationImportLegacyMappings, apply: importLegacyMappings},
		{name: migrationImportLegacyReactions, apply: importLegacyReactions},
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
		appliedAt := time.Now().UTC().Unix()
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx, appliedAt); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// importLegacyMappings copies the single-table mapping layout of older
// deployments. Later duplicate rows win, matching the old lookup order.
func importLegacyMappings(db *gorm.DB, appliedAt int64) error {
	if !db.Migrator().HasTable(legacyMappingTable) {
		return nil
	}
	return db.Exec(`INSERT INTO message_mappings
		(source_channel, source_message_id, target_channel, target_message_id, created_at_s)
		SELECT original_channel, original_id, copied_channel, copied_id, ?
		FROM message_mapping
		WHERE original_channel IS NOT NULL AND original_id IS NOT NULL
			AND copied_channel IS NOT NULL AND copied_id IS NOT NULL
		ORDER BY rowid
		ON CONFLICT (source_channel, source_message_id, target_channel)
		DO UPDATE SET target_message_id = excluded.target_message_id`, appliedAt).Error
}

// importLegacyReactions copies stored tallies. Older rows may carry channel
// ids without the "-100" prefix.
func importLegacyReactions(db *gorm.DB, _ int64) error {
	if !db.Migrator().HasTable(legacyReactionsTable) {
		return nil
	}
	return db.Exec(`INSERT INTO reaction_snapshots (channel_id, message_id, tally_json, last_updated_s)
		SELECT
			CASE WHEN channel_id > 0 THEN CAST('-100' || channel_id AS INTEGER) ELSE channel_id END,
			message_id,
			COALESCE(NULLIF(reaction_data, ''), '{}'),
			COALESCE(last_updated, 0)
		FROM message_reactions
		WHERE channel_id IS NOT NULL AND message_id IS NOT NULL
		ORDER BY rowid
		ON CONFLICT (channel_id, message_id)
		DO UPDATE SET tally_json = excluded.tally_json, last_updated_s = excluded.last_updated_s`).Error
}
