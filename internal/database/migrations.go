package database

import (
	"errors"
	"time"

	"github.com/rallye-app/rallye/backend/internal/ephemeral"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillLiveDeletionReason = "2026-06-12_backfill_live_deletion_reason"
	migrationDropLegacyRoomPrefixes     = "2026-07-02_drop_legacy_room_prefixes"
	migrationDropUniqueActivityIndex    = "2026-09-01_drop_unique_activity_discussion_index"
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

var chatStoreMigrations = []migrationDefinition{
	{name: migrationDropUniqueActivityIndex, apply: dropUniqueActivityIndex},
}

var liveStoreMigrations = []migrationDefinition{
	{name: migrationBackfillLiveDeletionReason, apply: backfillLiveDeletionReason},
	{name: migrationDropLegacyRoomPrefixes, apply: dropLegacyRoomPrefixes},
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
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

// Rows soft-deleted before deletion reasons existed carry an empty reason;
// treat them as user deletions.
func backfillLiveDeletionReason(db *gorm.DB) error {
	return db.Model(&ephemeral.Message{}).
		Where("deleted_at IS NOT NULL AND deletion_reason = ?", "").
		Update("deletion_reason", ephemeral.DeletionReasonUser).Error
}

// Discussions were once unique per raw activity id. An activity and a
// treasure hunt may share an item id, so uniqueness moved to the
// kind-prefixed title and the old index has to go.
func dropUniqueActivityIndex(db *gorm.DB) error {
	return db.Exec("DROP INDEX IF EXISTS idx_discussions_activity;").Error
}

// Earlier clients persisted room ids with a redundant kind prefix
// (activity-<id> alongside room_type). Collapse them to the bare item id.
func dropLegacyRoomPrefixes(db *gorm.DB) error {
	statements := []string{
		"UPDATE live_messages SET room_id = substr(room_id, 10) WHERE room_type = 'activity' AND room_id LIKE 'activity-%';",
		"UPDATE live_messages SET room_id = substr(room_id, 15) WHERE room_type = 'treasure_hunt' AND room_id LIKE 'treasure_hunt-%';",
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
