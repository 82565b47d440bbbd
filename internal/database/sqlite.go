package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rallye-app/rallye/backend/internal/catalog"
	"github.com/rallye-app/rallye/backend/internal/discussion"
	"github.com/rallye-app/rallye/backend/internal/ephemeral"
	"github.com/rallye-app/rallye/backend/internal/notify"
	"github.com/rallye-app/rallye/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenChatStore establishes the durable chat database and performs schema
// migrations. It holds discussions, their messages, catalog registrations,
// user identities, and enqueued notifications.
func OpenChatStore(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&discussion.Discussion{},
		&discussion.Message{},
		&catalog.Activity{},
		&catalog.TreasureHunt{},
		&catalog.Registration{},
		&users.Identity{},
		&notify.Notification{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, chatStoreMigrations, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("chat store initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenLiveStore establishes the ephemeral live-message database. Live rooms
// are kept apart from the durable store so TTL sweeps and end-of-activity
// cleanup never contend with discussion history.
func OpenLiveStore(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&ephemeral.Message{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, liveStoreMigrations, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("live store initialized", zap.String("path", path))
	}
	return db, nil
}

func open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}
