package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/parlorchat/parlor/internal/auth"
	"github.com/parlorchat/parlor/internal/files"
	"github.com/parlorchat/parlor/internal/identity"
	"github.com/parlorchat/parlor/internal/perms"
	"github.com/parlorchat/parlor/internal/reaction"
	"github.com/parlorchat/parlor/internal/room"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
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

	err = db.AutoMigrate(
		&identity.Identity{},
		&auth.Nonce{},
		&perms.Override{},
		&perms.Future{},
		&room.Room{},
		&room.Message{},
		&room.MessageHistory{},
		&room.Pin{},
		&room.Activity{},
		&reaction.Reaction{},
		&files.File{},
	)
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
