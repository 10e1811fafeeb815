package sqlite

import (
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MemoryDSN is a private in-memory database, used by tests and the demo.
const MemoryDSN = "file::memory:"

// Open opens (and migrates) the intent database at path. A single connection is kept so
// that writers never race on the file lock.
func Open(path string) (*gorm.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates the intents table and its indexes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&intentRow{}); err != nil {
		return fmt.Errorf("migrate purchase_intents: %w", err)
	}
	// at most one active intent per user
	const q = `CREATE UNIQUE INDEX IF NOT EXISTS ux_purchase_intents_active_user
ON purchase_intents(user_id) WHERE state IN ('created','awaiting_gateway','reconciling')`
	if err := db.Exec(q).Error; err != nil {
		return fmt.Errorf("create active-user index: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
