package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"postkeeper/internal/platform/storage/migrations"
)

// InMemoryDSN opens a shared-cache in-memory database.
const InMemoryDSN = "file::memory:?cache=shared"

// Open opens (creating if needed) the sqlite database at path and applies
// all schema migrations.
func Open(path string) (*gorm.DB, error) {
	dsn := path
	if path != InMemoryDSN {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate registers and runs the schema migrations.
func Migrate(db *gorm.DB) error {
	if err := newDefaultManager(db).RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func newDefaultManager(db *gorm.DB) *MigrationManager {
	manager := NewMigrationManager(db)
	manager.AddMigration(&migrations.Migration001Credentials{})
	manager.AddMigration(&migrations.Migration002Outbox{})
	manager.AddMigration(&migrations.Migration003OutboxParked{})
	return manager
}
