package migrations

import (
	"gorm.io/gorm"
)

// Migration001Credentials creates the key/value table behind the sqlite credential store.
type Migration001Credentials struct{}

func (m *Migration001Credentials) Version() string {
	return "001_credentials"
}

func (m *Migration001Credentials) Description() string {
	return "Create credential key/value table"
}

func (m *Migration001Credentials) Up(db *gorm.DB) error {
	return db.Exec(`
		CREATE TABLE IF NOT EXISTS credential_entries (
			namespace VARCHAR(128) NOT NULL,
			key VARCHAR(128) NOT NULL,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (namespace, key)
		)
	`).Error
}

func (m *Migration001Credentials) Down(db *gorm.DB) error {
	return db.Exec(`DROP TABLE IF EXISTS credential_entries`).Error
}
