package migrations

import (
	"gorm.io/gorm"
)

// Migration003OutboxParked marks posts held back after a permanent rejection.
type Migration003OutboxParked struct{}

func (m *Migration003OutboxParked) Version() string {
	return "003_outbox_parked"
}

func (m *Migration003OutboxParked) Description() string {
	return "Add parked flag to queued posts"
}

func (m *Migration003OutboxParked) Up(db *gorm.DB) error {
	if db.Migrator().HasColumn("queued_posts", "parked") {
		return nil
	}
	return db.Exec(`ALTER TABLE queued_posts ADD COLUMN parked BOOLEAN NOT NULL DEFAULT 0`).Error
}

func (m *Migration003OutboxParked) Down(db *gorm.DB) error {
	return db.Exec(`ALTER TABLE queued_posts DROP COLUMN parked`).Error
}
