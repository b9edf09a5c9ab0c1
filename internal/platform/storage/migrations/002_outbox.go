package migrations

import (
	"gorm.io/gorm"
)

// Migration002Outbox creates the durable outbound post table.
type Migration002Outbox struct{}

func (m *Migration002Outbox) Version() string {
	return "002_outbox"
}

func (m *Migration002Outbox) Description() string {
	return "Create outbound post queue table"
}

func (m *Migration002Outbox) Up(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queued_posts (
			id VARCHAR(32) PRIMARY KEY,
			text TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_eligible_retry_at DATETIME NOT NULL,
			last_error TEXT
		)
	`).Error; err != nil {
		return err
	}
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_queued_posts_next_eligible ON queued_posts(next_eligible_retry_at)`).Error
}

func (m *Migration002Outbox) Down(db *gorm.DB) error {
	return db.Exec(`DROP TABLE IF EXISTS queued_posts`).Error
}
