package outbox

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// queuedPostRow maps the queued_posts table.
type queuedPostRow struct {
	ID                  string    `gorm:"primaryKey;size:32"`
	Text                string    `gorm:"not null"`
	CreatedAt           time.Time `gorm:"not null;autoCreateTime:false"`
	RetryCount          int       `gorm:"not null;default:0"`
	NextEligibleRetryAt time.Time `gorm:"not null"`
	LastError           string
	Parked              bool `gorm:"not null;default:false"`
}

func (queuedPostRow) TableName() string { return "queued_posts" }

type sqliteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository stores the queue in the queued_posts table created by
// the storage migrations.
func NewSQLiteRepository(db *gorm.DB) (Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite queue requires database handle")
	}
	return &sqliteRepository{db: db}, nil
}

func (r *sqliteRepository) Load(ctx context.Context) ([]QueuedPost, error) {
	var rows []queuedPostRow
	if err := r.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]QueuedPost, 0, len(rows))
	for _, row := range rows {
		out = append(out, QueuedPost{
			ID:                  row.ID,
			Text:                row.Text,
			CreatedAt:           row.CreatedAt,
			RetryCount:          row.RetryCount,
			NextEligibleRetryAt: row.NextEligibleRetryAt,
			LastError:           row.LastError,
			Parked:              row.Parked,
		})
	}
	return out, nil
}

func (r *sqliteRepository) Put(ctx context.Context, p QueuedPost) error {
	row := queuedPostRow{
		ID:                  p.ID,
		Text:                p.Text,
		CreatedAt:           p.CreatedAt,
		RetryCount:          p.RetryCount,
		NextEligibleRetryAt: p.NextEligibleRetryAt,
		LastError:           p.LastError,
		Parked:              p.Parked,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"text", "retry_count", "next_eligible_retry_at", "last_error", "parked"}),
	}).Create(&row).Error
}

func (r *sqliteRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&queuedPostRow{}, "id = ?", id).Error
}

func (r *sqliteRepository) Clear(ctx context.Context) error {
	return r.db.WithContext(ctx).Where("1 = 1").Delete(&queuedPostRow{}).Error
}

// Close is a no-op; the database handle is owned by the caller.
func (r *sqliteRepository) Close() error { return nil }
