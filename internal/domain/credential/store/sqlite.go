package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// credentialEntry maps the credential_entries table.
type credentialEntry struct {
	Namespace string    `gorm:"primaryKey;size:128"`
	Key       string    `gorm:"primaryKey;size:128"`
	Value     string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (credentialEntry) TableName() string { return "credential_entries" }

type sqliteStore struct {
	db        *gorm.DB
	namespace string
}

// NewSQLite builds a SQLite-backed credential store. The schema is created by
// the storage migrations.
func NewSQLite(db *gorm.DB, cfg Config) (Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite store requires database handle")
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "default"
	}
	return &sqliteStore{db: db, namespace: ns}, nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) (string, error) {
	var entry credentialEntry
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND key = ?", s.namespace, key).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return entry.Value, nil
}

func (s *sqliteStore) Set(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("namespace = ? AND key = ?", s.namespace, key).Delete(&credentialEntry{}).Error; err != nil {
			return err
		}
		return tx.Create(&credentialEntry{
			Namespace: s.namespace,
			Key:       key,
			Value:     value,
			UpdatedAt: time.Now().UTC(),
		}).Error
	})
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).
		Where("namespace = ? AND key = ?", s.namespace, key).
		Delete(&credentialEntry{}).Error
}

func (s *sqliteStore) List(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Model(&credentialEntry{}).
		Where("namespace = ?", s.namespace).
		Order("key").
		Pluck("key", &keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *sqliteStore) Stats(ctx context.Context) (map[string]any, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&credentialEntry{}).Where("namespace = ?", s.namespace).Count(&total).Error; err != nil {
		return nil, err
	}
	return map[string]any{
		"type":      "sqlite",
		"total":     total,
		"namespace": s.namespace,
	}, nil
}

func (s *sqliteStore) Close(context.Context) error {
	return nil
}
