// Package history persists rotation history entries in SQLite.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/glinharesb/keyring-go/internal/rotation"
)

// RotationModel is the gorm model of one rotation history entry.
type RotationModel struct {
	ID          string    `gorm:"type:char(36);primaryKey"`
	KeyID       string    `gorm:"type:varchar(128);not null;index:idx_key_started"`
	FromVersion uint32    `gorm:"not null"`
	ToVersion   uint32    `gorm:"not null"`
	Status      string    `gorm:"type:varchar(16);not null"`
	InitiatedBy string    `gorm:"type:varchar(128)"`
	Reason      string    `gorm:"type:text"`
	StartedAt   time.Time `gorm:"not null;index:idx_key_started"`
	CompletedAt *time.Time
	Error       string `gorm:"type:text"`
}

func (RotationModel) TableName() string {
	return "rotation_history"
}

func fromEntry(h rotation.RotationHistory) *RotationModel {
	return &RotationModel{
		ID:          h.ID,
		KeyID:       h.KeyID,
		FromVersion: h.FromVersion,
		ToVersion:   h.ToVersion,
		Status:      string(h.Status),
		InitiatedBy: h.InitiatedBy,
		Reason:      h.Reason,
		StartedAt:   h.StartedAt.UTC(),
		CompletedAt: h.CompletedAt,
		Error:       h.Error,
	}
}

func (m *RotationModel) toEntry() rotation.RotationHistory {
	h := rotation.RotationHistory{
		ID:          m.ID,
		KeyID:       m.KeyID,
		FromVersion: m.FromVersion,
		ToVersion:   m.ToVersion,
		Status:      rotation.Status(m.Status),
		InitiatedBy: m.InitiatedBy,
		Reason:      m.Reason,
		StartedAt:   m.StartedAt.UTC(),
		Error:       m.Error,
	}
	if m.CompletedAt != nil {
		t := m.CompletedAt.UTC()
		h.CompletedAt = &t
	}
	return h
}

// Store reads and writes rotation history.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("history db handle: %w", err)
	}
	// SQLite allows one writer.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&RotationModel{}); err != nil {
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts or updates an entry. It satisfies rotation.HistoryRecorder.
func (s *Store) Record(ctx context.Context, h rotation.RotationHistory) error {
	if err := s.db.WithContext(ctx).Save(fromEntry(h)).Error; err != nil {
		slog.ErrorContext(ctx, "failed to record rotation history",
			"operation", "record",
			"key_id", h.KeyID,
			"history_id", h.ID,
			"error", err,
		)
		return err
	}
	return nil
}

// List returns entries newest first. An empty keyID lists all rings; a
// limit of 0 means no limit.
func (s *Store) List(ctx context.Context, keyID string, limit int) ([]rotation.RotationHistory, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC").Order("to_version DESC")
	if keyID != "" {
		q = q.Where("key_id = ?", keyID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var models []RotationModel
	if err := q.Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to list rotation history",
			"operation", "list",
			"key_id", keyID,
			"error", err,
		)
		return nil, err
	}

	out := make([]rotation.RotationHistory, len(models))
	for i := range models {
		out[i] = models[i].toEntry()
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
