package infrastructure

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yourusername/tg-vault-export/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLiteRepository implements TargetRepository and RunRepository using SQLite
type SQLiteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository opens (and migrates) the database at dbPath
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&domain.TargetRecord{}, &domain.RunRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================================
// TargetRepository implementation
// ============================================================================

// GetTarget retrieves a target by id, nil if not found
func (r *SQLiteRepository) GetTarget(id int64) (*domain.TargetRecord, error) {
	var rec domain.TargetRecord
	err := r.db.Where("target_id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// FindByUsername retrieves a target by username, nil if not found
func (r *SQLiteRepository) FindByUsername(username string) (*domain.TargetRecord, error) {
	var rec domain.TargetRecord
	err := r.db.Where("username = ?", strings.ToLower(strings.TrimPrefix(username, "@"))).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// UpsertTargets updates or inserts multiple targets
func (r *SQLiteRepository) UpsertTargets(records []*domain.TargetRecord) error {
	if len(records) == 0 {
		return nil
	}

	now := time.Now()
	for _, rec := range records {
		rec.LastUpdatedAt = now
	}

	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "target_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "kind", "username", "last_updated_at"}),
	}).Create(&records).Error
}

// ListTargets returns all known targets ordered by title
func (r *SQLiteRepository) ListTargets() ([]*domain.TargetRecord, error) {
	var records []*domain.TargetRecord
	err := r.db.Order("title ASC").Find(&records).Error
	return records, err
}

// ============================================================================
// RunRepository implementation
// ============================================================================

// SaveRuns stores the per-target records of one run
func (r *SQLiteRepository) SaveRuns(records []*domain.RunRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.Create(&records).Error
}

// RecentRuns returns the newest run records first
func (r *SQLiteRepository) RecentRuns(limit int) ([]*domain.RunRecord, error) {
	var records []*domain.RunRecord
	query := r.db.Order("finished_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&records).Error
	return records, err
}

// GetStats returns totals over the run history
func (r *SQLiteRepository) GetStats() (*domain.RunStats, error) {
	stats := &domain.RunStats{}

	if err := r.db.Model(&domain.RunRecord{}).
		Distinct("run_id").
		Count(&stats.Runs).Error; err != nil {
		return nil, err
	}

	var totals struct {
		Processed int64
		Failed    int64
		MediaDone int64
	}
	if err := r.db.Model(&domain.RunRecord{}).
		Select("COALESCE(SUM(processed), 0) AS processed, COALESCE(SUM(failed), 0) AS failed, COALESCE(SUM(media_done), 0) AS media_done").
		Scan(&totals).Error; err != nil {
		return nil, err
	}
	stats.Processed = totals.Processed
	stats.Failed = totals.Failed
	stats.MediaDone = totals.MediaDone

	return stats, nil
}
