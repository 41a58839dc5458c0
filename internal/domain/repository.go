package domain

import (
	"time"

	"github.com/google/uuid"
)

// LookupResult tells whether a message was already handled by an earlier run
type LookupResult int

const (
	Unprocessed LookupResult = iota
	Processed
)

// CacheStore is the durable record of processed messages.
// Record and Flush are serialized by the implementation; Lookup and Watermark
// may be called concurrently with them.
type CacheStore interface {
	// Load reads the snapshot. An error wrapping ErrCorruptCache leaves an empty, usable store.
	Load() error

	Lookup(targetID, messageID int64) LookupResult

	// Outcome returns the recorded outcome of a message
	Outcome(targetID, messageID int64) (MessageOutcome, bool)

	// Record stores the outcome and advances the target watermark
	Record(target Target, messageID int64, outcome MessageOutcome) error

	// Watermark returns the highest recorded message id of a target, 0 if none
	Watermark(targetID int64) int64

	// Flush atomically replaces the persisted snapshot
	Flush() error
}

// CacheStats summarizes a cache snapshot
type CacheStats struct {
	Version   int                `json:"version"`
	Targets   int                `json:"targets"`
	Messages  int                `json:"messages"`
	Failed    int                `json:"failed"`
	PerTarget []TargetCacheStats `json:"per_target"`
}

// TargetCacheStats is the cache view of one target
type TargetCacheStats struct {
	TargetID  int64  `json:"target_id"`
	Title     string `json:"title"`
	Messages  int    `json:"messages"`
	Failed    int    `json:"failed"`
	Watermark int64  `json:"watermark"`
}

// RunRecord is the persisted summary of one target in one run
type RunRecord struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	RunID       string    `json:"run_id" gorm:"not null;index"`
	TargetID    int64     `json:"target_id" gorm:"index"`
	TargetTitle string    `json:"target_title"`
	Processed   int       `json:"processed"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`
	MediaDone   int       `json:"media_done"`
	MediaFailed int       `json:"media_failed"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// TableName specifies the table name for GORM
func (RunRecord) TableName() string {
	return "runs"
}

// NewRunID returns a fresh run identifier
func NewRunID() string {
	return uuid.New().String()
}

// NewRunRecord builds a run record from a target summary
func NewRunRecord(runID string, target Target, summary MessageSummary, started time.Time, err error) *RunRecord {
	rec := &RunRecord{
		ID:          uuid.New().String(),
		RunID:       runID,
		TargetID:    target.ID,
		TargetTitle: target.DisplayName(),
		Processed:   summary.Processed,
		Skipped:     summary.Skipped,
		Failed:      summary.Failed,
		MediaDone:   summary.MediaDone,
		MediaFailed: summary.MediaFailed,
		StartedAt:   started,
		FinishedAt:  time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// RunRepository defines the interface for run history persistence
type RunRepository interface {
	// SaveRuns stores the per-target records of a run
	SaveRuns(records []*RunRecord) error

	// RecentRuns returns the newest records first
	RecentRuns(limit int) ([]*RunRecord, error)

	// GetStats returns totals over the whole history
	GetStats() (*RunStats, error)
}

// RunStats represents run history totals
type RunStats struct {
	Runs      int64 `json:"runs"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	MediaDone int64 `json:"media_done"`
}
