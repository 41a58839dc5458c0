package infrastructure

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/yourusername/tg-vault-export/internal/domain"
)

const cacheVersion = 3

type cacheSnapshot struct {
	Version int                     `json:"version"`
	Targets map[string]*targetEntry `json:"targets"`
}

type targetEntry struct {
	Title     string                           `json:"title,omitempty"`
	Kind      domain.TargetKind                `json:"kind,omitempty"`
	LastID    int64                            `json:"last_id"`
	Processed map[string]domain.MessageOutcome `json:"processed"`
}

// legacySnapshot is the version 1 and 2 layout, keyed by "entities"
type legacySnapshot struct {
	Version  int `json:"version"`
	Entities map[string]struct {
		ProcessedMessages map[string]struct {
			Filename    string `json:"filename"`
			ReplyTo     int64  `json:"reply_to"`
			TelegramURL string `json:"telegram_url"`
		} `json:"processed_messages"`
		LastID int64  `json:"last_id"`
		Title  string `json:"title"`
		Type   string `json:"type"`
	} `json:"entities"`
}

func emptySnapshot() cacheSnapshot {
	return cacheSnapshot{Version: cacheVersion, Targets: make(map[string]*targetEntry)}
}

// JSONCacheStore implements domain.CacheStore on a single JSON file.
type JSONCacheStore struct {
	path       string
	flushEvery int
	logger     *zap.Logger
	fileLock   *flock.Flock

	recordMu sync.Mutex // serializes Record and Flush
	mu       sync.RWMutex
	snap     cacheSnapshot
	pending  int
}

// NewJSONCacheStore creates a store backed by path. It flushes after every
// flushEvery recorded messages; 0 disables periodic flushing.
func NewJSONCacheStore(path string, flushEvery int, logger *zap.Logger) *JSONCacheStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONCacheStore{
		path:       path,
		flushEvery: flushEvery,
		logger:     logger,
		fileLock:   flock.New(path + ".lock"),
		snap:       emptySnapshot(),
	}
}

// Lock takes the advisory lock that keeps a second exporter off this cache
func (s *JSONCacheStore) Lock() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("%w: cache directory: %v", domain.ErrFatalConfig, err)
	}
	ok, err := s.fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("%w: lock cache: %v", domain.ErrFatalConfig, err)
	}
	if !ok {
		return fmt.Errorf("%w: cache %s is in use by another export", domain.ErrFatalConfig, s.path)
	}
	return nil
}

// Load reads the snapshot from disk
func (s *JSONCacheStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = emptySnapshot()
	s.pending = 0

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("No cache file, starting fresh", zap.String("path", s.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cache: %w", err)
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		s.preserveCorrupt()
		return fmt.Errorf("%w: %s: %v", domain.ErrCorruptCache, s.path, err)
	}
	s.snap = snap

	s.logger.Info("Cache loaded",
		zap.String("path", s.path),
		zap.Int("targets", len(snap.Targets)))
	return nil
}

func decodeSnapshot(data []byte) (cacheSnapshot, error) {
	var probe struct {
		Version  int             `json:"version"`
		Entities json.RawMessage `json:"entities"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return cacheSnapshot{}, err
	}
	if probe.Version > cacheVersion {
		return cacheSnapshot{}, fmt.Errorf("unsupported cache version %d", probe.Version)
	}
	if probe.Version < cacheVersion && len(probe.Entities) > 0 {
		return migrateLegacy(data)
	}

	var snap cacheSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return cacheSnapshot{}, err
	}
	if snap.Version != cacheVersion {
		return cacheSnapshot{}, fmt.Errorf("unsupported cache version %d", snap.Version)
	}
	if snap.Targets == nil {
		snap.Targets = make(map[string]*targetEntry)
	}
	for key, entry := range snap.Targets {
		if entry == nil {
			delete(snap.Targets, key)
			continue
		}
		if entry.Processed == nil {
			entry.Processed = make(map[string]domain.MessageOutcome)
		}
	}
	return snap, nil
}

func migrateLegacy(data []byte) (cacheSnapshot, error) {
	var legacy legacySnapshot
	if err := json.Unmarshal(data, &legacy); err != nil {
		return cacheSnapshot{}, err
	}
	snap := emptySnapshot()
	for id, e := range legacy.Entities {
		entry := &targetEntry{
			Title:     e.Title,
			Kind:      domain.TargetKind(e.Type),
			LastID:    e.LastID,
			Processed: make(map[string]domain.MessageOutcome, len(e.ProcessedMessages)),
		}
		for msgID, m := range e.ProcessedMessages {
			entry.Processed[msgID] = domain.MessageOutcome{
				Status:  domain.OutcomeDone,
				Note:    m.Filename,
				ReplyTo: m.ReplyTo,
				URL:     m.TelegramURL,
			}
		}
		snap.Targets[id] = entry
	}
	return snap, nil
}

// preserveCorrupt moves an unreadable snapshot aside so the next flush does not destroy it
func (s *JSONCacheStore) preserveCorrupt() {
	backup := fmt.Sprintf("%s.corrupt-%s", s.path, time.Now().Format("20060102-150405"))
	if err := os.Rename(s.path, backup); err != nil {
		s.logger.Warn("Failed to preserve corrupt cache", zap.String("path", s.path), zap.Error(err))
		return
	}
	s.logger.Warn("Corrupt cache moved aside", zap.String("backup", backup))
}

// Lookup reports whether a message was already processed
func (s *JSONCacheStore) Lookup(targetID, messageID int64) domain.LookupResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.snap.Targets[strconv.FormatInt(targetID, 10)]
	if !ok {
		return domain.Unprocessed
	}
	if _, ok := entry.Processed[strconv.FormatInt(messageID, 10)]; ok {
		return domain.Processed
	}
	return domain.Unprocessed
}

// Outcome returns the recorded outcome of a message
func (s *JSONCacheStore) Outcome(targetID, messageID int64) (domain.MessageOutcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.snap.Targets[strconv.FormatInt(targetID, 10)]
	if !ok {
		return domain.MessageOutcome{}, false
	}
	outcome, ok := entry.Processed[strconv.FormatInt(messageID, 10)]
	return outcome, ok
}

// Watermark returns the highest recorded message id of a target
func (s *JSONCacheStore) Watermark(targetID int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if entry, ok := s.snap.Targets[strconv.FormatInt(targetID, 10)]; ok {
		return entry.LastID
	}
	return 0
}

// Record stores a message outcome and flushes when enough records accumulated
func (s *JSONCacheStore) Record(target domain.Target, messageID int64, outcome domain.MessageOutcome) error {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()

	if outcome.ProcessedAt.IsZero() {
		outcome.ProcessedAt = time.Now()
	}

	s.mu.Lock()
	key := target.Key()
	entry, ok := s.snap.Targets[key]
	if !ok {
		entry = &targetEntry{Processed: make(map[string]domain.MessageOutcome)}
		s.snap.Targets[key] = entry
	}
	if target.Title != "" {
		entry.Title = target.Title
	}
	if target.Kind != "" {
		entry.Kind = target.Kind
	}
	entry.Processed[strconv.FormatInt(messageID, 10)] = outcome
	if messageID > entry.LastID {
		entry.LastID = messageID
	}
	s.pending++
	due := s.flushEvery > 0 && s.pending >= s.flushEvery
	s.mu.Unlock()

	if due {
		return s.flushLocked()
	}
	return nil
}

// Flush atomically replaces the snapshot on disk
func (s *JSONCacheStore) Flush() error {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()
	return s.flushLocked()
}

func (s *JSONCacheStore) flushLocked() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.snap, "", "  ")
	count := s.pending
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode cache: %w", err)
	}

	if err := writeFileAtomic(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to flush cache: %w", err)
	}

	s.mu.Lock()
	s.pending -= count
	s.mu.Unlock()

	s.logger.Debug("Cache flushed", zap.String("path", s.path), zap.Int("records", count))
	return nil
}

// Stats summarizes the current snapshot
func (s *JSONCacheStore) Stats() domain.CacheStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.CacheStats{Version: s.snap.Version, Targets: len(s.snap.Targets)}
	for key, entry := range s.snap.Targets {
		id, _ := strconv.ParseInt(key, 10, 64)
		ts := domain.TargetCacheStats{
			TargetID:  id,
			Title:     entry.Title,
			Messages:  len(entry.Processed),
			Watermark: entry.LastID,
		}
		for _, o := range entry.Processed {
			if o.Status == domain.OutcomeFailed {
				ts.Failed++
			}
		}
		stats.Messages += ts.Messages
		stats.Failed += ts.Failed
		stats.PerTarget = append(stats.PerTarget, ts)
	}
	sort.Slice(stats.PerTarget, func(i, j int) bool {
		return stats.PerTarget[i].TargetID < stats.PerTarget[j].TargetID
	})
	return stats
}

// Close flushes and releases the file lock
func (s *JSONCacheStore) Close() error {
	err := s.Flush()
	if s.fileLock.Locked() {
		if uerr := s.fileLock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}

// Path returns the snapshot file path
func (s *JSONCacheStore) Path() string {
	return s.path
}
