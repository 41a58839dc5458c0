package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/yourusername/tg-vault-export/internal/domain"
)

// mockPlatform serves canned history and writes fake attachments
type mockPlatform struct {
	mu sync.Mutex

	peers   []domain.Peer
	history map[int64][]domain.MessageRecord

	// historyErr is consulted before every History call; call counts from 1
	historyErr   func(call int) error
	historyCalls int

	downloadDelay  time.Duration
	payload        []byte         // written instead of a text stub when set
	transientFails map[string]int // media id -> failures left
	permanentFails map[string]bool
	downloads      int
	active         int
	peak           int
	resolveCalls   int
}

func newMockPlatform() *mockPlatform {
	return &mockPlatform{
		history:        make(map[int64][]domain.MessageRecord),
		transientFails: make(map[string]int),
		permanentFails: make(map[string]bool),
	}
}

func (m *mockPlatform) addMessages(targetID int64, msgs ...domain.MessageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		msg.TargetID = targetID
		m.history[targetID] = append(m.history[targetID], msg)
	}
	sort.Slice(m.history[targetID], func(i, j int) bool {
		return m.history[targetID][i].MessageID < m.history[targetID][j].MessageID
	})
}

func (m *mockPlatform) ResolvePeer(ctx context.Context, ref domain.Reference) (domain.Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolveCalls++
	for _, p := range m.peers {
		if (ref.Username != "" && p.Username == ref.Username) || (ref.ID != 0 && p.ID == ref.ID) {
			return p, nil
		}
	}
	return domain.Peer{}, fmt.Errorf("%w: %s", domain.ErrUnresolvedTarget, ref.Raw)
}

func (m *mockPlatform) Dialogs(ctx context.Context, limit int) ([]domain.Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.peers) > limit {
		return m.peers[:limit], nil
	}
	return m.peers, nil
}

func (m *mockPlatform) History(ctx context.Context, peer domain.Target, afterID int64, limit int) ([]domain.MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyCalls++
	if m.historyErr != nil {
		if err := m.historyErr(m.historyCalls); err != nil {
			return nil, err
		}
	}
	var out []domain.MessageRecord
	for _, msg := range m.history[peer.ID] {
		if msg.MessageID > afterID {
			out = append(out, msg)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *mockPlatform) Download(ctx context.Context, peer domain.Target, messageID int64, media domain.MediaRef, destPath string) error {
	m.mu.Lock()
	m.downloads++
	m.active++
	if m.active > m.peak {
		m.peak = m.active
	}
	fail := m.permanentFails[media.ID]
	transient := m.transientFails[media.ID] > 0
	if transient {
		m.transientFails[media.ID]--
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}()

	if m.downloadDelay > 0 {
		select {
		case <-time.After(m.downloadDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return fmt.Errorf("file reference expired")
	}
	if transient {
		return fmt.Errorf("%w: connection reset", domain.ErrTransientNetwork)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	if m.payload != nil {
		return os.WriteFile(destPath, m.payload, 0644)
	}
	return os.WriteFile(destPath, []byte("media "+media.ID), 0644)
}

func (m *mockPlatform) stats() (downloads, peak int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloads, m.peak
}

// mockOptimizer copies the source, or fails when err is set
type mockOptimizer struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (m *mockOptimizer) Optimize(ctx context.Context, src, dst string, profile domain.OptimizeProfile) error {
	m.mu.Lock()
	m.calls++
	err := m.err
	m.mu.Unlock()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, append([]byte("optimized "), data...), 0644)
}

// mockNoteWriter remembers which messages got a note
type mockNoteWriter struct {
	mu      sync.Mutex
	notes   []int64
	media   map[int64][]string
	replies map[int64]string // message id -> linked parent note
	failOn  map[int64]bool
}

func newMockNoteWriter() *mockNoteWriter {
	return &mockNoteWriter{
		media:   make(map[int64][]string),
		replies: make(map[int64]string),
		failOn:  make(map[int64]bool),
	}
}

func (m *mockNoteWriter) WriteNote(ctx context.Context, target domain.Target, msg domain.MessageRecord, mediaPaths []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn[msg.MessageID] {
		return "", fmt.Errorf("disk full")
	}
	m.notes = append(m.notes, msg.MessageID)
	m.media[msg.MessageID] = mediaPaths
	m.replies[msg.MessageID] = msg.ReplyNote
	return filepath.Join(target.FolderPath, fmt.Sprintf("%d.md", msg.MessageID)), nil
}

func (m *mockNoteWriter) written() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.notes...)
}

// mockSelector picks the candidates at the given indexes
type mockSelector struct {
	pick    []int
	offered []domain.Peer
}

func (m *mockSelector) Select(ctx context.Context, candidates []domain.Peer) ([]domain.Peer, error) {
	m.offered = candidates
	var out []domain.Peer
	for _, i := range m.pick {
		if i < len(candidates) {
			out = append(out, candidates[i])
		}
	}
	return out, nil
}

// mockTargetRepo is an in-memory target directory
type mockTargetRepo struct {
	mu      sync.Mutex
	records map[int64]*domain.TargetRecord
}

func newMockTargetRepo() *mockTargetRepo {
	return &mockTargetRepo{records: make(map[int64]*domain.TargetRecord)}
}

func (m *mockTargetRepo) GetTarget(id int64) (*domain.TargetRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id], nil
}

func (m *mockTargetRepo) FindByUsername(username string) (*domain.TargetRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Username == username {
			return r, nil
		}
	}
	return nil, nil
}

func (m *mockTargetRepo) UpsertTargets(records []*domain.TargetRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if r.LastUpdatedAt.IsZero() {
			r.LastUpdatedAt = time.Now()
		}
		m.records[r.TargetID] = r
	}
	return nil
}

func (m *mockTargetRepo) ListTargets() ([]*domain.TargetRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.TargetRecord
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

// mockRunRepo collects saved run records
type mockRunRepo struct {
	mu   sync.Mutex
	runs []*domain.RunRecord
}

func (m *mockRunRepo) SaveRuns(records []*domain.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, records...)
	return nil
}

func (m *mockRunRepo) RecentRuns(limit int) ([]*domain.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs, nil
}

func (m *mockRunRepo) GetStats() (*domain.RunStats, error) {
	return &domain.RunStats{Runs: int64(len(m.runs))}, nil
}

// memCache is a CacheStore without persistence
type memCache struct {
	mu         sync.Mutex
	outcomes   map[int64]map[int64]domain.MessageOutcome
	watermarks map[int64]int64
	records    int
	flushes    int
}

func newMemCache() *memCache {
	return &memCache{
		outcomes:   make(map[int64]map[int64]domain.MessageOutcome),
		watermarks: make(map[int64]int64),
	}
}

func (c *memCache) Load() error { return nil }

func (c *memCache) Lookup(targetID, messageID int64) domain.LookupResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.outcomes[targetID][messageID]; ok {
		return domain.Processed
	}
	return domain.Unprocessed
}

func (c *memCache) Record(target domain.Target, messageID int64, outcome domain.MessageOutcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes[target.ID] == nil {
		c.outcomes[target.ID] = make(map[int64]domain.MessageOutcome)
	}
	c.outcomes[target.ID][messageID] = outcome
	if messageID > c.watermarks[target.ID] {
		c.watermarks[target.ID] = messageID
	}
	c.records++
	return nil
}

func (c *memCache) Watermark(targetID int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermarks[targetID]
}

func (c *memCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
	return nil
}

func (c *memCache) Outcome(targetID, messageID int64) (domain.MessageOutcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.outcomes[targetID][messageID]
	return o, ok
}

// reset drops every record, as if the snapshot were truncated
func (c *memCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = make(map[int64]map[int64]domain.MessageOutcome)
	c.watermarks = make(map[int64]int64)
}

func photo(id string) domain.MediaRef {
	return domain.MediaRef{ID: id, Kind: domain.MediaPhoto, FileName: id + ".png"}
}

func message(id int64, text string, media ...domain.MediaRef) domain.MessageRecord {
	return domain.MessageRecord{
		MessageID: id,
		Timestamp: time.Date(2024, 3, 1, 12, 0, int(id), 0, time.UTC),
		Text:      text,
		Media:     media,
	}
}
