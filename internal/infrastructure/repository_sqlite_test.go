package infrastructure

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/tg-vault-export/internal/domain"
)

func setupTestRepo(t *testing.T) (*SQLiteRepository, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "repo-test-*")
	require.NoError(t, err)

	dbPath := filepath.Join(tmpDir, "test.db")
	repo, err := NewSQLiteRepository(dbPath)
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		os.RemoveAll(tmpDir)
	}
	return repo, cleanup
}

func TestGetTarget_ReturnsNilWhenUnknown(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	rec, err := repo.GetTarget(42)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUpsertTargets_InsertsAndUpdates(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	target := domain.Target{ID: -1001, Title: "Old Title", Kind: domain.KindChannel, Username: "News"}
	require.NoError(t, repo.UpsertTargets([]*domain.TargetRecord{domain.NewTargetRecord(target)}))

	target.Title = "New Title"
	require.NoError(t, repo.UpsertTargets([]*domain.TargetRecord{domain.NewTargetRecord(target)}))

	rec, err := repo.GetTarget(-1001)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "New Title", rec.Title)
	assert.Equal(t, "channel", rec.Kind)
	assert.WithinDuration(t, time.Now(), rec.LastUpdatedAt, time.Minute)

	all, err := repo.ListTargets()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFindByUsername_IsCaseInsensitive(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	require.NoError(t, repo.UpsertTargets([]*domain.TargetRecord{
		domain.NewTargetRecord(domain.Target{ID: 5, Title: "Alice", Kind: domain.KindUser, Username: "Alice_W"}),
	}))

	rec, err := repo.FindByUsername("@alice_w")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(5), rec.TargetID)

	rec, err = repo.FindByUsername("bob")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRunHistory(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	started := time.Now().Add(-time.Minute)
	target := domain.Target{ID: 1, Title: "One"}
	first := domain.NewRunID()
	second := domain.NewRunID()

	require.NoError(t, repo.SaveRuns([]*domain.RunRecord{
		domain.NewRunRecord(first, target, domain.MessageSummary{Processed: 3, MediaDone: 2}, started, nil),
		domain.NewRunRecord(first, domain.Target{ID: 2}, domain.MessageSummary{Failed: 1}, started, errors.New("fetch failed")),
	}))
	require.NoError(t, repo.SaveRuns([]*domain.RunRecord{
		domain.NewRunRecord(second, target, domain.MessageSummary{Processed: 4, Skipped: 3}, started, nil),
	}))

	recent, err := repo.RecentRuns(2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
	assert.Equal(t, second, recent[0].RunID)

	stats, err := repo.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Runs)
	assert.Equal(t, int64(7), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(2), stats.MediaDone)
}
