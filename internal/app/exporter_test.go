package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/tg-vault-export/internal/domain"
	"github.com/yourusername/tg-vault-export/internal/infrastructure"
)

type exporterFixture struct {
	platform *mockPlatform
	notes    *mockNoteWriter
	cache    domain.CacheStore
	runs     *mockRunRepo
	notifier *mockNotifier
	config   *domain.Config

	markdown bool // write real notes instead of recording them
}

type mockNotifier struct {
	mu        sync.Mutex
	failed    []string
	completed int
}

func (m *mockNotifier) NotifyTargetFailed(ctx context.Context, target string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, target)
}

func (m *mockNotifier) NotifyRunCompleted(ctx context.Context, targets int, summary domain.MessageSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

func newExporterFixture(t *testing.T) *exporterFixture {
	t.Helper()
	cfg := domain.DefaultConfig()
	cfg.Export.Root = t.TempDir()
	cfg.Export.RequestDelay = 0
	cfg.Export.BatchSize = 2

	platform := newMockPlatform()
	platform.peers = []domain.Peer{
		{ID: -1001, Title: "Go News", Kind: domain.KindChannel, Username: "gonews"},
		{ID: -1002, Title: "Rust News", Kind: domain.KindChannel, Username: "rustnews"},
	}
	return &exporterFixture{
		platform: platform,
		notes:    newMockNoteWriter(),
		cache:    newMemCache(),
		runs:     &mockRunRepo{},
		notifier: &mockNotifier{},
		config:   cfg,
	}
}

func (f *exporterFixture) exporter(t *testing.T) *Exporter {
	t.Helper()
	resolver := NewResolver(f.platform, newMockTargetRepo(), nil, f.config, nil)
	fetcher := NewFetcher(f.platform, f.config.Export, nil)

	var pipeline *MediaPipeline
	if f.config.Export.MediaDownload {
		pipeline = NewMediaPipeline(f.platform, &mockOptimizer{}, newTestDispatcher(t, 2), f.config.Export, f.config.Media, domain.HWAccelNone, nil)
		pipeline.retryDelay = 0
	}
	var notes domain.NoteWriter = f.notes
	if f.markdown {
		notes = infrastructure.NewMarkdownNoteWriter(nil)
	}
	return NewExporter(resolver, fetcher, pipeline, notes, f.cache, f.runs, f.notifier, f.config.Export, nil, nil)
}

func TestExporter_MediaDisabledWritesNotesOnly(t *testing.T) {
	f := newExporterFixture(t)
	f.config.Export.MediaDownload = false
	f.platform.addMessages(-1001,
		message(1, "first", photo("a")),
		message(2, "second"),
		message(3, "third", photo("b")),
	)

	report, err := f.exporter(t).Run(context.Background(), []string{"@gonews"})
	require.NoError(t, err)

	assert.Equal(t, 0, report.MediaTasks())
	assert.Equal(t, 3, report.Total().Processed)
	assert.Equal(t, []int64{1, 2, 3}, f.notes.written())
	assert.Equal(t, 3, f.cache.(*memCache).records)

	downloads, _ := f.platform.stats()
	assert.Equal(t, 0, downloads)
}

func TestExporter_WritesNotesWithMedia(t *testing.T) {
	f := newExporterFixture(t)
	f.platform.addMessages(-1001,
		message(1, "photo", photo("a"), photo("b")),
		message(2, "text"),
	)

	report, err := f.exporter(t).Run(context.Background(), []string{"gonews"})
	require.NoError(t, err)
	require.Len(t, report.Targets, 1)

	tr := report.Targets[0]
	assert.Equal(t, 2, tr.MediaTasks)
	assert.Equal(t, 2, tr.Summary.MediaDone)
	assert.Len(t, f.notes.media[1], 2)

	outcome, ok := f.cache.(*memCache).Outcome(-1001, 1)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeDone, outcome.Status)
	assert.Equal(t, "https://t.me/gonews/1", outcome.URL)
	for _, p := range outcome.MediaPaths {
		assert.FileExists(t, p)
		assert.Equal(t, filepath.Join(f.config.Export.Root, "Go News", "_media", "images"), filepath.Dir(p))
	}

	require.Len(t, f.runs.runs, 1)
	assert.Equal(t, report.RunID, f.runs.runs[0].RunID)
	assert.Equal(t, 1, f.notifier.completed)
}

func TestExporter_OnlyNewNeverResubmits(t *testing.T) {
	f := newExporterFixture(t)
	f.platform.addMessages(-1001, message(1, "a", photo("a")), message(2, "b"), message(3, "c", photo("c")))

	first, err := f.exporter(t).Run(context.Background(), []string{"gonews"})
	require.NoError(t, err)
	assert.Equal(t, 2, first.MediaTasks())

	f.platform.addMessages(-1001, message(4, "d", photo("d")))
	second, err := f.exporter(t).Run(context.Background(), []string{"gonews"})
	require.NoError(t, err)

	assert.Equal(t, 1, second.MediaTasks())
	assert.Equal(t, 1, second.Total().Processed)
	assert.Equal(t, []int64{1, 2, 3, 4}, f.notes.written())
}

func TestExporter_SecondRunIsIdempotent(t *testing.T) {
	f := newExporterFixture(t)
	f.platform.addMessages(-1001, message(1, "a", photo("a")), message(2, "b", photo("b")))

	_, err := f.exporter(t).Run(context.Background(), []string{"gonews"})
	require.NoError(t, err)

	second, err := f.exporter(t).Run(context.Background(), []string{"gonews"})
	require.NoError(t, err)
	assert.Equal(t, 0, second.MediaTasks())
	assert.Equal(t, 0, second.Total().Processed)
	assert.Len(t, f.notes.written(), 2)
}

func TestExporter_FullRunSkipsProcessedMessages(t *testing.T) {
	f := newExporterFixture(t)
	f.config.Export.OnlyNew = false
	f.platform.addMessages(-1001, message(1, "a"), message(2, "b"), message(3, "c"))

	_, err := f.exporter(t).Run(context.Background(), []string{"gonews"})
	require.NoError(t, err)

	second, err := f.exporter(t).Run(context.Background(), []string{"gonews"})
	require.NoError(t, err)
	assert.Equal(t, 3, second.Total().Skipped)
	assert.Len(t, f.notes.written(), 3)
}

func TestExporter_TruncatedCacheReprocessesEverything(t *testing.T) {
	f := newExporterFixture(t)
	cachePath := filepath.Join(t.TempDir(), "cache.json")
	store := infrastructure.NewJSONCacheStore(cachePath, 1, nil)
	require.NoError(t, store.Load())
	f.cache = store
	f.platform.addMessages(-1001, message(1, "a"), message(2, "b"), message(3, "c"))

	_, err := f.exporter(t).Run(context.Background(), []string{"gonews"})
	require.NoError(t, err)

	data, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cachePath, data[:len(data)/2], 0644))

	reloaded := infrastructure.NewJSONCacheStore(cachePath, 1, nil)
	assert.ErrorIs(t, reloaded.Load(), domain.ErrCorruptCache)
	f.cache = reloaded

	report, err := f.exporter(t).Run(context.Background(), []string{"gonews"})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total().Processed)
	assert.Equal(t, []int64{1, 2, 3, 1, 2, 3}, f.notes.written())
}

func TestExporter_AllTargetsUnresolved(t *testing.T) {
	f := newExporterFixture(t)

	report, err := f.exporter(t).Run(context.Background(), []string{"@missing_one", "@missing_two"})
	assert.ErrorIs(t, err, domain.ErrAllTargetsUnresolved)
	assert.Len(t, report.Failures, 2)
	assert.Len(t, f.notifier.failed, 2)
}

func TestExporter_ContinuesAfterTargetFailure(t *testing.T) {
	f := newExporterFixture(t)
	f.platform.addMessages(-1002, message(1, "rust"))
	f.platform.historyErr = func(call int) error {
		if call == 1 {
			return errors.New("CHANNEL_PRIVATE")
		}
		return nil
	}

	report, err := f.exporter(t).Run(context.Background(), []string{"gonews", "rustnews", "@missing_one"})
	require.NoError(t, err)
	require.Len(t, report.Targets, 2)

	assert.ErrorIs(t, report.Targets[0].Err, domain.ErrFetchFailed)
	assert.NoError(t, report.Targets[1].Err)
	assert.Equal(t, 1, report.Targets[1].Summary.Processed)
	assert.Len(t, report.Failures, 1)
	assert.ElementsMatch(t, []string{"@missing_one", "Go News"}, f.notifier.failed)
}

func TestExporter_PartialAndFailedOutcomes(t *testing.T) {
	f := newExporterFixture(t)
	f.platform.permanentFails["bad"] = true
	f.notes.failOn[2] = true
	f.platform.addMessages(-1001, message(1, "a", photo("ok"), photo("bad")), message(2, "b"))

	report, err := f.exporter(t).Run(context.Background(), []string{"gonews"})
	require.NoError(t, err)

	cache := f.cache.(*memCache)
	partial, _ := cache.Outcome(-1001, 1)
	assert.Equal(t, domain.OutcomePartial, partial.Status)
	assert.Len(t, partial.MediaPaths, 1)
	assert.NotEmpty(t, partial.Errors)

	failed, _ := cache.Outcome(-1001, 2)
	assert.Equal(t, domain.OutcomeFailed, failed.Status)

	total := report.Total()
	assert.Equal(t, 1, total.Processed)
	assert.Equal(t, 1, total.Failed)
	assert.Equal(t, 1, total.MediaFailed)
}

func TestExporter_CancellationRecordsFinishedWorkAndFlushes(t *testing.T) {
	f := newExporterFixture(t)
	f.config.Export.DrainTimeout = 5 * time.Second
	f.platform.downloadDelay = 30 * time.Millisecond
	for id := int64(1); id <= 40; id++ {
		f.platform.addMessages(-1001, message(id, "m", photo("p")))
	}
	cache := f.cache.(*memCache)

	ctx, cancel := context.WithCancel(context.Background())
	exp := f.exporter(t)
	exp.OnProgress(func(target domain.Target, messageID int64, outcome domain.MessageOutcome) {
		if messageID == 3 {
			cancel()
		}
	})

	report, err := exp.Run(ctx, []string{"gonews"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// the batch in flight is finished, nothing after it is fetched
	processed := report.Total().Processed
	assert.GreaterOrEqual(t, processed, 3)
	assert.Less(t, processed, 40)
	assert.Equal(t, processed, cache.records)
	assert.Equal(t, 0, report.Total().MediaFailed)
	assert.GreaterOrEqual(t, cache.flushes, 1)
	assert.Equal(t, 0, f.notifier.completed)
}

func TestExporter_SharedMediaFolderWithoutEntityFolders(t *testing.T) {
	f := newExporterFixture(t)
	f.config.Export.EntityFolders = false
	f.markdown = true
	f.platform.addMessages(-1001, message(1, "", photo("1")))
	f.platform.addMessages(-1002, message(1, "", photo("1")))

	report, err := f.exporter(t).Run(context.Background(), []string{"gonews", "rustnews"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total().MediaDone)

	a, _ := f.cache.(*memCache).Outcome(-1001, 1)
	b, _ := f.cache.(*memCache).Outcome(-1002, 1)
	require.Len(t, a.MediaPaths, 1)
	require.Len(t, b.MediaPaths, 1)
	assert.NotEqual(t, a.MediaPaths[0], b.MediaPaths[0])
	assert.Equal(t, filepath.Dir(a.MediaPaths[0]), filepath.Dir(b.MediaPaths[0]))

	// same date and title in one folder: each chat keeps its own note
	require.NotEqual(t, a.Note, b.Note)
	noteA, err := os.ReadFile(a.Note)
	require.NoError(t, err)
	noteB, err := os.ReadFile(b.Note)
	require.NoError(t, err)
	assert.Contains(t, string(noteA), "target_id: -1001")
	assert.Contains(t, string(noteB), "target_id: -1002")
}

func TestExporter_SameTitleChatsGetSeparateFolders(t *testing.T) {
	f := newExporterFixture(t)
	f.platform.peers[0].Title = "News"
	f.platform.peers[1].Title = "News"
	f.platform.addMessages(-1001, message(7, "from go", photo("7")))
	f.platform.addMessages(-1002, message(7, "from rust", photo("7")))

	report, err := f.exporter(t).Run(context.Background(), []string{"gonews", "rustnews"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total().MediaDone)
	downloads, _ := f.platform.stats()
	assert.Equal(t, 2, downloads, "the second chat must not reuse the first chat's file")

	a, _ := f.cache.(*memCache).Outcome(-1001, 7)
	b, _ := f.cache.(*memCache).Outcome(-1002, 7)
	require.Len(t, a.MediaPaths, 1)
	require.Len(t, b.MediaPaths, 1)
	assert.NotEqual(t, a.MediaPaths[0], b.MediaPaths[0])

	root := f.config.Export.Root
	assert.Equal(t, filepath.Join(root, "News"), report.Targets[0].Target.FolderPath)
	assert.Equal(t, filepath.Join(root, "News_-1002"), report.Targets[1].Target.FolderPath)

	// a later run, listing the chats the other way round, finds the same folders
	resolver := NewResolver(f.platform, newMockTargetRepo(), nil, f.config, nil)
	targets, _, err := resolver.ResolveAll(context.Background(), []string{"rustnews", "gonews"})
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, filepath.Join(root, "News_-1002"), targets[0].FolderPath)
	assert.Equal(t, filepath.Join(root, "News"), targets[1].FolderPath)
}

func TestExporter_ReplyLinksParentNote(t *testing.T) {
	f := newExporterFixture(t)
	reply := message(2, "answer")
	reply.ReplyTo = 1
	orphan := message(3, "reply to something never exported")
	orphan.ReplyTo = 99
	f.platform.addMessages(-1001, message(1, "question"), reply, orphan)

	_, err := f.exporter(t).Run(context.Background(), []string{"gonews"})
	require.NoError(t, err)

	parent, ok := f.cache.(*memCache).Outcome(-1001, 1)
	require.True(t, ok)
	assert.Equal(t, parent.Note, f.notes.replies[2])
	assert.Empty(t, f.notes.replies[3])
}
