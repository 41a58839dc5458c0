package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/tg-vault-export/internal/domain"
	"github.com/yourusername/tg-vault-export/pkg/logger"
)

// Notifier is told about failed targets and finished runs
type Notifier interface {
	NotifyTargetFailed(ctx context.Context, target string, err error)
	NotifyRunCompleted(ctx context.Context, targets int, summary domain.MessageSummary)
}

// ProgressFunc is called after every recorded message
type ProgressFunc func(target domain.Target, messageID int64, outcome domain.MessageOutcome)

// TargetReport is the result of exporting one target
type TargetReport struct {
	Target     domain.Target
	Summary    domain.MessageSummary
	MediaTasks int
	Batches    int
	Duration   time.Duration
	Err        error
}

// RunReport is the result of one export run
type RunReport struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	Targets   []TargetReport
	Failures  []ResolveFailure
}

// Total sums the summaries of every target
func (r *RunReport) Total() domain.MessageSummary {
	var total domain.MessageSummary
	for _, t := range r.Targets {
		total.Processed += t.Summary.Processed
		total.Skipped += t.Summary.Skipped
		total.Failed += t.Summary.Failed
		total.MediaDone += t.Summary.MediaDone
		total.MediaFailed += t.Summary.MediaFailed
	}
	return total
}

// MediaTasks returns the number of media tasks created during the run
func (r *RunReport) MediaTasks() int {
	n := 0
	for _, t := range r.Targets {
		n += t.MediaTasks
	}
	return n
}

// Exporter drives a run: it resolves targets, walks their history and turns
// every unprocessed message into a note plus optimized attachments.
type Exporter struct {
	resolver *Resolver
	fetcher  *Fetcher
	pipeline *MediaPipeline
	notes    domain.NoteWriter
	cache    domain.CacheStore
	runs     domain.RunRepository
	notifier Notifier
	config   domain.ExportConfig
	logger   *zap.Logger
	events   *logger.MultiLogger
	progress ProgressFunc
}

// NewExporter creates an exporter. pipeline may be nil when media download
// is off; runs, notifier and events may be nil.
func NewExporter(
	resolver *Resolver,
	fetcher *Fetcher,
	pipeline *MediaPipeline,
	notes domain.NoteWriter,
	cache domain.CacheStore,
	runs domain.RunRepository,
	notifier Notifier,
	config domain.ExportConfig,
	log *zap.Logger,
	events *logger.MultiLogger,
) *Exporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exporter{
		resolver: resolver,
		fetcher:  fetcher,
		pipeline: pipeline,
		notes:    notes,
		cache:    cache,
		runs:     runs,
		notifier: notifier,
		config:   config,
		logger:   log,
		events:   events,
	}
}

// OnProgress registers a callback for recorded messages
func (e *Exporter) OnProgress(fn ProgressFunc) {
	e.progress = fn
}

// Run exports refs, or the interactively chosen targets when refs is empty.
// Per-target failures are reported in the RunReport; the error is reserved
// for the run as a whole: selection failures, ErrAllTargetsUnresolved and
// cancellation.
func (e *Exporter) Run(ctx context.Context, refs []string) (*RunReport, error) {
	report := &RunReport{RunID: domain.NewRunID(), StartedAt: time.Now()}
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	e.logEvent("run_started", zap.String("run_id", report.RunID), zap.Int("references", len(refs)))

	targets, failures, err := e.resolver.ResolveAll(ctx, refs)
	report.Failures = failures
	for _, f := range failures {
		e.logError("Target unresolved", zap.String("reference", f.Reference), zap.Error(f.Err))
		e.notifyTargetFailed(ctx, f.Reference, f.Err)
	}
	if err != nil {
		return report, err
	}
	if len(targets) == 0 {
		if len(failures) > 0 {
			return report, domain.ErrAllTargetsUnresolved
		}
		e.logger.Info("No targets to export")
		return report, nil
	}

	e.logger.Info("Starting export",
		zap.String("run_id", report.RunID),
		zap.Int("targets", len(targets)),
		zap.Bool("only_new", e.config.OnlyNew),
		zap.Bool("media", e.mediaEnabled()))

	reports := make([]TargetReport, len(targets))
	var g errgroup.Group
	g.SetLimit(max(e.config.TargetConcurrency, 1))
	for i, target := range targets {
		g.Go(func() error {
			reports[i] = e.exportTarget(ctx, target)
			return nil
		})
	}
	g.Wait()
	report.Targets = reports

	if err := e.cache.Flush(); err != nil {
		e.logError("Final cache flush failed", zap.Error(err))
	}
	e.saveRuns(report)

	total := report.Total()
	e.logger.Info("Export finished",
		zap.String("run_id", report.RunID),
		zap.Int("processed", total.Processed),
		zap.Int("skipped", total.Skipped),
		zap.Int("failed", total.Failed),
		zap.Int("media_done", total.MediaDone),
		zap.Int("media_failed", total.MediaFailed),
		zap.Duration("duration", time.Since(report.StartedAt)))
	e.logEvent("run_finished", zap.String("run_id", report.RunID), zap.Int("processed", total.Processed))

	if ctx.Err() != nil {
		return report, fmt.Errorf("export interrupted: %w", ctx.Err())
	}
	if e.notifier != nil {
		e.notifier.NotifyRunCompleted(ctx, len(targets), total)
	}
	return report, nil
}

func (e *Exporter) mediaEnabled() bool {
	return e.config.MediaDownload && e.pipeline != nil
}

// exportTarget walks one target's history. Fetching stops as soon as ctx is
// cancelled; messages whose media already started keep going on a context
// that outlives ctx by DrainTimeout.
func (e *Exporter) exportTarget(ctx context.Context, target domain.Target) TargetReport {
	started := time.Now()
	report := TargetReport{Target: target}
	log := e.logger.With(zap.Int64("target_id", target.ID), zap.String("target", target.DisplayName()))

	finish := func(err error) TargetReport {
		report.Err = err
		report.Duration = time.Since(started)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Target export failed", zap.Error(err))
			e.logError("Target export failed", zap.Int64("target_id", target.ID), zap.Error(err))
			e.notifyTargetFailed(ctx, target.DisplayName(), err)
		}
		if err := e.cache.Flush(); err != nil {
			log.Warn("Cache flush failed", zap.Error(err))
		}
		return report
	}

	if e.config.EntityFolders {
		if err := claimFolder(target.FolderPath, target.ID); err != nil {
			return finish(err)
		}
	} else if err := os.MkdirAll(target.FolderPath, 0755); err != nil {
		return finish(fmt.Errorf("failed to create target folder: %w", err))
	}

	watermark := e.cache.Watermark(target.ID)
	var sinceID int64
	if e.config.OnlyNew {
		sinceID = watermark
	}
	log.Info("Exporting target", zap.Int64("since_id", sinceID), zap.Int64("watermark", watermark))

	work, stop := e.drainContext(ctx)
	defer stop()

	it := e.fetcher.Fetch(ctx, target, e.config.BatchSize, sinceID)
	for {
		batch, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			report.Batches = it.Batches()
			if ctx.Err() != nil {
				log.Info("Export interrupted", zap.Int("batches", report.Batches))
				return finish(ctx.Err())
			}
			return finish(err)
		}
		e.processBatch(work, target, batch, watermark, &report, log)
	}
	report.Batches = it.Batches()

	log.Info("Target exported",
		zap.Int("processed", report.Summary.Processed),
		zap.Int("skipped", report.Summary.Skipped),
		zap.Int("failed", report.Summary.Failed),
		zap.Int("media_tasks", report.MediaTasks),
		zap.Duration("duration", time.Since(started)))
	return finish(nil)
}

// processBatch starts the media of every unprocessed message, then writes
// notes and records outcomes in message order
func (e *Exporter) processBatch(ctx context.Context, target domain.Target, batch []domain.MessageRecord, watermark int64, report *TargetReport, log *zap.Logger) {
	type pending struct {
		msg   domain.MessageRecord
		media *Batch
	}

	var todo []pending
	for _, msg := range batch {
		if (e.config.OnlyNew && msg.MessageID <= watermark) || e.cache.Lookup(target.ID, msg.MessageID) == domain.Processed {
			report.Summary.Skipped++
			continue
		}
		p := pending{msg: msg}
		if e.mediaEnabled() && msg.HasMedia() {
			p.media = e.pipeline.Start(ctx, target, msg)
			report.MediaTasks += p.media.Len()
		}
		todo = append(todo, p)
	}

	for _, p := range todo {
		var results []TaskResult
		if p.media != nil {
			results = p.media.Wait()
		}
		if ctx.Err() != nil {
			// drain window closed; leave the message for the next run
			log.Warn("Message abandoned on shutdown", zap.Int64("message_id", p.msg.MessageID))
			continue
		}

		outcome, done, failed := e.finishMessage(ctx, target, p.msg, results)
		if err := e.cache.Record(target, p.msg.MessageID, outcome); err != nil {
			log.Error("Failed to record message", zap.Int64("message_id", p.msg.MessageID), zap.Error(err))
			e.logError("Cache record failed", zap.Int64("target_id", target.ID), zap.Int64("message_id", p.msg.MessageID), zap.Error(err))
		}
		report.Summary.Add(outcome, done, failed)

		e.logEvent("message_exported",
			zap.Int64("target_id", target.ID),
			zap.Int64("message_id", p.msg.MessageID),
			zap.String("status", string(outcome.Status)),
			zap.Int("media_done", done),
			zap.Int("media_failed", failed))
		if e.progress != nil {
			e.progress(target, p.msg.MessageID, outcome)
		}
	}
}

// finishMessage writes the note of a message whose media are terminal
func (e *Exporter) finishMessage(ctx context.Context, target domain.Target, msg domain.MessageRecord, results []TaskResult) (domain.MessageOutcome, int, int) {
	done, failed, errs := countResults(results)

	var paths []string
	for _, r := range results {
		if r.OK() {
			paths = append(paths, r.Path)
		}
	}

	outcome := domain.MessageOutcome{
		Status:      domain.OutcomeDone,
		MediaPaths:  paths,
		ReplyTo:     msg.ReplyTo,
		URL:         target.MessageURL(msg.MessageID),
		Errors:      errs,
		ProcessedAt: time.Now(),
	}
	if failed > 0 {
		outcome.Status = domain.OutcomePartial
	}

	if msg.ReplyTo != 0 {
		if parent, ok := e.cache.Outcome(target.ID, msg.ReplyTo); ok && parent.Status != domain.OutcomeFailed {
			msg.ReplyNote = parent.Note
		}
	}

	note, err := e.notes.WriteNote(ctx, target, msg, paths)
	if err != nil {
		outcome.Status = domain.OutcomeFailed
		outcome.Errors = append(outcome.Errors, err.Error())
		e.logger.Warn("Failed to write note",
			zap.Int64("target_id", target.ID),
			zap.Int64("message_id", msg.MessageID),
			zap.Error(err))
		return outcome, done, failed
	}
	outcome.Note = note
	return outcome, done, failed
}

// drainContext returns a context that ends DrainTimeout after parent does
func (e *Exporter) drainContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	var timer atomic.Pointer[time.Timer]
	stop := context.AfterFunc(parent, func() {
		if e.config.DrainTimeout <= 0 {
			cancel()
			return
		}
		timer.Store(time.AfterFunc(e.config.DrainTimeout, cancel))
	})
	return ctx, func() {
		stop()
		if t := timer.Load(); t != nil {
			t.Stop()
		}
		cancel()
	}
}

func (e *Exporter) saveRuns(report *RunReport) {
	if e.runs == nil || len(report.Targets) == 0 {
		return
	}
	records := make([]*domain.RunRecord, 0, len(report.Targets))
	for _, t := range report.Targets {
		records = append(records, domain.NewRunRecord(report.RunID, t.Target, t.Summary, report.StartedAt, t.Err))
	}
	if err := e.runs.SaveRuns(records); err != nil {
		e.logger.Warn("Failed to save run history", zap.Error(err))
	}
}

func (e *Exporter) notifyTargetFailed(ctx context.Context, target string, err error) {
	if e.notifier != nil {
		e.notifier.NotifyTargetFailed(context.WithoutCancel(ctx), target, err)
	}
}

func (e *Exporter) logEvent(event string, fields ...zap.Field) {
	if e.events != nil {
		e.events.LogExportEvent(event, fields...)
	}
}

func (e *Exporter) logError(msg string, fields ...zap.Field) {
	if e.events != nil {
		e.events.LogAppError(msg, fields...)
	}
}
