package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/yourusername/tg-vault-export/internal/dispatch"
	"github.com/yourusername/tg-vault-export/internal/domain"
	"github.com/yourusername/tg-vault-export/internal/infrastructure"
)

// downloadRetries is the number of extra attempts after a transient failure
const downloadRetries = 1

// TaskResult is the terminal state of one media task
type TaskResult struct {
	Task    domain.MediaTask
	Path    string // placed file, empty when the task failed
	Err     error
	Warning error // set when the original was kept because optimization failed
}

// OK reports whether the attachment was placed
func (r TaskResult) OK() bool {
	return r.Err == nil && r.Path != ""
}

// Batch tracks the media tasks of one message
type Batch struct {
	results []TaskResult
	wg      sync.WaitGroup
}

// Wait blocks until every task of the message is terminal
func (b *Batch) Wait() []TaskResult {
	b.wg.Wait()
	return b.results
}

// Len returns the number of tasks in the batch
func (b *Batch) Len() int {
	return len(b.results)
}

// MediaPipeline downloads attachments through the I/O pool and optimizes
// them through the CPU pool
type MediaPipeline struct {
	platform   domain.Platform
	optimizer  domain.Optimizer
	dispatcher *dispatch.Dispatcher
	layout     MediaLayout
	media      domain.MediaConfig
	accel      domain.HWAccel
	optimize   bool
	logger     *zap.Logger
	retryDelay time.Duration

	mu     sync.Mutex
	claims map[string]string // claim key -> task id
}

// NewMediaPipeline creates a pipeline. accel is the accelerator resolved by
// the startup probe.
func NewMediaPipeline(
	platform domain.Platform,
	optimizer domain.Optimizer,
	dispatcher *dispatch.Dispatcher,
	export domain.ExportConfig,
	media domain.MediaConfig,
	accel domain.HWAccel,
	logger *zap.Logger,
) *MediaPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaPipeline{
		platform:   platform,
		optimizer:  optimizer,
		dispatcher: dispatcher,
		layout:     MediaLayout{Subdir: export.MediaSubdir, EntityFolders: export.EntityFolders},
		media:      media,
		accel:      accel,
		optimize:   export.Optimize,
		logger:     logger,
		retryDelay: 2 * time.Second,
		claims:     make(map[string]string),
	}
}

// Start creates a task for every attachment of msg and runs them in the
// background. It blocks while the dispatcher already holds as many unfinished
// tasks as it admits.
func (p *MediaPipeline) Start(ctx context.Context, target domain.Target, msg domain.MessageRecord) *Batch {
	batch := &Batch{results: make([]TaskResult, len(msg.Media))}

	for i, ref := range msg.Media {
		profile := domain.ProfileFor(ref.Kind, p.media, p.accel, p.optimize)
		paths := p.layout.Paths(target, msg.MessageID, ref, profile)
		task := domain.NewMediaTask(target.ID, msg.MessageID, ref, paths.Final, profile)

		if err := p.dispatcher.Tasks.Acquire(ctx); err != nil {
			task.MarkFailed(err)
			batch.results[i] = TaskResult{Task: *task, Err: err}
			continue
		}

		batch.wg.Add(1)
		go func(i int, task *domain.MediaTask, paths mediaPaths) {
			defer batch.wg.Done()
			defer p.dispatcher.Tasks.Release()
			path, warning, err := p.run(ctx, target, task, paths)
			if err != nil && !task.IsTerminal() {
				task.MarkFailed(err)
				p.logger.Warn("Media task failed",
					zap.String("task_id", task.ID),
					zap.Int64("message_id", task.MessageID),
					zap.Error(err))
			}
			batch.results[i] = TaskResult{Task: *task, Path: path, Err: err, Warning: warning}
		}(i, task, paths)
	}

	if len(msg.Media) > 0 {
		p.logger.Debug("Media submitted",
			zap.Int64("message_id", msg.MessageID),
			zap.Int("tasks", len(msg.Media)),
			zap.Int("io_active", p.dispatcher.IO.Active()),
			zap.Int("cpu_queued", p.dispatcher.CPU.Queued()))
	}
	return batch
}

// claim reserves an output location for a task
func (p *MediaPipeline) claim(key, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if owner, ok := p.claims[key]; ok && owner != taskID {
		return fmt.Errorf("%w: %s", domain.ErrPathClaimed, key)
	}
	p.claims[key] = taskID
	return nil
}

func (p *MediaPipeline) release(key string) {
	p.mu.Lock()
	delete(p.claims, key)
	p.mu.Unlock()
}

// run drives one task through its state machine and returns the placed path
func (p *MediaPipeline) run(ctx context.Context, target domain.Target, task *domain.MediaTask, paths mediaPaths) (string, error, error) {
	if err := p.claim(paths.Claim, task.ID); err != nil {
		return "", nil, err
	}
	defer p.release(paths.Claim)

	log := p.logger.With(
		zap.String("task_id", task.ID),
		zap.Int64("target_id", task.TargetID),
		zap.Int64("message_id", task.MessageID),
		zap.String("kind", string(task.Source.Kind)))

	if err := task.MarkDownloading(); err != nil {
		return "", nil, err
	}

	// a file from an earlier run is reused as is
	for _, existing := range []string{paths.Final, paths.Original} {
		if infrastructure.FileExists(existing) {
			if err := task.MarkDownloaded(existing); err != nil {
				return "", nil, err
			}
			if err := task.MarkDone(existing); err != nil {
				return "", nil, err
			}
			log.Debug("Reusing existing media file", zap.String("path", existing))
			return existing, nil, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(paths.Raw), 0755); err != nil {
		return "", nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	if err := p.download(ctx, target, task, paths.Raw, log); err != nil {
		os.Remove(paths.Raw)
		return "", nil, err
	}
	if err := task.MarkDownloaded(paths.Raw); err != nil {
		return "", nil, err
	}

	if task.Profile.IsPassthrough() {
		if err := infrastructure.MoveFile(paths.Raw, paths.Original); err != nil {
			return "", nil, err
		}
		if err := task.MarkDone(paths.Original); err != nil {
			return "", nil, err
		}
		p.logPlaced(log, paths.Original)
		return paths.Original, nil, nil
	}

	if err := task.MarkOptimizing(); err != nil {
		return "", nil, err
	}
	_, optErr := p.dispatcher.CPU.Run(ctx, func(ctx context.Context) (string, error) {
		return paths.Final, p.optimizer.Optimize(ctx, paths.Raw, paths.Final, task.Profile)
	})
	if optErr == nil {
		os.Remove(paths.Raw)
		if err := task.MarkDone(paths.Final); err != nil {
			return "", nil, err
		}
		p.logPlaced(log, paths.Final)
		return paths.Final, nil, nil
	}

	if ctx.Err() != nil {
		os.Remove(paths.Raw)
		return "", nil, ctx.Err()
	}

	// keep the original under its own extension
	warning := &domain.MediaOptimizeError{Original: paths.Raw, Err: optErr}
	if err := infrastructure.MoveFile(paths.Raw, paths.Original); err != nil {
		os.Remove(paths.Raw)
		return "", nil, fmt.Errorf("%w (keeping original failed: %v)", warning, err)
	}
	if err := task.MarkDone(paths.Original); err != nil {
		return "", nil, err
	}
	log.Warn("Optimization failed, kept original", zap.String("path", paths.Original), zap.Error(optErr))
	return paths.Original, warning, nil
}

// download runs the transfer on the I/O pool under the download ceiling,
// retrying transient failures once
func (p *MediaPipeline) download(ctx context.Context, target domain.Target, task *domain.MediaTask, dest string, log *zap.Logger) error {
	for {
		_, err := p.dispatcher.IO.Run(ctx, func(ctx context.Context) (string, error) {
			return dest, p.dispatcher.Downloads.Do(ctx, func() error {
				return p.platform.Download(ctx, target, task.MessageID, task.Source, dest)
			})
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !domain.IsTransient(err) || !task.CanRetry(downloadRetries) {
			return fmt.Errorf("download failed after %d attempt(s): %w", task.Attempts, err)
		}

		log.Warn("Download attempt failed, retrying", zap.Int("attempt", task.Attempts), zap.Error(err))
		task.IncrementAttempt()
		if err := sleepContext(ctx, p.retryDelay); err != nil {
			return err
		}
	}
}

func (p *MediaPipeline) logPlaced(log *zap.Logger, path string) {
	fields := []zap.Field{zap.String("path", path)}
	if info, err := os.Stat(path); err == nil {
		fields = append(fields, zap.String("size", humanize.Bytes(uint64(info.Size()))))
	}
	log.Debug("Media placed", fields...)
}

// countResults tallies placed and failed attachments
func countResults(results []TaskResult) (done, failed int, errs []string) {
	for _, r := range results {
		switch {
		case r.OK():
			done++
			if r.Warning != nil {
				errs = append(errs, r.Warning.Error())
			}
		default:
			failed++
			if r.Err != nil {
				errs = append(errs, r.Err.Error())
			}
		}
	}
	return done, failed, errs
}
