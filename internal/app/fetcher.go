package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yourusername/tg-vault-export/internal/domain"
)

// baseBackoff is the first retry wait when the platform gives no hint
const baseBackoff = time.Second

// Fetcher pulls message history in batches, spacing requests with a shared
// limiter so every target of a run stays under one request rate.
type Fetcher struct {
	platform domain.Platform
	limiter  *rate.Limiter
	config   domain.ExportConfig
	logger   *zap.Logger

	// sleep waits between retries; tests replace it
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a fetcher. A RequestDelay of zero disables spacing.
func NewFetcher(platform domain.Platform, config domain.ExportConfig, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if config.RequestDelay > 0 {
		limit = rate.Every(config.RequestDelay)
	}
	return &Fetcher{
		platform: platform,
		limiter:  rate.NewLimiter(limit, 1),
		config:   config,
		logger:   logger,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BatchIterator walks a target's history oldest first. It is not safe for
// concurrent use.
type BatchIterator struct {
	fetcher   *Fetcher
	target    domain.Target
	batchSize int
	cursor    int64
	done      bool
	batches   int
}

// Fetch returns an iterator over messages with ids greater than sinceID
func (f *Fetcher) Fetch(ctx context.Context, target domain.Target, batchSize int, sinceID int64) *BatchIterator {
	if batchSize < 1 {
		batchSize = 1
	}
	return &BatchIterator{
		fetcher:   f,
		target:    target,
		batchSize: batchSize,
		cursor:    sinceID,
	}
}

// Batches returns the number of batches fetched so far
func (it *BatchIterator) Batches() int {
	return it.batches
}

// Next returns the next non-empty batch of regular messages in ascending id
// order, or io.EOF when the history is exhausted. Errors other than context
// cancellation wrap domain.ErrFetchFailed and end the iteration.
func (it *BatchIterator) Next(ctx context.Context) ([]domain.MessageRecord, error) {
	for !it.done {
		raw, err := it.fetcher.fetchBatch(ctx, it.target, it.cursor, it.batchSize)
		if err != nil {
			it.done = true
			return nil, err
		}
		if len(raw) == 0 {
			it.done = true
			break
		}
		it.batches++

		messages := make([]domain.MessageRecord, 0, len(raw))
		for _, m := range raw {
			if m.MessageID > it.cursor {
				it.cursor = m.MessageID
			}
			if !m.Service {
				messages = append(messages, m)
			}
		}
		if len(messages) > 0 {
			return messages, nil
		}
	}
	return nil, io.EOF
}

// fetchBatch asks for one batch, retrying flood-control signals and
// transient failures
func (f *Fetcher) fetchBatch(ctx context.Context, target domain.Target, afterID int64, limit int) ([]domain.MessageRecord, error) {
	rateLimited, transient := 0, 0

	for attempt := 0; ; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		messages, err := f.platform.History(ctx, target, afterID, limit)
		if err == nil {
			return messages, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var wait time.Duration
		switch {
		case domain.IsRateLimited(err):
			if rateLimited >= f.config.RateLimitRetries {
				return nil, fmt.Errorf("%w: %s after %d retries: %v", domain.ErrFetchFailed, target.DisplayName(), rateLimited, err)
			}
			rateLimited++
			signaled, _ := domain.RetryAfter(err)
			wait = max(signaled, backoff(attempt))
		case domain.IsTransient(err):
			if transient >= 1 {
				return nil, fmt.Errorf("%w: %s: %v", domain.ErrFetchFailed, target.DisplayName(), err)
			}
			transient++
			wait = backoff(attempt)
		default:
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrFetchFailed, target.DisplayName(), err)
		}

		if f.config.MaxRateLimitWait > 0 {
			wait = min(wait, f.config.MaxRateLimitWait)
		}
		f.logger.Warn("History request throttled, retrying",
			zap.Int64("target_id", target.ID),
			zap.Int64("after_id", afterID),
			zap.Duration("wait", wait),
			zap.Error(err))

		if err := f.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// backoff doubles from baseBackoff with each attempt
func backoff(attempt int) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	return baseBackoff << attempt
}
