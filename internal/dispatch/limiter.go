package dispatch

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter caps how many callers run a section at once, independent of the
// pool the callers run on.
type Limiter struct {
	sem     *semaphore.Weighted
	size    int64
	running atomic.Int64
	peak    atomic.Int64
}

// NewLimiter creates a limiter admitting n concurrent callers
func NewLimiter(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n)), size: int64(n)}
}

// Do runs fn once a slot is free
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// Acquire blocks until a slot is free or ctx ends. Every successful Acquire
// must be paired with a Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	n := l.running.Add(1)
	for {
		peak := l.peak.Load()
		if n <= peak || l.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return nil
}

// Release frees a slot taken by Acquire
func (l *Limiter) Release() {
	l.running.Add(-1)
	l.sem.Release(1)
}

// Size returns the ceiling
func (l *Limiter) Size() int {
	return int(l.size)
}

// Peak returns the highest concurrency observed so far
func (l *Limiter) Peak() int {
	return int(l.peak.Load())
}

// Running returns how many slots are currently taken
func (l *Limiter) Running() int {
	return int(l.running.Load())
}
