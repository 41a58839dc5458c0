package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/tg-vault-export/internal/domain"
)

func TestPool_RunsJobsAndReturnsResults(t *testing.T) {
	p := NewPool("test", 2, 4, nil)
	defer p.Close()

	path, err := p.Run(context.Background(), func(ctx context.Context) (string, error) {
		return "/out/file.jpg", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "/out/file.jpg", path)

	_, err = p.Run(context.Background(), func(ctx context.Context) (string, error) {
		return "", errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
}

func TestPool_NeverExceedsWorkerCount(t *testing.T) {
	const workers = 3
	p := NewPool("test", workers, 10, nil)

	var running, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		done, err := p.Submit(context.Background(), func(ctx context.Context) (string, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return "", nil
		})
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-done
		}()
	}
	wg.Wait()
	p.Close()

	assert.LessOrEqual(t, peak.Load(), int64(workers))
	assert.Greater(t, peak.Load(), int64(0))
}

func TestPool_SubmitBlocksWhenQueueIsFull(t *testing.T) {
	p := NewPool("cpu", 1, 1, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	blocker := func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "", nil
	}
	_, err := p.Submit(context.Background(), blocker)
	require.NoError(t, err)
	<-started

	// fills the single queue slot
	_, err = p.Submit(context.Background(), func(ctx context.Context) (string, error) { return "", nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Submit(ctx, func(ctx context.Context) (string, error) { return "", nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	p.Close()
}

func TestPool_CloseDrainsQueuedJobs(t *testing.T) {
	p := NewPool("io", 1, 5, nil)

	var completed atomic.Int64
	var results []<-chan Result
	for i := 0; i < 5; i++ {
		done, err := p.Submit(context.Background(), func(ctx context.Context) (string, error) {
			time.Sleep(2 * time.Millisecond)
			completed.Add(1)
			return "", nil
		})
		require.NoError(t, err)
		results = append(results, done)
	}

	p.Close()
	assert.Equal(t, int64(5), completed.Load())
	for _, r := range results {
		assert.NoError(t, (<-r).Err)
	}

	_, err := p.Submit(context.Background(), func(ctx context.Context) (string, error) { return "", nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_SkipsJobsWhoseContextEnded(t *testing.T) {
	p := NewPool("io", 1, 2, nil)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	_, err := p.Submit(context.Background(), func(ctx context.Context) (string, error) {
		<-release
		return "", nil
	})
	require.NoError(t, err)

	var ran atomic.Bool
	done, err := p.Submit(ctx, func(ctx context.Context) (string, error) {
		ran.Store(true)
		return "", nil
	})
	require.NoError(t, err)

	cancel()
	close(release)

	res := <-done
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.False(t, ran.Load())
}

func TestPool_RecoversFromPanics(t *testing.T) {
	p := NewPool("cpu", 1, 1, nil)
	defer p.Close()

	_, err := p.Run(context.Background(), func(ctx context.Context) (string, error) {
		panic("decoder exploded")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoder exploded")

	path, err := p.Run(context.Background(), func(ctx context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", path)
}

func TestLimiter_CapsConcurrency(t *testing.T) {
	const k = 2
	l := NewLimiter(k)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func() error {
				time.Sleep(3 * time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, l.Peak(), k)
	assert.Equal(t, k, l.Size())
}

func TestLimiter_HonorsContext(t *testing.T) {
	l := NewLimiter(1)
	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), func() error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Do(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(hold)
}

func TestLimiter_AcquireRelease(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.Acquire(context.Background()))
	assert.Equal(t, 1, l.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)

	l.Release()
	assert.Equal(t, 0, l.Running())
	require.NoError(t, l.Acquire(context.Background()))
	l.Release()
	assert.Equal(t, 1, l.Peak())
}

func TestNewDispatcher(t *testing.T) {
	d := New(domain.WorkerPoolConfig{IOConcurrency: 4, ProcessConcurrency: 2, DownloadConcurrency: 3, CPUQueueSize: 6}, nil)
	defer d.Close()

	assert.Equal(t, 4, d.IO.Workers())
	assert.Equal(t, 2, d.CPU.Workers())
	assert.Equal(t, 3, d.Downloads.Size())
	assert.Equal(t, 11, d.Tasks.Size())
}
