// Package dispatch provides the bounded worker pools media work runs on.
//
// Work is handed over by value: a Job closes over a path and a profile, and
// its outcome comes back on a completion channel. Pools never share state
// with each other.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Submit after Close
var ErrPoolClosed = errors.New("pool closed")

// Job is a unit of work. It returns the path it produced.
type Job func(ctx context.Context) (string, error)

// Result is the completion notification of a Job
type Result struct {
	Path string
	Err  error
}

type request struct {
	ctx  context.Context
	job  Job
	done chan Result
}

// Pool runs jobs on a fixed number of workers fed by a bounded queue.
// Submit blocks while the queue is full.
type Pool struct {
	name    string
	jobs    chan request
	logger  *zap.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	active  atomic.Int64
	workers int
}

// NewPool starts workers goroutines draining a queue of queueSize jobs
func NewPool(name string, workers, queueSize int, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		name:    name,
		jobs:    make(chan request, queueSize),
		logger:  logger.With(zap.String("pool", name)),
		workers: workers,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

// Submit queues a job and returns the channel its Result is delivered on.
// The channel receives exactly one value.
func (p *Pool) Submit(ctx context.Context, job Job) (<-chan Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	req := request{ctx: ctx, job: job, done: make(chan Result, 1)}
	select {
	case p.jobs <- req:
		return req.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run submits a job and waits for its result
func (p *Pool) Run(ctx context.Context, job Job) (string, error) {
	done, err := p.Submit(ctx, job)
	if err != nil {
		return "", err
	}
	res := <-done
	return res.Path, res.Err
}

func (p *Pool) work() {
	defer p.wg.Done()
	for req := range p.jobs {
		if err := req.ctx.Err(); err != nil {
			req.done <- Result{Err: err}
			continue
		}
		p.active.Add(1)
		req.done <- p.execute(req)
		p.active.Add(-1)
	}
}

func (p *Pool) execute(req request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Job panicked", zap.Any("panic", r))
			res = Result{Err: fmt.Errorf("%s pool: job panicked: %v", p.name, r)}
		}
	}()
	path, err := req.job(req.ctx)
	return Result{Path: path, Err: err}
}

// Close stops accepting jobs and waits until queued and running jobs finish
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("Pool drained")
}

// Active returns the number of jobs currently running
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Queued returns the number of jobs waiting for a worker
func (p *Pool) Queued() int {
	return len(p.jobs)
}

// Workers returns the pool size
func (p *Pool) Workers() int {
	return p.workers
}
