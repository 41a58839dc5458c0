package dispatch

import (
	"go.uber.org/zap"

	"github.com/yourusername/tg-vault-export/internal/domain"
)

// Dispatcher bundles the I/O pool, the CPU pool and the download ceiling
type Dispatcher struct {
	IO        *Pool
	CPU       *Pool
	Downloads *Limiter

	// Tasks bounds the media tasks between submission and completion: the
	// downloads in flight plus the files being or waiting to be optimized.
	Tasks *Limiter
}

// New builds the pools from the process-wide worker configuration.
// The I/O queue holds one job per worker; the CPU queue is bounded by
// CPUQueueSize so callers block once that many files wait for optimization.
func New(cfg domain.WorkerPoolConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		IO:        NewPool("io", cfg.IOConcurrency, cfg.IOConcurrency, logger),
		CPU:       NewPool("cpu", cfg.ProcessConcurrency, cfg.CPUQueueSize, logger),
		Downloads: NewLimiter(cfg.DownloadConcurrency),
		Tasks:     NewLimiter(cfg.DownloadConcurrency + cfg.ProcessConcurrency + cfg.CPUQueueSize),
	}
}

// Close drains the I/O pool first, since finished downloads feed the CPU pool
func (d *Dispatcher) Close() {
	d.IO.Close()
	d.CPU.Close()
}
