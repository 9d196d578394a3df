// Package concurrency provides a thin pond wrapper with logging and
// bounded, optionally non-blocking submission.
package concurrency

import (
	"fmt"
	"time"

	"exchange_simulator/internal/core"

	"github.com/alitto/pond"
)

// PoolConfig sizes a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool // Submit returns an error instead of blocking when full
}

// WorkerPool dispatches tasks onto a bounded pond pool. Panics in tasks
// are recovered and logged instead of taking the process down.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
}

// NewWorkerPool builds a pool, filling in conservative defaults for any
// unset size.
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	logger = logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)
	return &WorkerPool{
		pool: pond.New(
			cfg.MaxWorkers,
			cfg.MaxCapacity,
			pond.MinWorkers(1),
			pond.IdleTimeout(cfg.IdleTimeout),
			pond.Strategy(pond.Balanced()),
			pond.PanicHandler(func(p interface{}) {
				logger.Error("task panic recovered", "panic", p)
			}),
		),
		config: cfg,
		logger: logger,
	}
}

// Submit hands a task to the pool. In non-blocking mode a full queue is
// reported as an error so the caller can shed the task.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("pool %q full (capacity %d)", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}
	wp.pool.Submit(task)
	return nil
}

// Waiting reports the number of queued tasks not yet picked up
func (wp *WorkerPool) Waiting() uint64 {
	return wp.pool.WaitingTasks()
}

// Stop drains queued tasks and stops the workers
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}
