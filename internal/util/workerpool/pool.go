package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrPoolStopped is passed to Done for a queued task the pool stopped before running
var ErrPoolStopped = errors.New("worker pool stopped")

// Task is a unit of work. Done, when set, receives the task result on the worker goroutine.
type Task struct {
	ID   string
	Fn   func(context.Context) error
	Done func(error)

	ctx context.Context
}

// WorkerPool runs tasks on a fixed number of goroutines fed by a bounded queue
type WorkerPool struct {
	name       string
	maxWorkers int
	taskQueue  chan Task
	logger     *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
	// submitMu lets Stop wait out submits racing the close of stopChan
	submitMu sync.RWMutex
	stopped  bool

	activeWorkers  atomic.Int32
	totalTasks     atomic.Uint64
	completedTasks atomic.Uint64
	failedTasks    atomic.Uint64
	rejectedTasks  atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// NewWorkerPool starts the workers
func NewWorkerPool(cfg Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker()
	}

	pool.logger.Info("Worker pool started",
		zap.String("name", pool.name),
		zap.Int("max_workers", pool.maxWorkers),
		zap.Int("queue_size", cfg.QueueSize))

	return pool
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.taskQueue:
			p.execute(task)
		}
	}
}

func (p *WorkerPool) execute(task Task) {
	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)

	start := time.Now()
	err := p.safeExecute(task)

	if err != nil {
		p.failedTasks.Add(1)
		p.logger.Debug("Task failed",
			zap.String("pool", p.name),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	} else {
		p.completedTasks.Add(1)
	}

	if task.Done != nil {
		task.Done(err)
	}
}

func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()

	if err := task.ctx.Err(); err != nil {
		return err
	}
	return task.Fn(task.ctx)
}

// Submit queues a task, blocking while the queue is full. The task runs
// with ctx; a task whose ctx is done before it starts fails with ctx.Err().
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	task.ctx = ctx

	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.stopped {
		p.rejectedTasks.Add(1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	}

	select {
	case <-p.stopChan:
		p.rejectedTasks.Add(1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	case <-ctx.Done():
		p.rejectedTasks.Add(1)
		return ctx.Err()
	case p.taskQueue <- task:
		p.totalTasks.Add(1)
		return nil
	}
}

// Stop waits up to timeout for the workers to finish their current task.
// Queued tasks that did not start are completed with ErrPoolStopped.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopChan)

		p.submitMu.Lock()
		p.stopped = true
		p.submitMu.Unlock()
		p.drain()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
		}
	})
	return err
}

// drain fails every task still queued. Workers may take some concurrently,
// each task is received once either way.
func (p *WorkerPool) drain() {
	for {
		select {
		case task := <-p.taskQueue:
			p.failedTasks.Add(1)
			p.logger.Debug("Dropping queued task",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID))
			if task.Done != nil {
				task.Done(ErrPoolStopped)
			}
		default:
			return
		}
	}
}

// Stats is a snapshot of the pool counters
type Stats struct {
	Name           string `json:"name"`
	MaxWorkers     int    `json:"max_workers"`
	ActiveWorkers  int    `json:"active_workers"`
	QueuedTasks    int    `json:"queued_tasks"`
	TotalTasks     uint64 `json:"total_tasks"`
	CompletedTasks uint64 `json:"completed_tasks"`
	FailedTasks    uint64 `json:"failed_tasks"`
	RejectedTasks  uint64 `json:"rejected_tasks"`
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(p.activeWorkers.Load()),
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     p.totalTasks.Load(),
		CompletedTasks: p.completedTasks.Load(),
		FailedTasks:    p.failedTasks.Load(),
		RejectedTasks:  p.rejectedTasks.Load(),
	}
}
