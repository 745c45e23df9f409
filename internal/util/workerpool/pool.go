package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work run by the pool.
type Task struct {
	ID string
	Fn func(context.Context) error
}

// WorkerPool runs tasks on a bounded set of goroutines. Close stops intake and waits
// for everything already queued to finish.
type WorkerPool struct {
	name      string
	ctx       context.Context
	taskQueue chan Task
	logger    *zap.Logger
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64

	errMu  sync.Mutex
	errors map[string]error
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// New starts a pool whose tasks run with ctx.
func New(ctx context.Context, cfg Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &WorkerPool{
		name:      cfg.Name,
		ctx:       ctx,
		taskQueue: make(chan Task, cfg.QueueSize),
		logger:    cfg.Logger,
		errors:    make(map[string]error),
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Debug("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.Int("queue_size", cfg.QueueSize))

	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for task := range p.taskQueue {
		p.execute(id, task)
	}
}

func (p *WorkerPool) execute(workerID int, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		p.failed.Add(1)
		p.errMu.Lock()
		p.errors[task.ID] = err
		p.errMu.Unlock()
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
		return
	}

	p.completed.Add(1)
	p.logger.Info("Task completed",
		zap.String("pool", p.name),
		zap.String("task_id", task.ID),
		zap.Duration("duration", duration))
}

func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Fn(p.ctx)
}

// Submit queues a task, blocking while the queue is full.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.rejected.Add(1)
		return fmt.Errorf("worker pool '%s' is closed", p.name)
	}

	select {
	case p.taskQueue <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits until every queued task has run.
func (p *WorkerPool) Close() Stats {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.taskQueue)
	}
	p.mu.Unlock()

	p.wg.Wait()
	return p.Stats()
}

// Errors returns the error of every failed task keyed by task id.
func (p *WorkerPool) Errors() map[string]error {
	p.errMu.Lock()
	defer p.errMu.Unlock()

	out := make(map[string]error, len(p.errors))
	for id, err := range p.errors {
		out[id] = err
	}
	return out
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Active:    int(p.active.Load()),
		Queued:    len(p.taskQueue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name      string
	Active    int
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// SuccessRate returns the task success rate as a percentage
func (s Stats) SuccessRate() float64 {
	if s.Submitted == 0 {
		return 100.0
	}
	return (float64(s.Completed) / float64(s.Submitted)) * 100.0
}
