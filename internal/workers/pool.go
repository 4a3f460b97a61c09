// Package workers provides a bounded worker pool for parallel data fetches.
// The market data layer fans per-symbol requests out over the pool so the
// provider is never hit with an unbounded number of concurrent calls.
package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work to be processed.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc is a function that can be used as a Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Config configures the worker pool.
type Config struct {
	Name        string        // pool name for logging
	NumWorkers  int           // number of worker goroutines
	QueueSize   int           // size of the task queue
	TaskTimeout time.Duration // per-task timeout, zero for none
}

// DefaultConfig returns defaults sized for outbound HTTP fetches.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		NumWorkers:  5,
		QueueSize:   64,
		TaskTimeout: 30 * time.Second,
	}
}

// Pool manages a fixed set of worker goroutines consuming a task queue.
type Pool struct {
	logger *zap.Logger
	config Config

	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	tasksSubmitted  atomic.Int64
	tasksCompleted  atomic.Int64
	tasksFailed     atomic.Int64
	panicsRecovered atomic.Int64
}

// NewPool creates a pool. Call Start before submitting tasks.
func NewPool(logger *zap.Logger, config Config) *Pool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = DefaultConfig(config.Name).NumWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig(config.Name).QueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger,
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.logger.Debug("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
	)
	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
}

// Stop drains the queue and waits for workers to exit.
func (p *Pool) Stop() {
	if !p.running.Swap(false) {
		return
	}
	close(p.taskQueue)
	p.wg.Wait()
	p.cancel()
}

// Submit queues a task, blocking when the queue is full. Returns an error
// when the pool is stopped.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return fmt.Errorf("worker pool %s is not running", p.config.Name)
	}
	p.tasksSubmitted.Add(1)
	p.taskQueue <- task
	return nil
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	TasksSubmitted  int64 `json:"tasksSubmitted"`
	TasksCompleted  int64 `json:"tasksCompleted"`
	TasksFailed     int64 `json:"tasksFailed"`
	PanicsRecovered int64 `json:"panicsRecovered"`
}

// GetStats returns current counters.
func (p *Pool) GetStats() Stats {
	return Stats{
		TasksSubmitted:  p.tasksSubmitted.Load(),
		TasksCompleted:  p.tasksCompleted.Load(),
		TasksFailed:     p.tasksFailed.Load(),
		PanicsRecovered: p.panicsRecovered.Load(),
	}
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	for task := range p.taskQueue {
		p.execute(id, task)
	}
}

func (p *Pool) execute(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panicsRecovered.Add(1)
			p.tasksFailed.Add(1)
			p.logger.Error("worker panic recovered",
				zap.Int("worker", id),
				zap.Any("panic", r),
			)
		}
	}()

	ctx := p.ctx
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}

	if err := task.Execute(ctx); err != nil {
		p.tasksFailed.Add(1)
		p.logger.Debug("task failed",
			zap.String("pool", p.config.Name),
			zap.Error(err),
		)
		return
	}
	p.tasksCompleted.Add(1)
}
