// Package workerpool provides a bounded worker pool used to fan out
// notification deliveries without stalling the dispatcher's scan loop.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work with an identifier for logging and result matching.
type Task struct {
	ID      string
	Payload interface{}
}

// Result is the outcome of processing one task.
type Result struct {
	TaskID  string
	Success bool
	Error   error
}

// WorkerFunc processes a single task.
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration.
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries (scaled linearly per attempt)
	RetryDelay time.Duration
	// ShutdownTimeout bounds how long Stop waits for in-flight tasks
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for channel delivery fan-out.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       1024,
		MaxRetries:      2,
		RetryDelay:      200 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a fixed set of workers consuming a buffered task queue.
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan chan *Task
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	queueDepth     int64
}

// New creates a new worker pool.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers.
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a task. It fails fast when the pool is stopping or the
// queue is full; the caller decides whether that is fatal.
func (p *Pool) Submit(task *Task) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("pool is shutting down")
	default:
	}

	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		return fmt.Errorf("task queue is full")
	}
}

// Stop drains the queue and waits for in-flight tasks up to ShutdownTimeout.
func (p *Pool) Stop() {
	p.cancel()
	close(p.taskChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.taskChan {
		atomic.AddInt64(&p.queueDepth, -1)
		p.processTask(id, task)
	}
}

func (p *Pool) processTask(workerID int, task *Task) {
	var result *Result

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		result = p.workerFunc(p.ctx, task)
		if result.Success {
			atomic.AddInt64(&p.tasksCompleted, 1)
			return
		}

		if attempt < p.config.MaxRetries {
			select {
			case <-p.ctx.Done():
			case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
				continue
			}
		}
		break
	}

	atomic.AddInt64(&p.tasksFailed, 1)
	p.logger.Error("task failed",
		zap.String("task_id", task.ID),
		zap.Int("worker_id", workerID),
		zap.Error(result.Error))
}

// Stats holds point-in-time pool counters.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	QueueDepth     int64
	Workers        int
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		Workers:        p.config.Workers,
	}
}
