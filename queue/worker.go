package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driptide/driptide/core"
	"github.com/driptide/driptide/resilience"
)

// failureRecorder is implemented by queues that track exhausted jobs.
type failureRecorder interface {
	RecordFailure(ctx context.Context, topic string)
}

// ExhaustFunc is invoked when a job runs out of attempts, with the last
// handler error. It runs on the worker goroutine and must not panic.
type ExhaustFunc func(ctx context.Context, job *core.Job, err error)

// WorkerPool runs concurrent workers that drain one topic and dispatch
// jobs to registered handlers by job type. Failed jobs are re-enqueued
// with exponential backoff until MaxAttempts is exhausted.
type WorkerPool struct {
	queue    core.Queue
	handlers map[string]core.JobHandler
	config   WorkerConfig
	clock    core.Clock
	logger   core.Logger

	// Lifecycle management
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State tracking
	running      atomic.Bool
	activeCount  atomic.Int32
	handlersLock sync.RWMutex

	workerIDCounter atomic.Int32
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	// Topic is the queue topic this pool drains.
	Topic string `json:"topic"`

	// WorkerCount is the number of concurrent workers.
	// Default: 5
	WorkerCount int `json:"worker_count"`

	// DequeueTimeout is how long each worker blocks waiting for a job.
	// Default: 5s
	DequeueTimeout time.Duration `json:"dequeue_timeout"`

	// ShutdownTimeout is how long Stop waits for in-flight jobs.
	// Default: 30s
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	// JobTimeout bounds a single handler invocation.
	// Default: 10 minutes
	JobTimeout time.Duration `json:"job_timeout"`

	// RetryBaseDelay seeds the exponential backoff between attempts.
	// Default: 2s
	RetryBaseDelay time.Duration `json:"retry_base_delay"`

	// RetryMaxDelay caps the backoff.
	// Default: 5 minutes
	RetryMaxDelay time.Duration `json:"retry_max_delay"`

	// PausePollInterval is how long workers sleep while the topic is
	// paused. Default: 2s
	PausePollInterval time.Duration `json:"pause_poll_interval"`

	// OnExhausted is called after a job's final attempt fails, so the
	// owner of the work can settle it instead of leaving it in limbo.
	OnExhausted ExhaustFunc `json:"-"`

	// Clock is injected for determinism in tests.
	Clock core.Clock `json:"-"`

	// Logger is an optional logger for worker operations.
	Logger core.Logger `json:"-"`
}

// DefaultWorkerConfig returns default configuration for a topic.
func DefaultWorkerConfig(topic string) WorkerConfig {
	return WorkerConfig{
		Topic:             topic,
		WorkerCount:       5,
		DequeueTimeout:    5 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		JobTimeout:        10 * time.Minute,
		RetryBaseDelay:    2 * time.Second,
		RetryMaxDelay:     5 * time.Minute,
		PausePollInterval: 2 * time.Second,
	}
}

// NewWorkerPool creates a worker pool for one topic.
func NewWorkerPool(queue core.Queue, config *WorkerConfig) *WorkerPool {
	if config == nil {
		defaultConfig := DefaultWorkerConfig("")
		config = &defaultConfig
	}

	// Apply defaults for unset values
	if config.WorkerCount <= 0 {
		config.WorkerCount = 5
	}
	if config.DequeueTimeout <= 0 {
		config.DequeueTimeout = 5 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 10 * time.Minute
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 2 * time.Second
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = 5 * time.Minute
	}
	if config.PausePollInterval <= 0 {
		config.PausePollInterval = 2 * time.Second
	}
	if config.Clock == nil {
		config.Clock = core.NewRealClock()
	}

	return &WorkerPool{
		queue:    queue,
		handlers: make(map[string]core.JobHandler),
		config:   *config,
		clock:    config.Clock,
		logger:   core.ComponentLogger(config.Logger, "queue/worker"),
	}
}

// RegisterHandler registers a handler for a job type.
// Must be called before Start.
func (p *WorkerPool) RegisterHandler(jobType string, handler core.JobHandler) error {
	if jobType == "" {
		return fmt.Errorf("job type cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if p.running.Load() {
		return fmt.Errorf("cannot register handler while worker pool is running")
	}

	p.handlersLock.Lock()
	defer p.handlersLock.Unlock()
	p.handlers[jobType] = handler

	p.logger.Info("Handler registered", map[string]interface{}{
		"topic":    p.config.Topic,
		"job_type": jobType,
	})
	return nil
}

// Start begins processing jobs.
// Blocks until ctx is cancelled or Stop is called.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.running.Swap(true) {
		return fmt.Errorf("worker pool already running")
	}

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("Starting worker pool", map[string]interface{}{
		"topic":        p.config.Topic,
		"worker_count": p.config.WorkerCount,
	})

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.config.Topic, p.workerIDCounter.Add(1))
		p.wg.Add(1)
		go p.runWorker(workerCtx, workerID)
	}

	p.wg.Wait()
	p.running.Store(false)

	p.logger.Info("Worker pool stopped", map[string]interface{}{
		"topic": p.config.Topic,
	})
	return nil
}

// Stop gracefully stops the worker pool.
// Waits for in-progress jobs to complete up to the shutdown timeout.
func (p *WorkerPool) Stop(ctx context.Context) error {
	if !p.running.Load() {
		return nil
	}

	p.logger.Info("Stopping worker pool", map[string]interface{}{
		"topic":          p.config.Topic,
		"active_workers": p.activeCount.Load(),
	})

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		return fmt.Errorf("shutdown timeout: some workers may still be running")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runWorker is the main loop for each worker goroutine.
func (p *WorkerPool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	p.activeCount.Add(1)
	defer p.activeCount.Add(-1)

	p.logger.Debug("Worker started", map[string]interface{}{
		"worker_id": workerID,
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, p.config.Topic, p.config.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, core.ErrQueuePaused) {
				if err := p.clock.Sleep(ctx, p.config.PausePollInterval); err != nil {
					return
				}
				continue
			}
			p.logger.Error("Dequeue error", map[string]interface{}{
				"worker_id": workerID,
				"error":     err.Error(),
			})
			continue
		}
		if job == nil {
			// Timeout, no job available
			continue
		}

		p.processJob(ctx, workerID, job)
	}
}

// processJob runs one job through its handler and schedules a retry or
// records exhaustion on failure.
func (p *WorkerPool) processJob(ctx context.Context, workerID string, job *core.Job) {
	p.handlersLock.RLock()
	handler, exists := p.handlers[job.Type]
	p.handlersLock.RUnlock()

	if !exists {
		p.logger.Error("No handler for job type", map[string]interface{}{
			"job_id":   job.ID,
			"job_type": job.Type,
		})
		p.exhaust(ctx, job, fmt.Errorf("no handler for job type: %s", job.Type))
		return
	}

	start := p.clock.Now()
	jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	err := p.executeHandler(jobCtx, handler, job)
	cancel()

	duration := p.clock.Since(start)

	if err == nil {
		p.logger.Info("Job completed", map[string]interface{}{
			"job_id":      job.ID,
			"job_type":    job.Type,
			"worker_id":   workerID,
			"duration_ms": duration.Milliseconds(),
		})
		return
	}

	job.Attempts++
	if job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts {
		p.exhaust(ctx, job, err)
		return
	}

	backoff := resilience.BackoffDelay(p.config.RetryBaseDelay, job.Attempts, p.config.RetryMaxDelay)
	visibleAt := p.clock.Now().Add(backoff)
	if requeueErr := p.queue.EnqueueDelayed(ctx, p.config.Topic, job, visibleAt); requeueErr != nil {
		p.logger.Error("Failed to schedule retry", map[string]interface{}{
			"job_id": job.ID,
			"error":  requeueErr.Error(),
		})
		return
	}

	p.logger.Warn("Job failed, retry scheduled", map[string]interface{}{
		"job_id":     job.ID,
		"job_type":   job.Type,
		"attempt":    job.Attempts,
		"backoff_ms": backoff.Milliseconds(),
		"error":      err.Error(),
	})
}

// executeHandler runs the handler with panic recovery.
func (p *WorkerPool) executeHandler(ctx context.Context, handler core.JobHandler, job *core.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			p.logger.Error("Handler panicked", map[string]interface{}{
				"job_id": job.ID,
				"panic":  fmt.Sprintf("%v", r),
				"stack":  string(debug.Stack()),
			})
		}
	}()

	return handler(ctx, job)
}

// exhaust settles a job that is out of attempts: it counts against the
// topic's failure total and is handed to OnExhausted so the owning work
// can be failed rather than left dangling.
func (p *WorkerPool) exhaust(ctx context.Context, job *core.Job, err error) {
	if recorder, ok := p.queue.(failureRecorder); ok {
		recorder.RecordFailure(ctx, p.config.Topic)
	}
	p.logger.Error("Job exhausted retries", map[string]interface{}{
		"job_id":   job.ID,
		"job_type": job.Type,
		"attempts": job.Attempts,
		"error":    err.Error(),
	})
	if p.config.OnExhausted != nil {
		p.config.OnExhausted(ctx, job, err)
	}
}
