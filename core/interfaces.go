package core

import (
	"context"
	"time"
)

// Logger interface for structured logging across the engine.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ComponentAwareLogger can derive a logger scoped to a named component.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger provides a no-op logger implementation.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// Clock abstracts time for determinism in tests. The engine never calls
// time.Now directly on an execution-advancing path.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
	// Jitter returns d perturbed by up to +/- frac (0..1) of its value.
	Jitter(d time.Duration, frac float64) time.Duration
}

// ExecutionFilter narrows List queries over executions.
type ExecutionFilter struct {
	WorkflowID  string
	UserID      string
	TriggerType string
	Status      ExecutionStatus
	Limit       int
	Offset      int
}

// ExecutionStore is durable CRUD plus the row-claiming primitives over
// executions. Implementations must enforce natural-key uniqueness among
// non-completed rows at Create time.
type ExecutionStore interface {
	// Create persists a new execution. If a non-completed execution with
	// the same natural key exists, returns ErrDuplicateExecution wrapped
	// with the existing execution's ID.
	Create(ctx context.Context, execution *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	// Update persists mutated fields and bumps UpdatedAt. It does not
	// change Status; status moves go through TransitionStatus.
	Update(ctx context.Context, execution *Execution) error
	// FindActive returns the non-completed execution matching the natural
	// key, or ErrNotFound.
	FindActive(ctx context.Context, workflowID, userID, triggerType, triggerID string) (*Execution, error)
	// TransitionStatus atomically moves the execution from one of the
	// expected statuses to the target. A concurrent writer winning the
	// race surfaces as ErrStatusConflict, which callers treat as "another
	// replica won", never as failure.
	TransitionStatus(ctx context.Context, id string, from []ExecutionStatus, to ExecutionStatus) (*Execution, error)
	List(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	// ListStale returns running executions whose UpdatedAt is older than
	// the cutoff, for recovery.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Execution, error)
	// DeleteTerminalOlderThan removes completed/cancelled executions past
	// the retention window. Returns the number removed.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// DelayStore persists suspended delay records and implements the race-free
// promotion claim.
type DelayStore interface {
	// Create persists a new pending delay. The (executionID, stepID) pair
	// is unique among non-executed delays; a second insert returns
	// ErrAlreadyExists.
	Create(ctx context.Context, delay *Delay) error
	Get(ctx context.Context, id string) (*Delay, error)
	// ClaimDue atomically moves up to limit pending delays with
	// ExecuteAt <= now into processing, in ascending ExecuteAt order.
	// With K concurrent claimers each delay is claimed exactly once.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Delay, error)
	// MarkExecuted moves a claimed delay processing -> executed.
	// ErrStatusConflict if the delay is no longer processing.
	MarkExecuted(ctx context.Context, id string, at time.Time) error
	// MarkFailed moves a claimed delay processing -> failed with an error.
	MarkFailed(ctx context.Context, id string, cause string, at time.Time) error
	// CancelForExecution cancels all pending/processing delays of an
	// execution, returning how many were cancelled.
	CancelForExecution(ctx context.Context, executionID string) (int, error)
	// PendingCount reports how many delays await promotion.
	PendingCount(ctx context.Context) (int64, error)
	// DeleteFailedOlderThan removes failed delays past the cutoff.
	DeleteFailedOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// CursorStore persists trigger poll watermarks keyed by
// (workflowID, triggerType).
type CursorStore interface {
	// Get returns the cursor, or a zero LastExecutionTime if none exists.
	Get(ctx context.Context, workflowID, triggerType string) (*TriggerCursor, error)
	// Advance moves the watermark forward. Moving it backwards is a no-op.
	Advance(ctx context.Context, workflowID, triggerType string, to time.Time) error
}

// WorkflowStore persists compiled workflow definitions.
type WorkflowStore interface {
	Save(ctx context.Context, def *WorkflowDefinition) error
	Get(ctx context.Context, id string) (*WorkflowDefinition, error)
	ListByTrigger(ctx context.Context, triggerType string) ([]*WorkflowDefinition, error)
	List(ctx context.Context) ([]*WorkflowDefinition, error)
	Delete(ctx context.Context, id string) error
}

// Lock is one held distributed lock instance.
type Lock interface {
	// Extend pushes the TTL forward. ErrLockNotHeld if the key expired or
	// was taken by another holder.
	Extend(ctx context.Context, ttl time.Duration) error
	// Release frees the lock only if this holder still owns it
	// (compare-and-delete by token). Releasing an expired lock is not an
	// error.
	Release(ctx context.Context) error
}

// LockManager hands out best-effort cluster-wide named locks with TTL.
// Losing a lock causes a skipped tick, never a corrupted row.
type LockManager interface {
	// Acquire attempts to take the named lock, retrying within the
	// manager's bounded retry budget. ErrLockNotAcquired when another
	// replica holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
	// TryAcquire attempts exactly once.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// QueueStats is a point-in-time snapshot of one topic.
type QueueStats struct {
	Topic     string `json:"topic"`
	Depth     int64  `json:"depth"`
	Delayed   int64  `json:"delayed"`
	Paused    bool   `json:"paused"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	Retried   int64  `json:"retried"`
}

// Queue is a set of named FIFO work queues with priorities, delayed
// visibility, and pause/resume.
type Queue interface {
	// Enqueue appends a job to the topic at job.Priority.
	Enqueue(ctx context.Context, topic string, job *Job) error
	// EnqueueDelayed makes the job visible no earlier than visibleAt.
	EnqueueDelayed(ctx context.Context, topic string, job *Job, visibleAt time.Time) error
	// Dequeue blocks up to timeout for the next job, highest priority
	// first. Returns nil, nil on timeout and nil, ErrQueuePaused while the
	// topic is paused.
	Dequeue(ctx context.Context, topic string, timeout time.Duration) (*Job, error)
	// PromoteDelayed moves due delayed jobs into the visible queue and
	// returns how many moved.
	PromoteDelayed(ctx context.Context, topic string, now time.Time) (int, error)
	Pause(ctx context.Context, topic string) error
	Resume(ctx context.Context, topic string) error
	Stats(ctx context.Context, topic string) (*QueueStats, error)
}

// JobHandler processes one dequeued job.
type JobHandler func(ctx context.Context, job *Job) error
