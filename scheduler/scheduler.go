// Package scheduler drives the distributed cron tick: poll triggers
// under the main leader lock, enqueue execution jobs, advance cursors,
// and promote due delays. Losing a lock skips the tick; it never
// corrupts a row.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/driptide/driptide/core"
	"github.com/driptide/driptide/engine"
	"github.com/driptide/driptide/lock"
	"github.com/driptide/driptide/queue"
	"github.com/driptide/driptide/triggers"
)

// Per-trigger-type queue priorities. Newsletter signups jump the line,
// user onboarding yields to everything else.
var triggerPriorities = map[string]int{
	triggers.TypeSubscriptionCreated:  queue.PriorityNormal,
	triggers.TypeNewsletterSubscribed: queue.PriorityHigh,
	triggers.TypeUserCreated:          queue.PriorityLow,
}

// Config configures the scheduler.
type Config struct {
	// CronExpression schedules the tick.
	// Default: "* * * * *"
	CronExpression string `json:"cron_expression"`

	// MainLockTTL bounds one tick's leadership.
	// Default: 60 seconds
	MainLockTTL time.Duration `json:"main_lock_ttl"`

	// BatchLockTTL bounds the delay promotion batch lock.
	// Default: 30 seconds
	BatchLockTTL time.Duration `json:"batch_lock_ttl"`

	// PromotionBatch caps how many due delays one tick promotes.
	// Default: 50
	PromotionBatch int `json:"promotion_batch"`

	// TriggerBatchSizes caps enqueued contexts per trigger type per tick.
	// Defaults: subscription 10, newsletter 15, user 20
	TriggerBatchSizes map[string]int `json:"trigger_batch_sizes"`

	// JobMaxAttempts is stamped on enqueued jobs.
	// Default: 3
	JobMaxAttempts int `json:"job_max_attempts"`

	// Clock is injected for determinism in tests.
	Clock core.Clock `json:"-"`

	// Logger is an optional logger for scheduler operations.
	Logger core.Logger `json:"-"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		CronExpression: "* * * * *",
		MainLockTTL:    60 * time.Second,
		BatchLockTTL:   30 * time.Second,
		PromotionBatch: 50,
		TriggerBatchSizes: map[string]int{
			triggers.TypeSubscriptionCreated:  10,
			triggers.TypeNewsletterSubscribed: 15,
			triggers.TypeUserCreated:          20,
		},
		JobMaxAttempts: 3,
	}
}

// Scheduler is the replica-local cron process. Any replica may win a
// tick; the main lock guarantees at most one does.
type Scheduler struct {
	locks     core.LockManager
	registry  *triggers.Registry
	workflows core.WorkflowStore
	cursors   core.CursorStore
	delays    core.DelayStore
	queue     core.Queue
	orch      *engine.Orchestrator
	config    Config
	clock     core.Clock
	logger    core.Logger

	cron   *cron.Cron
	cronID cron.EntryID
}

// New creates a scheduler.
func New(locks core.LockManager, registry *triggers.Registry, workflows core.WorkflowStore, cursors core.CursorStore, delays core.DelayStore, q core.Queue, orch *engine.Orchestrator, config *Config) *Scheduler {
	if config == nil {
		defaultConfig := DefaultConfig()
		config = &defaultConfig
	}
	if config.CronExpression == "" {
		config.CronExpression = "* * * * *"
	}
	if config.MainLockTTL <= 0 {
		config.MainLockTTL = 60 * time.Second
	}
	if config.BatchLockTTL <= 0 {
		config.BatchLockTTL = 30 * time.Second
	}
	if config.PromotionBatch <= 0 {
		config.PromotionBatch = 50
	}
	if config.TriggerBatchSizes == nil {
		config.TriggerBatchSizes = DefaultConfig().TriggerBatchSizes
	}
	if config.JobMaxAttempts <= 0 {
		config.JobMaxAttempts = 3
	}
	if config.Clock == nil {
		config.Clock = core.NewRealClock()
	}

	return &Scheduler{
		locks:     locks,
		registry:  registry,
		workflows: workflows,
		cursors:   cursors,
		delays:    delays,
		queue:     q,
		orch:      orch,
		config:    *config,
		clock:     config.Clock,
		logger:    core.ComponentLogger(config.Logger, "scheduler"),
	}
}

// Start registers the cron tick and begins scheduling.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	c := cron.New()
	id, err := c.AddFunc(s.config.CronExpression, func() {
		if err := s.Tick(ctx); err != nil {
			s.logger.Error("Scheduler tick failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", s.config.CronExpression, err)
	}

	s.cron = c
	s.cronID = id
	c.Start()

	s.logger.Info("Scheduler started", map[string]interface{}{
		"cron": s.config.CronExpression,
	})
	return nil
}

// Stop halts the cron and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.logger.Info("Scheduler stopped", nil)
}

// Tick runs one scheduling pass. Losing the main lock is a silent yield:
// another replica is leading this minute.
func (s *Scheduler) Tick(ctx context.Context) error {
	leaderLock, err := s.locks.Acquire(ctx, lock.KeySchedulerMain, s.config.MainLockTTL)
	if errors.Is(err, core.ErrLockNotAcquired) {
		s.logger.Debug("Tick yielded, another replica leads", nil)
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := leaderLock.Release(ctx); err != nil {
			s.logger.Warn("Failed to release leader lock", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	// Pollers run in parallel across trigger types; per execution nothing
	// races because jobs serialize on the execution's status CAS.
	var wg sync.WaitGroup
	for _, triggerType := range s.registry.Types() {
		wg.Add(1)
		go func(triggerType string) {
			defer wg.Done()
			if err := s.pollTrigger(ctx, triggerType); err != nil {
				s.logger.Error("Trigger poll failed", map[string]interface{}{
					"trigger_type": triggerType,
					"error":        err.Error(),
				})
			}
		}(triggerType)
	}
	wg.Wait()

	// Retry jobs parked with backoff become visible again here; without
	// this sweep a failed job would never get its next attempt.
	redelivered, err := s.queue.PromoteDelayed(ctx, core.TopicWorkflowExecution, s.clock.Now())
	if err != nil {
		return err
	}
	if redelivered > 0 {
		s.logger.Info("Tick redelivered retry jobs", map[string]interface{}{
			"redelivered": redelivered,
		})
	}

	promoted, err := s.PromoteDelays(ctx)
	if err != nil {
		return err
	}
	if promoted > 0 {
		s.logger.Info("Tick promoted delays", map[string]interface{}{
			"promoted": promoted,
		})
	}
	return nil
}

// pollTrigger polls one trigger type and enqueues its batch. The cursor
// advances to now only after the batch is durably enqueued.
func (s *Scheduler) pollTrigger(ctx context.Context, triggerType string) error {
	poller, err := s.registry.Get(triggerType)
	if err != nil {
		return err
	}
	batch := s.config.TriggerBatchSizes[triggerType]
	if batch <= 0 {
		batch = 10
	}
	now := s.clock.Now()

	bound, err := s.workflows.ListByTrigger(ctx, triggerType)
	if err != nil {
		return err
	}
	if len(bound) == 0 {
		return nil
	}

	if poller.UsesGlobalCursor() {
		cursor, err := s.cursors.Get(ctx, core.GlobalCursorID, triggerType)
		if err != nil {
			return err
		}
		contexts, err := poller.Poll(ctx, core.GlobalCursorID, cursor.LastExecutionTime, batch)
		if err != nil {
			return err
		}

		// One poll pass fans out to every bound workflow; duplicate
		// suppression keys on (workflowId, userId, trigger) so re-fires
		// are absorbed downstream.
		for _, tc := range contexts {
			for _, wf := range bound {
				fanned := *tc
				fanned.WorkflowID = wf.ID
				if err := s.enqueueContext(ctx, &fanned); err != nil {
					return err
				}
			}
		}
		if len(contexts) > 0 {
			s.logger.Info("Trigger batch enqueued", map[string]interface{}{
				"trigger_type": triggerType,
				"contexts":     len(contexts),
				"workflows":    len(bound),
			})
		}
		return s.cursors.Advance(ctx, core.GlobalCursorID, triggerType, now)
	}

	for _, wf := range bound {
		cursor, err := s.cursors.Get(ctx, wf.ID, triggerType)
		if err != nil {
			return err
		}
		contexts, err := poller.Poll(ctx, wf.ID, cursor.LastExecutionTime, batch)
		if err != nil {
			return err
		}
		for _, tc := range contexts {
			if err := s.enqueueContext(ctx, tc); err != nil {
				return err
			}
		}
		if len(contexts) > 0 {
			s.logger.Info("Trigger batch enqueued", map[string]interface{}{
				"trigger_type": triggerType,
				"workflow_id":  wf.ID,
				"contexts":     len(contexts),
			})
		}
		if err := s.cursors.Advance(ctx, wf.ID, triggerType, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) enqueueContext(ctx context.Context, tc *core.TriggerContext) error {
	priority, ok := triggerPriorities[tc.TriggerType]
	if !ok {
		priority = queue.PriorityNormal
	}
	job := &core.Job{
		ID:          uuid.NewString(),
		Type:        core.JobTypeStartWorkflow,
		WorkflowID:  tc.WorkflowID,
		TriggerType: tc.TriggerType,
		TriggerID:   tc.TriggerID,
		UserID:      tc.UserID,
		TriggerData: tc.EntityData,
		Priority:    priority,
		MaxAttempts: s.config.JobMaxAttempts,
	}
	return s.queue.Enqueue(ctx, core.TopicWorkflowExecution, job)
}

// PromoteDelays claims due delays under the batch lock and resumes each
// owning execution, ascending by due time. Contention yields silently.
func (s *Scheduler) PromoteDelays(ctx context.Context) (int, error) {
	batchLock, err := s.locks.TryAcquire(ctx, lock.KeyDelayedDelays, s.config.BatchLockTTL)
	if errors.Is(err, core.ErrLockNotAcquired) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := batchLock.Release(ctx); err != nil {
			s.logger.Warn("Failed to release promotion lock", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	claimed, err := s.delays.ClaimDue(ctx, s.clock.Now(), s.config.PromotionBatch)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, delay := range claimed {
		if err := s.orch.ResumeFromDelay(ctx, delay); err != nil {
			// The orchestrator already settled the delay row where it
			// could; an error here is infrastructure, not workflow logic.
			s.logger.Error("Delay resume failed", map[string]interface{}{
				"delay_id":     delay.ID,
				"execution_id": delay.ExecutionID,
				"error":        err.Error(),
			})
			continue
		}
		promoted++
	}
	return promoted, nil
}
