package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/driptide/driptide/core"
	"github.com/driptide/driptide/lock"
)

// RecoveryConfig configures startup recovery and retention cleanup.
type RecoveryConfig struct {
	// StuckRunningGrace is how long a running execution may go without an
	// update before recovery fails it.
	// Default: 24 hours
	StuckRunningGrace time.Duration `json:"stuck_running_grace"`

	// FailedDelayRetention is how long failed delays are kept for
	// post-mortem.
	// Default: 24 hours
	FailedDelayRetention time.Duration `json:"failed_delay_retention"`

	// Retention is how long terminal executions are kept.
	// Default: 30 days
	Retention time.Duration `json:"retention"`

	// LockTTL bounds the cleanup lock.
	// Default: 30 seconds
	LockTTL time.Duration `json:"lock_ttl"`

	// Clock is injected for determinism in tests.
	Clock core.Clock `json:"-"`

	// Logger is an optional logger for recovery operations.
	Logger core.Logger `json:"-"`
}

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	StuckFailed        int `json:"stuck_failed"`
	DelaysPromoted     int `json:"delays_promoted"`
	FailedDelaysPruned int `json:"failed_delays_pruned"`
	ExecutionsPruned   int `json:"executions_pruned"`
}

// Recovery repairs state left behind by crashed replicas: stuck running
// executions, overdue delays, and rows past retention.
type Recovery struct {
	locks      core.LockManager
	executions core.ExecutionStore
	delays     core.DelayStore
	scheduler  *Scheduler
	config     RecoveryConfig
	clock      core.Clock
	logger     core.Logger
}

// NewRecovery creates a recovery pass runner.
func NewRecovery(locks core.LockManager, executions core.ExecutionStore, delays core.DelayStore, sched *Scheduler, config *RecoveryConfig) *Recovery {
	if config == nil {
		config = &RecoveryConfig{}
	}
	if config.StuckRunningGrace <= 0 {
		config.StuckRunningGrace = 24 * time.Hour
	}
	if config.FailedDelayRetention <= 0 {
		config.FailedDelayRetention = 24 * time.Hour
	}
	if config.Retention <= 0 {
		config.Retention = 30 * 24 * time.Hour
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = core.NewRealClock()
	}

	return &Recovery{
		locks:      locks,
		executions: executions,
		delays:     delays,
		scheduler:  sched,
		config:     *config,
		clock:      config.Clock,
		logger:     core.ComponentLogger(config.Logger, "scheduler/recovery"),
	}
}

// Run performs one recovery pass under the cleanup lock. Contention
// means another replica is already recovering; that is a silent no-op.
func (r *Recovery) Run(ctx context.Context) (*RecoveryReport, error) {
	cleanupLock, err := r.locks.TryAcquire(ctx, lock.KeyStartupCleanup, r.config.LockTTL)
	if errors.Is(err, core.ErrLockNotAcquired) {
		r.logger.Debug("Recovery yielded, another replica is cleaning up", nil)
		return &RecoveryReport{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := cleanupLock.Release(ctx); err != nil {
			r.logger.Warn("Failed to release cleanup lock", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	report := &RecoveryReport{}
	now := r.clock.Now()

	report.StuckFailed, err = r.failStuckRunning(ctx, now)
	if err != nil {
		return report, err
	}

	// Overdue pending delays from before the crash promote immediately;
	// remaining running executions are picked up by the normal delay and
	// queue machinery, never re-run directly.
	report.DelaysPromoted, err = r.scheduler.PromoteDelays(ctx)
	if err != nil {
		return report, err
	}

	report.FailedDelaysPruned, err = r.delays.DeleteFailedOlderThan(ctx, now.Add(-r.config.FailedDelayRetention))
	if err != nil {
		return report, err
	}
	report.ExecutionsPruned, err = r.executions.DeleteTerminalOlderThan(ctx, now.Add(-r.config.Retention))
	if err != nil {
		return report, err
	}

	r.logger.Info("Recovery pass finished", map[string]interface{}{
		"stuck_failed":         report.StuckFailed,
		"delays_promoted":      report.DelaysPromoted,
		"failed_delays_pruned": report.FailedDelaysPruned,
		"executions_pruned":    report.ExecutionsPruned,
	})
	return report, nil
}

// failStuckRunning fails running executions that have made no progress
// past the grace window.
func (r *Recovery) failStuckRunning(ctx context.Context, now time.Time) (int, error) {
	stale, err := r.executions.ListStale(ctx, now.Add(-r.config.StuckRunningGrace), 0)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, execution := range stale {
		// A suspended tail means the execution is parked on a Delay row;
		// long delays go quiet for weeks without being stuck. The
		// promotion sweep owns those.
		if n := len(execution.State.History); n > 0 && execution.State.History[n-1].State == core.HistorySuspended {
			continue
		}
		execution.Error = "restart timeout"
		execution.AppendHistory(core.HistoryEntry{
			StepID:    execution.CurrentStep,
			State:     core.HistoryFailed,
			Timestamp: now,
			Error:     "restart timeout",
		})
		if err := r.executions.Update(ctx, execution); err != nil {
			r.logger.Warn("Failed to mark stuck execution", map[string]interface{}{
				"execution_id": execution.ID,
				"error":        err.Error(),
			})
			continue
		}
		_, err := r.executions.TransitionStatus(ctx, execution.ID,
			[]core.ExecutionStatus{core.ExecutionRunning}, core.ExecutionFailed)
		if errors.Is(err, core.ErrStatusConflict) {
			// Another replica advanced it since the scan; it is not stuck.
			continue
		}
		if err != nil {
			return failed, err
		}
		failed++

		r.logger.Warn("Stuck execution failed by recovery", map[string]interface{}{
			"execution_id": execution.ID,
			"workflow_id":  execution.WorkflowID,
			"updated_at":   execution.UpdatedAt.Format(time.RFC3339),
		})
	}
	return failed, nil
}
