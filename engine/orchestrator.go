// Package engine drives persisted workflow executions: the step loop,
// delay suspension and resume, dynamic-step reconstruction, and the
// control operations over an execution's lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/driptide/driptide/compiler"
	"github.com/driptide/driptide/core"
)

// OrchestratorConfig configures the orchestrator.
type OrchestratorConfig struct {
	// PauseRecheckInterval is how far in the future the replacement delay
	// is armed when a claimed delay's execution turns out to be paused.
	// Default: 1 minute
	PauseRecheckInterval time.Duration `json:"pause_recheck_interval"`

	// Clock is injected for determinism in tests.
	Clock core.Clock `json:"-"`

	// Logger is an optional logger for orchestration.
	Logger core.Logger `json:"-"`
}

// Orchestrator advances exactly one execution at a time from its current
// step to a terminal state, persisting at every transition. It is the
// only writer of Execution status.
type Orchestrator struct {
	executions core.ExecutionStore
	delays     core.DelayStore
	registry   *NodeRegistry
	compiler   *compiler.Compiler
	metrics    *Metrics
	config     OrchestratorConfig
	clock      core.Clock
	logger     core.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(executions core.ExecutionStore, delays core.DelayStore, registry *NodeRegistry, comp *compiler.Compiler, config *OrchestratorConfig) *Orchestrator {
	if config == nil {
		config = &OrchestratorConfig{}
	}
	if config.PauseRecheckInterval <= 0 {
		config.PauseRecheckInterval = time.Minute
	}
	if config.Clock == nil {
		config.Clock = core.NewRealClock()
	}

	return &Orchestrator{
		executions: executions,
		delays:     delays,
		registry:   registry,
		compiler:   comp,
		metrics:    NewMetrics(),
		config:     *config,
		clock:      config.Clock,
		logger:     core.ComponentLogger(config.Logger, "engine/orchestrator"),
	}
}

// Metrics exposes the engine's metrics tracker.
func (o *Orchestrator) Metrics() *Metrics { return o.metrics }

// StartExecution creates and runs an execution for one trigger firing.
// A duplicate firing is squashed to a no-op success returning the
// existing execution.
func (o *Orchestrator) StartExecution(ctx context.Context, workflow *core.WorkflowDefinition, trigger *core.TriggerContext) (*core.Execution, error) {
	existing, err := o.executions.FindActive(ctx, workflow.ID, trigger.UserID, trigger.TriggerType, trigger.TriggerID)
	if err == nil {
		o.metrics.RecordDuplicate()
		o.logger.Info("Duplicate trigger squashed", map[string]interface{}{
			"execution_id": existing.ID,
			"workflow_id":  workflow.ID,
			"trigger_id":   trigger.TriggerID,
		})
		return existing, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}

	execCtx := make(map[string]interface{}, len(trigger.EntityData)+4)
	for k, v := range trigger.EntityData {
		execCtx[k] = v
	}
	execCtx["userId"] = trigger.UserID
	execCtx["triggerId"] = trigger.TriggerID
	execCtx["triggerType"] = trigger.TriggerType
	execCtx["workflowId"] = workflow.ID

	execution := &core.Execution{
		ID:          uuid.NewString(),
		WorkflowID:  workflow.ID,
		UserID:      trigger.UserID,
		TriggerType: trigger.TriggerType,
		TriggerID:   trigger.TriggerID,
		Status:      core.ExecutionPending,
		Workflow:    workflow,
		State:       core.ExecutionState{Context: execCtx},
	}

	if err := o.executions.Create(ctx, execution); err != nil {
		// Another replica won the natural key between our check and the
		// insert; its execution is the answer.
		var engineErr *core.EngineError
		if errors.Is(err, core.ErrDuplicateExecution) && errors.As(err, &engineErr) && engineErr.ID != "" {
			o.metrics.RecordDuplicate()
			return o.executions.Get(ctx, engineErr.ID)
		}
		return nil, err
	}
	o.metrics.RecordStarted()

	execution, err = o.executions.TransitionStatus(ctx, execution.ID, []core.ExecutionStatus{core.ExecutionPending}, core.ExecutionRunning)
	if err != nil {
		return nil, err
	}

	if err := o.run(ctx, execution, cloneSteps(workflow.Steps), 0); err != nil {
		return execution, err
	}
	return execution, nil
}

// RunExecution advances an execution from its persisted position. Jobs
// for executions that are no longer runnable are dropped silently.
func (o *Orchestrator) RunExecution(ctx context.Context, executionID string) error {
	execution, err := o.executions.Get(ctx, executionID)
	if err != nil {
		return err
	}

	switch execution.Status {
	case core.ExecutionPending:
		execution, err = o.executions.TransitionStatus(ctx, executionID, []core.ExecutionStatus{core.ExecutionPending}, core.ExecutionRunning)
		if errors.Is(err, core.ErrStatusConflict) {
			o.logger.Debug("Dropping job, another replica advanced the execution", map[string]interface{}{
				"execution_id": executionID,
			})
			return nil
		}
		if err != nil {
			return err
		}
	case core.ExecutionRunning:
	default:
		o.logger.Info("Dropping job for non-runnable execution", map[string]interface{}{
			"execution_id": executionID,
			"status":       string(execution.Status),
		})
		return nil
	}

	// A suspended tail means the Delay row owns the continuation.
	if n := len(execution.State.History); n > 0 && execution.State.History[n-1].State == core.HistorySuspended {
		o.logger.Debug("Execution is suspended, delay promotion will resume it", map[string]interface{}{
			"execution_id": executionID,
		})
		return nil
	}

	start := 0
	if execution.CurrentStep != "" {
		if idx := execution.Workflow.StepIndex(execution.CurrentStep); idx >= 0 {
			start = idx + 1
		}
	}
	return o.run(ctx, execution, cloneSteps(execution.Workflow.Steps), start)
}

// ResumeFromDelay re-enters an execution after its delay came due. The
// caller has already claimed the delay (status processing); this method
// settles it to executed, failed or cancelled, arming a replacement row
// when the execution is merely paused.
func (o *Orchestrator) ResumeFromDelay(ctx context.Context, delay *core.Delay) error {
	now := o.clock.Now()

	execution, err := o.executions.Get(ctx, delay.ExecutionID)
	if errors.Is(err, core.ErrNotFound) {
		return o.delays.MarkFailed(ctx, delay.ID, "execution not found", now)
	}
	if err != nil {
		return err
	}

	switch {
	case execution.Status == core.ExecutionPaused:
		// Pause defers the delay. The claimed row settles as cancelled
		// and a fresh pending row re-arms the step for a later tick, so
		// no row ever moves backwards through the lattice.
		if _, err := o.delays.CancelForExecution(ctx, execution.ID); err != nil {
			return err
		}
		return o.delays.Create(ctx, &core.Delay{
			ID:          uuid.NewString(),
			ExecutionID: delay.ExecutionID,
			StepID:      delay.StepID,
			DelayType:   delay.DelayType,
			DelayMs:     delay.DelayMs,
			ScheduledAt: now,
			ExecuteAt:   now.Add(o.config.PauseRecheckInterval),
			Status:      core.DelayPending,
			Context:     delay.Context,
		})
	case execution.Status.Terminal():
		// A claimed delay of a finished execution is released as
		// cancelled, never executed.
		_, err := o.delays.CancelForExecution(ctx, execution.ID)
		return err
	}

	o.restoreContext(execution, delay)
	if !execution.MarkHistoryCompleted(delay.StepID, now) {
		o.logger.Warn("No suspended history entry for delay step", map[string]interface{}{
			"execution_id": execution.ID,
			"step_id":      delay.StepID,
		})
	}

	steps, resumeIndex, err := o.resumeSteps(ctx, execution, delay)
	if err != nil {
		_ = o.delays.MarkFailed(ctx, delay.ID, err.Error(), now)
		return o.failExecution(ctx, execution, delay.StepID, err.Error())
	}

	if err := o.executions.Update(ctx, execution); err != nil {
		return err
	}
	o.metrics.RecordResume()

	o.logger.Info("Execution resumed from delay", map[string]interface{}{
		"execution_id": execution.ID,
		"delay_id":     delay.ID,
		"step_id":      delay.StepID,
		"resume_index": resumeIndex,
	})

	if err := o.run(ctx, execution, steps, resumeIndex); err != nil {
		_ = o.delays.MarkFailed(ctx, delay.ID, err.Error(), o.clock.Now())
		return err
	}
	return o.delays.MarkExecuted(ctx, delay.ID, o.clock.Now())
}

// restoreContext merges the delay's snapshot into the execution context
// without overwriting existing keys, and re-populates identity fields.
func (o *Orchestrator) restoreContext(execution *core.Execution, delay *core.Delay) {
	if execution.State.Context == nil {
		execution.State.Context = make(map[string]interface{})
	}
	for k, v := range delay.Context {
		if _, exists := execution.State.Context[k]; !exists {
			execution.State.Context[k] = v
		}
	}
	setIfMissing(execution.State.Context, "userId", execution.UserID)
	setIfMissing(execution.State.Context, "triggerId", execution.TriggerID)
	setIfMissing(execution.State.Context, "triggerType", execution.TriggerType)
}

func setIfMissing(m map[string]interface{}, key, value string) {
	if value == "" {
		return
	}
	if _, exists := m[key]; !exists {
		m[key] = value
	}
}

// resumeSteps computes the step list and index to resume at. When the
// suspended step is dynamic (absent from the compiled list), the
// producing condition is re-executed against the restored context and
// the remaining actions are lowered afresh.
func (o *Orchestrator) resumeSteps(ctx context.Context, execution *core.Execution, delay *core.Delay) ([]core.Step, int, error) {
	steps := cloneSteps(execution.Workflow.Steps)
	if idx := execution.Workflow.StepIndex(delay.StepID); idx >= 0 {
		return steps, idx + 1, nil
	}

	conditionID, _ := delay.Context[core.DelayContextConditionStepID].(string)
	if conditionID == "" {
		if c, _, ok := compiler.ParseDynamicStepID(delay.StepID); ok {
			conditionID = c
		}
	}
	conditionIdx := execution.Workflow.StepIndex(conditionID)
	if conditionIdx < 0 {
		return nil, 0, fmt.Errorf("%w: no condition step for dynamic step %s",
			core.ErrUnresolvableStep, delay.StepID)
	}

	executor, err := o.registry.Get(core.StepTypeCondition)
	if err != nil {
		return nil, 0, err
	}
	conditionStep := steps[conditionIdx]
	result, err := executor.Execute(ctx, &conditionStep, execution)
	if err != nil {
		return nil, 0, err
	}
	actions := result.ExtractedActions
	if len(actions) == 0 {
		return nil, 0, fmt.Errorf("%w: condition %s produced no actions on re-run",
			core.ErrUnresolvableStep, conditionID)
	}

	// Identify the action that produced the suspended delay: prefer the
	// recorded delay type, fall back to the index encoded in the step ID.
	k := -1
	if want, _ := delay.Context[core.DelayContextOriginalType].(string); want != "" {
		for j, raw := range actions {
			st, err := o.compiler.LowerClause(raw, compiler.DynamicStepID(conditionID, j))
			if err != nil {
				continue
			}
			if st.Type == core.StepTypeDelay && st.Data[compiler.DataDelayType] == want {
				k = j
				break
			}
		}
	}
	if k < 0 {
		if idx, ok := compiler.DynamicStepIndex(delay.StepID, conditionID); ok {
			k = idx
		}
	}
	if k < 0 {
		switch v := delay.Context[core.DelayContextActionIndex].(type) {
		case float64:
			k = int(v)
		case int:
			k = v
		}
	}
	if k < 0 || k >= len(actions) {
		return nil, 0, fmt.Errorf("%w: cannot locate producing action for %s",
			core.ErrUnresolvableStep, delay.StepID)
	}

	rebuilt := make([]core.Step, 0, len(actions)-k-1+len(steps)-conditionIdx-1)
	for j, raw := range actions[k+1:] {
		st, err := o.compiler.LowerClause(raw, compiler.DynamicStepID(conditionID, k+1+j))
		if err != nil {
			return nil, 0, err
		}
		rebuilt = append(rebuilt, st)
	}
	rebuilt = append(rebuilt, steps[conditionIdx+1:]...)
	return rebuilt, 0, nil
}

// run is the execution loop: validate, execute, splice extracted
// actions, persist history, suspend or advance.
func (o *Orchestrator) run(ctx context.Context, execution *core.Execution, steps []core.Step, index int) error {
	i := index
	for i >= 0 && i < len(steps) {
		step := steps[i]
		stepStart := o.clock.Now()

		executor, err := o.registry.Get(step.Type)
		if err != nil {
			return o.failExecution(ctx, execution, step.ID, err.Error())
		}
		if vr := executor.Validate(&step); !vr.Valid {
			return o.failExecution(ctx, execution, step.ID,
				"step validation failed: "+strings.Join(vr.Errors, "; "))
		}

		result, err := executor.Execute(ctx, &step, execution)
		if err != nil {
			o.metrics.RecordStep(step.ID, false, o.clock.Since(stepStart))
			return o.failExecution(ctx, execution, step.ID, err.Error())
		}
		if !result.Success {
			o.metrics.RecordStep(step.ID, false, o.clock.Since(stepStart))
			return o.failExecution(ctx, execution, step.ID, result.Error)
		}
		o.metrics.RecordStep(step.ID, true, o.clock.Since(stepStart))

		// Splice dynamic steps immediately after the current one.
		spliced := 0
		if len(result.ExtractedActions) > 0 {
			lowered := make([]core.Step, 0, len(result.ExtractedActions))
			for k, raw := range result.ExtractedActions {
				st, lerr := o.compiler.LowerClause(raw, compiler.DynamicStepID(step.ID, k))
				if lerr != nil {
					return o.failExecution(ctx, execution, step.ID, lerr.Error())
				}
				lowered = append(lowered, st)
			}
			steps = append(steps[:i+1], append(lowered, steps[i+1:]...)...)
			spliced = len(lowered)
		}

		suspended := result.Suspended()
		state := core.HistoryCompleted
		if suspended {
			state = core.HistorySuspended
		}
		execution.AppendHistory(core.HistoryEntry{
			StepID:    step.ID,
			State:     state,
			Timestamp: o.clock.Now(),
			Result:    result.Result,
		})
		execution.CurrentStep = step.ID
		if err := o.executions.Update(ctx, execution); err != nil {
			return err
		}

		if suspended {
			o.metrics.RecordSuspension()
			o.logger.Info("Execution suspended", map[string]interface{}{
				"execution_id": execution.ID,
				"step_id":      step.ID,
				"resume_at":    result.Metadata[core.MetaResumeAt],
			})
			// Status stays running; the Delay row is the liveness token.
			return nil
		}

		// An explicit empty NextSteps terminates the loop.
		if result.NextSteps != nil && len(result.NextSteps) == 0 {
			break
		}

		next := -1
		if len(result.NextSteps) > 0 {
			next = stepIndexOf(steps, result.NextSteps[0])
		}
		if next < 0 && spliced > 0 {
			// Dynamic steps run before the compiled successor.
			next = i + 1
		}
		if next < 0 && len(step.Next) > 0 {
			next = stepIndexOf(steps, step.Next[0])
		}
		if next < 0 {
			next = i + 1
		}
		i = next
	}

	return o.completeExecution(ctx, execution)
}

func stepIndexOf(steps []core.Step, id string) int {
	for i := range steps {
		if steps[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneSteps(steps []core.Step) []core.Step {
	out := make([]core.Step, len(steps))
	copy(out, steps)
	return out
}

func (o *Orchestrator) completeExecution(ctx context.Context, execution *core.Execution) error {
	updated, err := o.executions.TransitionStatus(ctx, execution.ID,
		[]core.ExecutionStatus{core.ExecutionRunning}, core.ExecutionCompleted)
	if err != nil {
		if errors.Is(err, core.ErrStatusConflict) {
			// Cancelled or paused out from under us; that writer wins.
			o.logger.Warn("Completion lost a status race", map[string]interface{}{
				"execution_id": execution.ID,
			})
			return nil
		}
		return err
	}

	o.metrics.RecordFinished(core.ExecutionCompleted, updated.UpdatedAt.Sub(updated.CreatedAt))
	o.logger.Info("Execution completed", map[string]interface{}{
		"execution_id": execution.ID,
		"workflow_id":  execution.WorkflowID,
		"steps":        len(execution.State.History),
	})
	return nil
}

func (o *Orchestrator) failExecution(ctx context.Context, execution *core.Execution, stepID, cause string) error {
	execution.AppendHistory(core.HistoryEntry{
		StepID:    stepID,
		State:     core.HistoryFailed,
		Timestamp: o.clock.Now(),
		Error:     cause,
	})
	execution.Error = cause
	if err := o.executions.Update(ctx, execution); err != nil {
		return err
	}

	updated, err := o.executions.TransitionStatus(ctx, execution.ID,
		[]core.ExecutionStatus{core.ExecutionRunning, core.ExecutionPending}, core.ExecutionFailed)
	if err != nil {
		if errors.Is(err, core.ErrStatusConflict) {
			o.logger.Warn("Failure transition lost a status race", map[string]interface{}{
				"execution_id": execution.ID,
			})
			return nil
		}
		return err
	}

	o.metrics.RecordFinished(core.ExecutionFailed, updated.UpdatedAt.Sub(updated.CreatedAt))
	o.logger.Error("Execution failed", map[string]interface{}{
		"execution_id": execution.ID,
		"workflow_id":  execution.WorkflowID,
		"step_id":      stepID,
		"error":        cause,
	})
	return nil
}

// Fail terminally fails an execution that can no longer make progress,
// recording cause against its current step. Already-terminal executions
// are left alone.
func (o *Orchestrator) Fail(ctx context.Context, executionID, cause string) error {
	execution, err := o.executions.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if execution.Status.Terminal() {
		return nil
	}
	if err := o.failExecution(ctx, execution, execution.CurrentStep, cause); err != nil {
		return err
	}
	_, err = o.delays.CancelForExecution(ctx, executionID)
	return err
}

// Pause moves a running execution to paused. A pending delay of a
// paused execution stays armed; promotion defers it until resume.
func (o *Orchestrator) Pause(ctx context.Context, executionID string) (*core.Execution, error) {
	execution, err := o.executions.TransitionStatus(ctx, executionID,
		[]core.ExecutionStatus{core.ExecutionRunning, core.ExecutionDelayed}, core.ExecutionPaused)
	if err != nil {
		return nil, err
	}
	o.logger.Info("Execution paused", map[string]interface{}{"execution_id": executionID})
	return execution, nil
}

// Resume moves a paused execution back to running.
func (o *Orchestrator) Resume(ctx context.Context, executionID string) (*core.Execution, error) {
	execution, err := o.executions.TransitionStatus(ctx, executionID,
		[]core.ExecutionStatus{core.ExecutionPaused}, core.ExecutionRunning)
	if err != nil {
		return nil, err
	}
	o.logger.Info("Execution resumed", map[string]interface{}{"execution_id": executionID})
	return execution, nil
}

// Start moves a pending execution to running. The caller is expected to
// enqueue a run job afterwards.
func (o *Orchestrator) Start(ctx context.Context, executionID string) (*core.Execution, error) {
	return o.executions.TransitionStatus(ctx, executionID,
		[]core.ExecutionStatus{core.ExecutionPending}, core.ExecutionRunning)
}

// Cancel terminally cancels an execution and its future delays.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) (*core.Execution, error) {
	execution, err := o.executions.TransitionStatus(ctx, executionID,
		[]core.ExecutionStatus{
			core.ExecutionPending,
			core.ExecutionRunning,
			core.ExecutionPaused,
			core.ExecutionDelayed,
		}, core.ExecutionCancelled)
	if err != nil {
		return nil, err
	}

	cancelled, err := o.delays.CancelForExecution(ctx, executionID)
	if err != nil {
		return execution, err
	}

	o.metrics.RecordFinished(core.ExecutionCancelled, execution.UpdatedAt.Sub(execution.CreatedAt))
	o.logger.Info("Execution cancelled", map[string]interface{}{
		"execution_id":     executionID,
		"delays_cancelled": cancelled,
	})
	return execution, nil
}
