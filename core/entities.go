// Package core defines the shared entities and interfaces of the driptide
// workflow engine: compiled workflows and steps, durable executions and
// delays, trigger cursors and contexts, queue jobs, and the store/queue/lock
// contracts the rest of the engine is built against.
package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepType identifies which executor handles a compiled step.
type StepType string

const (
	StepTypeAction     StepType = "action"
	StepTypeDelay      StepType = "delay"
	StepTypeCondition  StepType = "condition"
	StepTypeSharedFlow StepType = "shared-flow"
	StepTypeEnd        StepType = "end"
)

// Step is one compiled unit of work within a workflow.
// IDs are positionally stable: "step_<index>" for compiled steps,
// "<conditionStepID>_action_<k>" for steps a condition produces at runtime.
type Step struct {
	ID   string                 `json:"id"`
	Type StepType               `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
	// Rule preserves the source clause the step was lowered from. Condition
	// steps re-read it at runtime to extract downstream actions.
	Rule json.RawMessage `json:"rule,omitempty"`
	Next []string        `json:"next,omitempty"`
}

// WorkflowDefinition is an immutable compiled workflow. Rule is the source
// JSON document; Steps is the normalized linear form the orchestrator runs.
type WorkflowDefinition struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	TriggerType string          `json:"trigger_type"`
	Rule        json.RawMessage `json:"rule"`
	Steps       []Step          `json:"steps"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StepIndex returns the position of a step ID in the compiled list, or -1.
func (w *WorkflowDefinition) StepIndex(stepID string) int {
	for i := range w.Steps {
		if w.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// ExecutionStatus is the durable state of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionDelayed   ExecutionStatus = "delayed"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// CanTransitionTo enforces the execution status lattice:
// pending -> running; running -> {completed, failed, cancelled, paused,
// delayed}; paused -> {running, cancelled}; delayed -> {running, cancelled}.
// Terminal states accept nothing.
func (s ExecutionStatus) CanTransitionTo(to ExecutionStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case ExecutionPending:
		return to == ExecutionRunning || to == ExecutionCancelled
	case ExecutionRunning:
		switch to {
		case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionPaused, ExecutionDelayed:
			return true
		}
	case ExecutionPaused:
		return to == ExecutionRunning || to == ExecutionCancelled
	case ExecutionDelayed:
		return to == ExecutionRunning || to == ExecutionCancelled
	}
	return false
}

// HistoryState marks the outcome of one step transition.
type HistoryState string

const (
	HistoryCompleted HistoryState = "completed"
	HistorySuspended HistoryState = "suspended"
	HistoryFailed    HistoryState = "failed"
)

// HistoryEntry is one append-only record in an execution's history.
type HistoryEntry struct {
	StepID    string                 `json:"step_id"`
	State     HistoryState           `json:"state"`
	Timestamp time.Time              `json:"timestamp"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// ExecutionState carries the runtime state of an execution. Context holds
// the full trigger payload plus enrichments and is the sole source of
// runtime values for template substitution.
type ExecutionState struct {
	CurrentState string                 `json:"current_state"`
	Context      map[string]interface{} `json:"context"`
	History      []HistoryEntry         `json:"history"`
	SharedFlows  []string               `json:"shared_flows,omitempty"`
}

// Execution is one durable workflow instance for one (trigger, user) pair.
type Execution struct {
	ID          string              `json:"id"`
	WorkflowID  string              `json:"workflow_id"`
	UserID      string              `json:"user_id"`
	TriggerType string              `json:"trigger_type"`
	TriggerID   string              `json:"trigger_id"`
	Status      ExecutionStatus     `json:"status"`
	CurrentStep string              `json:"current_step"`
	Workflow    *WorkflowDefinition `json:"workflow"`
	State       ExecutionState      `json:"state"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	FailedAt    *time.Time          `json:"failed_at,omitempty"`
	Error       string              `json:"error,omitempty"`
	RetryCount  int                 `json:"retry_count"`
}

// NaturalKey returns the composite key that duplicate suppression is
// enforced on: unique among executions with status != completed.
func (e *Execution) NaturalKey() string {
	return NaturalKey(e.WorkflowID, e.UserID, e.TriggerType, e.TriggerID)
}

// NaturalKey builds the composite execution key from its parts.
func NaturalKey(workflowID, userID, triggerType, triggerID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", workflowID, userID, triggerType, triggerID)
}

// AppendHistory appends one transition record. History is append-only;
// the only in-place mutation allowed is promoting suspended to completed
// on resume, which goes through MarkHistoryCompleted.
func (e *Execution) AppendHistory(entry HistoryEntry) {
	e.State.History = append(e.State.History, entry)
}

// MarkHistoryCompleted flips the most recent suspended entry for stepID to
// completed. Returns false if no such entry exists.
func (e *Execution) MarkHistoryCompleted(stepID string, at time.Time) bool {
	for i := len(e.State.History) - 1; i >= 0; i-- {
		h := &e.State.History[i]
		if h.StepID == stepID && h.State == HistorySuspended {
			h.State = HistoryCompleted
			h.Timestamp = at
			return true
		}
	}
	return false
}

// DelayStatus is the state of a suspended delay record.
type DelayStatus string

const (
	DelayPending    DelayStatus = "pending"
	DelayProcessing DelayStatus = "processing"
	DelayExecuted   DelayStatus = "executed"
	DelayFailed     DelayStatus = "failed"
	DelayCancelled  DelayStatus = "cancelled"
)

// CanTransitionTo enforces the delay status lattice: pending -> processing
// -> (executed|failed), with cancellation allowed from the non-terminal
// states. The lattice is never traversed backwards.
func (s DelayStatus) CanTransitionTo(to DelayStatus) bool {
	switch s {
	case DelayPending:
		return to == DelayProcessing || to == DelayCancelled
	case DelayProcessing:
		return to == DelayExecuted || to == DelayFailed || to == DelayCancelled
	}
	return false
}

// Delay is the persistent record of a suspended delay step. Context is a
// snapshot sufficient to re-enter the step after an arbitrary wall-clock
// gap, including the keys dynamic reconstruction depends on.
type Delay struct {
	ID          string                 `json:"id"`
	ExecutionID string                 `json:"execution_id"`
	StepID      string                 `json:"step_id"`
	DelayType   string                 `json:"delay_type"`
	DelayMs     int64                  `json:"delay_ms"`
	ScheduledAt time.Time              `json:"scheduled_at"`
	ExecuteAt   time.Time              `json:"execute_at"`
	Status      DelayStatus            `json:"status"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	ExecutedAt  *time.Time             `json:"executed_at,omitempty"`
}

// Delay context keys consumed by dynamic reconstruction on resume.
const (
	DelayContextOriginalType    = "originalDelayType"
	DelayContextConditionStepID = "conditionStepId"
	DelayContextActionIndex     = "actionIndex"
)

// GlobalCursorID is the reserved workflow ID for triggers that keep a
// single cluster-wide cursor instead of fanning out per workflow.
const GlobalCursorID = "00000000-0000-0000-0000-000000000001"

// TriggerCursor is the per-workflow, per-trigger-type poll watermark.
type TriggerCursor struct {
	WorkflowID        string    `json:"workflow_id"`
	TriggerType       string    `json:"trigger_type"`
	LastExecutionTime time.Time `json:"last_execution_time"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TriggerContext is the normalized output of a trigger poller: one external
// row, validated and enriched, ready to start an execution.
type TriggerContext struct {
	TriggerType string                 `json:"trigger_type"`
	TriggerID   string                 `json:"trigger_id"`
	UserID      string                 `json:"user_id"`
	WorkflowID  string                 `json:"workflow_id"`
	EntityData  map[string]interface{} `json:"entity_data,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

// Queue topics.
const (
	TopicWorkflowExecution = "workflow-execution"
)

// Job types on the workflow-execution topic.
const (
	// JobTypeStartWorkflow starts a fresh execution from trigger data.
	JobTypeStartWorkflow = "start-workflow"
	// JobTypeRunExecution advances an existing execution.
	JobTypeRunExecution = "run-execution"
)

// Job is one unit of queued work.
type Job struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	WorkflowID  string                 `json:"workflow_id,omitempty"`
	TriggerType string                 `json:"trigger_type,omitempty"`
	TriggerID   string                 `json:"trigger_id,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	TriggerData map[string]interface{} `json:"trigger_data,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Priority    int                    `json:"priority"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"max_attempts"`
	EnqueuedAt  time.Time              `json:"enqueued_at"`
}

// StepResult is what an executor returns to the orchestrator.
type StepResult struct {
	Success bool                   `json:"success"`
	Result  map[string]interface{} `json:"result,omitempty"`
	Error   string                 `json:"error,omitempty"`
	// NextSteps overrides the default step progression when non-nil.
	// An empty non-nil slice terminates the loop.
	NextSteps []string `json:"next_steps,omitempty"`
	// ExtractedActions are raw action clauses a condition emitted; the
	// orchestrator lowers and splices them immediately after the current
	// step.
	ExtractedActions []json.RawMessage      `json:"extracted_actions,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// StepResult metadata keys.
const (
	MetaWorkflowSuspended = "workflowSuspended"
	MetaResumeAt          = "resumeAt"
)

// Suspended reports whether the result carries the mandatory suspension
// signal.
func (r *StepResult) Suspended() bool {
	if r == nil || r.Metadata == nil {
		return false
	}
	v, ok := r.Metadata[MetaWorkflowSuspended].(bool)
	return ok && v
}

// ValidationResult is the outcome of validating a step or a raw trigger row.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Invalid builds a failed validation result from messages.
func Invalid(errs ...string) ValidationResult {
	return ValidationResult{Valid: false, Errors: errs}
}

// Valid is the zero-error validation result.
func ValidOK() ValidationResult {
	return ValidationResult{Valid: true}
}
