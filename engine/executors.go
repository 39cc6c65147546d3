package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/driptide/driptide/compiler"
	"github.com/driptide/driptide/core"
)

// DefaultAdapterTimeout bounds one external side-effect call.
const DefaultAdapterTimeout = 30 * time.Second

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

// ActionExecutor performs external effects through registered adapters.
type ActionExecutor struct {
	adapters *AdapterRegistry
	timeout  time.Duration
	logger   core.Logger
}

// NewActionExecutor creates the action executor.
func NewActionExecutor(adapters *AdapterRegistry, timeout time.Duration, logger core.Logger) *ActionExecutor {
	if timeout <= 0 {
		timeout = DefaultAdapterTimeout
	}
	return &ActionExecutor{
		adapters: adapters,
		timeout:  timeout,
		logger:   core.ComponentLogger(logger, "engine/action"),
	}
}

func (e *ActionExecutor) Type() core.StepType { return core.StepTypeAction }

// Validate checks the fields the action's channel requires.
func (e *ActionExecutor) Validate(step *core.Step) core.ValidationResult {
	action := stringField(step.Data, compiler.DataAction)
	if action == "" {
		return core.Invalid("action step requires an action name")
	}

	var missing []string
	switch action {
	case compiler.ActionSendEmail:
		for _, field := range []string{"templateId", "subject", "to"} {
			if stringField(step.Data, field) == "" {
				missing = append(missing, field)
			}
		}
	case compiler.ActionSendSMS:
		if stringField(step.Data, "to") == "" {
			missing = append(missing, "to")
		}
	}
	if len(missing) > 0 {
		errs := make([]string, len(missing))
		for i, f := range missing {
			errs[i] = fmt.Sprintf("%s requires %q", action, f)
		}
		return core.Invalid(errs...)
	}
	return core.ValidOK()
}

// Execute substitutes templates from the execution context and invokes
// the adapter with a bounded timeout. Adapter failure fails the step.
func (e *ActionExecutor) Execute(ctx context.Context, step *core.Step, execution *core.Execution) (*core.StepResult, error) {
	data := substituteValues(step.Data, execution.State.Context)
	action := stringField(data, compiler.DataAction)

	adapter, ok := e.adapters.Get(action)
	if !ok {
		return &core.StepResult{
			Success: false,
			Error:   fmt.Sprintf("no adapter registered for action %q", action),
		}, nil
	}

	req := &ActionRequest{
		ExecutionID: execution.ID,
		StepID:      step.ID,
		Action:      action,
		To:          stringField(data, "to"),
		Subject:     stringField(data, "subject"),
		TemplateID:  stringField(data, "templateId"),
		Data:        data,
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := adapter.Send(callCtx, req); err != nil {
		e.logger.Error("Adapter call failed", map[string]interface{}{
			"execution_id": execution.ID,
			"step_id":      step.ID,
			"action":       action,
			"error":        err.Error(),
		})
		return &core.StepResult{Success: false, Error: err.Error()}, nil
	}

	return &core.StepResult{
		Success: true,
		Result: map[string]interface{}{
			"action": action,
			"to":     req.To,
		},
	}, nil
}

// DelayExecutor suspends the execution by arming a Delay record. It
// never blocks the caller.
type DelayExecutor struct {
	delays core.DelayStore
	clock  core.Clock
	logger core.Logger
}

// NewDelayExecutor creates the delay executor.
func NewDelayExecutor(delays core.DelayStore, clock core.Clock, logger core.Logger) *DelayExecutor {
	if clock == nil {
		clock = core.NewRealClock()
	}
	return &DelayExecutor{
		delays: delays,
		clock:  clock,
		logger: core.ComponentLogger(logger, "engine/delay"),
	}
}

func (e *DelayExecutor) Type() core.StepType { return core.StepTypeDelay }

func (e *DelayExecutor) Validate(step *core.Step) core.ValidationResult {
	if stringField(step.Data, compiler.DataDelayType) == "" {
		return core.Invalid("delay step requires a delay type")
	}
	return core.ValidOK()
}

// Execute creates a pending Delay and returns the suspension signal.
func (e *DelayExecutor) Execute(ctx context.Context, step *core.Step, execution *core.Execution) (*core.StepResult, error) {
	delayType := stringField(step.Data, compiler.DataDelayType)

	var ms int64
	switch v := step.Data[compiler.DataDelayMs].(type) {
	case int64:
		ms = v
	case float64:
		ms = int64(v)
	default:
		var known bool
		ms, known = compiler.DelayMillis(delayType)
		if !known {
			e.logger.Warn("Unknown symbolic delay, falling back", map[string]interface{}{
				"execution_id": execution.ID,
				"step_id":      step.ID,
				"delay_type":   delayType,
				"fallback_ms":  compiler.FallbackDelayMs,
			})
		}
	}

	now := e.clock.Now()
	executeAt := now.Add(time.Duration(ms) * time.Millisecond)

	delayCtx := map[string]interface{}{
		core.DelayContextOriginalType: delayType,
	}
	if condID, k, ok := compiler.ParseDynamicStepID(step.ID); ok {
		delayCtx[core.DelayContextConditionStepID] = condID
		delayCtx[core.DelayContextActionIndex] = k
	}

	delay := &core.Delay{
		ID:          uuid.NewString(),
		ExecutionID: execution.ID,
		StepID:      step.ID,
		DelayType:   delayType,
		DelayMs:     ms,
		ScheduledAt: now,
		ExecuteAt:   executeAt,
		Status:      core.DelayPending,
		Context:     delayCtx,
	}
	if err := e.delays.Create(ctx, delay); err != nil {
		// A prior suspension of the same step already armed a delay;
		// the existing row remains the liveness token.
		if !errors.Is(err, core.ErrAlreadyExists) {
			return &core.StepResult{Success: false, Error: err.Error()}, nil
		}
	}

	return &core.StepResult{
		Success: true,
		Result: map[string]interface{}{
			"delayId":   delay.ID,
			"delayType": delayType,
			"executeAt": executeAt.Format(time.RFC3339),
		},
		Metadata: map[string]interface{}{
			core.MetaWorkflowSuspended: true,
			core.MetaResumeAt:          executeAt.Format(time.RFC3339),
		},
	}, nil
}

// ConditionExecutor evaluates a normalized predicate against the
// execution context. It is pure over the context: dynamic-step
// reconstruction depends on re-running it deterministically.
type ConditionExecutor struct {
	logger core.Logger
}

// NewConditionExecutor creates the condition executor.
func NewConditionExecutor(logger core.Logger) *ConditionExecutor {
	return &ConditionExecutor{logger: core.ComponentLogger(logger, "engine/condition")}
}

func (e *ConditionExecutor) Type() core.StepType { return core.StepTypeCondition }

func (e *ConditionExecutor) Validate(step *core.Step) core.ValidationResult {
	if stringField(step.Data, compiler.DataConditionType) == "" {
		return core.Invalid("condition step requires a condition type")
	}
	if op := stringField(step.Data, compiler.DataOperator); op != "" && op != compiler.OperatorEquals {
		return core.Invalid(fmt.Sprintf("unsupported operator %q", op))
	}
	return core.ValidOK()
}

// Execute succeeds regardless of the predicate outcome; a false
// predicate simply extracts no downstream actions.
func (e *ConditionExecutor) Execute(ctx context.Context, step *core.Step, execution *core.Execution) (*core.StepResult, error) {
	key := stringField(step.Data, compiler.DataConditionType)
	want := step.Data[compiler.DataConditionValue]
	got, found := conditionValue(execution.State.Context, key)
	matched := found && looseEquals(got, want)

	result := &core.StepResult{
		Success: true,
		Result: map[string]interface{}{
			"matched":       matched,
			"conditionType": key,
		},
	}
	if matched {
		result.ExtractedActions = compiler.ExtractConditionActions(step.Rule)
	}

	e.logger.Debug("Condition evaluated", map[string]interface{}{
		"execution_id":      execution.ID,
		"step_id":           step.ID,
		"condition_type":    key,
		"matched":           matched,
		"extracted_actions": len(result.ExtractedActions),
	})
	return result, nil
}

// conditionValue resolves a predicate key against context.data first,
// then the context root.
func conditionValue(context map[string]interface{}, key string) (interface{}, bool) {
	if data, ok := context["data"].(map[string]interface{}); ok {
		if v, ok := lookupContext(data, key); ok {
			return v, true
		}
	}
	return lookupContext(context, key)
}

// looseEquals compares across JSON's type erasure (int vs float64,
// stringified numbers).
func looseEquals(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// SharedFlowExecutor delegates to the shared-flow collaborator. Shared
// flows cannot suspend.
type SharedFlowExecutor struct {
	flows   SharedFlowRunner
	timeout time.Duration
	logger  core.Logger
}

// NewSharedFlowExecutor creates the shared-flow executor.
func NewSharedFlowExecutor(flows SharedFlowRunner, timeout time.Duration, logger core.Logger) *SharedFlowExecutor {
	if timeout <= 0 {
		timeout = DefaultAdapterTimeout
	}
	return &SharedFlowExecutor{
		flows:   flows,
		timeout: timeout,
		logger:  core.ComponentLogger(logger, "engine/sharedflow"),
	}
}

func (e *SharedFlowExecutor) Type() core.StepType { return core.StepTypeSharedFlow }

func (e *SharedFlowExecutor) Validate(step *core.Step) core.ValidationResult {
	if stringField(step.Data, compiler.DataFlowName) == "" {
		return core.Invalid("shared-flow step requires a flow name")
	}
	return core.ValidOK()
}

func (e *SharedFlowExecutor) Execute(ctx context.Context, step *core.Step, execution *core.Execution) (*core.StepResult, error) {
	if e.flows == nil {
		return &core.StepResult{Success: false, Error: "no shared-flow runner configured"}, nil
	}
	name := stringField(step.Data, compiler.DataFlowName)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.flows.Run(callCtx, name, execution.State.Context); err != nil {
		return &core.StepResult{Success: false, Error: err.Error()}, nil
	}
	return &core.StepResult{
		Success: true,
		Result:  map[string]interface{}{"flow": name},
	}, nil
}

// EndExecutor terminates the step loop.
type EndExecutor struct{}

// NewEndExecutor creates the end executor.
func NewEndExecutor() *EndExecutor { return &EndExecutor{} }

func (e *EndExecutor) Type() core.StepType { return core.StepTypeEnd }

func (e *EndExecutor) Validate(step *core.Step) core.ValidationResult {
	return core.ValidOK()
}

func (e *EndExecutor) Execute(ctx context.Context, step *core.Step, execution *core.Execution) (*core.StepResult, error) {
	return &core.StepResult{Success: true, NextSteps: []string{}}, nil
}

var (
	_ StepExecutor = (*ActionExecutor)(nil)
	_ StepExecutor = (*DelayExecutor)(nil)
	_ StepExecutor = (*ConditionExecutor)(nil)
	_ StepExecutor = (*SharedFlowExecutor)(nil)
	_ StepExecutor = (*EndExecutor)(nil)
)
