// Package compiler lowers user-authored JSON rule documents into the
// normalized linear step list the orchestrator executes. It accepts
// several rule dialects and produces positionally-stable step IDs, so
// recompiling the same rule always yields the same steps.
package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/driptide/driptide/core"
)

// Step data keys populated by the compiler and read by executors.
const (
	DataDelayType      = "delayType"
	DataDelayMs        = "delayMs"
	DataAction         = "action"
	DataConditionType  = "conditionType"
	DataConditionValue = "conditionValue"
	DataOperator       = "operator"
	DataFlowName       = "name"
)

// Canonical action names.
const (
	ActionSendEmail = "send_email"
	ActionSendSMS   = "send_sms"
)

// OperatorEquals is the only comparison the condition dialects produce.
const OperatorEquals = "equals"

// actionAliases maps the rule spellings of the mail actions onto the
// canonical action names. Checked in order so lowering is deterministic.
var actionAliases = []struct {
	alias     string
	canonical string
}{
	{"send_email", ActionSendEmail},
	{"send_mail", ActionSendEmail},
	{"Send Mail", ActionSendEmail},
	{"send_sms", ActionSendSMS},
}

// conditionKeys are the shorthand predicate keys, in normalization order.
var conditionKeys = []string{
	"product_package",
	"user_segment",
	"subscription_status",
	"email_domain",
}

// Compiler lowers rule documents into compiled steps.
type Compiler struct {
	logger core.Logger
}

// New creates a compiler.
func New(logger core.Logger) *Compiler {
	return &Compiler{logger: core.ComponentLogger(logger, "compiler")}
}

// StepID returns the positionally-stable ID for a compiled step.
func StepID(index int) string {
	return fmt.Sprintf("step_%d", index)
}

// DynamicStepID names a step a condition produced at runtime.
func DynamicStepID(conditionStepID string, actionIndex int) string {
	return fmt.Sprintf("%s_action_%d", conditionStepID, actionIndex)
}

// DynamicStepIndex recovers the action index encoded in a dynamic step
// ID. Returns false if the ID was not produced by DynamicStepID for the
// given condition step.
func DynamicStepIndex(stepID, conditionStepID string) (int, bool) {
	prefix := conditionStepID + "_action_"
	if !strings.HasPrefix(stepID, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(stepID[len(prefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ParseDynamicStepID splits a dynamic step ID into the producing
// condition step ID and the action index. ok is false for compiled IDs.
func ParseDynamicStepID(stepID string) (conditionStepID string, actionIndex int, ok bool) {
	i := strings.LastIndex(stepID, "_action_")
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(stepID[i+len("_action_"):])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return stepID[:i], n, true
}

// Compile lowers one rule document into a linear step list.
//
// Accepted dialects:
//
//	{steps: [...]}                          passthrough, IDs reassigned by index
//	{and: [clause, ...]}                    one step per clause
//	{parallel: {trigger, branches: [...]}}  branches flattened in order
//
// Next pointers are rebuilt linearly in every dialect, so every
// reachable next resolves by construction.
func (c *Compiler) Compile(rule json.RawMessage) ([]core.Step, error) {
	if len(rule) == 0 {
		return nil, core.NewEngineError("compiler.Compile", "rule", core.ErrInvalidRule)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(rule, &top); err != nil {
		return nil, core.NewEngineError("compiler.Compile", "rule",
			fmt.Errorf("%w: %v", core.ErrInvalidRule, err))
	}

	var clauses []json.RawMessage
	switch {
	case top["steps"] != nil:
		return c.compileSteps(top["steps"])
	case top["and"] != nil:
		if err := json.Unmarshal(top["and"], &clauses); err != nil {
			return nil, core.NewEngineError("compiler.Compile", "rule",
				fmt.Errorf("%w: and must be an array: %v", core.ErrInvalidRule, err))
		}
	case top["parallel"] != nil:
		var err error
		clauses, err = flattenParallel(top["parallel"])
		if err != nil {
			return nil, err
		}
	default:
		return nil, core.NewEngineError("compiler.Compile", "rule",
			fmt.Errorf("%w: no recognized top-level dialect", core.ErrInvalidRule))
	}

	steps := make([]core.Step, 0, len(clauses))
	for i, clause := range clauses {
		step, err := c.LowerClause(clause, StepID(i))
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	linkSteps(steps)
	return steps, nil
}

// compileSteps handles the passthrough dialect. Steps carrying their
// source clause are re-lowered from it, which keeps compilation
// idempotent when fed its own output.
func (c *Compiler) compileSteps(raw json.RawMessage) ([]core.Step, error) {
	var in []core.Step
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, core.NewEngineError("compiler.Compile", "rule",
			fmt.Errorf("%w: steps must be an array: %v", core.ErrInvalidRule, err))
	}

	steps := make([]core.Step, 0, len(in))
	for i, s := range in {
		if len(s.Rule) > 0 {
			step, err := c.LowerClause(s.Rule, StepID(i))
			if err != nil {
				return nil, err
			}
			steps = append(steps, step)
			continue
		}
		s.ID = StepID(i)
		s.Next = nil
		steps = append(steps, s)
	}
	linkSteps(steps)
	return steps, nil
}

func flattenParallel(raw json.RawMessage) ([]json.RawMessage, error) {
	var parallel struct {
		Trigger  json.RawMessage              `json:"trigger"`
		Branches []map[string]json.RawMessage `json:"branches"`
	}
	if err := json.Unmarshal(raw, &parallel); err != nil {
		return nil, core.NewEngineError("compiler.Compile", "rule",
			fmt.Errorf("%w: malformed parallel block: %v", core.ErrInvalidRule, err))
	}

	// Branches collapse into one linear sequence in declaration order.
	var clauses []json.RawMessage
	for i, branch := range parallel.Branches {
		list := branch["and"]
		if list == nil {
			list = branch["or"]
		}
		if list == nil {
			return nil, core.NewEngineError("compiler.Compile", "rule",
				fmt.Errorf("%w: branch %d has no and/or clause list", core.ErrInvalidRule, i))
		}
		var branchClauses []json.RawMessage
		if err := json.Unmarshal(list, &branchClauses); err != nil {
			return nil, core.NewEngineError("compiler.Compile", "rule",
				fmt.Errorf("%w: branch %d clause list: %v", core.ErrInvalidRule, i, err))
		}
		clauses = append(clauses, branchClauses...)
	}
	return clauses, nil
}

// linkSteps rebuilds the linear next pointers. End steps and the final
// step point nowhere.
func linkSteps(steps []core.Step) {
	for i := range steps {
		if i < len(steps)-1 && steps[i].Type != core.StepTypeEnd {
			steps[i].Next = []string{steps[i+1].ID}
		} else {
			steps[i].Next = nil
		}
	}
}

// LowerClause normalizes one rule clause into a step with the given ID.
// The orchestrator also calls this to materialize actions a condition
// extracted at runtime.
func (c *Compiler) LowerClause(raw json.RawMessage, id string) (core.Step, error) {
	var clause map[string]json.RawMessage
	if err := json.Unmarshal(raw, &clause); err != nil {
		return core.Step{}, core.NewEngineError("compiler.LowerClause", "rule",
			fmt.Errorf("%w: clause must be an object: %v", core.ErrInvalidRule, err)).WithID(id)
	}

	// The stored rule is compacted so recompiling a compiled step list
	// reproduces it byte for byte.
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, raw); err != nil {
		return core.Step{}, core.NewEngineError("compiler.LowerClause", "rule",
			fmt.Errorf("%w: %v", core.ErrInvalidRule, err)).WithID(id)
	}
	step := core.Step{ID: id, Rule: json.RawMessage(compacted.Bytes())}

	if v, ok := clause["delay"]; ok {
		return c.lowerDelay(step, v)
	}
	for _, a := range actionAliases {
		if v, ok := clause[a.alias]; ok {
			return lowerAction(step, a.canonical, v), nil
		}
	}
	if v, ok := clause["sharedFlow"]; ok {
		return lowerSharedFlow(step, v)
	}
	if _, ok := clause["end"]; ok {
		step.Type = core.StepTypeEnd
		return step, nil
	}
	if v, ok := clause["condition"]; ok {
		return lowerCondition(step, v, id)
	}
	if v, ok := clause["if"]; ok {
		return lowerCondition(step, v, id)
	}
	if _, ok := clause["=="]; ok {
		return lowerCondition(step, raw, id)
	}
	if len(clause) == 1 {
		for _, key := range conditionKeys {
			if _, ok := clause[key]; ok {
				return lowerCondition(step, raw, id)
			}
		}
	}

	// Anything unrecognized becomes a custom action so authoring new
	// adapter verbs needs no compiler change.
	return lowerCustomAction(step, clause), nil
}

func (c *Compiler) lowerDelay(step core.Step, raw json.RawMessage) (core.Step, error) {
	var spec struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return core.Step{}, core.NewEngineError("compiler.LowerClause", "rule",
			fmt.Errorf("%w: malformed delay clause: %v", core.ErrInvalidRule, err)).WithID(step.ID)
	}

	ms, known := DelayMillis(spec.Type)
	if !known {
		c.logger.Warn("Unknown symbolic delay, falling back", map[string]interface{}{
			"step_id":     step.ID,
			"delay_type":  spec.Type,
			"fallback_ms": FallbackDelayMs,
		})
	}

	step.Type = core.StepTypeDelay
	step.Data = map[string]interface{}{
		DataDelayType: spec.Type,
		DataDelayMs:   ms,
	}
	return step, nil
}

func lowerAction(step core.Step, action string, raw json.RawMessage) core.Step {
	step.Type = core.StepTypeAction
	step.Data = map[string]interface{}{DataAction: action}

	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return step
	}
	fields := body
	if nested, ok := body["data"].(map[string]interface{}); ok {
		fields = nested
	}
	for k, v := range fields {
		step.Data[k] = v
	}
	return step
}

func lowerCustomAction(step core.Step, clause map[string]json.RawMessage) core.Step {
	step.Type = core.StepTypeAction
	step.Data = map[string]interface{}{}

	if len(clause) == 1 {
		for name, raw := range clause {
			step.Data[DataAction] = name
			var body map[string]interface{}
			if err := json.Unmarshal(raw, &body); err == nil {
				for k, v := range body {
					step.Data[k] = v
				}
			}
		}
		return step
	}

	step.Data[DataAction] = "custom"
	for k, raw := range clause {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err == nil {
			step.Data[k] = v
		}
	}
	return step
}

func lowerSharedFlow(step core.Step, raw json.RawMessage) (core.Step, error) {
	var spec struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &spec); err != nil || spec.Name == "" {
		return core.Step{}, core.NewEngineError("compiler.LowerClause", "rule",
			fmt.Errorf("%w: sharedFlow requires a name", core.ErrInvalidRule)).WithID(step.ID)
	}
	step.Type = core.StepTypeSharedFlow
	step.Data = map[string]interface{}{DataFlowName: spec.Name}
	return step, nil
}

func lowerCondition(step core.Step, raw json.RawMessage, id string) (core.Step, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return core.Step{}, core.NewEngineError("compiler.LowerClause", "rule",
			fmt.Errorf("%w: malformed condition clause: %v", core.ErrInvalidRule, err)).WithID(id)
	}

	data, err := normalizeCondition(body)
	if err != nil {
		return core.Step{}, core.NewEngineError("compiler.LowerClause", "rule", err).WithID(id)
	}
	step.Type = core.StepTypeCondition
	step.Data = data
	return step, nil
}

// normalizeCondition reduces the predicate dialects to
// {conditionType, conditionValue, operator}.
func normalizeCondition(body map[string]json.RawMessage) (map[string]interface{}, error) {
	operator := OperatorEquals
	if raw, ok := body["operator"]; ok {
		_ = json.Unmarshal(raw, &operator)
	}

	if eq, ok := body["=="]; ok {
		var args []json.RawMessage
		if err := json.Unmarshal(eq, &args); err != nil || len(args) != 2 {
			return nil, fmt.Errorf("%w: == expects [var, value]", core.ErrInvalidRule)
		}
		var ref struct {
			Var string `json:"var"`
		}
		if err := json.Unmarshal(args[0], &ref); err != nil || ref.Var == "" {
			return nil, fmt.Errorf("%w: == first argument must be a var reference", core.ErrInvalidRule)
		}
		var value interface{}
		if err := json.Unmarshal(args[1], &value); err != nil {
			return nil, fmt.Errorf("%w: undecodable == value", core.ErrInvalidRule)
		}
		return map[string]interface{}{
			DataConditionType:  ref.Var,
			DataConditionValue: value,
			DataOperator:       operator,
		}, nil
	}

	for _, key := range conditionKeys {
		raw, ok := body[key]
		if !ok {
			continue
		}
		var value interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("%w: undecodable %s value", core.ErrInvalidRule, key)
		}
		return map[string]interface{}{
			DataConditionType:  key,
			DataConditionValue: value,
			DataOperator:       operator,
		}, nil
	}

	return nil, fmt.Errorf("%w: condition has no recognizable predicate", core.ErrInvalidRule)
}

// ExtractConditionActions returns the downstream action clauses a
// condition clause carries under "then" or "actions". The condition
// executor emits these when its predicate holds.
func ExtractConditionActions(rule json.RawMessage) []json.RawMessage {
	var clause map[string]json.RawMessage
	if err := json.Unmarshal(rule, &clause); err != nil {
		return nil
	}

	// The action list may sit beside the predicate or nested inside a
	// condition/if wrapper.
	bodies := []map[string]json.RawMessage{clause}
	if inner, ok := clause["condition"]; ok {
		var m map[string]json.RawMessage
		if json.Unmarshal(inner, &m) == nil {
			bodies = append(bodies, m)
		}
	}
	if inner, ok := clause["if"]; ok {
		var m map[string]json.RawMessage
		if json.Unmarshal(inner, &m) == nil {
			bodies = append(bodies, m)
		}
	}

	for _, body := range bodies {
		list := body["then"]
		if list == nil {
			list = body["actions"]
		}
		if list == nil {
			continue
		}
		var actions []json.RawMessage
		if err := json.Unmarshal(list, &actions); err == nil {
			return actions
		}
	}
	return nil
}
