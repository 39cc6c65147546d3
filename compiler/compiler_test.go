package compiler

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driptide/driptide/core"
)

func compile(t *testing.T, rule string) []core.Step {
	t.Helper()
	steps, err := New(nil).Compile(json.RawMessage(rule))
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return steps
}

func TestCompileAndDialect(t *testing.T) {
	steps := compile(t, `{"and": [
		{"send_email": {"data": {"templateId": "welcome", "subject": "Hi", "to": "{{context.email}}"}}},
		{"delay": {"type": "1_day"}},
		{"sharedFlow": {"name": "re-engagement"}},
		{"end": true}
	]}`)

	require.Len(t, steps, 4)

	assert.Equal(t, "step_0", steps[0].ID)
	assert.Equal(t, core.StepTypeAction, steps[0].Type)
	assert.Equal(t, ActionSendEmail, steps[0].Data[DataAction])
	assert.Equal(t, "welcome", steps[0].Data["templateId"])
	assert.Equal(t, "Hi", steps[0].Data["subject"])

	assert.Equal(t, core.StepTypeDelay, steps[1].Type)
	assert.Equal(t, "1_day", steps[1].Data[DataDelayType])
	assert.Equal(t, int64(86_400_000), steps[1].Data[DataDelayMs])

	assert.Equal(t, core.StepTypeSharedFlow, steps[2].Type)
	assert.Equal(t, "re-engagement", steps[2].Data[DataFlowName])

	assert.Equal(t, core.StepTypeEnd, steps[3].Type)

	// Linear next pointers; end steps point nowhere.
	assert.Equal(t, []string{"step_1"}, steps[0].Next)
	assert.Equal(t, []string{"step_2"}, steps[1].Next)
	assert.Equal(t, []string{"step_3"}, steps[2].Next)
	assert.Nil(t, steps[3].Next)
}

func TestCompileActionAliases(t *testing.T) {
	for _, alias := range []string{"send_email", "send_mail", "Send Mail"} {
		rule := `{"and": [{"` + alias + `": {"templateId": "t1"}}]}`
		steps := compile(t, rule)
		require.Len(t, steps, 1)
		assert.Equal(t, ActionSendEmail, steps[0].Data[DataAction], "alias %s", alias)
		assert.Equal(t, "t1", steps[0].Data["templateId"])
	}

	steps := compile(t, `{"and": [{"send_sms": {"to": "+123"}}]}`)
	assert.Equal(t, ActionSendSMS, steps[0].Data[DataAction])
}

func TestCompileConditionDialects(t *testing.T) {
	tests := []struct {
		name      string
		clause    string
		wantType  string
		wantValue interface{}
	}{
		{
			name:      "json-logic equality",
			clause:    `{"==": [{"var": "product_package"}, "package_1"]}`,
			wantType:  "product_package",
			wantValue: "package_1",
		},
		{
			name:      "shorthand key",
			clause:    `{"user_segment": "premium"}`,
			wantType:  "user_segment",
			wantValue: "premium",
		},
		{
			name:      "condition wrapper",
			clause:    `{"condition": {"==": [{"var": "subscription_status"}, "active"]}}`,
			wantType:  "subscription_status",
			wantValue: "active",
		},
		{
			name:      "if wrapper",
			clause:    `{"if": {"email_domain": "gmail.com"}}`,
			wantType:  "email_domain",
			wantValue: "gmail.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := compile(t, `{"and": [`+tt.clause+`]}`)
			require.Len(t, steps, 1)
			assert.Equal(t, core.StepTypeCondition, steps[0].Type)
			assert.Equal(t, tt.wantType, steps[0].Data[DataConditionType])
			assert.Equal(t, tt.wantValue, steps[0].Data[DataConditionValue])
			assert.Equal(t, OperatorEquals, steps[0].Data[DataOperator])
		})
	}
}

func TestCompileParallelFlattens(t *testing.T) {
	steps := compile(t, `{"parallel": {
		"trigger": {"type": "subscription_created"},
		"branches": [
			{"and": [{"send_email": {"templateId": "a"}}, {"delay": {"type": "1_hour"}}]},
			{"or": [{"send_sms": {"to": "+1"}}]}
		]
	}}`)

	require.Len(t, steps, 3)
	assert.Equal(t, "a", steps[0].Data["templateId"])
	assert.Equal(t, core.StepTypeDelay, steps[1].Type)
	assert.Equal(t, ActionSendSMS, steps[2].Data[DataAction])
}

func TestCompileStepsPassthrough(t *testing.T) {
	steps := compile(t, `{"steps": [
		{"type": "action", "data": {"action": "send_email", "templateId": "t"}},
		{"type": "end"}
	]}`)

	require.Len(t, steps, 2)
	assert.Equal(t, "step_0", steps[0].ID)
	assert.Equal(t, "step_1", steps[1].ID)
	assert.Equal(t, core.StepTypeAction, steps[0].Type)
}

func TestCompileIdempotent(t *testing.T) {
	rule := json.RawMessage(`{"and": [
		{"send_email": {"data": {"templateId": "welcome"}}},
		{"delay": {"type": "1_week"}},
		{"==": [{"var": "product_package"}, "package_1"]},
		{"end": true}
	]}`)

	c := New(nil)
	first, err := c.Compile(rule)
	require.NoError(t, err)

	// Feed the compiled output back in as the steps dialect.
	wrapped, err := json.Marshal(map[string]interface{}{"steps": first})
	require.NoError(t, err)
	second, err := c.Compile(wrapped)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCompileUnknownDelayFallsBack(t *testing.T) {
	steps := compile(t, `{"and": [{"delay": {"type": "fortnight"}}]}`)
	require.Len(t, steps, 1)
	assert.Equal(t, FallbackDelayMs, steps[0].Data[DataDelayMs])
	assert.Equal(t, "fortnight", steps[0].Data[DataDelayType])
}

func TestCompileCustomAction(t *testing.T) {
	steps := compile(t, `{"and": [{"webhook": {"url": "https://example.com/hook"}}]}`)
	require.Len(t, steps, 1)
	assert.Equal(t, core.StepTypeAction, steps[0].Type)
	assert.Equal(t, "webhook", steps[0].Data[DataAction])
	assert.Equal(t, "https://example.com/hook", steps[0].Data["url"])
}

func TestCompileRejectsMalformedRules(t *testing.T) {
	c := New(nil)
	for name, rule := range map[string]string{
		"empty":              "",
		"not json":           "{",
		"unknown dialect":    `{"sequence": []}`,
		"bad parallel":       `{"parallel": {"branches": [{"neither": []}]}}`,
		"predicate-less if":  `{"and": [{"if": {"then": []}}]}`,
		"nameless sharedFlow": `{"and": [{"sharedFlow": {}}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.Compile(json.RawMessage(rule))
			if !errors.Is(err, core.ErrInvalidRule) {
				t.Errorf("Compile(%s) error = %v, want ErrInvalidRule", name, err)
			}
		})
	}
}

func TestExtractConditionActions(t *testing.T) {
	rule := json.RawMessage(`{
		"==": [{"var": "product_package"}, "package_1"],
		"then": [
			{"send_email": {"templateId": "a"}},
			{"delay": {"type": "1_week"}},
			{"send_email": {"templateId": "b"}}
		]
	}`)
	actions := ExtractConditionActions(rule)
	require.Len(t, actions, 3)

	nested := json.RawMessage(`{"if": {
		"user_segment": "premium",
		"actions": [{"send_sms": {"to": "+1"}}]
	}}`)
	actions = ExtractConditionActions(nested)
	require.Len(t, actions, 1)

	assert.Nil(t, ExtractConditionActions(json.RawMessage(`{"end": true}`)))
	assert.Nil(t, ExtractConditionActions(json.RawMessage(`not json`)))
}

func TestDelayMillisTable(t *testing.T) {
	tests := map[string]int64{
		"1_second":   1_000,
		"30_minutes": 1_800_000,
		"1_day":      86_400_000,
		"1_week":     604_800_000,
		"1_month":    2_592_000_000,
	}
	for key, want := range tests {
		got, known := DelayMillis(key)
		if !known || got != want {
			t.Errorf("DelayMillis(%s) = %d, %v; want %d, true", key, got, known, want)
		}
	}

	got, known := DelayMillis("eon")
	if known || got != FallbackDelayMs {
		t.Errorf("DelayMillis(eon) = %d, %v; want fallback", got, known)
	}
}

func TestDynamicStepIDs(t *testing.T) {
	id := DynamicStepID("step_2", 1)
	if id != "step_2_action_1" {
		t.Fatalf("DynamicStepID = %s", id)
	}

	k, ok := DynamicStepIndex(id, "step_2")
	if !ok || k != 1 {
		t.Errorf("DynamicStepIndex = %d, %v; want 1, true", k, ok)
	}
	if _, ok := DynamicStepIndex("step_3_action_1", "step_2"); ok {
		t.Error("index recovered for the wrong condition step")
	}
	if _, ok := DynamicStepIndex("step_2_action_x", "step_2"); ok {
		t.Error("index recovered from malformed suffix")
	}
}
