package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driptide/driptide/core"
)

const dripRule = `{"and": [
	{"send_email": {"data": {"templateId": "welcome", "subject": "Welcome", "to": "{{context.email}}"}}},
	{"delay": {"type": "1_day"}},
	{"send_email": {"data": {"templateId": "followup", "subject": "Still there?", "to": "{{context.email}}"}}},
	{"end": true}
]}`

// promote claims due delays and resumes each owning execution, the way
// the scheduler tick does.
func (e *testEngine) promote(t *testing.T, ctx context.Context) int {
	t.Helper()
	claimed, err := e.delays.ClaimDue(ctx, e.clock.Now(), 100)
	require.NoError(t, err)
	for _, d := range claimed {
		require.NoError(t, e.orch.ResumeFromDelay(ctx, d))
	}
	return len(claimed)
}

func TestDripCampaignAcrossDelay(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wf := e.compileWorkflow(t, "wf-drip", "subscription_created", dripRule)

	execution, err := e.orch.StartExecution(ctx, wf, sampleTrigger("u-1", "sub-1"))
	require.NoError(t, err)

	// The welcome email went out and the execution suspended on the delay.
	calls := e.adapter.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "welcome", calls[0].TemplateID)
	assert.Equal(t, "u-1@example.com", calls[0].To)

	stored, err := e.executions.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionRunning, stored.Status)
	require.Len(t, stored.State.History, 2)
	assert.Equal(t, core.HistorySuspended, stored.State.History[1].State)

	// Not due yet.
	e.clock.Advance(23 * time.Hour)
	assert.Equal(t, 0, e.promote(t, ctx))
	assert.Len(t, e.adapter.Calls(), 1)

	// A day after the welcome email the follow-up fires.
	e.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, e.promote(t, ctx))

	calls = e.adapter.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "followup", calls[1].TemplateID)

	stored, err = e.executions.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, stored.Status)
	require.Len(t, stored.State.History, 4)
	for _, h := range stored.State.History {
		assert.Equal(t, core.HistoryCompleted, h.State)
	}

	// The suspended entry was flipped in place, at resume time.
	gap := stored.State.History[1].Timestamp.Sub(stored.State.History[0].Timestamp)
	assert.GreaterOrEqual(t, gap, 24*time.Hour)

	n, err := e.delays.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDuplicateTriggerIsSquashed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wf := e.compileWorkflow(t, "wf-drip", "subscription_created", dripRule)

	first, err := e.orch.StartExecution(ctx, wf, sampleTrigger("u-1", "sub-1"))
	require.NoError(t, err)

	second, err := e.orch.StartExecution(ctx, wf, sampleTrigger("u-1", "sub-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// No second welcome email, and the duplicate was counted.
	assert.Len(t, e.adapter.Calls(), 1)
	assert.Equal(t, int64(1), e.orch.Metrics().Snapshot().Duplicates)

	// A different trigger entity is a fresh execution.
	third, err := e.orch.StartExecution(ctx, wf, sampleTrigger("u-1", "sub-2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestCancelDuringDelay(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wf := e.compileWorkflow(t, "wf-drip", "subscription_created", dripRule)

	execution, err := e.orch.StartExecution(ctx, wf, sampleTrigger("u-1", "sub-1"))
	require.NoError(t, err)

	cancelled, err := e.orch.Cancel(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCancelled, cancelled.Status)

	// The armed delay was cancelled with it: nothing promotes, no
	// follow-up email ever goes out.
	e.clock.Advance(48 * time.Hour)
	assert.Equal(t, 0, e.promote(t, ctx))
	assert.Len(t, e.adapter.Calls(), 1)
}

func TestPauseDefersDelayUntilResume(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wf := e.compileWorkflow(t, "wf-drip", "subscription_created", dripRule)

	execution, err := e.orch.StartExecution(ctx, wf, sampleTrigger("u-1", "sub-1"))
	require.NoError(t, err)

	_, err = e.orch.Pause(ctx, execution.ID)
	require.NoError(t, err)

	// The delay comes due while paused: the claimed row settles as
	// cancelled and a replacement pending row re-arms the step for a
	// later tick. Statuses only ever move forward.
	e.clock.Advance(25 * time.Hour)
	claimed, err := e.delays.ClaimDue(ctx, e.clock.Now(), 100)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, e.orch.ResumeFromDelay(ctx, claimed[0]))
	assert.Len(t, e.adapter.Calls(), 1)

	old, err := e.delays.Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.DelayCancelled, old.Status)
	pending, err := e.delays.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	// The replacement is not due yet.
	notDue, err := e.delays.ClaimDue(ctx, e.clock.Now(), 100)
	require.NoError(t, err)
	assert.Empty(t, notDue)

	// After resume the next recheck completes the campaign.
	_, err = e.orch.Resume(ctx, execution.ID)
	require.NoError(t, err)
	e.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, e.promote(t, ctx))

	stored, err := e.executions.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, stored.Status)
	assert.Len(t, e.adapter.Calls(), 2)
}

func TestDynamicStepsAcrossDelay(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// The delay suspends inside a condition's action list. The compiled
	// step list never contains the dynamic steps; resume has to rebuild
	// them by re-running the condition.
	rule := `{"and": [
		{"condition": {"product_package": "premium"}, "then": [
			{"send_email": {"data": {"templateId": "premium-welcome", "subject": "Hi", "to": "{{context.email}}"}}},
			{"delay": {"type": "1_week"}},
			{"send_email": {"data": {"templateId": "premium-tips", "subject": "Tips", "to": "{{context.email}}"}}}
		]},
		{"end": true}
	]}`
	wf := e.compileWorkflow(t, "wf-premium", "subscription_created", rule)
	require.Len(t, wf.Steps, 2)

	execution, err := e.orch.StartExecution(ctx, wf, sampleTrigger("u-1", "sub-1"))
	require.NoError(t, err)

	calls := e.adapter.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "premium-welcome", calls[0].TemplateID)
	assert.Equal(t, "step_0_action_0", calls[0].StepID)

	stored, err := e.executions.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, "step_0_action_1", stored.CurrentStep)

	e.clock.Advance(7*24*time.Hour + time.Minute)
	assert.Equal(t, 1, e.promote(t, ctx))

	calls = e.adapter.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "premium-tips", calls[1].TemplateID)
	assert.Equal(t, "step_0_action_2", calls[1].StepID)

	stored, err = e.executions.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, stored.Status)
}

func TestConditionMissSkipsActions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	rule := `{"and": [
		{"condition": {"product_package": "premium"}, "then": [
			{"send_email": {"data": {"templateId": "premium-welcome", "subject": "Hi", "to": "{{context.email}}"}}}
		]},
		{"end": true}
	]}`
	wf := e.compileWorkflow(t, "wf-premium", "subscription_created", rule)

	trigger := sampleTrigger("u-1", "sub-1")
	trigger.EntityData["data"] = map[string]interface{}{"product_package": "basic"}

	execution, err := e.orch.StartExecution(ctx, wf, trigger)
	require.NoError(t, err)

	assert.Empty(t, e.adapter.Calls())
	stored, err := e.executions.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, stored.Status)
}

func TestAdapterFailureFailsExecution(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.adapter.FailWith = errors.New("smtp unavailable")

	wf := e.compileWorkflow(t, "wf-drip", "subscription_created", dripRule)
	execution, err := e.orch.StartExecution(ctx, wf, sampleTrigger("u-1", "sub-1"))
	require.NoError(t, err)

	stored, err := e.executions.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionFailed, stored.Status)
	assert.Contains(t, stored.Error, "smtp unavailable")
	require.NotEmpty(t, stored.State.History)
	last := stored.State.History[len(stored.State.History)-1]
	assert.Equal(t, core.HistoryFailed, last.State)
	assert.Equal(t, "step_0", last.StepID)
}

func TestStepValidationFailureFailsExecution(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	rule := `{"and": [
		{"send_email": {"data": {"templateId": "welcome"}}},
		{"end": true}
	]}`
	wf := e.compileWorkflow(t, "wf-bad", "subscription_created", rule)

	execution, err := e.orch.StartExecution(ctx, wf, sampleTrigger("u-1", "sub-1"))
	require.NoError(t, err)

	stored, err := e.executions.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionFailed, stored.Status)
	assert.Contains(t, stored.Error, "validation failed")
	assert.Empty(t, e.adapter.Calls())
}

func TestRunExecutionDropsNonRunnableJobs(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wf := e.compileWorkflow(t, "wf-drip", "subscription_created", dripRule)

	execution, err := e.orch.StartExecution(ctx, wf, sampleTrigger("u-1", "sub-1"))
	require.NoError(t, err)

	// While suspended, a redelivered run job is a no-op: the delay owns
	// the continuation.
	require.NoError(t, e.orch.RunExecution(ctx, execution.ID))
	assert.Len(t, e.adapter.Calls(), 1)

	e.clock.Advance(25 * time.Hour)
	require.Equal(t, 1, e.promote(t, ctx))

	// Completed executions drop run jobs too.
	require.NoError(t, e.orch.RunExecution(ctx, execution.ID))
	assert.Len(t, e.adapter.Calls(), 2)

	err = e.orch.RunExecution(ctx, "no-such-execution")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestResumeFromDelayOfMissingExecution(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	delay := &core.Delay{
		ID:          "d-orphan",
		ExecutionID: "ex-gone",
		StepID:      "step_1",
		DelayType:   "1_day",
		DelayMs:     86400000,
		ExecuteAt:   e.clock.Now().Add(-time.Minute),
	}
	require.NoError(t, e.delays.Create(ctx, delay))

	claimed, err := e.delays.ClaimDue(ctx, e.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, e.orch.ResumeFromDelay(ctx, claimed[0]))

	stored, err := e.delays.Get(ctx, "d-orphan")
	require.NoError(t, err)
	assert.Equal(t, core.DelayFailed, stored.Status)
	assert.Contains(t, stored.Error, "execution not found")
}

func TestSharedFlowStep(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	rule := `{"and": [
		{"sharedFlow": {"name": "unsubscribe-footer"}},
		{"end": true}
	]}`
	wf := e.compileWorkflow(t, "wf-flow", "subscription_created", rule)

	execution, err := e.orch.StartExecution(ctx, wf, sampleTrigger("u-1", "sub-1"))
	require.NoError(t, err)

	assert.Equal(t, []string{"unsubscribe-footer"}, e.flows.Runs())
	stored, err := e.executions.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, stored.Status)
}

func TestOrchestratorMetrics(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	wf := e.compileWorkflow(t, "wf-drip", "subscription_created", dripRule)

	_, err := e.orch.StartExecution(ctx, wf, sampleTrigger("u-1", "sub-1"))
	require.NoError(t, err)
	e.clock.Advance(25 * time.Hour)
	require.Equal(t, 1, e.promote(t, ctx))

	snap := e.orch.Metrics().Snapshot()
	assert.Equal(t, int64(1), snap.Started)
	assert.Equal(t, int64(1), snap.Completed)
	assert.Equal(t, int64(1), snap.Suspended)
	assert.Equal(t, int64(1), snap.Resumed)
	assert.Equal(t, float64(1), snap.SuccessRate)
	assert.Equal(t, int64(1), snap.StepMetrics["step_0"].Executions)
}
