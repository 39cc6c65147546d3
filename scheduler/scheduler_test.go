package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driptide/driptide/compiler"
	"github.com/driptide/driptide/core"
	"github.com/driptide/driptide/engine"
	"github.com/driptide/driptide/lock"
	"github.com/driptide/driptide/queue"
	"github.com/driptide/driptide/store"
	"github.com/driptide/driptide/triggers"
)

type testRig struct {
	clock      *core.MockClock
	locks      *lock.Manager
	executions *store.RedisExecutionStore
	delays     *store.RedisDelayStore
	cursors    *store.RedisCursorStore
	workflows  *store.RedisWorkflowStore
	queue      *queue.RedisQueue
	adapter    *engine.LogAdapter
	orch       *engine.Orchestrator
	subs       *triggers.MemorySubscriptionSource
	news       *triggers.MemoryNewsletterSource
	users      *triggers.MemoryUserSource
	registry   *triggers.Registry
	sched      *Scheduler
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := core.NewMockClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	prefix := "test:"

	executions := store.NewRedisExecutionStore(client, &store.ExecutionStoreConfig{KeyPrefix: prefix, Clock: clock})
	delays := store.NewRedisDelayStore(client, &store.DelayStoreConfig{KeyPrefix: prefix, Clock: clock})
	cursors := store.NewRedisCursorStore(client, &store.CursorStoreConfig{KeyPrefix: prefix, Clock: clock})
	workflows := store.NewRedisWorkflowStore(client, &store.WorkflowStoreConfig{KeyPrefix: prefix, Clock: clock})
	q := queue.NewRedisQueue(client, &queue.RedisQueueConfig{KeyPrefix: prefix, Clock: clock})
	locks := lock.NewManager(client, &lock.ManagerConfig{KeyPrefix: prefix + "locks:", Clock: clock})

	adapter := engine.NewLogAdapter(nil)
	adapters := engine.NewAdapterRegistry()
	adapters.Register(compiler.ActionSendEmail, adapter)
	adapters.Register(compiler.ActionSendSMS, adapter)

	comp := compiler.New(nil)
	registry := engine.DefaultNodeRegistry(delays, adapters, engine.NewLogSharedFlowRunner(nil), time.Second, clock, nil)
	orch := engine.NewOrchestrator(executions, delays, registry, comp, &engine.OrchestratorConfig{Clock: clock})

	subs := triggers.NewMemorySubscriptionSource()
	news := triggers.NewMemoryNewsletterSource()
	users := triggers.NewMemoryUserSource()
	triggerRegistry := triggers.DefaultRegistry(subs, news, users, nil)

	sched := New(locks, triggerRegistry, workflows, cursors, delays, q, orch, &Config{Clock: clock})

	return &testRig{
		clock:      clock,
		locks:      locks,
		executions: executions,
		delays:     delays,
		cursors:    cursors,
		workflows:  workflows,
		queue:      q,
		adapter:    adapter,
		orch:       orch,
		subs:       subs,
		news:       news,
		users:      users,
		registry:   triggerRegistry,
		sched:      sched,
	}
}

func (r *testRig) saveWorkflow(t *testing.T, id, triggerType, rule string) *core.WorkflowDefinition {
	t.Helper()
	comp := compiler.New(nil)
	steps, err := comp.Compile(json.RawMessage(rule))
	require.NoError(t, err)
	wf := &core.WorkflowDefinition{
		ID:          id,
		Name:        id,
		TriggerType: triggerType,
		Rule:        json.RawMessage(rule),
		Steps:       steps,
	}
	require.NoError(t, r.workflows.Save(context.Background(), wf))
	return wf
}

func (r *testRig) drainJobs(t *testing.T) []*core.Job {
	t.Helper()
	var jobs []*core.Job
	for {
		job, err := r.queue.Dequeue(context.Background(), core.TopicWorkflowExecution, 20*time.Millisecond)
		require.NoError(t, err)
		if job == nil {
			return jobs
		}
		jobs = append(jobs, job)
	}
}

const simpleRule = `{"and": [
	{"send_email": {"data": {"templateId": "welcome", "subject": "Hi", "to": "{{context.email}}"}}},
	{"end": true}
]}`

func TestTickEnqueuesAndAdvancesCursor(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	r.saveWorkflow(t, "wf-sub", triggers.TypeSubscriptionCreated, simpleRule)
	r.subs.Add(
		&triggers.Subscription{ID: "s-1", UserID: "u-1", Email: "a@example.com", Status: "active",
			CreatedAt: r.clock.Now().Add(-time.Minute)},
		&triggers.Subscription{ID: "s-2", UserID: "u-2", Email: "b@example.com", Status: "active",
			CreatedAt: r.clock.Now().Add(-30 * time.Second)},
	)

	require.NoError(t, r.sched.Tick(ctx))

	jobs := r.drainJobs(t)
	require.Len(t, jobs, 2)
	assert.Equal(t, core.JobTypeStartWorkflow, jobs[0].Type)
	assert.Equal(t, "wf-sub", jobs[0].WorkflowID)
	assert.Equal(t, triggers.TypeSubscriptionCreated, jobs[0].TriggerType)
	assert.Equal(t, queue.PriorityNormal, jobs[0].Priority)
	assert.Equal(t, 3, jobs[0].MaxAttempts)

	cursor, err := r.cursors.Get(ctx, "wf-sub", triggers.TypeSubscriptionCreated)
	require.NoError(t, err)
	assert.Equal(t, r.clock.Now(), cursor.LastExecutionTime)

	// The next tick starts from the advanced cursor: nothing re-fires.
	r.clock.Advance(time.Minute)
	require.NoError(t, r.sched.Tick(ctx))
	assert.Empty(t, r.drainJobs(t))
}

func TestTickYieldsWithoutLeaderLock(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	r.saveWorkflow(t, "wf-sub", triggers.TypeSubscriptionCreated, simpleRule)
	r.subs.Add(&triggers.Subscription{ID: "s-1", UserID: "u-1", Email: "a@example.com",
		Status: "active", CreatedAt: r.clock.Now()})

	held, err := r.locks.TryAcquire(ctx, lock.KeySchedulerMain, time.Minute)
	require.NoError(t, err)
	defer held.Release(ctx)

	// Another replica leads; this tick is a silent no-op.
	require.NoError(t, r.sched.Tick(ctx))
	assert.Empty(t, r.drainJobs(t))
}

func TestGlobalCursorFansOutOnce(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	r.saveWorkflow(t, "wf-a", triggers.TypeUserCreated, simpleRule)
	r.saveWorkflow(t, "wf-b", triggers.TypeUserCreated, simpleRule)
	r.users.Add(&triggers.User{ID: "u-1", Email: "a@example.com", IsActive: true,
		CreatedAt: r.clock.Now().Add(-time.Minute)})

	require.NoError(t, r.sched.Tick(ctx))

	jobs := r.drainJobs(t)
	require.Len(t, jobs, 2)
	seen := map[string]bool{}
	for _, job := range jobs {
		seen[job.WorkflowID] = true
		assert.Equal(t, "u-1", job.UserID)
		assert.Equal(t, queue.PriorityLow, job.Priority)
	}
	assert.True(t, seen["wf-a"] && seen["wf-b"])

	// One cluster-wide cursor: the user never re-fires per workflow.
	cursor, err := r.cursors.Get(ctx, core.GlobalCursorID, triggers.TypeUserCreated)
	require.NoError(t, err)
	assert.Equal(t, r.clock.Now(), cursor.LastExecutionTime)

	r.clock.Advance(time.Minute)
	require.NoError(t, r.sched.Tick(ctx))
	assert.Empty(t, r.drainJobs(t))
}

func TestTickPromotesDueDelays(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	rule := `{"and": [
		{"send_email": {"data": {"templateId": "welcome", "subject": "Hi", "to": "{{context.email}}"}}},
		{"delay": {"type": "1_day"}},
		{"send_email": {"data": {"templateId": "followup", "subject": "Still there?", "to": "{{context.email}}"}}},
		{"end": true}
	]}`
	wf := r.saveWorkflow(t, "wf-drip", triggers.TypeSubscriptionCreated, rule)

	execution, err := r.orch.StartExecution(ctx, wf, &core.TriggerContext{
		TriggerType: triggers.TypeSubscriptionCreated,
		TriggerID:   "s-1",
		UserID:      "u-1",
		WorkflowID:  wf.ID,
		EntityData:  map[string]interface{}{"email": "a@example.com"},
	})
	require.NoError(t, err)
	require.Len(t, r.adapter.Calls(), 1)

	// Not due: the tick promotes nothing.
	require.NoError(t, r.sched.Tick(ctx))
	assert.Len(t, r.adapter.Calls(), 1)

	r.clock.Advance(25 * time.Hour)
	require.NoError(t, r.sched.Tick(ctx))

	assert.Len(t, r.adapter.Calls(), 2)
	stored, err := r.executions.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, stored.Status)
}

func TestTickRedeliversDelayedRetries(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	// A failed job the worker pool parked with backoff.
	retry := &core.Job{
		ID:          "j-retry",
		Type:        core.JobTypeRunExecution,
		ExecutionID: "ex-1",
		Attempts:    1,
		MaxAttempts: 3,
	}
	require.NoError(t, r.queue.EnqueueDelayed(ctx, core.TopicWorkflowExecution, retry,
		r.clock.Now().Add(30*time.Second)))

	// Before the backoff elapses the job stays parked.
	require.NoError(t, r.sched.Tick(ctx))
	assert.Empty(t, r.drainJobs(t))

	// Once due, the tick makes it visible for its next attempt.
	r.clock.Advance(time.Minute)
	require.NoError(t, r.sched.Tick(ctx))
	jobs := r.drainJobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j-retry", jobs[0].ID)
	assert.Equal(t, 1, jobs[0].Attempts)
}

func TestExhaustHandlerFailsExecution(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	onExhausted := NewExhaustHandler(r.orch, nil)

	rule := `{"and": [
		{"send_email": {"data": {"templateId": "welcome", "subject": "Hi", "to": "{{context.email}}"}}},
		{"delay": {"type": "1_day"}},
		{"send_email": {"data": {"templateId": "followup", "subject": "Still there?", "to": "{{context.email}}"}}},
		{"end": true}
	]}`
	wf := r.saveWorkflow(t, "wf-drip", triggers.TypeSubscriptionCreated, rule)

	execution, err := r.orch.StartExecution(ctx, wf, &core.TriggerContext{
		TriggerType: triggers.TypeSubscriptionCreated,
		TriggerID:   "s-1",
		UserID:      "u-1",
		WorkflowID:  wf.ID,
		EntityData:  map[string]interface{}{"email": "a@example.com"},
	})
	require.NoError(t, err)

	onExhausted(ctx, &core.Job{
		ID:          "j-1",
		Type:        core.JobTypeRunExecution,
		ExecutionID: execution.ID,
		Attempts:    3,
		MaxAttempts: 3,
	}, errors.New("redis connection refused"))

	stored, err := r.executions.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionFailed, stored.Status)
	assert.Contains(t, stored.Error, "job retries exhausted")

	// The armed delay died with the execution: nothing ever promotes.
	pending, err := r.delays.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	// Jobs with no execution yet, and already-terminal executions, are
	// left alone.
	onExhausted(ctx, &core.Job{ID: "j-2", Type: core.JobTypeStartWorkflow, WorkflowID: wf.ID}, errors.New("boom"))
	onExhausted(ctx, &core.Job{ID: "j-3", Type: core.JobTypeRunExecution, ExecutionID: execution.ID}, errors.New("boom"))
	stored, err = r.executions.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionFailed, stored.Status)
}

func TestExecutionHandler(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	handler := NewExecutionHandler(r.workflows, r.orch, nil)

	wf := r.saveWorkflow(t, "wf-sub", triggers.TypeSubscriptionCreated, simpleRule)

	startJob := &core.Job{
		ID:          "j-1",
		Type:        core.JobTypeStartWorkflow,
		WorkflowID:  wf.ID,
		TriggerType: triggers.TypeSubscriptionCreated,
		TriggerID:   "s-1",
		UserID:      "u-1",
		TriggerData: map[string]interface{}{"email": "a@example.com"},
	}
	require.NoError(t, handler(ctx, startJob))

	calls := r.adapter.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "a@example.com", calls[0].To)

	executions, err := r.executions.List(ctx, core.ExecutionFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, core.ExecutionCompleted, executions[0].Status)

	// A redelivered start job is absorbed by duplicate suppression only
	// while the first execution is non-completed; completed rows leave
	// the uniqueness scope, so this starts a fresh execution.
	require.NoError(t, handler(ctx, startJob))

	// Run job for a missing execution surfaces the store error for the
	// queue's retry policy.
	err = handler(ctx, &core.Job{ID: "j-2", Type: core.JobTypeRunExecution, ExecutionID: "nope"})
	assert.ErrorIs(t, err, core.ErrNotFound)

	// Missing workflow drops the job instead of retrying forever.
	require.NoError(t, handler(ctx, &core.Job{ID: "j-3", Type: core.JobTypeStartWorkflow, WorkflowID: "gone"}))

	err = handler(ctx, &core.Job{ID: "j-4", Type: "mystery"})
	assert.Error(t, err)
}
