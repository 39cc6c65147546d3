package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/driptide/driptide/compiler"
	"github.com/driptide/driptide/core"
	"github.com/driptide/driptide/store"
)

// testEngine wires the orchestrator against miniredis-backed stores with
// a manually advanced clock and a recording adapter.
type testEngine struct {
	clock      *core.MockClock
	executions *store.RedisExecutionStore
	delays     *store.RedisDelayStore
	adapter    *LogAdapter
	flows      *LogSharedFlowRunner
	compiler   *compiler.Compiler
	orch       *Orchestrator
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := core.NewMockClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	executions := store.NewRedisExecutionStore(client, &store.ExecutionStoreConfig{
		KeyPrefix: "test:",
		Clock:     clock,
	})
	delays := store.NewRedisDelayStore(client, &store.DelayStoreConfig{
		KeyPrefix: "test:",
		Clock:     clock,
	})

	adapter := NewLogAdapter(nil)
	adapters := NewAdapterRegistry()
	adapters.Register(compiler.ActionSendEmail, adapter)
	adapters.Register(compiler.ActionSendSMS, adapter)

	flows := NewLogSharedFlowRunner(nil)
	comp := compiler.New(nil)
	registry := DefaultNodeRegistry(delays, adapters, flows, time.Second, clock, nil)
	orch := NewOrchestrator(executions, delays, registry, comp, &OrchestratorConfig{Clock: clock})

	return &testEngine{
		clock:      clock,
		executions: executions,
		delays:     delays,
		adapter:    adapter,
		flows:      flows,
		compiler:   comp,
		orch:       orch,
	}
}

func (e *testEngine) compileWorkflow(t *testing.T, id, triggerType, rule string) *core.WorkflowDefinition {
	t.Helper()
	steps, err := e.compiler.Compile(json.RawMessage(rule))
	require.NoError(t, err)
	return &core.WorkflowDefinition{
		ID:          id,
		Name:        id,
		TriggerType: triggerType,
		Rule:        json.RawMessage(rule),
		Steps:       steps,
	}
}

func sampleTrigger(userID, triggerID string) *core.TriggerContext {
	return &core.TriggerContext{
		TriggerType: "subscription_created",
		TriggerID:   triggerID,
		UserID:      userID,
		EntityData: map[string]interface{}{
			"email": userID + "@example.com",
			"data": map[string]interface{}{
				"product_package": "premium",
			},
		},
	}
}
