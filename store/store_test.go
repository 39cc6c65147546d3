package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/driptide/driptide/core"
)

// setupTestRedis creates a miniredis instance shared by the store tests.
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, client
}

func testClock() *core.MockClock {
	return core.NewMockClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
}

func sampleExecution(id, user, trigger string) *core.Execution {
	return &core.Execution{
		ID:          id,
		WorkflowID:  "wf-1",
		UserID:      user,
		TriggerType: "subscription_created",
		TriggerID:   trigger,
		Status:      core.ExecutionPending,
		Workflow: &core.WorkflowDefinition{
			ID:    "wf-1",
			Steps: []core.Step{{ID: "step_0", Type: core.StepTypeEnd}},
		},
		State: core.ExecutionState{Context: map[string]interface{}{"userId": user}},
	}
}
