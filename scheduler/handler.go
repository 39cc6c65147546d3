package scheduler

import (
	"context"
	"fmt"

	"github.com/driptide/driptide/core"
	"github.com/driptide/driptide/engine"
	"github.com/driptide/driptide/queue"
)

// NewExecutionHandler returns the worker-side handler for the
// workflow-execution topic: start jobs carry trigger data and create an
// execution, run jobs advance an existing one.
func NewExecutionHandler(workflows core.WorkflowStore, orch *engine.Orchestrator, logger core.Logger) core.JobHandler {
	log := core.ComponentLogger(logger, "scheduler/handler")

	return func(ctx context.Context, job *core.Job) error {
		switch job.Type {
		case core.JobTypeRunExecution:
			return orch.RunExecution(ctx, job.ExecutionID)

		case core.JobTypeStartWorkflow:
			workflow, err := workflows.Get(ctx, job.WorkflowID)
			if err != nil {
				// A workflow deleted after enqueue is a dropped job, not a
				// retry loop.
				log.Warn("Dropping job for missing workflow", map[string]interface{}{
					"job_id":      job.ID,
					"workflow_id": job.WorkflowID,
					"error":       err.Error(),
				})
				return nil
			}
			trigger := &core.TriggerContext{
				TriggerType: job.TriggerType,
				TriggerID:   job.TriggerID,
				UserID:      job.UserID,
				WorkflowID:  job.WorkflowID,
				EntityData:  job.TriggerData,
			}
			_, err = orch.StartExecution(ctx, workflow, trigger)
			return err

		default:
			return fmt.Errorf("unknown job type %q", job.Type)
		}
	}
}

// NewExhaustHandler fails the owning execution when a run job burns
// through its attempts, so it does not sit running until the stuck
// sweep finds it. Start jobs carry no execution yet and just drop.
func NewExhaustHandler(orch *engine.Orchestrator, logger core.Logger) queue.ExhaustFunc {
	log := core.ComponentLogger(logger, "scheduler/handler")

	return func(ctx context.Context, job *core.Job, err error) {
		if job.ExecutionID == "" {
			return
		}
		cause := fmt.Sprintf("job retries exhausted: %v", err)
		if failErr := orch.Fail(ctx, job.ExecutionID, cause); failErr != nil {
			log.Error("Failed to settle exhausted job's execution", map[string]interface{}{
				"job_id":       job.ID,
				"execution_id": job.ExecutionID,
				"error":        failErr.Error(),
			})
		}
	}
}
