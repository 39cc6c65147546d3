package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/driptide/driptide/core"
)

// StepExecutor validates and performs one step type.
type StepExecutor interface {
	Type() core.StepType
	Validate(step *core.Step) core.ValidationResult
	Execute(ctx context.Context, step *core.Step, execution *core.Execution) (*core.StepResult, error)
}

// NodeRegistry maps step types to their executors.
type NodeRegistry struct {
	mu        sync.RWMutex
	executors map[core.StepType]StepExecutor
}

// NewNodeRegistry creates an empty registry.
func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{executors: make(map[core.StepType]StepExecutor)}
}

// Register binds an executor to its step type, replacing any previous
// binding.
func (r *NodeRegistry) Register(executor StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[executor.Type()] = executor
}

// Get returns the executor for a step type, or ErrUnknownStepType.
func (r *NodeRegistry) Get(stepType core.StepType) (StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[stepType]
	if !ok {
		return nil, core.NewEngineError("engine.Registry", "step",
			core.ErrUnknownStepType).WithID(string(stepType))
	}
	return executor, nil
}

// Types returns the registered step types, sorted.
func (r *NodeRegistry) Types() []core.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]core.StepType, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// DefaultNodeRegistry wires the five built-in executors.
func DefaultNodeRegistry(delays core.DelayStore, adapters *AdapterRegistry, flows SharedFlowRunner, adapterTimeout time.Duration, clock core.Clock, logger core.Logger) *NodeRegistry {
	r := NewNodeRegistry()
	r.Register(NewActionExecutor(adapters, adapterTimeout, logger))
	r.Register(NewDelayExecutor(delays, clock, logger))
	r.Register(NewConditionExecutor(logger))
	r.Register(NewSharedFlowExecutor(flows, adapterTimeout, logger))
	r.Register(NewEndExecutor())
	return r
}
