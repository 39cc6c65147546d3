package engine

import (
	"context"
	"sync"

	"github.com/driptide/driptide/core"
	"github.com/driptide/driptide/resilience"
)

// ActionRequest is one side-effect invocation. Adapters are expected to
// be idempotent on IdempotencyKey: the engine delivers at-least-once.
type ActionRequest struct {
	ExecutionID string                 `json:"execution_id"`
	StepID      string                 `json:"step_id"`
	Action      string                 `json:"action"`
	To          string                 `json:"to,omitempty"`
	Subject     string                 `json:"subject,omitempty"`
	TemplateID  string                 `json:"template_id,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// IdempotencyKey identifies this invocation across redeliveries.
func (r *ActionRequest) IdempotencyKey() string {
	return r.ExecutionID + ":" + r.StepID
}

// ActionAdapter performs one kind of external effect (email, sms,
// webhook). The engine consumes adapters, it does not provide them.
type ActionAdapter interface {
	Send(ctx context.Context, req *ActionRequest) error
}

// SharedFlowRunner executes a named shared sub-flow against an execution
// context. Shared flows cannot suspend.
type SharedFlowRunner interface {
	Run(ctx context.Context, name string, context map[string]interface{}) error
}

// AdapterRegistry maps action names to their adapters.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]ActionAdapter
}

// NewAdapterRegistry creates an empty adapter registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{adapters: make(map[string]ActionAdapter)}
}

// Register binds an adapter to an action name, replacing any previous
// binding.
func (r *AdapterRegistry) Register(action string, adapter ActionAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[action] = adapter
}

// Get returns the adapter for an action name.
func (r *AdapterRegistry) Get(action string) (ActionAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[action]
	return a, ok
}

// LogAdapter records every request and logs it. It backs development
// deployments without real channels and doubles as the test spy.
type LogAdapter struct {
	mu     sync.Mutex
	calls  []*ActionRequest
	logger core.Logger

	// FailWith, when set, makes every Send return this error.
	FailWith error
}

// NewLogAdapter creates a recording adapter.
func NewLogAdapter(logger core.Logger) *LogAdapter {
	return &LogAdapter{logger: core.ComponentLogger(logger, "engine/adapters")}
}

// Send records the request.
func (a *LogAdapter) Send(ctx context.Context, req *ActionRequest) error {
	if a.FailWith != nil {
		return a.FailWith
	}

	a.mu.Lock()
	a.calls = append(a.calls, req)
	a.mu.Unlock()

	a.logger.Info("Action delivered", map[string]interface{}{
		"action":          req.Action,
		"to":              req.To,
		"template_id":     req.TemplateID,
		"idempotency_key": req.IdempotencyKey(),
	})
	return nil
}

// Calls returns a copy of the recorded requests.
func (a *LogAdapter) Calls() []*ActionRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*ActionRequest, len(a.calls))
	copy(out, a.calls)
	return out
}

var _ ActionAdapter = (*LogAdapter)(nil)

// BreakerAdapter wraps an adapter with in-process retries and a circuit
// breaker: a transient provider hiccup gets a few quick attempts, while
// a dead provider fails steps fast instead of burning the adapter
// timeout on every send.
type BreakerAdapter struct {
	adapter ActionAdapter
	retry   *resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// WithCircuitBreaker decorates an adapter with retries and a circuit
// breaker. Nil configs take the package defaults.
func WithCircuitBreaker(adapter ActionAdapter, retry *resilience.RetryConfig, breaker *resilience.CircuitBreakerConfig) *BreakerAdapter {
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}
	return &BreakerAdapter{
		adapter: adapter,
		retry:   retry,
		breaker: resilience.NewCircuitBreaker(breaker),
	}
}

// Send forwards under retry and the breaker; an open breaker fails each
// attempt with resilience.ErrCircuitOpen.
func (a *BreakerAdapter) Send(ctx context.Context, req *ActionRequest) error {
	return resilience.RetryWithCircuitBreaker(ctx, a.retry, a.breaker, func() error {
		return a.adapter.Send(ctx, req)
	})
}

// State exposes the breaker state for health reporting.
func (a *BreakerAdapter) State() resilience.CircuitState {
	return a.breaker.State()
}

var _ ActionAdapter = (*BreakerAdapter)(nil)

// LogSharedFlowRunner records shared-flow invocations.
type LogSharedFlowRunner struct {
	mu     sync.Mutex
	runs   []string
	logger core.Logger

	// FailWith, when set, makes every Run return this error.
	FailWith error
}

// NewLogSharedFlowRunner creates a recording shared-flow runner.
func NewLogSharedFlowRunner(logger core.Logger) *LogSharedFlowRunner {
	return &LogSharedFlowRunner{logger: core.ComponentLogger(logger, "engine/adapters")}
}

// Run records the invocation.
func (r *LogSharedFlowRunner) Run(ctx context.Context, name string, context map[string]interface{}) error {
	if r.FailWith != nil {
		return r.FailWith
	}

	r.mu.Lock()
	r.runs = append(r.runs, name)
	r.mu.Unlock()

	r.logger.Info("Shared flow executed", map[string]interface{}{"flow": name})
	return nil
}

// Runs returns a copy of the recorded flow names.
func (r *LogSharedFlowRunner) Runs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.runs))
	copy(out, r.runs)
	return out
}

var _ SharedFlowRunner = (*LogSharedFlowRunner)(nil)
