// Package triggers turns external domain writes into normalized trigger
// contexts. Each trigger type has a poller that scans its domain source
// from a cursor watermark, validates rows, and yields
// core.TriggerContext values ready to start executions.
package triggers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/driptide/driptide/core"
)

// Trigger type names.
const (
	TypeSubscriptionCreated  = "subscription_created"
	TypeNewsletterSubscribed = "newsletter_subscribed"
	TypeUserCreated          = "user_created"
)

// Poller scans one trigger type's domain source. Pollers never mutate
// domain rows; duplicate suppression downstream absorbs the re-polling
// window this implies.
type Poller interface {
	// TriggerType names the trigger this poller serves.
	TriggerType() string
	// Poll returns validated, execution-worthy contexts for rows newer
	// than since, ascending by occurrence time, at most limit.
	Poll(ctx context.Context, workflowID string, since time.Time, limit int) ([]*core.TriggerContext, error)
	// Validate checks one raw domain row.
	Validate(raw interface{}) core.ValidationResult
	// WorkflowID returns the workflow a context is bound to.
	WorkflowID(tc *core.TriggerContext) string
	// ShouldExecute applies the poller's execution policy to a validated
	// context.
	ShouldExecute(tc *core.TriggerContext) bool
	// UsesGlobalCursor reports whether the poller keeps one cluster-wide
	// cursor instead of fanning out per workflow.
	UsesGlobalCursor() bool
}

// Registry is the boot-time table of trigger type to poller.
type Registry struct {
	mu      sync.RWMutex
	pollers map[string]Poller
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pollers: make(map[string]Poller)}
}

// Register binds a poller to its trigger type, replacing any previous
// binding.
func (r *Registry) Register(p Poller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pollers[p.TriggerType()] = p
}

// Get returns the poller for a trigger type, or ErrUnknownTriggerType.
func (r *Registry) Get(triggerType string) (Poller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pollers[triggerType]
	if !ok {
		return nil, core.NewEngineError("triggers.Registry", "trigger",
			core.ErrUnknownTriggerType).WithID(triggerType)
	}
	return p, nil
}

// Types returns the registered trigger types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.pollers))
	for t := range r.pollers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// DefaultRegistry wires the three built-in pollers.
func DefaultRegistry(subs SubscriptionSource, news NewsletterSource, users UserSource, logger core.Logger) *Registry {
	r := NewRegistry()
	r.Register(NewSubscriptionPoller(subs, logger))
	r.Register(NewNewsletterPoller(news, logger))
	r.Register(NewUserPoller(users, nil, logger))
	return r
}
