package triggers

import (
	"context"
	"fmt"
	"time"

	"github.com/driptide/driptide/core"
)

// SubscriptionPoller yields subscription_created contexts: rows created
// at or after the cursor, still unprocessed and active.
type SubscriptionPoller struct {
	source SubscriptionSource
	logger core.Logger
}

// NewSubscriptionPoller creates the subscription poller.
func NewSubscriptionPoller(source SubscriptionSource, logger core.Logger) *SubscriptionPoller {
	return &SubscriptionPoller{
		source: source,
		logger: core.ComponentLogger(logger, "triggers/subscription"),
	}
}

func (p *SubscriptionPoller) TriggerType() string    { return TypeSubscriptionCreated }
func (p *SubscriptionPoller) UsesGlobalCursor() bool { return false }

func (p *SubscriptionPoller) WorkflowID(tc *core.TriggerContext) string {
	return tc.WorkflowID
}

func (p *SubscriptionPoller) ShouldExecute(tc *core.TriggerContext) bool {
	return true
}

// Validate checks one subscription row.
func (p *SubscriptionPoller) Validate(raw interface{}) core.ValidationResult {
	sub, ok := raw.(*Subscription)
	if !ok {
		return core.Invalid(fmt.Sprintf("expected *Subscription, got %T", raw))
	}

	var errs []string
	if sub.ID == "" {
		errs = append(errs, "subscription id is required")
	}
	if sub.UserID == "" {
		errs = append(errs, "user id is required")
	}
	if sub.Status != "active" {
		errs = append(errs, fmt.Sprintf("status %q is not active", sub.Status))
	}
	if sub.WorkflowProcessed {
		errs = append(errs, "already workflow-processed")
	}
	if len(errs) > 0 {
		return core.Invalid(errs...)
	}
	return core.ValidOK()
}

// Poll scans rows created at or after since, ascending. Invalid rows are
// skipped with a warning, never failed on.
func (p *SubscriptionPoller) Poll(ctx context.Context, workflowID string, since time.Time, limit int) ([]*core.TriggerContext, error) {
	rows, err := p.source.ListCreatedSince(ctx, since, limit)
	if err != nil {
		return nil, fmt.Errorf("poll subscriptions: %w", err)
	}

	contexts := make([]*core.TriggerContext, 0, len(rows))
	for _, sub := range rows {
		if vr := p.Validate(sub); !vr.Valid {
			p.logger.Warn("Skipping invalid subscription row", map[string]interface{}{
				"subscription_id": sub.ID,
				"errors":          vr.Errors,
			})
			continue
		}

		tc := &core.TriggerContext{
			TriggerType: TypeSubscriptionCreated,
			TriggerID:   sub.ID,
			UserID:      sub.UserID,
			WorkflowID:  workflowID,
			OccurredAt:  sub.CreatedAt,
			EntityData: map[string]interface{}{
				"subscriptionId": sub.ID,
				"email":          sub.Email,
				"data": map[string]interface{}{
					"product_package":     sub.ProductPackage,
					"subscription_status": sub.Status,
				},
			},
		}
		for k, v := range sub.Attributes {
			tc.EntityData[k] = v
		}
		if p.ShouldExecute(tc) {
			contexts = append(contexts, tc)
		}
	}
	return contexts, nil
}

var _ Poller = (*SubscriptionPoller)(nil)
