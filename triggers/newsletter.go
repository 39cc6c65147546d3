package triggers

import (
	"context"
	"fmt"
	"time"

	"github.com/driptide/driptide/core"
)

// NewsletterPoller yields newsletter_subscribed contexts over signup
// rows, with SubscribedAt as the poll watermark column.
type NewsletterPoller struct {
	source NewsletterSource
	logger core.Logger
}

// NewNewsletterPoller creates the newsletter poller.
func NewNewsletterPoller(source NewsletterSource, logger core.Logger) *NewsletterPoller {
	return &NewsletterPoller{
		source: source,
		logger: core.ComponentLogger(logger, "triggers/newsletter"),
	}
}

func (p *NewsletterPoller) TriggerType() string    { return TypeNewsletterSubscribed }
func (p *NewsletterPoller) UsesGlobalCursor() bool { return false }

func (p *NewsletterPoller) WorkflowID(tc *core.TriggerContext) string {
	return tc.WorkflowID
}

func (p *NewsletterPoller) ShouldExecute(tc *core.TriggerContext) bool {
	return true
}

// Validate checks one signup row.
func (p *NewsletterPoller) Validate(raw interface{}) core.ValidationResult {
	signup, ok := raw.(*NewsletterSignup)
	if !ok {
		return core.Invalid(fmt.Sprintf("expected *NewsletterSignup, got %T", raw))
	}

	var errs []string
	if signup.ID == "" {
		errs = append(errs, "signup id is required")
	}
	if signup.Email == "" {
		errs = append(errs, "email is required")
	}
	if signup.Status != "subscribed" {
		errs = append(errs, fmt.Sprintf("status %q is not subscribed", signup.Status))
	}
	if len(errs) > 0 {
		return core.Invalid(errs...)
	}
	return core.ValidOK()
}

func (p *NewsletterPoller) Poll(ctx context.Context, workflowID string, since time.Time, limit int) ([]*core.TriggerContext, error) {
	rows, err := p.source.ListSubscribedSince(ctx, since, limit)
	if err != nil {
		return nil, fmt.Errorf("poll newsletter signups: %w", err)
	}

	contexts := make([]*core.TriggerContext, 0, len(rows))
	for _, signup := range rows {
		if vr := p.Validate(signup); !vr.Valid {
			p.logger.Warn("Skipping invalid newsletter row", map[string]interface{}{
				"signup_id": signup.ID,
				"errors":    vr.Errors,
			})
			continue
		}

		// Newsletter signups may predate a user account; the email is the
		// subject when no user ID exists.
		userID := signup.UserID
		if userID == "" {
			userID = signup.Email
		}

		tc := &core.TriggerContext{
			TriggerType: TypeNewsletterSubscribed,
			TriggerID:   signup.ID,
			UserID:      userID,
			WorkflowID:  workflowID,
			OccurredAt:  signup.SubscribedAt,
			EntityData: map[string]interface{}{
				"signupId": signup.ID,
				"email":    signup.Email,
				"data": map[string]interface{}{
					"subscription_status": signup.Status,
				},
			},
		}
		for k, v := range signup.Attributes {
			tc.EntityData[k] = v
		}
		if p.ShouldExecute(tc) {
			contexts = append(contexts, tc)
		}
	}
	return contexts, nil
}

var _ Poller = (*NewsletterPoller)(nil)
