package triggers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/driptide/driptide/core"
)

// defaultDisposableDomains is the built-in policy table of email domains
// that never get lifecycle campaigns. Overridable via the
// DRIPTIDE_DISPOSABLE_DOMAINS environment variable (comma-separated).
var defaultDisposableDomains = []string{
	"mailinator.com",
	"guerrillamail.com",
	"10minutemail.com",
	"yopmail.com",
	"temp-mail.org",
	"trashmail.com",
	"sharklasers.com",
	"getnada.com",
}

// DisposableDomains resolves the active policy table.
func DisposableDomains() []string {
	if v := core.GetEnvString("DRIPTIDE_DISPOSABLE_DOMAINS", ""); v != "" {
		parts := strings.Split(v, ",")
		domains := make([]string, 0, len(parts))
		for _, p := range parts {
			if d := strings.ToLower(strings.TrimSpace(p)); d != "" {
				domains = append(domains, d)
			}
		}
		return domains
	}
	return defaultDisposableDomains
}

// UserPoller yields user_created contexts. It keeps a single
// cluster-wide cursor (core.GlobalCursorID) so a new user fires exactly
// one polling pass, not one per bound workflow.
type UserPoller struct {
	source     UserSource
	disposable map[string]bool
	logger     core.Logger
}

// NewUserPoller creates the user poller. A nil domains slice loads the
// policy table from DisposableDomains.
func NewUserPoller(source UserSource, domains []string, logger core.Logger) *UserPoller {
	if domains == nil {
		domains = DisposableDomains()
	}
	set := make(map[string]bool, len(domains))
	for _, d := range domains {
		set[strings.ToLower(d)] = true
	}
	return &UserPoller{
		source:     source,
		disposable: set,
		logger:     core.ComponentLogger(logger, "triggers/user"),
	}
}

func (p *UserPoller) TriggerType() string    { return TypeUserCreated }
func (p *UserPoller) UsesGlobalCursor() bool { return true }

func (p *UserPoller) WorkflowID(tc *core.TriggerContext) string {
	return tc.WorkflowID
}

func emailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

// ShouldExecute rejects disposable-domain emails.
func (p *UserPoller) ShouldExecute(tc *core.TriggerContext) bool {
	email, _ := tc.EntityData["email"].(string)
	domain := emailDomain(email)
	if domain == "" {
		return false
	}
	if p.disposable[domain] {
		p.logger.Debug("Rejecting disposable email domain", map[string]interface{}{
			"user_id": tc.UserID,
			"domain":  domain,
		})
		return false
	}
	return true
}

// Validate checks one user row.
func (p *UserPoller) Validate(raw interface{}) core.ValidationResult {
	user, ok := raw.(*User)
	if !ok {
		return core.Invalid(fmt.Sprintf("expected *User, got %T", raw))
	}

	var errs []string
	if user.ID == "" {
		errs = append(errs, "user id is required")
	}
	if !strings.Contains(user.Email, "@") {
		errs = append(errs, fmt.Sprintf("malformed email %q", user.Email))
	}
	if !user.IsActive {
		errs = append(errs, "user is not active")
	}
	if len(errs) > 0 {
		return core.Invalid(errs...)
	}
	return core.ValidOK()
}

// Poll scans rows created strictly after the cursor: the global cursor
// sits on the last row already seen.
func (p *UserPoller) Poll(ctx context.Context, workflowID string, since time.Time, limit int) ([]*core.TriggerContext, error) {
	rows, err := p.source.ListCreatedAfter(ctx, since, limit)
	if err != nil {
		return nil, fmt.Errorf("poll users: %w", err)
	}

	contexts := make([]*core.TriggerContext, 0, len(rows))
	for _, user := range rows {
		if vr := p.Validate(user); !vr.Valid {
			p.logger.Warn("Skipping invalid user row", map[string]interface{}{
				"user_id": user.ID,
				"errors":  vr.Errors,
			})
			continue
		}

		tc := &core.TriggerContext{
			TriggerType: TypeUserCreated,
			TriggerID:   user.ID,
			UserID:      user.ID,
			WorkflowID:  workflowID,
			OccurredAt:  user.CreatedAt,
			EntityData: map[string]interface{}{
				"email": user.Email,
				"name":  user.Name,
				"data": map[string]interface{}{
					"user_segment": "new",
					"email_domain": emailDomain(user.Email),
				},
			},
		}
		for k, v := range user.Attributes {
			tc.EntityData[k] = v
		}
		if p.ShouldExecute(tc) {
			contexts = append(contexts, tc)
		}
	}
	return contexts, nil
}

var _ Poller = (*UserPoller)(nil)
