package triggers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driptide/driptide/core"
)

var pollEpoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func TestRegistry(t *testing.T) {
	r := DefaultRegistry(
		NewMemorySubscriptionSource(),
		NewMemoryNewsletterSource(),
		NewMemoryUserSource(),
		nil,
	)

	assert.Equal(t, []string{
		TypeNewsletterSubscribed,
		TypeSubscriptionCreated,
		TypeUserCreated,
	}, r.Types())

	p, err := r.Get(TypeSubscriptionCreated)
	require.NoError(t, err)
	assert.False(t, p.UsesGlobalCursor())

	p, err = r.Get(TypeUserCreated)
	require.NoError(t, err)
	assert.True(t, p.UsesGlobalCursor())

	_, err = r.Get("order_placed")
	assert.ErrorIs(t, err, core.ErrUnknownTriggerType)
}

func TestSubscriptionPollerFiltersAndOrders(t *testing.T) {
	source := NewMemorySubscriptionSource()
	source.Add(
		&Subscription{ID: "s-old", UserID: "u-1", Email: "a@example.com", Status: "active",
			CreatedAt: pollEpoch.Add(-time.Hour)},
		&Subscription{ID: "s-2", UserID: "u-2", Email: "b@example.com", Status: "active",
			ProductPackage: "premium", CreatedAt: pollEpoch.Add(2 * time.Minute)},
		&Subscription{ID: "s-1", UserID: "u-1", Email: "a@example.com", Status: "active",
			CreatedAt: pollEpoch.Add(time.Minute)},
		&Subscription{ID: "s-cancelled", UserID: "u-3", Email: "c@example.com", Status: "cancelled",
			CreatedAt: pollEpoch.Add(3 * time.Minute)},
		&Subscription{ID: "s-done", UserID: "u-4", Email: "d@example.com", Status: "active",
			WorkflowProcessed: true, CreatedAt: pollEpoch.Add(4 * time.Minute)},
	)
	p := NewSubscriptionPoller(source, nil)

	contexts, err := p.Poll(context.Background(), "wf-1", pollEpoch, 10)
	require.NoError(t, err)
	require.Len(t, contexts, 2)

	// Ascending by creation time; cancelled and already-processed rows
	// are skipped.
	assert.Equal(t, "s-1", contexts[0].TriggerID)
	assert.Equal(t, "s-2", contexts[1].TriggerID)
	assert.Equal(t, "wf-1", contexts[0].WorkflowID)
	assert.Equal(t, TypeSubscriptionCreated, contexts[0].TriggerType)

	data := contexts[1].EntityData["data"].(map[string]interface{})
	assert.Equal(t, "premium", data["product_package"])
	assert.Equal(t, "b@example.com", contexts[1].EntityData["email"])
}

func TestSubscriptionPollerRespectsLimit(t *testing.T) {
	source := NewMemorySubscriptionSource()
	for i := 0; i < 25; i++ {
		source.Add(&Subscription{
			ID: string(rune('a' + i)), UserID: "u", Email: "u@example.com",
			Status: "active", CreatedAt: pollEpoch.Add(time.Duration(i) * time.Second),
		})
	}
	p := NewSubscriptionPoller(source, nil)

	contexts, err := p.Poll(context.Background(), "wf-1", pollEpoch, 10)
	require.NoError(t, err)
	assert.Len(t, contexts, 10)
}

func TestNewsletterPoller(t *testing.T) {
	source := NewMemoryNewsletterSource()
	source.Add(
		&NewsletterSignup{ID: "n-1", Email: "a@example.com", Status: "subscribed",
			SubscribedAt: pollEpoch.Add(time.Minute)},
		&NewsletterSignup{ID: "n-2", UserID: "u-2", Email: "b@example.com", Status: "subscribed",
			SubscribedAt: pollEpoch.Add(2 * time.Minute)},
		&NewsletterSignup{ID: "n-3", Email: "c@example.com", Status: "unsubscribed",
			SubscribedAt: pollEpoch.Add(3 * time.Minute)},
	)
	p := NewNewsletterPoller(source, nil)

	contexts, err := p.Poll(context.Background(), "wf-news", pollEpoch, 10)
	require.NoError(t, err)
	require.Len(t, contexts, 2)

	// A signup without a user account keys on its email.
	assert.Equal(t, "a@example.com", contexts[0].UserID)
	assert.Equal(t, "u-2", contexts[1].UserID)
}

func TestUserPollerGlobalCursorIsExclusive(t *testing.T) {
	source := NewMemoryUserSource()
	source.Add(
		&User{ID: "u-1", Email: "a@example.com", IsActive: true, CreatedAt: pollEpoch},
		&User{ID: "u-2", Email: "b@example.com", IsActive: true, CreatedAt: pollEpoch.Add(time.Minute)},
	)
	p := NewUserPoller(source, nil, nil)

	// The row the cursor sits on is not re-fired.
	contexts, err := p.Poll(context.Background(), core.GlobalCursorID, pollEpoch, 10)
	require.NoError(t, err)
	require.Len(t, contexts, 1)
	assert.Equal(t, "u-2", contexts[0].TriggerID)
}

func TestUserPollerRejectsDisposableDomains(t *testing.T) {
	source := NewMemoryUserSource()
	source.Add(
		&User{ID: "u-1", Email: "real@example.com", IsActive: true, CreatedAt: pollEpoch.Add(time.Minute)},
		&User{ID: "u-2", Email: "throwaway@mailinator.com", IsActive: true, CreatedAt: pollEpoch.Add(2 * time.Minute)},
		&User{ID: "u-3", Email: "inactive@example.com", IsActive: false, CreatedAt: pollEpoch.Add(3 * time.Minute)},
		&User{ID: "u-4", Email: "not-an-email", IsActive: true, CreatedAt: pollEpoch.Add(4 * time.Minute)},
	)
	p := NewUserPoller(source, nil, nil)

	contexts, err := p.Poll(context.Background(), core.GlobalCursorID, pollEpoch, 10)
	require.NoError(t, err)
	require.Len(t, contexts, 1)
	assert.Equal(t, "u-1", contexts[0].TriggerID)

	data := contexts[0].EntityData["data"].(map[string]interface{})
	assert.Equal(t, "example.com", data["email_domain"])
}

func TestUserPollerCustomPolicyTable(t *testing.T) {
	source := NewMemoryUserSource()
	source.Add(
		&User{ID: "u-1", Email: "a@blocked.test", IsActive: true, CreatedAt: pollEpoch.Add(time.Minute)},
		&User{ID: "u-2", Email: "b@mailinator.com", IsActive: true, CreatedAt: pollEpoch.Add(2 * time.Minute)},
	)
	p := NewUserPoller(source, []string{"blocked.test"}, nil)

	// An explicit table replaces the default one entirely.
	contexts, err := p.Poll(context.Background(), core.GlobalCursorID, pollEpoch, 10)
	require.NoError(t, err)
	require.Len(t, contexts, 1)
	assert.Equal(t, "u-2", contexts[0].TriggerID)
}

func TestDisposableDomainsEnvOverride(t *testing.T) {
	t.Setenv("DRIPTIDE_DISPOSABLE_DOMAINS", " Spam.example , junk.example ,")
	assert.Equal(t, []string{"spam.example", "junk.example"}, DisposableDomains())

	t.Setenv("DRIPTIDE_DISPOSABLE_DOMAINS", "")
	assert.Equal(t, defaultDisposableDomains, DisposableDomains())
}

func TestValidateRejectsWrongRowType(t *testing.T) {
	subs := NewSubscriptionPoller(NewMemorySubscriptionSource(), nil)
	vr := subs.Validate(&User{ID: "u-1"})
	assert.False(t, vr.Valid)

	users := NewUserPoller(NewMemoryUserSource(), nil, nil)
	vr = users.Validate(&Subscription{ID: "s-1"})
	assert.False(t, vr.Valid)
}
