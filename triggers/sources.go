package triggers

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Subscription is one row of the subscription domain table, as the
// poller sees it.
type Subscription struct {
	ID                string                 `json:"id"`
	UserID            string                 `json:"user_id"`
	Email             string                 `json:"email"`
	ProductPackage    string                 `json:"product_package"`
	Status            string                 `json:"status"`
	WorkflowProcessed bool                   `json:"workflow_processed"`
	CreatedAt         time.Time              `json:"created_at"`
	Attributes        map[string]interface{} `json:"attributes,omitempty"`
}

// SubscriptionSource reads subscription rows for polling. Implementations
// must never be written to by the engine.
type SubscriptionSource interface {
	// ListCreatedSince returns rows with CreatedAt >= since, ascending,
	// at most limit.
	ListCreatedSince(ctx context.Context, since time.Time, limit int) ([]*Subscription, error)
}

// NewsletterSignup is one row of the newsletter domain table.
type NewsletterSignup struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id"`
	Email        string                 `json:"email"`
	Status       string                 `json:"status"`
	SubscribedAt time.Time              `json:"subscribed_at"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
}

// NewsletterSource reads newsletter signup rows for polling.
type NewsletterSource interface {
	// ListSubscribedSince returns rows with SubscribedAt >= since,
	// ascending, at most limit.
	ListSubscribedSince(ctx context.Context, since time.Time, limit int) ([]*NewsletterSignup, error)
}

// User is one row of the user domain table.
type User struct {
	ID         string                 `json:"id"`
	Email      string                 `json:"email"`
	Name       string                 `json:"name"`
	IsActive   bool                   `json:"is_active"`
	CreatedAt  time.Time              `json:"created_at"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// UserSource reads user rows for polling.
type UserSource interface {
	// ListCreatedAfter returns rows with CreatedAt > after, ascending,
	// at most limit. The bound is exclusive: the global cursor sits on
	// the last row already seen.
	ListCreatedAfter(ctx context.Context, after time.Time, limit int) ([]*User, error)
}

// MemorySubscriptionSource is an in-memory SubscriptionSource for tests
// and development deployments.
type MemorySubscriptionSource struct {
	mu   sync.RWMutex
	rows []*Subscription
}

// NewMemorySubscriptionSource creates an empty source.
func NewMemorySubscriptionSource() *MemorySubscriptionSource {
	return &MemorySubscriptionSource{}
}

// Add appends rows to the source.
func (s *MemorySubscriptionSource) Add(rows ...*Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
}

func (s *MemorySubscriptionSource) ListCreatedSince(ctx context.Context, since time.Time, limit int) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Subscription
	for _, row := range s.rows {
		if row.CreatedAt.Before(since) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryNewsletterSource is an in-memory NewsletterSource.
type MemoryNewsletterSource struct {
	mu   sync.RWMutex
	rows []*NewsletterSignup
}

// NewMemoryNewsletterSource creates an empty source.
func NewMemoryNewsletterSource() *MemoryNewsletterSource {
	return &MemoryNewsletterSource{}
}

// Add appends rows to the source.
func (s *MemoryNewsletterSource) Add(rows ...*NewsletterSignup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
}

func (s *MemoryNewsletterSource) ListSubscribedSince(ctx context.Context, since time.Time, limit int) ([]*NewsletterSignup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*NewsletterSignup
	for _, row := range s.rows {
		if row.SubscribedAt.Before(since) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscribedAt.Before(out[j].SubscribedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryUserSource is an in-memory UserSource.
type MemoryUserSource struct {
	mu   sync.RWMutex
	rows []*User
}

// NewMemoryUserSource creates an empty source.
func NewMemoryUserSource() *MemoryUserSource {
	return &MemoryUserSource{}
}

// Add appends rows to the source.
func (s *MemoryUserSource) Add(rows ...*User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
}

func (s *MemoryUserSource) ListCreatedAfter(ctx context.Context, after time.Time, limit int) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*User
	for _, row := range s.rows {
		if !row.CreatedAt.After(after) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ SubscriptionSource = (*MemorySubscriptionSource)(nil)
	_ NewsletterSource   = (*MemoryNewsletterSource)(nil)
	_ UserSource         = (*MemoryUserSource)(nil)
)
