package core

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// RealClock is the production Clock backed by the system clock and a
// seeded jitter source.
type RealClock struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRealClock creates a Clock backed by wall time.
func NewRealClock() *RealClock {
	return &RealClock{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (c *RealClock) Now() time.Time                  { return time.Now().UTC() }
func (c *RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (c *RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *RealClock) Jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	if frac > 1 {
		frac = 1
	}
	c.mu.Lock()
	f := c.rnd.Float64()
	c.mu.Unlock()
	// Uniform in [-frac, +frac] of d.
	offset := time.Duration((2*f - 1) * frac * float64(d))
	return d + offset
}

// MockClock is a manually advanced Clock for tests. Sleep returns
// immediately so test code controls the passage of time explicitly.
type MockClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewMockClock creates a MockClock starting at the given instant.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start.UTC()}
}

func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *MockClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

// Jitter is deterministic on the mock clock.
func (c *MockClock) Jitter(d time.Duration, frac float64) time.Duration {
	return d
}

// Advance moves the mock clock forward.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set pins the mock clock to an instant.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

var (
	_ Clock = (*RealClock)(nil)
	_ Clock = (*MockClock)(nil)
)
