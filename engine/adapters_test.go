package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driptide/driptide/resilience"
)

// flakyAdapter fails the first failN sends, then delegates.
type flakyAdapter struct {
	inner *LogAdapter
	failN int
	sends int
}

func (a *flakyAdapter) Send(ctx context.Context, req *ActionRequest) error {
	a.sends++
	if a.sends <= a.failN {
		return errors.New("provider hiccup")
	}
	return a.inner.Send(ctx, req)
}

func singleAttempt() *resilience.RetryConfig {
	return &resilience.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond}
}

func TestBreakerAdapterOpensAfterSustainedFailure(t *testing.T) {
	ctx := context.Background()
	inner := NewLogAdapter(nil)
	inner.FailWith = errors.New("smtp unavailable")

	adapter := WithCircuitBreaker(inner, singleAttempt(), &resilience.CircuitBreakerConfig{
		Name:             "email",
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
	})
	req := &ActionRequest{ExecutionID: "ex-1", StepID: "step_0", Action: "send_email"}

	for i := 0; i < 3; i++ {
		err := adapter.Send(ctx, req)
		require.ErrorContains(t, err, "smtp unavailable")
	}
	assert.Equal(t, resilience.StateOpen, adapter.State())

	// Open breaker rejects without touching the provider.
	inner.FailWith = nil
	err := adapter.Send(ctx, req)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Empty(t, inner.Calls())
}

func TestBreakerAdapterRetriesTransientFailure(t *testing.T) {
	inner := NewLogAdapter(nil)
	flaky := &flakyAdapter{inner: inner, failN: 2}
	adapter := WithCircuitBreaker(flaky, &resilience.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}, nil)

	err := adapter.Send(context.Background(), &ActionRequest{
		ExecutionID: "ex-1", StepID: "step_0", Action: "send_email", To: "a@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.sends)
	assert.Len(t, inner.Calls(), 1)
	assert.Equal(t, resilience.StateClosed, adapter.State())
}

func TestBreakerAdapterPassesThroughWhenClosed(t *testing.T) {
	inner := NewLogAdapter(nil)
	adapter := WithCircuitBreaker(inner, nil, nil)

	err := adapter.Send(context.Background(), &ActionRequest{
		ExecutionID: "ex-1", StepID: "step_0", Action: "send_email", To: "a@example.com",
	})
	require.NoError(t, err)
	require.Len(t, inner.Calls(), 1)
	assert.Equal(t, resilience.StateClosed, adapter.State())
}
