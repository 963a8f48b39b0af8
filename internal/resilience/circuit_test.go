package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failing(context.Context) error    { return errBoom }
func succeeding(context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 3, Window: time.Minute, ResetTimeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Execute(ctx, failing), errBoom)
		require.Equal(t, StateClosed, b.State())
	}
	require.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	require.Equal(t, StateOpen, b.State())

	// While open, calls short-circuit without touching op.
	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.False(t, called)
}

func TestBreakerHalfOpenProbeClosesOnSuccess(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 1, Window: time.Minute, ResetTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeeding))
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbeReopensOnFailure(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 1, Window: time.Minute, ResetTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	time.Sleep(20 * time.Millisecond)

	require.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	require.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 1, Window: time.Minute, ResetTimeout: 10 * time.Millisecond, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// Hold the single probe slot by consuming it without finishing the call.
	require.NoError(t, b.before())
	require.ErrorIs(t, b.before(), ErrCircuitOpen)
}

func TestBreakerWindowExpiresOldFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 2, Window: 20 * time.Millisecond, ResetTimeout: time.Hour})
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	time.Sleep(30 * time.Millisecond)
	// First failure fell out of the window, so this one does not open the circuit.
	require.ErrorIs(t, b.Execute(ctx, failing), errBoom)
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerIsFailurePredicate(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return false },
	})
	require.ErrorIs(t, b.Execute(context.Background(), failing), errBoom)
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	b := NewBreaker(BreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Hour,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	_ = b.Execute(context.Background(), failing)
	require.Equal(t, []string{"closed->open"}, transitions)
}
