package poll_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/routelab/rpcheck/internal/poll"
)

func TestUntil_ConvergesImmediately(t *testing.T) {
	calls := 0
	out, err := poll.Until(t.Context(), poll.Spec{
		Probe: func(ctx context.Context) (any, error) {
			calls++
			return "ready", nil
		},
		Expected:    "ready",
		Interval:    time.Millisecond,
		MaxAttempts: 10,
	})
	require.NoError(t, err)
	require.True(t, out.Converged)
	require.Equal(t, 1, out.Attempts)
	require.Equal(t, 1, calls)
	require.Equal(t, "ready", out.Last)
	require.Empty(t, out.Mismatch)
}

func TestUntil_ConvergesOnLaterAttempt(t *testing.T) {
	calls := 0
	out, err := poll.Until(t.Context(), poll.Spec{
		Probe: func(ctx context.Context) (any, error) {
			calls++
			if calls < 3 {
				return "settling", nil
			}
			return "ready", nil
		},
		Expected:    "ready",
		Interval:    time.Millisecond,
		MaxAttempts: 10,
	})
	require.NoError(t, err)
	require.True(t, out.Converged)
	require.Equal(t, 3, out.Attempts)
	require.Equal(t, 3, calls, "probe must not run again after convergence")
}

func TestUntil_ExhaustsBudget(t *testing.T) {
	calls := 0
	out, err := poll.Until(t.Context(), poll.Spec{
		Probe: func(ctx context.Context) (any, error) {
			calls++
			return map[string]any{"state": "down"}, nil
		},
		Expected:    map[string]any{"state": "up"},
		Interval:    time.Millisecond,
		MaxAttempts: 4,
	})
	require.NoError(t, err, "exhaustion is an outcome, not an error")
	require.False(t, out.Converged)
	require.Equal(t, 4, out.Attempts)
	require.Equal(t, 4, calls)
	require.Equal(t, map[string]any{"state": "down"}, out.Last)
	require.NotEmpty(t, out.Mismatch)
}

func TestUntil_NoSleepAfterFinalAttempt(t *testing.T) {
	clk := clockwork.NewFakeClock()
	const attempts = 3

	type result struct {
		out poll.Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := poll.Until(t.Context(), poll.Spec{
			Probe:       func(ctx context.Context) (any, error) { return "no", nil },
			Expected:    "yes",
			Interval:    time.Second,
			MaxAttempts: attempts,
			Clock:       clk,
		})
		done <- result{out, err}
	}()

	// The poller waits between attempts only: advance the fake clock
	// attempts-1 times and it must return without a final sleep.
	for i := 0; i < attempts-1; i++ {
		clk.BlockUntil(1)
		clk.Advance(time.Second)
	}

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.False(t, res.out.Converged)
		require.Equal(t, attempts, res.out.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("poller slept after the final attempt")
	}
}

func TestUntil_ProbeErrorIsNonMatching(t *testing.T) {
	calls := 0
	out, err := poll.Until(t.Context(), poll.Spec{
		Probe: func(ctx context.Context) (any, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("connection refused")
			}
			return "ready", nil
		},
		Expected:    "ready",
		Interval:    time.Millisecond,
		MaxAttempts: 5,
	})
	require.NoError(t, err)
	require.True(t, out.Converged)
	require.Equal(t, 2, out.Attempts)
}

func TestUntil_ZeroAttemptsIsInvalid(t *testing.T) {
	_, err := poll.Until(t.Context(), poll.Spec{
		Probe:       func(ctx context.Context) (any, error) { return nil, nil },
		Interval:    time.Millisecond,
		MaxAttempts: 0,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "max attempts")
}

func TestUntil_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	calls := 0
	go func() {
		// Cancel while the poller is waiting between attempts.
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := poll.Until(ctx, poll.Spec{
		Probe: func(ctx context.Context) (any, error) {
			calls++
			return "no", nil
		},
		Expected:    "yes",
		Interval:    time.Hour,
		MaxAttempts: 100,
	})
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestUntil_CustomCompare(t *testing.T) {
	out, err := poll.Until(t.Context(), poll.Spec{
		Probe:    func(ctx context.Context) (any, error) { return 42, nil },
		Expected: 40,
		Compare: func(got, want any) (bool, string) {
			if got.(int) >= want.(int) {
				return true, ""
			}
			return false, "below threshold"
		},
		Interval:    time.Millisecond,
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	require.True(t, out.Converged)
}
