// Package poll implements a bounded, fixed-interval convergence poller.
//
// Network convergence is only observable as polled state, not as an event, so
// every verification step in the harness is expressed as "probe until the
// observed document matches the expected one, or the attempt budget runs out".
// Exhausting the budget is a reportable outcome, not an error: the caller
// decides whether it fails the scenario.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
)

// Probe collects one observation of the system under test. A transient
// collection error is treated as a non-matching attempt, not a fatal error.
type Probe func(ctx context.Context) (any, error)

// Compare reports whether got matches want, and a human-readable mismatch
// description when it does not.
type Compare func(got, want any) (bool, string)

// Spec describes one convergence condition. It carries no mutable state;
// the same Spec may be polled any number of times.
type Spec struct {
	// Probe is invoked up to MaxAttempts times. Required.
	Probe Probe

	// Expected is the value the probe result is compared against.
	Expected any

	// Compare overrides the default deep structural equality.
	Compare Compare

	// Interval is the wait between attempts. There is no wait before the
	// first attempt and none after the last.
	Interval time.Duration

	// MaxAttempts is the attempt budget. Must be at least 1.
	MaxAttempts int

	// Clock defaults to the real clock. Tests inject a fake.
	Clock clockwork.Clock
}

func (s *Spec) Validate() error {
	if s.Probe == nil {
		return errors.New("probe is required")
	}
	if s.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if s.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", s.MaxAttempts)
	}
	if s.Compare == nil {
		s.Compare = func(got, want any) (bool, string) {
			diff := cmp.Diff(want, got)
			return diff == "", diff
		}
	}
	if s.Clock == nil {
		s.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Outcome is the result of polling one Spec.
type Outcome struct {
	// Converged is true if some attempt matched Expected.
	Converged bool

	// Attempts is the number of probe invocations used.
	Attempts int

	// Last is the most recent probe result, matching or not. Nil if every
	// attempt returned a probe error.
	Last any

	// Mismatch describes the last comparison failure, or the last probe
	// error when the probe never produced a value. Empty on convergence.
	Mismatch string
}

// Until polls spec.Probe at a fixed interval until it matches spec.Expected
// or the attempt budget is exhausted. It returns a non-nil error only for
// invalid specs and context cancellation; convergence failure is reported
// through the Outcome.
func Until(ctx context.Context, spec Spec) (Outcome, error) {
	if err := spec.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("invalid poll spec: %w", err)
	}

	var out Outcome
	for attempt := 1; attempt <= spec.MaxAttempts; attempt++ {
		out.Attempts = attempt

		got, err := spec.Probe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return out, fmt.Errorf("polling cancelled: %w", ctx.Err())
			}
			out.Mismatch = fmt.Sprintf("probe failed: %v", err)
		} else {
			out.Last = got
			ok, mismatch := spec.Compare(got, spec.Expected)
			if ok {
				out.Converged = true
				out.Mismatch = ""
				return out, nil
			}
			out.Mismatch = mismatch
		}

		if attempt == spec.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return out, fmt.Errorf("polling cancelled: %w", ctx.Err())
		case <-spec.Clock.After(spec.Interval):
		}
	}
	return out, nil
}
