// Package retry runs an operation on a fixed interval until it succeeds,
// a deadline passes, or an attempt budget is spent.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrExhausted is matched by errors.Is when the deadline or attempt budget ran out.
var ErrExhausted = errors.New("retry budget exhausted")

// Policy is a constant-interval retry budget.
// A zero Deadline or MaxAttempts means unbounded on that axis.
type Policy struct {
	Interval    time.Duration
	Deadline    time.Duration
	MaxAttempts int
}

// ExhaustedError reports the last attempt's error once the budget is gone.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s after %d attempts", ErrExhausted, e.Attempts)
	}
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

type stopError struct{ err error }

func (s *stopError) Error() string { return s.err.Error() }

// Stop marks err as final; Do returns it unwrapped without further attempts.
func Stop(err error) error {
	return &stopError{err: err}
}

// Do calls op until it returns nil.
// It returns the parent context's error if ctx ends first, the error passed to Stop,
// or an *ExhaustedError when the policy runs out.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	parent := ctx
	if p.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Interval)
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	var (
		attempts int
		last     error
		stopped  error
	)
	err := backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempts++
		err := op(ctx)
		var s *stopError
		if errors.As(err, &s) {
			stopped = s.err
			return backoff.Permanent(s.err)
		}
		if err != nil {
			last = err
		}
		return err
	}, b)
	if err == nil {
		return nil
	}
	if stopped != nil {
		return stopped
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	return &ExhaustedError{Attempts: attempts, Last: last}
}
