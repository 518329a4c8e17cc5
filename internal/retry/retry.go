// Package retry re-runs an operation with exponential backoff until it
// succeeds, fails permanently, or the context ends.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type settings struct {
	retries int
	initial time.Duration
	max     time.Duration
	factor  float64
	notify  func(attempt int, err error, wait time.Duration)
}

// Option adjusts the backoff schedule.
type Option func(*settings)

// Retries sets how many times a failed attempt is repeated. Zero means the
// operation runs exactly once.
func Retries(n int) Option {
	return func(s *settings) { s.retries = n }
}

// InitialDelay sets the wait after the first failure.
func InitialDelay(d time.Duration) Option {
	return func(s *settings) { s.initial = d }
}

// MaxDelay caps the wait between attempts.
func MaxDelay(d time.Duration) Option {
	return func(s *settings) { s.max = d }
}

// Factor sets the growth of the wait between attempts.
func Factor(f float64) Option {
	return func(s *settings) { s.factor = f }
}

// Notify registers fn to be called before each wait.
func Notify(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(s *settings) { s.notify = fn }
}

// Do runs op until it returns nil. Errors wrapped with Permanent stop the
// loop at once.
func Do(ctx context.Context, op func(context.Context) error, opts ...Option) error {
	s := settings{retries: 5, initial: time.Second, max: 30 * time.Second, factor: 2}
	for _, opt := range opts {
		opt(&s)
	}

	wait := s.initial
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if attempt > s.retries {
			break
		}
		if s.notify != nil {
			s.notify(attempt, err, wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("gave up after %d attempts: %w", attempt, errors.Join(ctx.Err(), err))
		case <-t.C:
		}
		wait = min(time.Duration(float64(wait)*s.factor), s.max)
	}
	return fmt.Errorf("gave up after %d attempts: %w", s.retries+1, err)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, came from Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
