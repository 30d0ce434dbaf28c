package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrOverlapSkip = errors.New("job skipped: previous run still in flight")
	ErrStopped     = errors.New("job executor stopped")
)

// NoRetry marks an error as permanent.
//
// Handlers wrap validation errors or other permanent failures with NoRetry so
// the queue backend dead-letters immediately instead of burning attempts.
//
// Example:
//
//	return engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before the next attempt, e.g. when a
// downstream collaborator answered with its own Retry-After.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// JobHandlerError is one failed attempt of a job, panics included.
type JobHandlerError struct {
	Job     string
	Attempt int
	Panic   bool
	Err     error
}

func (e *JobHandlerError) Error() string {
	if e.Panic {
		return fmt.Sprintf("job %s attempt %d panicked: %v", e.Job, e.Attempt, e.Err)
	}
	return fmt.Sprintf("job %s attempt %d: %v", e.Job, e.Attempt, e.Err)
}

func (e *JobHandlerError) Unwrap() error { return e.Err }
