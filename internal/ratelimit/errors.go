package ratelimit

import (
	"errors"
	"fmt"
)

// ErrNoPolicy is returned internally when nothing matched an authenticated
// identity; the limiter answers with the safety default instead.
var ErrNoPolicy = errors.New("ratelimit: no policy resolved")

// CountingStoreError wraps failures of the counting authority or the policy
// store. The limiter fails open when it sees one.
type CountingStoreError struct {
	Op  string
	Err error
}

func (e *CountingStoreError) Error() string {
	return fmt.Sprintf("ratelimit: %s: %v", e.Op, e.Err)
}

func (e *CountingStoreError) Unwrap() error { return e.Err }

// IsCountingStoreError reports whether err came from the counting path.
func IsCountingStoreError(err error) bool {
	var cse *CountingStoreError
	return errors.As(err, &cse)
}

// ValidationError rejects a malformed policy write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid policy: %s %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
