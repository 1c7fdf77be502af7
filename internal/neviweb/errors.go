package neviweb

import (
	"errors"
	"fmt"
)

// AuthError reports a rejected refresh token, a failed session
// establishment, or a session rejected as expired. The coordinator
// recovers from it at most once per poll cycle.
type AuthError struct {
	Op     string
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("neviweb %s: auth rejected (%d)", e.Op, e.Status)
	}
	return fmt.Sprintf("neviweb %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError reports any other backend rejection for a specific call.
type APIError struct {
	Op     string
	Status int
	Err    error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("neviweb %s: api error %d", e.Op, e.Status)
	}
	return fmt.Sprintf("neviweb %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// UsageError reports caller-supplied invalid arguments. It is rejected
// before any network call and never retried.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return "usage: " + e.Msg }

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsUsageError reports whether err is a caller usage error.
func IsUsageError(err error) bool {
	var usageErr *UsageError
	return errors.As(err, &usageErr)
}
