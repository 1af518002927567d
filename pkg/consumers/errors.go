package consumers

import (
	"errors"
	"fmt"
)

// AuthError means the broker rejected the client credential. The session is
// unusable until the credential changes.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("source authentication failed: %v", e.Err) }

func (e *AuthError) Unwrap() error { return e.Err }

// TransientSourceError is a read or commit failure that may succeed on retry.
type TransientSourceError struct {
	Err error
}

func (e *TransientSourceError) Error() string {
	return fmt.Sprintf("transient source error: %v", e.Err)
}

func (e *TransientSourceError) Unwrap() error { return e.Err }

// IsAuth reports whether err is, or wraps, an AuthError.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
