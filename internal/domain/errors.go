package domain

import (
	"errors"
	"strconv"
)

var (
	// ErrNotFound is wrapped by lookups that find no row.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned by stores when a uniqueness constraint rejects
	// an insert.
	ErrDuplicate = errors.New("duplicate record")

	// ErrConflict is returned by conditional updates whose precondition no
	// longer holds.
	ErrConflict = errors.New("conflicting update")
)

// ValidationError reports malformed input. Operations that return it have not
// written anything.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return "validation failed: " + e.Field + ": " + e.Message
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func quote(s string) string {
	return strconv.Quote(s)
}
