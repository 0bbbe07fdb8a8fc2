package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrConversationNotFound is returned when an operation targets a
	// conversation the store has never seen.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrEntryNotFound is returned when a medium-term mutation targets a key
	// that does not exist for the project.
	ErrEntryNotFound = errors.New("memory entry not found")

	// ErrEpisodeNotFound is returned when extraction references an unknown episode.
	ErrEpisodeNotFound = errors.New("episode not found")
)

// ValidationError rejects bad input before any state is mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validationErr(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
