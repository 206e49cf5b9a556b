package feed

import "errors"

// Error taxonomy. Callers classify with errors.Is; implementations wrap
// these with context using fmt.Errorf("...: %w", ...).
var (
	// ErrNotFound is returned when a recipient, item or entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTransient marks store or cache failures that are worth retrying.
	ErrTransient = errors.New("transient store error")

	// ErrValidation is returned for malformed input to synchronous entry points.
	ErrValidation = errors.New("validation error")
)

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
