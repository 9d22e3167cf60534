package build

import (
	"errors"
	"fmt"
)

var (
	// ErrBuildNotFound is returned when an id has no readable build record.
	ErrBuildNotFound = errors.New("build not found")
	// ErrInvalidTransition is returned when a state change skips or reverses the lifecycle.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrInvalidRecord is returned when record attributes fail validation.
	ErrInvalidRecord = errors.New("invalid build record")
	// ErrAlreadyInitialized is returned by Init when the process store is already set.
	ErrAlreadyInitialized = errors.New("build store already initialized")
)

// NotFoundError carries the id that could not be resolved. Missing
// directories, malformed ids and corrupted metadata all surface as this error.
type NotFoundError struct {
	ID  string
	Err error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("couldn't find build: %s", e.ID)
}

func (e *NotFoundError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBuildNotFound}
	}
	return []error{ErrBuildNotFound, e.Err}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}
