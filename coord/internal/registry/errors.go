package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrNameTaken means the worker name belongs to another account.
	ErrNameTaken = errors.New("worker name already taken")
	// ErrUnknownWorker means the worker is missing or deactivated.
	ErrUnknownWorker = errors.New("unknown worker")
)

// ValidationError reports a rejected registration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
