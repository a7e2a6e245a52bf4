package coord

import (
	"errors"
	"fmt"

	"github.com/gridforge/swarm/coord/internal/registry"
	"github.com/gridforge/swarm/coord/internal/store"
)

var (
	// ErrUnknownRequest means the request ID does not exist.
	ErrUnknownRequest = errors.New("unknown request")
	// ErrForbidden means the caller does not own the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrLeaseMismatch means the caller does not hold the slot's lease.
	ErrLeaseMismatch = store.ErrLeaseMismatch
	// ErrAlreadySubmitted means the slot already has a result.
	ErrAlreadySubmitted = store.ErrAlreadySubmitted
	// ErrUnknownWorker means the worker ID is not registered.
	ErrUnknownWorker = registry.ErrUnknownWorker
	// ErrWorkerNameTaken means another account already owns the name.
	ErrWorkerNameTaken = registry.ErrNameTaken
)

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
