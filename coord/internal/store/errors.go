package store

import "errors"

// ErrAlreadyLeased is returned when a lease attempt loses the race for a
// slot that is no longer pending.
var ErrAlreadyLeased = errors.New("store: slot already leased")

// ErrLeaseMismatch is returned when a submission or fault report arrives
// from a worker that does not hold the slot's lease. The slot is never
// mutated in this case.
var ErrLeaseMismatch = errors.New("store: worker does not hold the lease")

// ErrAlreadySubmitted is returned for a duplicate submission against a slot
// that already has a recorded result.
var ErrAlreadySubmitted = errors.New("store: slot already has a result")
