package engine

import "errors"

// ValidationError marks a signal that was semantically invalid against
// current ledger state. It is terminal: the broker is never contacted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// ErrDuplicateInFlight is returned when an identical signal arrives
// while a prior order for the same (symbol, action, source) key has not
// reached a terminal state.
var ErrDuplicateInFlight = errors.New("duplicate in flight")
