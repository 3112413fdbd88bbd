package roster

import (
	"errors"
	"fmt"
)

const (
	// panicAddAfterConsume triggers when Sequence.Add is called after the phases have been computed.
	panicAddAfterConsume = "cannot add to a sequence that is already being consumed"

	// panicNextAfterExhaust triggers when Sequence.Next is called after it has already reported exhaustion.
	panicNextAfterExhaust = "sequence is exhausted"

	// panicCheckBeforeNext triggers when Sequence.Check is called without an active phase.
	panicCheckBeforeNext = "no active phase: call Sequence.Next first"
)

// ErrSequenceActive is matched by every InvalidStateError, so callers can test for a rejected operation with
// errors.Is.
var ErrSequenceActive = errors.New("sequence already active")

// InvalidStateError indicates that the Roster refused a top-level operation because another one still occupies its
// sequence slots. The Roster's state is left unchanged.
type InvalidStateError struct {
	Op   string // Requested operation: start, stop or restart.
	Mode Mode   // Mode of the Roster at the time of the request.
}

// Error returns the error message for an InvalidStateError.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s programs: %s sequence in progress", e.Op, e.Mode)
}

// Is reports whether target is ErrSequenceActive.
func (e *InvalidStateError) Is(target error) bool {
	return target == ErrSequenceActive
}

// Check that errors satisfy the error interface.
var _ error = (*InvalidStateError)(nil)
