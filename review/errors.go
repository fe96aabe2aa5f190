// Package review implements the review state machine: CAS transitions
// over the session's review status, round counting, escalation policy,
// and the bulk operations built on top.
package review

import (
	"errors"
	"fmt"
)

// ErrForbidden indicates the caller's role may not perform the
// transition.
var ErrForbidden = errors.New("review: forbidden")

// ConflictError reports a lost CAS race: the expected status did not
// match the observed one. Callers surface it as a 409 carrying the
// observed state.
type ConflictError struct {
	Expected string
	Observed string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("review status conflict: expected %q, observed %q", e.Expected, e.Observed)
}

// PreconditionError reports a failed transition precondition (missing
// QC, missing acknowledgement, wrong review count). The message is
// user-facing.
type PreconditionError struct {
	Message string
}

func (e *PreconditionError) Error() string {
	return e.Message
}

// IsConflict reports whether err is a CAS conflict.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// IsPrecondition reports whether err is a precondition failure.
func IsPrecondition(err error) bool {
	var precondition *PreconditionError
	return errors.As(err, &precondition)
}
