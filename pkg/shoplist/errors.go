package shoplist

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalid         = errors.New("invalid request")
	ErrNotDraggable    = errors.New("completed items cannot be reordered")
	ErrLockConflict    = errors.New("item is locked by another user")
	// ErrTransport marks failures of the network path between a client and
	// the server. They are the only errors a client retries.
	ErrTransport = errors.New("transport error")
)

// LockConflictError is returned when an item is held by another actor whose
// lock has not expired. No state is changed when it is returned.
type LockConflictError struct {
	HeldBy     ActorID `json:"heldById"`
	HeldByName string  `json:"lockedBy"`
}

func (e *LockConflictError) Error() string {
	if e.HeldByName == "" {
		return fmt.Sprintf("%s (%s)", ErrLockConflict, e.HeldBy)
	}
	return fmt.Sprintf("%s (%s)", ErrLockConflict, e.HeldByName)
}

func (e *LockConflictError) Is(target error) bool {
	return target == ErrLockConflict
}

// Holder returns the name to show in a "being edited by" indicator.
func (e *LockConflictError) Holder() string {
	if e.HeldByName != "" {
		return e.HeldByName
	}
	return string(e.HeldBy)
}

// ConflictMessage renders err as user-facing text when it is a lock conflict
// and reports whether it was one.
func ConflictMessage(err error) (string, bool) {
	var lc *LockConflictError
	if errors.As(err, &lc) {
		return fmt.Sprintf("being edited by %s", lc.Holder()), true
	}
	return "", false
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
