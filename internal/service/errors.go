package service

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized indicates the actor has no access to the child today, or
	// no identity could be resolved.
	ErrUnauthorized = errors.New("not authorized for this child")
	// ErrConflict indicates the child already has a pending or called request.
	ErrConflict = errors.New("pickup already requested for this child")
	// ErrInvalidTransition indicates the request is not in a state that allows the operation.
	ErrInvalidTransition = errors.New("invalid pickup request transition")
	// ErrTransientIO indicates the store kept failing after bounded retries.
	ErrTransientIO = errors.New("temporary storage failure")
	// ErrForbidden indicates the actor's role may not perform the operation.
	ErrForbidden = errors.New("insufficient permissions")
	// ErrPickupRequestNotFound indicates the request does not exist.
	ErrPickupRequestNotFound = errors.New("pickup request not found")
	// ErrChildNotFound indicates the child does not exist.
	ErrChildNotFound = errors.New("child not found")
	// ErrAuthorizationNotFound indicates the grant does not exist.
	ErrAuthorizationNotFound = errors.New("authorization not found")
	// ErrInvalidWindow indicates a malformed authorization window.
	ErrInvalidWindow = errors.New("invalid authorization window")
)

// TransitionError reports a rejected status transition together with the
// status the request was actually in.
type TransitionError struct {
	RequestID uint
	Current   string
	Target    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("pickup request %d: cannot move from %s to %s", e.RequestID, e.Current, e.Target)
}

// Is makes TransitionError match ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ErrorCode is the stable machine-readable code for a service error.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrTransientIO):
		return "transient_io"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrPickupRequestNotFound), errors.Is(err, ErrChildNotFound), errors.Is(err, ErrAuthorizationNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidWindow):
		return "invalid_window"
	default:
		return "internal"
	}
}
