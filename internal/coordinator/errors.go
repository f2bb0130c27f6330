package coordinator

import (
	"errors"
	"fmt"

	"github.com/tetherapp/tether-session-core/internal/drift"
	"github.com/tetherapp/tether-session-core/internal/lifecycle"
	"github.com/tetherapp/tether-session-core/internal/model"
	"github.com/tetherapp/tether-session-core/internal/store"
)

var (
	ErrNotParticipant    = errors.New("actor is not a participant of this session")
	ErrNotFound          = store.ErrNotFound
	ErrConflict          = store.ErrConflict
	ErrInvalidTarget     = errors.New("target status cannot be reached through this operation")
	ErrCompanionRequired = errors.New("companion id is required to match a session")
	ErrRoomUnavailable   = errors.New("media room cannot be provisioned in the current status")
)

// OpError names the operation and session a failure belongs to.
type OpError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *OpError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// ErrorCode maps a coordinator failure to the stable code used on the wire.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, lifecycle.ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, lifecycle.ErrUnknownState):
		return "unknown_state"
	case errors.Is(err, ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrRoomUnavailable):
		return "room_unavailable"
	case errors.Is(err, ErrInvalidTarget),
		errors.Is(err, ErrCompanionRequired),
		errors.Is(err, drift.ErrInvalidSeverity),
		errors.Is(err, model.ErrInvalidPlannedDuration):
		return "invalid_request"
	default:
		return "internal"
	}
}

// AllowedStates returns the allowed set carried by an illegal transition, if any.
func AllowedStates(err error) ([]model.SessionStatus, bool) {
	var ite *lifecycle.IllegalTransitionError
	if errors.As(err, &ite) {
		return ite.Allowed, true
	}
	return nil, false
}
