// Package lifecycle holds the session transition table and the state machine
// that applies transitions to a persisted session record.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tetherapp/tether-session-core/internal/model"
)

var (
	ErrUnknownState      = errors.New("unknown session state")
	ErrIllegalTransition = errors.New("illegal transition")
)

// IllegalTransitionError carries the set of states reachable from From so
// callers can re-render the valid next actions. Allowed always lists the
// table edges of From, whichever operation was refused; it may contain To
// when the operation required a different current state (resume on READY
// reports [IN_PROGRESS CANCELLED], reachable through start or cancel).
type IllegalTransitionError struct {
	From    model.SessionStatus
	To      model.SessionStatus
	Allowed []model.SessionStatus
}

func (e *IllegalTransitionError) Error() string {
	allowed := make([]string, 0, len(e.Allowed))
	for _, s := range e.Allowed {
		allowed = append(allowed, string(s))
	}
	return fmt.Sprintf("illegal transition %s -> %s (allowed: [%s])", e.From, e.To, strings.Join(allowed, ", "))
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// table lists allowed targets in a stable order.
var table = map[model.SessionStatus][]model.SessionStatus{
	model.StatusPendingMatch:      {model.StatusMatched, model.StatusCancelled},
	model.StatusMatched:           {model.StatusPaymentAuthorized, model.StatusCancelled},
	model.StatusPaymentAuthorized: {model.StatusReady, model.StatusCancelled},
	model.StatusReady:             {model.StatusInProgress, model.StatusCancelled},
	model.StatusInProgress:        {model.StatusPaused, model.StatusCompleted, model.StatusAbandoned},
	model.StatusPaused:            {model.StatusInProgress, model.StatusCompleted},
	model.StatusCompleted:         {model.StatusDisputed},
	model.StatusDisputed:          {model.StatusCompleted},
	model.StatusCancelled:         {},
	model.StatusAbandoned:         {},
}

// States returns every state known to the table.
func States() []model.SessionStatus {
	return []model.SessionStatus{
		model.StatusPendingMatch,
		model.StatusMatched,
		model.StatusPaymentAuthorized,
		model.StatusReady,
		model.StatusInProgress,
		model.StatusPaused,
		model.StatusCompleted,
		model.StatusCancelled,
		model.StatusAbandoned,
		model.StatusDisputed,
	}
}

// Allowed returns a copy of the targets reachable from from.
func Allowed(from model.SessionStatus) ([]model.SessionStatus, error) {
	next, ok := table[from]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, from)
	}
	return append([]model.SessionStatus(nil), next...), nil
}

func Validate(from, to model.SessionStatus) error {
	allowed, err := Allowed(from)
	if err != nil {
		return err
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return &IllegalTransitionError{From: from, To: to, Allowed: allowed}
}

func IsTerminal(s model.SessionStatus) bool {
	next, ok := table[s]
	return ok && len(next) == 0
}
