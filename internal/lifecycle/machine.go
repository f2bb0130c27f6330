package lifecycle

import (
	"time"

	"github.com/tetherapp/tether-session-core/internal/model"
)

// Machine applies validated transitions to a session record. It does not
// check participants; every caller gates on that before Apply.
type Machine struct {
	now func() time.Time
}

func NewMachine() *Machine {
	return &Machine{now: time.Now}
}

// NewMachineWithClock is used by tests and by the coordinator to share a clock.
func NewMachineWithClock(now func() time.Time) *Machine {
	return &Machine{now: now}
}

func (m *Machine) Validate(from, to model.SessionStatus) error {
	return Validate(from, to)
}

// Apply mutates sess in place. On error sess is left untouched.
//
// EndedAt is set on COMPLETED and ABANDONED. A DISPUTED session still carries
// the EndedAt and DurationMinutes of the completion it disputes, and moving it
// back to COMPLETED keeps them.
func (m *Machine) Apply(sess *model.Session, to model.SessionStatus) error {
	if err := Validate(sess.Status, to); err != nil {
		return err
	}
	now := m.now().UTC()

	if to == model.StatusInProgress && sess.StartedAt == nil {
		started := now
		sess.StartedAt = &started
	}
	if to == model.StatusCompleted || to == model.StatusAbandoned {
		// DISPUTED -> COMPLETED keeps the original end of the session.
		if sess.Status != model.StatusDisputed || sess.EndedAt == nil {
			ended := now
			sess.EndedAt = &ended
			if sess.StartedAt != nil {
				mins := int(ended.Sub(*sess.StartedAt) / time.Minute)
				if mins < 0 {
					mins = 0
				}
				sess.DurationMinutes = &mins
			}
		}
	}
	sess.Status = to
	sess.UpdatedAt = now
	return nil
}
