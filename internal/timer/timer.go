// Package timer runs one server-authoritative countdown per running session.
package timer

import (
	"context"
	"time"
)

type Phase string

const (
	PhaseOpening  Phase = "opening"
	PhaseCore     Phase = "core"
	PhaseClosing  Phase = "closing"
	PhaseOvertime Phase = "overtime"
)

// Thresholds are the milestone percentages, in firing order.
var Thresholds = [...]int{80, 100, 120}

type Reading struct {
	Elapsed   int     `json:"elapsed"`
	Remaining int     `json:"remaining"`
	Percent   float64 `json:"percent"`
	Phase     Phase   `json:"phase"`
}

type Milestone struct {
	Percent int   `json:"percent"`
	Phase   Phase `json:"phase"`
}

// Sink receives timer output. Implementations must not block and must not
// call back into the Arena that owns the timer.
type Sink interface {
	OnTick(sessionID string, r Reading)
	OnMilestone(sessionID string, m Milestone, r Reading)
}

// Read computes the timer reading at now. Remaining is not clamped at zero.
func Read(plannedSeconds int, baseline, now time.Time) Reading {
	elapsed := int(now.Sub(baseline) / time.Second)
	var percent float64
	if plannedSeconds > 0 {
		percent = float64(elapsed*100) / float64(plannedSeconds)
	}
	return Reading{
		Elapsed:   elapsed,
		Remaining: plannedSeconds - elapsed,
		Percent:   percent,
		Phase:     PhaseFor(percent),
	}
}

func PhaseFor(percent float64) Phase {
	switch {
	case percent > 100:
		return PhaseOvertime
	case percent >= 90:
		return PhaseClosing
	case percent >= 10:
		return PhaseCore
	default:
		return PhaseOpening
	}
}

// MilestonePhase labels a threshold crossing: 80% closes the session, 100%
// and beyond are overtime.
func MilestonePhase(threshold int) Phase {
	if threshold >= 100 {
		return PhaseOvertime
	}
	return PhaseClosing
}

type Timer struct {
	sessionID      string
	plannedSeconds int
	baseline       time.Time
	fired          map[int]bool

	cancel context.CancelFunc
	done   chan struct{}
}

func New(sessionID string, plannedSeconds int, baseline time.Time) *Timer {
	return &Timer{
		sessionID:      sessionID,
		plannedSeconds: plannedSeconds,
		baseline:       baseline,
		fired:          make(map[int]bool, len(Thresholds)),
	}
}

func (t *Timer) SessionID() string {
	return t.sessionID
}

func (t *Timer) Baseline() time.Time {
	return t.baseline
}

func (t *Timer) Read(now time.Time) Reading {
	return Read(t.plannedSeconds, t.baseline, now)
}

// Advance computes the reading at now and returns the milestones that became
// due, each at most once per timer, in ascending order. It is only called
// from the timer's own loop (or directly in tests).
func (t *Timer) Advance(now time.Time) (Reading, []Milestone) {
	r := t.Read(now)
	var due []Milestone
	for _, th := range Thresholds {
		if t.fired[th] || r.Percent < float64(th) {
			continue
		}
		t.fired[th] = true
		due = append(due, Milestone{Percent: th, Phase: MilestonePhase(th)})
	}
	return r, due
}

func (t *Timer) start(interval time.Duration, now func() time.Time, sink Sink) {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx, interval, now, sink)
}

func (t *Timer) run(ctx context.Context, interval time.Duration, now func() time.Time, sink Sink) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A tick racing a cancel is dropped so nothing is emitted after Stop begins.
			if ctx.Err() != nil {
				return
			}
			r, due := t.Advance(now())
			sink.OnTick(t.sessionID, r)
			for _, m := range due {
				sink.OnMilestone(t.sessionID, m, r)
			}
		}
	}
}

// stop halts the loop and waits for it to exit.
func (t *Timer) stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}
