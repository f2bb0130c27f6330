package timer

import (
	"sort"
	"sync"
	"time"
)

// Arena owns at most one live timer per session id.
type Arena struct {
	mu       sync.Mutex
	timers   map[string]*Timer
	interval time.Duration
	now      func() time.Time
	sink     Sink
}

func NewArena(interval time.Duration, sink Sink) *Arena {
	return NewArenaWithClock(interval, time.Now, sink)
}

func NewArenaWithClock(interval time.Duration, now func() time.Time, sink Sink) *Arena {
	if interval <= 0 {
		interval = time.Second
	}
	return &Arena{
		timers:   make(map[string]*Timer),
		interval: interval,
		now:      now,
		sink:     sink,
	}
}

// Start replaces any running timer for sessionID. The old loop has fully
// exited before the new one begins ticking.
func (a *Arena) Start(sessionID string, plannedSeconds int, baseline time.Time) *Timer {
	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.timers[sessionID]; ok {
		old.stop()
		delete(a.timers, sessionID)
	}
	t := New(sessionID, plannedSeconds, baseline)
	t.start(a.interval, a.now, a.sink)
	a.timers[sessionID] = t
	return t
}

// Stop destroys the timer for sessionID. It reports whether one was running.
func (a *Arena) Stop(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.timers[sessionID]
	if !ok {
		return false
	}
	t.stop()
	delete(a.timers, sessionID)
	return true
}

func (a *Arena) Running(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.timers[sessionID]
	return ok
}

// Reading returns the live reading for sessionID without touching milestones.
func (a *Arena) Reading(sessionID string) (Reading, bool) {
	a.mu.Lock()
	t, ok := a.timers[sessionID]
	a.mu.Unlock()
	if !ok {
		return Reading{}, false
	}
	return t.Read(a.now()), true
}

func (a *Arena) Active() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.timers))
	for id := range a.timers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (a *Arena) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, t := range a.timers {
		t.stop()
		delete(a.timers, id)
	}
}
