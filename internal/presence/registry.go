// Package presence tracks which connection handles are joined to which
// session broadcast group.
package presence

import (
	"sort"
	"sync"
)

// Departure reports a group a handle was removed from and the count left behind.
type Departure struct {
	SessionID        string
	ParticipantCount int
}

type Registry struct {
	mu       sync.RWMutex
	groups   map[string]map[string]struct{}
	byHandle map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		groups:   make(map[string]map[string]struct{}),
		byHandle: make(map[string]map[string]struct{}),
	}
}

// Join adds handle to the session group and returns the new participant count.
// Joining twice is a no-op.
func (r *Registry) Join(sessionID, handle string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	group := r.groups[sessionID]
	if group == nil {
		group = make(map[string]struct{})
		r.groups[sessionID] = group
	}
	group[handle] = struct{}{}

	sessions := r.byHandle[handle]
	if sessions == nil {
		sessions = make(map[string]struct{})
		r.byHandle[handle] = sessions
	}
	sessions[sessionID] = struct{}{}
	return len(group)
}

// Leave removes handle from one group. The bool is false when the handle was not a member.
func (r *Registry) Leave(sessionID, handle string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(sessionID, handle)
}

// LeaveAll removes a dropped connection from every group it belongs to.
// A handle that belongs to no group yields no departures.
func (r *Registry) LeaveAll(handle string) []Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := r.byHandle[handle]
	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Departure, 0, len(ids))
	for _, id := range ids {
		if n, ok := r.leaveLocked(id, handle); ok {
			out = append(out, Departure{SessionID: id, ParticipantCount: n})
		}
	}
	delete(r.byHandle, handle)
	return out
}

func (r *Registry) leaveLocked(sessionID, handle string) (int, bool) {
	group, ok := r.groups[sessionID]
	if !ok {
		return 0, false
	}
	if _, member := group[handle]; !member {
		return len(group), false
	}
	delete(group, handle)
	n := len(group)
	if n == 0 {
		delete(r.groups, sessionID)
	}
	if sessions := r.byHandle[handle]; sessions != nil {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.byHandle, handle)
		}
	}
	return n, true
}

func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[sessionID])
}

// Members returns a sorted snapshot of the handles joined to sessionID.
func (r *Registry) Members(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	group := r.groups[sessionID]
	out := make([]string, 0, len(group))
	for h := range group {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Groups() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}
