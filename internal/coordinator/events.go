package coordinator

import (
	"log"
	"sync"
	"time"

	"github.com/tetherapp/tether-session-core/internal/metrics"
)

const (
	EventParticipantJoined  = "participant-joined"
	EventParticipantLeft    = "participant-left"
	EventSessionStateUpdate = "session-state-update"
	EventTimerTick          = "timer-tick"
	EventTimerMilestone     = "timer-milestone"
	EventDriftAlert         = "drift-alert"
	EventDriftAcknowledged  = "drift-acknowledged"
)

// Event is one server-to-room message. Data is serialized as-is by the transport.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Data      any       `json:"data"`
	At        time.Time `json:"-"`
}

// Drainer consumes one session's outbound queue until it is closed.
type Drainer func(sessionID string, events <-chan Event)

// Outbox keeps one bounded outbound queue per session. Publishing never
// blocks: when a queue is full the event is dropped and counted.
//
// A closed queue keeps draining what it buffered. A queue opened later for
// the same session is not drained until that finishes, so one session's
// events reach the transport in publish order.
type Outbox struct {
	mu       sync.Mutex
	queues   map[string]chan Event
	flushing map[string]chan struct{}
	depth    int
	drain    Drainer
}

func NewOutbox(depth int, drain Drainer) *Outbox {
	if depth <= 0 {
		depth = 64
	}
	return &Outbox{
		queues:   make(map[string]chan Event),
		flushing: make(map[string]chan struct{}),
		depth:    depth,
		drain:    drain,
	}
}

func (o *Outbox) Publish(ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	q, ok := o.queues[ev.SessionID]
	if !ok {
		q = o.open(ev.SessionID)
	}
	select {
	case q <- ev:
		return true
	default:
		metrics.Default().IncCounter("tether_events_dropped_total", map[string]string{"type": ev.Type})
		log.Printf("event=outbox_drop session_id=%s type=%s depth=%d", ev.SessionID, ev.Type, o.depth)
		return false
	}
}

// open must be called with o.mu held.
func (o *Outbox) open(sessionID string) chan Event {
	q := make(chan Event, o.depth)
	o.queues[sessionID] = q
	if o.drain == nil {
		return q
	}
	prev := o.flushing[sessionID]
	done := make(chan struct{})
	o.flushing[sessionID] = done
	go func(drain Drainer) {
		if prev != nil {
			<-prev
		}
		drain(sessionID, q)
		close(done)
		o.mu.Lock()
		if o.flushing[sessionID] == done {
			delete(o.flushing, sessionID)
		}
		o.mu.Unlock()
	}(o.drain)
	return q
}

// SetDrainer installs the consumer for queues created after the call.
func (o *Outbox) SetDrainer(drain Drainer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drain = drain
}

// Close ends the session's queue; its drainer exits after delivering what is buffered.
func (o *Outbox) Close(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if q, ok := o.queues[sessionID]; ok {
		close(q)
		delete(o.queues, sessionID)
	}
}

func (o *Outbox) CloseAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, q := range o.queues {
		close(q)
		delete(o.queues, id)
	}
}

// Open reports how many session queues are live.
func (o *Outbox) Open() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queues)
}

// Draining reports how many drainers have not yet exited.
func (o *Outbox) Draining() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.flushing)
}

type stateUpdate struct {
	SessionID       string     `json:"sessionId"`
	Status          string     `json:"status"`
	ActorID         string     `json:"actorId,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationMinutes *int       `json:"durationMinutes,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	RoomURL         string     `json:"roomUrl,omitempty"`
}

type participantCount struct {
	SessionID        string `json:"sessionId"`
	ParticipantCount int    `json:"participantCount"`
}

type tickPayload struct {
	SessionID string  `json:"sessionId"`
	Elapsed   int     `json:"elapsed"`
	Remaining int     `json:"remaining"`
	Percent   float64 `json:"percent"`
	Phase     string  `json:"phase"`
}

type milestonePayload struct {
	SessionID string `json:"sessionId"`
	Percent   int    `json:"percent"`
	Phase     string `json:"phase"`
}
