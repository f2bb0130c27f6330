// Package coordinator turns participant intents into serialized session
// transitions and fans the results out to the session's presence group.
package coordinator

import (
	"context"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/tetherapp/tether-session-core/internal/drift"
	"github.com/tetherapp/tether-session-core/internal/lifecycle"
	"github.com/tetherapp/tether-session-core/internal/metrics"
	"github.com/tetherapp/tether-session-core/internal/model"
	"github.com/tetherapp/tether-session-core/internal/presence"
	"github.com/tetherapp/tether-session-core/internal/room"
	"github.com/tetherapp/tether-session-core/internal/timer"
)

// SystemActor is the identity used by reconciliation and the internal gate
// endpoint. It passes the participant check only where an operation allows it.
const SystemActor = "system"

type Store interface {
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	SaveSession(ctx context.Context, sess *model.Session, from model.SessionStatus) error
	ListSessionsByStatus(ctx context.Context, status model.SessionStatus) ([]*model.Session, error)
	CreateDriftEvent(ctx context.Context, ev *model.DriftEvent) error
	GetDriftEvent(ctx context.Context, eventID string) (*model.DriftEvent, error)
	AcknowledgeDriftEvent(ctx context.Context, eventID, actorID string, at time.Time) (*model.DriftEvent, error)
	ListDriftEvents(ctx context.Context, sessionID string) ([]*model.DriftEvent, error)
}

type Options struct {
	TickInterval time.Duration
	EventBuffer  int
	SignalBuffer int
	// AbandonAfterPercent lets Reconcile abandon sessions left running far past
	// their plan. Zero disables the sweep.
	AbandonAfterPercent int
	Rooms               room.Provisioner
	RoomProvider        string
	Now                 func() time.Time
}

type Coordinator struct {
	store    Store
	machine  *lifecycle.Machine
	drift    *drift.Engine
	presence *presence.Registry
	timers   *timer.Arena
	outbox   *Outbox
	rooms    room.Provisioner
	provider string
	locks    *keyedMutex
	now      func() time.Time

	abandonAfter int

	alertMu sync.Mutex
	alerted map[string]map[int]bool
	signals chan timerSignal
}

type timerSignal struct {
	sessionID string
	threshold int
	percent   float64
}

func New(st Store, opts Options) *Coordinator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.SignalBuffer <= 0 {
		opts.SignalBuffer = 256
	}
	if opts.RoomProvider == "" {
		opts.RoomProvider = "fake"
	}
	c := &Coordinator{
		store:        st,
		machine:      lifecycle.NewMachineWithClock(now),
		drift:        drift.NewEngine(st),
		presence:     presence.NewRegistry(),
		outbox:       NewOutbox(opts.EventBuffer, nil),
		rooms:        opts.Rooms,
		provider:     opts.RoomProvider,
		locks:        newKeyedMutex(),
		now:          now,
		abandonAfter: opts.AbandonAfterPercent,
		alerted:      make(map[string]map[int]bool),
		signals:      make(chan timerSignal, opts.SignalBuffer),
	}
	c.timers = timer.NewArenaWithClock(opts.TickInterval, now, timerSink{c: c})
	return c
}

// SetDrainer connects the realtime transport. Call it before serving traffic.
func (c *Coordinator) SetDrainer(d Drainer) {
	c.outbox.SetDrainer(d)
}

// Members lists the connection handles currently joined to sessionID.
func (c *Coordinator) Members(sessionID string) []string {
	return c.presence.Members(sessionID)
}

// Close halts every timer and ends every outbound queue.
func (c *Coordinator) Close() {
	c.timers.StopAll()
	metrics.Default().SetGauge("tether_active_timers", 0, nil)
	c.outbox.CloseAll()
}

type intent struct {
	op          string
	sessionID   string
	actorID     string
	to          model.SessionStatus
	requires    []model.SessionStatus
	allowSystem bool
	edit        func(*model.Session)
}

func (c *Coordinator) Start(ctx context.Context, sessionID, actorID string) (*model.Session, error) {
	return c.transition(ctx, intent{
		op:        "start",
		sessionID: sessionID,
		actorID:   actorID,
		to:        model.StatusInProgress,
		requires:  []model.SessionStatus{model.StatusReady},
	})
}

func (c *Coordinator) Pause(ctx context.Context, sessionID, actorID string) (*model.Session, error) {
	return c.transition(ctx, intent{
		op:        "pause",
		sessionID: sessionID,
		actorID:   actorID,
		to:        model.StatusPaused,
		requires:  []model.SessionStatus{model.StatusInProgress},
	})
}

// Resume restarts the clock against the original startedAt, so paused time
// still counts against the planned duration.
func (c *Coordinator) Resume(ctx context.Context, sessionID, actorID string) (*model.Session, error) {
	return c.transition(ctx, intent{
		op:        "resume",
		sessionID: sessionID,
		actorID:   actorID,
		to:        model.StatusInProgress,
		requires:  []model.SessionStatus{model.StatusPaused},
	})
}

func (c *Coordinator) End(ctx context.Context, sessionID, actorID string) (*model.Session, error) {
	return c.transition(ctx, intent{
		op:        "end",
		sessionID: sessionID,
		actorID:   actorID,
		to:        model.StatusCompleted,
		requires:  []model.SessionStatus{model.StatusInProgress, model.StatusPaused},
	})
}

func (c *Coordinator) Cancel(ctx context.Context, sessionID, actorID, reason string) (*model.Session, error) {
	return c.transition(ctx, intent{
		op:          "cancel",
		sessionID:   sessionID,
		actorID:     actorID,
		to:          model.StatusCancelled,
		allowSystem: true,
		edit: func(s *model.Session) {
			s.CancelReason = reason
		},
	})
}

func (c *Coordinator) Abandon(ctx context.Context, sessionID, actorID string) (*model.Session, error) {
	return c.transition(ctx, intent{
		op:          "abandon",
		sessionID:   sessionID,
		actorID:     actorID,
		to:          model.StatusAbandoned,
		requires:    []model.SessionStatus{model.StatusInProgress},
		allowSystem: true,
	})
}

func (c *Coordinator) Dispute(ctx context.Context, sessionID, actorID string) (*model.Session, error) {
	return c.transition(ctx, intent{
		op:        "dispute",
		sessionID: sessionID,
		actorID:   actorID,
		to:        model.StatusDisputed,
		requires:  []model.SessionStatus{model.StatusCompleted},
	})
}

func (c *Coordinator) ResolveDispute(ctx context.Context, sessionID, actorID string) (*model.Session, error) {
	return c.transition(ctx, intent{
		op:        "resolve",
		sessionID: sessionID,
		actorID:   actorID,
		to:        model.StatusCompleted,
		requires:  []model.SessionStatus{model.StatusDisputed},
	})
}

// Advance moves a booking through the matching and payment gates on behalf of
// the external booking flow.
func (c *Coordinator) Advance(ctx context.Context, sessionID string, to model.SessionStatus, companionID string) (*model.Session, error) {
	in := intent{
		op:          "advance",
		sessionID:   sessionID,
		actorID:     SystemActor,
		to:          to,
		allowSystem: true,
	}
	switch to {
	case model.StatusMatched:
		if companionID == "" {
			return nil, c.reject(in, ErrCompanionRequired)
		}
		in.edit = func(s *model.Session) {
			s.CompanionID = companionID
		}
	case model.StatusPaymentAuthorized, model.StatusReady:
	default:
		return nil, c.reject(in, ErrInvalidTarget)
	}
	return c.transition(ctx, in)
}

// transition runs one intent under the session lock: load, authorize, apply,
// persist, then timer and broadcast side effects. Nothing after the save can
// undo it.
func (c *Coordinator) transition(ctx context.Context, in intent) (*model.Session, error) {
	started := time.Now()
	defer func() {
		metrics.Default().ObserveHistogram("tether_session_op_latency_ms", float64(time.Since(started).Milliseconds()), map[string]string{"op": in.op})
	}()

	unlock := c.locks.Lock(in.sessionID)
	defer unlock()

	cur, err := c.store.GetSession(ctx, in.sessionID)
	if err != nil {
		return nil, c.reject(in, err)
	}
	if !c.authorized(cur, in.actorID, in.allowSystem) {
		return nil, c.reject(in, ErrNotParticipant)
	}
	allowed, err := lifecycle.Allowed(cur.Status)
	if err != nil {
		log.Printf("event=session_unknown_state session_id=%s status=%q op=%s", cur.ID, cur.Status, in.op)
		return nil, c.reject(in, err)
	}
	// The error reports the edges out of the current state, not the states
	// this operation would have accepted.
	if len(in.requires) > 0 && !slices.Contains(in.requires, cur.Status) {
		return nil, c.reject(in, &lifecycle.IllegalTransitionError{From: cur.Status, To: in.to, Allowed: allowed})
	}

	next := cur.Clone()
	if err := c.machine.Apply(next, in.to); err != nil {
		return nil, c.reject(in, err)
	}
	if in.edit != nil {
		in.edit(next)
	}
	if err := c.store.SaveSession(ctx, next, cur.Status); err != nil {
		return nil, c.reject(in, err)
	}

	log.Printf("event=session_transition op=%s session_id=%s actor_id=%s from=%s to=%s", in.op, next.ID, in.actorID, cur.Status, next.Status)
	metrics.Default().IncCounter("tether_session_transitions_total", map[string]string{"op": in.op, "status": string(next.Status)})
	c.afterTransition(cur, next, in.actorID)
	return next, nil
}

func (c *Coordinator) afterTransition(prev, next *model.Session, actorID string) {
	if next.Status != model.StatusInProgress && c.timers.Stop(next.ID) {
		c.metricsTimerStopped()
	}

	c.outbox.Publish(Event{
		Type:      EventSessionStateUpdate,
		SessionID: next.ID,
		Data: stateUpdate{
			SessionID:       next.ID,
			Status:          string(next.Status),
			ActorID:         actorID,
			StartedAt:       next.StartedAt,
			EndedAt:         next.EndedAt,
			DurationMinutes: next.DurationMinutes,
			Reason:          next.CancelReason,
		},
	})

	if next.Status == model.StatusInProgress && next.StartedAt != nil {
		c.startTimer(next)
	}

	switch next.Status {
	case model.StatusCompleted, model.StatusCancelled, model.StatusAbandoned:
		if prev.Status != model.StatusDisputed {
			c.clearAlerts(next.ID)
			c.releaseRoom(next)
		}
	}
	c.closeIfIdle(next.ID)
}

func (c *Coordinator) startTimer(sess *model.Session) {
	wasRunning := c.timers.Running(sess.ID)
	c.timers.Start(sess.ID, sess.PlannedSeconds(), *sess.StartedAt)
	if !wasRunning {
		metrics.Default().AddGauge("tether_active_timers", 1, nil)
	}
}

func (c *Coordinator) metricsTimerStopped() {
	metrics.Default().AddGauge("tether_active_timers", -1, nil)
}

func (c *Coordinator) authorized(sess *model.Session, actorID string, allowSystem bool) bool {
	if allowSystem && actorID == SystemActor {
		return true
	}
	return sess.IsParticipant(actorID)
}

func (c *Coordinator) reject(in intent, err error) error {
	code := ErrorCode(err)
	metrics.Default().IncCounter("tether_session_intents_rejected_total", map[string]string{"op": in.op, "code": code})
	log.Printf("event=session_intent_rejected op=%s session_id=%s actor_id=%s code=%s err=%q", in.op, in.sessionID, in.actorID, code, err.Error())
	return &OpError{Op: in.op, SessionID: in.sessionID, Err: err}
}

// Snapshot is the persisted record plus the live timer reading, when running.
type Snapshot struct {
	Session          *model.Session
	Reading          *timer.Reading
	ParticipantCount int
}

func (c *Coordinator) Snapshot(ctx context.Context, sessionID, actorID string) (Snapshot, error) {
	sess, err := c.loadForActor(ctx, "snapshot", sessionID, actorID)
	if err != nil {
		return Snapshot{}, err
	}
	out := Snapshot{Session: sess, ParticipantCount: c.presence.Count(sessionID)}
	if r, ok := c.timers.Reading(sessionID); ok {
		out.Reading = &r
	}
	return out, nil
}

func (c *Coordinator) loadForActor(ctx context.Context, op, sessionID, actorID string) (*model.Session, error) {
	in := intent{op: op, sessionID: sessionID, actorID: actorID}
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, c.reject(in, err)
	}
	if !sess.IsParticipant(actorID) {
		return nil, c.reject(in, ErrNotParticipant)
	}
	return sess, nil
}

// ProvisionRoom creates the media room for a session ahead of start. It is a
// no-op when the session already has one.
func (c *Coordinator) ProvisionRoom(ctx context.Context, sessionID, actorID string) (*model.Session, error) {
	in := intent{op: "provision-room", sessionID: sessionID, actorID: actorID}
	if c.rooms == nil {
		return nil, c.reject(in, ErrRoomUnavailable)
	}

	unlock := c.locks.Lock(sessionID)
	defer unlock()

	cur, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, c.reject(in, err)
	}
	if !cur.IsParticipant(actorID) {
		return nil, c.reject(in, ErrNotParticipant)
	}
	if cur.RoomHandle != "" {
		return cur, nil
	}
	switch cur.Status {
	case model.StatusPaymentAuthorized, model.StatusReady, model.StatusInProgress, model.StatusPaused:
	default:
		return nil, c.reject(in, ErrRoomUnavailable)
	}

	started := time.Now()
	res, err := c.rooms.Provision(ctx, room.ProvisionRequest{
		SessionID:   cur.ID,
		UserID:      cur.UserID,
		CompanionID: cur.CompanionID,
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Default().IncCounter("tether_room_provision_total", map[string]string{"provider": c.provider, "status": status})
	log.Printf("metric=room_provision provider=%s session_id=%s status=%s duration_ms=%d", c.provider, cur.ID, status, time.Since(started).Milliseconds())
	if err != nil {
		return nil, c.reject(in, err)
	}

	next := cur.Clone()
	next.RoomHandle = res.Handle
	next.RoomURL = res.JoinURL
	next.UpdatedAt = c.now().UTC()
	if err := c.store.SaveSession(ctx, next, cur.Status); err != nil {
		c.releaseRoom(next)
		return nil, c.reject(in, err)
	}
	c.outbox.Publish(Event{
		Type:      EventSessionStateUpdate,
		SessionID: next.ID,
		Data: stateUpdate{
			SessionID: next.ID,
			Status:    string(next.Status),
			ActorID:   actorID,
			StartedAt: next.StartedAt,
			RoomURL:   next.RoomURL,
		},
	})
	c.closeIfIdle(next.ID)
	return next, nil
}

// releaseRoom tears the room down in the background. Failures are logged and
// never affect the session record.
func (c *Coordinator) releaseRoom(sess *model.Session) {
	if c.rooms == nil || sess.RoomHandle == "" {
		return
	}
	req := room.ReleaseRequest{SessionID: sess.ID, Handle: sess.RoomHandle}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		status := "ok"
		if err := c.rooms.Release(ctx, req); err != nil {
			status = "error"
			log.Printf("event=room_release_failed session_id=%s handle=%s err=%q", req.SessionID, req.Handle, err.Error())
		}
		metrics.Default().IncCounter("tether_room_release_total", map[string]string{"provider": c.provider, "status": status})
	}()
}
