package coordinator

import (
	"context"
	"log"
	"strconv"

	"github.com/tetherapp/tether-session-core/internal/drift"
	"github.com/tetherapp/tether-session-core/internal/metrics"
	"github.com/tetherapp/tether-session-core/internal/model"
	"github.com/tetherapp/tether-session-core/internal/timer"
)

// Join adds a connection to the session's presence group after checking that
// the connected actor belongs to the session.
func (c *Coordinator) Join(ctx context.Context, sessionID, handle, actorID string) (int, error) {
	if _, err := c.loadForActor(ctx, "join", sessionID, actorID); err != nil {
		return 0, err
	}
	count := c.presence.Join(sessionID, handle)
	c.publishCount(EventParticipantJoined, sessionID, count)
	return count, nil
}

// Leave removes handle from one group. It reports false when the handle was
// not a member.
func (c *Coordinator) Leave(sessionID, handle string) (int, bool) {
	count, ok := c.presence.Leave(sessionID, handle)
	if !ok {
		return 0, false
	}
	c.departed(sessionID, count)
	return count, true
}

// Disconnect drops a closed connection from every group it was in.
func (c *Coordinator) Disconnect(handle string) {
	for _, d := range c.presence.LeaveAll(handle) {
		c.departed(d.SessionID, d.ParticipantCount)
	}
}

func (c *Coordinator) departed(sessionID string, count int) {
	c.publishCount(EventParticipantLeft, sessionID, count)
	c.closeIfIdle(sessionID)
}

// closeIfIdle ends the session's outbound queue when nobody is joined and no
// timer is running. A later event reopens it.
func (c *Coordinator) closeIfIdle(sessionID string) {
	if c.presence.Count(sessionID) == 0 && !c.timers.Running(sessionID) {
		c.outbox.Close(sessionID)
	}
}

func (c *Coordinator) publishCount(eventType, sessionID string, count int) {
	c.outbox.Publish(Event{
		Type:      eventType,
		SessionID: sessionID,
		Data:      participantCount{SessionID: sessionID, ParticipantCount: count},
	})
}

// FlagDrift records a participant-raised drift alert and pushes it to the room.
func (c *Coordinator) FlagDrift(ctx context.Context, sessionID, actorID, message string, severity model.Severity) (*model.DriftEvent, error) {
	in := intent{op: "drift-flag", sessionID: sessionID, actorID: actorID}
	if _, err := c.loadForActor(ctx, in.op, sessionID, actorID); err != nil {
		return nil, err
	}
	ev, err := c.drift.FromManualFlag(ctx, sessionID, message, severity)
	if err != nil {
		return nil, c.reject(in, err)
	}
	c.publishDrift(EventDriftAlert, ev)
	c.closeIfIdle(sessionID)
	return ev, nil
}

// AcknowledgeDrift is open to either participant of the event's session.
func (c *Coordinator) AcknowledgeDrift(ctx context.Context, eventID, actorID string) (*model.DriftEvent, error) {
	in := intent{op: "drift-acknowledge", actorID: actorID}
	existing, err := c.store.GetDriftEvent(ctx, eventID)
	if err != nil {
		return nil, c.reject(in, err)
	}
	if _, err := c.loadForActor(ctx, in.op, existing.SessionID, actorID); err != nil {
		return nil, err
	}
	ev, err := c.drift.Acknowledge(ctx, eventID, actorID)
	if err != nil {
		in.sessionID = existing.SessionID
		return nil, c.reject(in, err)
	}
	c.outbox.Publish(Event{Type: EventDriftAcknowledged, SessionID: ev.SessionID, Data: ev})
	c.closeIfIdle(ev.SessionID)
	return ev, nil
}

func (c *Coordinator) ListDrift(ctx context.Context, sessionID, actorID string) ([]*model.DriftEvent, error) {
	if _, err := c.loadForActor(ctx, "drift-list", sessionID, actorID); err != nil {
		return nil, err
	}
	out, err := c.store.ListDriftEvents(ctx, sessionID)
	if err != nil {
		return nil, c.reject(intent{op: "drift-list", sessionID: sessionID, actorID: actorID}, err)
	}
	return out, nil
}

func (c *Coordinator) publishDrift(eventType string, ev *model.DriftEvent) {
	metrics.Default().IncCounter("tether_drift_events_total", map[string]string{
		"trigger":  string(ev.TriggerType),
		"severity": string(ev.Severity),
	})
	log.Printf("event=drift_recorded session_id=%s drift_id=%s trigger=%s severity=%s", ev.SessionID, ev.ID, ev.TriggerType, ev.Severity)
	c.outbox.Publish(Event{Type: eventType, SessionID: ev.SessionID, Data: ev})
}

// Run persists timer-derived drift signals until ctx is done. Timer loops
// only enqueue; all store I/O for them happens here.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-c.signals:
			ev, err := c.drift.RecordTimerSignal(ctx, sig.sessionID, sig.threshold, sig.percent)
			if err != nil {
				log.Printf("event=drift_record_failed session_id=%s threshold=%d err=%q", sig.sessionID, sig.threshold, err.Error())
				c.unmarkAlert(sig.sessionID, sig.threshold)
				continue
			}
			if ev != nil {
				c.publishDrift(EventDriftAlert, ev)
				c.closeIfIdle(ev.SessionID)
			}
		}
	}
}

// timerSink keeps the timer callbacks off the Coordinator's exported surface.
type timerSink struct {
	c *Coordinator
}

func (s timerSink) OnTick(sessionID string, r timer.Reading) {
	s.c.outbox.Publish(Event{
		Type:      EventTimerTick,
		SessionID: sessionID,
		Data: tickPayload{
			SessionID: sessionID,
			Elapsed:   r.Elapsed,
			Remaining: r.Remaining,
			Percent:   r.Percent,
			Phase:     string(r.Phase),
		},
	})
	if _, ok := drift.FromTimer(r.Percent); !ok {
		return
	}
	for _, th := range timer.Thresholds {
		if r.Percent < float64(th) || !s.c.markAlert(sessionID, th) {
			continue
		}
		select {
		case s.c.signals <- timerSignal{sessionID: sessionID, threshold: th, percent: r.Percent}:
		default:
			// retried on a later tick
			s.c.unmarkAlert(sessionID, th)
		}
	}
}

func (s timerSink) OnMilestone(sessionID string, m timer.Milestone, _ timer.Reading) {
	metrics.Default().IncCounter("tether_timer_milestones_total", map[string]string{"percent": strconv.Itoa(m.Percent)})
	s.c.outbox.Publish(Event{
		Type:      EventTimerMilestone,
		SessionID: sessionID,
		Data: milestonePayload{
			SessionID: sessionID,
			Percent:   m.Percent,
			Phase:     string(m.Phase),
		},
	})
}

// markAlert claims a threshold for sessionID. It returns false if the
// threshold was already claimed.
func (c *Coordinator) markAlert(sessionID string, threshold int) bool {
	c.alertMu.Lock()
	defer c.alertMu.Unlock()
	set := c.alerted[sessionID]
	if set == nil {
		set = make(map[int]bool)
		c.alerted[sessionID] = set
	}
	if set[threshold] {
		return false
	}
	set[threshold] = true
	return true
}

func (c *Coordinator) unmarkAlert(sessionID string, threshold int) {
	c.alertMu.Lock()
	defer c.alertMu.Unlock()
	if set := c.alerted[sessionID]; set != nil {
		delete(set, threshold)
	}
}

func (c *Coordinator) clearAlerts(sessionID string) {
	c.alertMu.Lock()
	defer c.alertMu.Unlock()
	delete(c.alerted, sessionID)
}
