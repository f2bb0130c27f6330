package coordinator

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"github.com/tetherapp/tether-session-core/internal/model"
	"github.com/tetherapp/tether-session-core/internal/timer"
)

type ReconcileResult struct {
	Started   int
	Stopped   int
	Abandoned int
}

// Reconcile brings in-memory timers back in line with storage: every
// IN_PROGRESS session gets a timer baselined at its persisted startedAt, and
// timers whose session left IN_PROGRESS are destroyed. Sessions running past
// AbandonAfterPercent are abandoned by the system actor.
func (c *Coordinator) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	running, err := c.store.ListSessionsByStatus(ctx, model.StatusInProgress)
	if err != nil {
		return res, err
	}

	seen := make(map[string]bool, len(running))
	for _, sess := range running {
		seen[sess.ID] = true
		if sess.StartedAt == nil {
			log.Printf("event=reconcile_skip session_id=%s reason=missing_started_at", sess.ID)
			continue
		}
		reading := timer.Read(sess.PlannedSeconds(), *sess.StartedAt, c.now())
		if c.abandonAfter > 0 && reading.Percent >= float64(c.abandonAfter) {
			if _, err := c.Abandon(ctx, sess.ID, SystemActor); err != nil {
				log.Printf("event=reconcile_abandon_failed session_id=%s err=%q", sess.ID, err.Error())
				continue
			}
			log.Printf("event=reconcile_abandon session_id=%s percent=%.1f", sess.ID, reading.Percent)
			res.Abandoned++
			continue
		}
		if c.timers.Running(sess.ID) {
			continue
		}
		if c.restartTimer(ctx, sess.ID) {
			res.Started++
		}
	}

	for _, id := range c.timers.Active() {
		if seen[id] {
			continue
		}
		if c.stopStaleTimer(ctx, id) {
			res.Stopped++
		}
	}
	if res != (ReconcileResult{}) {
		log.Printf("event=reconcile_done started=%d stopped=%d abandoned=%d", res.Started, res.Stopped, res.Abandoned)
	}
	return res, nil
}

// restartTimer re-reads the record under the session lock so a concurrent
// pause or end is never undone by a stale listing.
func (c *Coordinator) restartTimer(ctx context.Context, sessionID string) bool {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil || sess.Status != model.StatusInProgress || sess.StartedAt == nil || c.timers.Running(sessionID) {
		return false
	}
	c.seedAlerts(ctx, sessionID)
	c.startTimer(sess)
	log.Printf("event=reconcile_timer_started session_id=%s started_at=%s", sessionID, sess.StartedAt.UTC().Format(time.RFC3339))
	return true
}

func (c *Coordinator) stopStaleTimer(ctx context.Context, sessionID string) bool {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	sess, err := c.store.GetSession(ctx, sessionID)
	if err == nil && sess.Status == model.StatusInProgress {
		return false
	}
	finished := errors.Is(err, ErrNotFound) || (err == nil && sess.Status != model.StatusPaused)
	if finished {
		c.clearAlerts(sessionID)
	}
	if !c.timers.Stop(sessionID) {
		return false
	}
	c.metricsTimerStopped()
	c.closeIfIdle(sessionID)
	log.Printf("event=reconcile_timer_stopped session_id=%s", sessionID)
	return true
}

// seedAlerts marks thresholds that already have a persisted timer drift
// event, so a restarted process does not record them again.
func (c *Coordinator) seedAlerts(ctx context.Context, sessionID string) {
	events, err := c.store.ListDriftEvents(ctx, sessionID)
	if err != nil {
		log.Printf("event=reconcile_seed_alerts_failed session_id=%s err=%q", sessionID, err.Error())
		return
	}
	for _, ev := range events {
		if ev.TriggerType != model.TriggerTimer {
			continue
		}
		if th, ok := thresholdOf(ev); ok {
			c.markAlert(sessionID, th)
		}
	}
}

func thresholdOf(ev *model.DriftEvent) (int, bool) {
	switch v := ev.TriggerData["threshold"].(type) {
	case int:
		return v, true
	case float64:
		return int(math.Round(v)), true
	default:
		return 0, false
	}
}
