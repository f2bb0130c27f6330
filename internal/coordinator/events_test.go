package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tetherapp/tether-session-core/internal/lifecycle"
	"github.com/tetherapp/tether-session-core/internal/model"
)

func TestFinishedSessionsReleaseQueues(t *testing.T) {
	st := newMemStore(readySession("ses_a"), readySession("ses_b"))
	c, clock, rec := newTestCoordinator(t, st, Options{})
	ctx := context.Background()

	// Driven over HTTP only: nobody ever joins.
	if _, err := c.Start(ctx, "ses_a", "usr_booker"); err != nil {
		t.Fatalf("Start ses_a: %v", err)
	}
	clock.Advance(20 * time.Minute)
	if _, err := c.End(ctx, "ses_a", "usr_booker"); err != nil {
		t.Fatalf("End ses_a: %v", err)
	}

	// Participant drops while running, session ends afterwards.
	if _, err := c.Join(ctx, "ses_b", "conn_1", "usr_booker"); err != nil {
		t.Fatalf("Join ses_b: %v", err)
	}
	if _, err := c.Start(ctx, "ses_b", "usr_booker"); err != nil {
		t.Fatalf("Start ses_b: %v", err)
	}
	c.Leave("ses_b", "conn_1")
	if got := c.outbox.Open(); got != 1 {
		t.Fatalf("expected running session to keep its queue, got %d open", got)
	}
	if _, err := c.End(ctx, "ses_b", "usr_companion"); err != nil {
		t.Fatalf("End ses_b: %v", err)
	}

	if got := c.outbox.Open(); got != 0 {
		t.Fatalf("expected no open queues after sessions finished, got %d", got)
	}
	waitFor(t, "drainers to exit", func() bool { return c.outbox.Draining() == 0 })
	waitFor(t, "final state updates", func() bool {
		completed := 0
		for _, ev := range rec.ofType(EventSessionStateUpdate) {
			if ev.Data.(stateUpdate).Status == string(model.StatusCompleted) {
				completed++
			}
		}
		return completed == 2
	})
}

func TestIdleQueueClosedAfterGateTransition(t *testing.T) {
	sess := readySession("ses_1")
	sess.Status = model.StatusPaymentAuthorized
	st := newMemStore(sess)
	c, _, _ := newTestCoordinator(t, st, Options{})

	if _, err := c.Advance(context.Background(), "ses_1", model.StatusReady, ""); err != nil {
		t.Fatalf("Advance returned err: %v", err)
	}
	if got := c.outbox.Open(); got != 0 {
		t.Fatalf("expected idle session queue closed, got %d open", got)
	}
}

func TestOutbox_ReopenedQueueWaitsForPreviousDrainer(t *testing.T) {
	release := make(chan struct{})
	var (
		mu    sync.Mutex
		order []string
		calls int
	)
	drain := func(_ string, events <-chan Event) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			<-release
		}
		for ev := range events {
			mu.Lock()
			order = append(order, ev.Type)
			mu.Unlock()
		}
	}
	o := NewOutbox(4, drain)

	o.Publish(Event{Type: "first", SessionID: "ses_1"})
	o.Close("ses_1")
	o.Publish(Event{Type: "second", SessionID: "ses_1"})
	o.Close("ses_1")
	close(release)

	waitFor(t, "both drainers", func() bool { return o.Draining() == 0 })
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected [first second], got %v", order)
	}
}

func TestReconcile_StaleTimerOnFinishedSessionClearsAlerts(t *testing.T) {
	sess := readySession("ses_1")
	sess.Status = model.StatusCompleted
	start := t0.Add(-40 * time.Minute)
	sess.StartedAt = &start
	st := newMemStore(sess)
	c, _, _ := newTestCoordinator(t, st, Options{})

	c.timers.Start("ses_1", sess.PlannedSeconds(), start)
	c.markAlert("ses_1", 80)
	c.markAlert("ses_1", 100)

	res, err := c.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile returned err: %v", err)
	}
	if res.Stopped != 1 {
		t.Fatalf("expected stale timer stopped, got %+v", res)
	}
	c.alertMu.Lock()
	_, kept := c.alerted["ses_1"]
	c.alertMu.Unlock()
	if kept {
		t.Fatalf("expected alert state cleared for finished session")
	}
	if got := c.outbox.Open(); got != 0 {
		t.Fatalf("expected no open queues, got %d", got)
	}
}

func TestRequiredStateRejectionReportsTableEdges(t *testing.T) {
	st := newMemStore(readySession("ses_1"))
	c, _, _ := newTestCoordinator(t, st, Options{})

	_, err := c.Resume(context.Background(), "ses_1", "usr_booker")
	var ite *lifecycle.IllegalTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	if ite.From != model.StatusReady || ite.To != model.StatusInProgress {
		t.Fatalf("unexpected edge: %s -> %s", ite.From, ite.To)
	}
	want := []model.SessionStatus{model.StatusInProgress, model.StatusCancelled}
	if len(ite.Allowed) != len(want) || ite.Allowed[0] != want[0] || ite.Allowed[1] != want[1] {
		t.Fatalf("expected allowed %v, got %v", want, ite.Allowed)
	}
	if got := st.status("ses_1"); got != model.StatusReady {
		t.Fatalf("expected READY unchanged, got %s", got)
	}
}
