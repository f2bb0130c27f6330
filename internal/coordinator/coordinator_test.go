package coordinator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tetherapp/tether-session-core/internal/lifecycle"
	"github.com/tetherapp/tether-session-core/internal/model"
	"github.com/tetherapp/tether-session-core/internal/room"
	"github.com/tetherapp/tether-session-core/internal/store"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	drift    map[string]*model.DriftEvent
	saves    int
}

func newMemStore(sessions ...*model.Session) *memStore {
	s := &memStore{
		sessions: make(map[string]*model.Session),
		drift:    make(map[string]*model.DriftEvent),
	}
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess.Clone()
	}
	return s
}

func (m *memStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sess.Clone(), nil
}

func (m *memStore) SaveSession(_ context.Context, sess *model.Session, from model.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[sess.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status != from {
		return store.ErrConflict
	}
	m.sessions[sess.ID] = sess.Clone()
	m.saves++
	return nil
}

func (m *memStore) ListSessionsByStatus(_ context.Context, status model.SessionStatus) ([]*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Session, 0)
	for _, sess := range m.sessions {
		if sess.Status == status {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CreateDriftEvent(_ context.Context, ev *model.DriftEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[ev.SessionID]; !ok {
		return store.ErrNotFound
	}
	cp := *ev
	m.drift[ev.ID] = &cp
	return nil
}

func (m *memStore) GetDriftEvent(_ context.Context, id string) (*model.DriftEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.drift[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *memStore) AcknowledgeDriftEvent(_ context.Context, id, actorID string, at time.Time) (*model.DriftEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.drift[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if ev.AcknowledgedBy == nil {
		ev.AcknowledgedBy = &actorID
		ev.AcknowledgedAt = &at
	}
	cp := *ev
	return &cp, nil
}

func (m *memStore) ListDriftEvents(_ context.Context, sessionID string) ([]*model.DriftEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.DriftEvent, 0)
	for _, ev := range m.drift {
		if ev.SessionID == sessionID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) status(id string) model.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].Status
}

func (m *memStore) driftCount(sessionID string, trigger model.TriggerType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.drift {
		if ev.SessionID == sessionID && ev.TriggerType == trigger {
			n++
		}
	}
	return n
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) drain(_ string, events <-chan Event) {
	for ev := range events {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}
}

func (r *recorder) ofType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0)
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func readySession(id string) *model.Session {
	return &model.Session{
		ID:              id,
		UserID:          "usr_booker",
		CompanionID:     "usr_companion",
		Status:          model.StatusReady,
		PlannedDuration: 30,
		UpdatedAt:       t0.Add(-time.Hour),
	}
}

func newTestCoordinator(t *testing.T, st *memStore, opts Options) (*Coordinator, *testClock, *recorder) {
	t.Helper()
	clock := &testClock{now: t0}
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	if opts.TickInterval == 0 {
		opts.TickInterval = time.Hour
	}
	rec := &recorder{}
	c := New(st, opts)
	c.SetDrainer(rec.drain)
	t.Cleanup(c.Close)
	return c, clock, rec
}

func TestStart_SetsStartedAtAndRejectsRetry(t *testing.T) {
	st := newMemStore(readySession("ses_1"))
	c, _, rec := newTestCoordinator(t, st, Options{})

	sess, err := c.Start(context.Background(), "ses_1", "usr_booker")
	if err != nil {
		t.Fatalf("Start returned err: %v", err)
	}
	if sess.Status != model.StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", sess.Status)
	}
	if sess.StartedAt == nil || !sess.StartedAt.Equal(t0) {
		t.Fatalf("expected startedAt %v, got %v", t0, sess.StartedAt)
	}
	if !c.timers.Running("ses_1") {
		t.Fatalf("expected running timer")
	}

	_, err = c.Start(context.Background(), "ses_1", "usr_companion")
	var ite *lifecycle.IllegalTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	want := []model.SessionStatus{model.StatusPaused, model.StatusCompleted, model.StatusAbandoned}
	if len(ite.Allowed) != len(want) {
		t.Fatalf("expected allowed %v, got %v", want, ite.Allowed)
	}
	for i := range want {
		if ite.Allowed[i] != want[i] {
			t.Fatalf("expected allowed %v, got %v", want, ite.Allowed)
		}
	}
	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Op != "start" {
		t.Fatalf("expected OpError for start, got %v", err)
	}
	if ErrorCode(err) != "illegal_transition" {
		t.Fatalf("expected illegal_transition code, got %q", ErrorCode(err))
	}

	waitFor(t, "state update", func() bool { return len(rec.ofType(EventSessionStateUpdate)) == 1 })
	update := rec.ofType(EventSessionStateUpdate)[0].Data.(stateUpdate)
	if update.Status != string(model.StatusInProgress) || update.StartedAt == nil {
		t.Fatalf("unexpected state update: %+v", update)
	}
}

func TestPauseResume_KeepsBaseline(t *testing.T) {
	st := newMemStore(readySession("ses_1"))
	c, clock, _ := newTestCoordinator(t, st, Options{})
	ctx := context.Background()

	if _, err := c.Start(ctx, "ses_1", "usr_booker"); err != nil {
		t.Fatalf("Start returned err: %v", err)
	}
	clock.Advance(10 * time.Minute)
	paused, err := c.Pause(ctx, "ses_1", "usr_companion")
	if err != nil {
		t.Fatalf("Pause returned err: %v", err)
	}
	if c.timers.Running("ses_1") {
		t.Fatalf("timer should be destroyed on pause")
	}

	clock.Advance(5 * time.Minute)
	resumed, err := c.Resume(ctx, "ses_1", "usr_booker")
	if err != nil {
		t.Fatalf("Resume returned err: %v", err)
	}
	if !resumed.StartedAt.Equal(*paused.StartedAt) || !resumed.StartedAt.Equal(t0) {
		t.Fatalf("startedAt changed across pause/resume: %v -> %v", paused.StartedAt, resumed.StartedAt)
	}

	snap, err := c.Snapshot(ctx, "ses_1", "usr_booker")
	if err != nil {
		t.Fatalf("Snapshot returned err: %v", err)
	}
	if snap.Reading == nil {
		t.Fatalf("expected live reading after resume")
	}
	// paused time counts against the plan
	if snap.Reading.Elapsed != 15*60 || snap.Reading.Remaining != 15*60 {
		t.Fatalf("expected elapsed 900 remaining 900, got %+v", *snap.Reading)
	}
}

func TestNotParticipant_NoSideEffects(t *testing.T) {
	st := newMemStore(readySession("ses_1"))
	c, _, _ := newTestCoordinator(t, st, Options{})

	ops := map[string]func() error{
		"start": func() error { _, err := c.Start(context.Background(), "ses_1", "usr_stranger"); return err },
		"pause": func() error { _, err := c.Pause(context.Background(), "ses_1", "usr_stranger"); return err },
		"end":   func() error { _, err := c.End(context.Background(), "ses_1", "usr_stranger"); return err },
		"cancel": func() error {
			_, err := c.Cancel(context.Background(), "ses_1", "usr_stranger", "")
			return err
		},
		"abandon": func() error { _, err := c.Abandon(context.Background(), "ses_1", "usr_stranger"); return err },
	}
	for name, fn := range ops {
		err := fn()
		if !errors.Is(err, ErrNotParticipant) {
			t.Fatalf("%s: expected ErrNotParticipant, got %v", name, err)
		}
	}
	if got := st.status("ses_1"); got != model.StatusReady {
		t.Fatalf("expected status unchanged, got %s", got)
	}
	if st.saves != 0 {
		t.Fatalf("expected no saves, got %d", st.saves)
	}
	if c.timers.Running("ses_1") {
		t.Fatalf("expected no timer")
	}
}

func TestSystemActorOnlyWhereAllowed(t *testing.T) {
	st := newMemStore(readySession("ses_1"))
	c, _, _ := newTestCoordinator(t, st, Options{})

	if _, err := c.Start(context.Background(), "ses_1", SystemActor); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected system actor rejected for start, got %v", err)
	}
	sess, err := c.Cancel(context.Background(), "ses_1", SystemActor, "payment expired")
	if err != nil {
		t.Fatalf("Cancel returned err: %v", err)
	}
	if sess.CancelReason != "payment expired" {
		t.Fatalf("expected cancel reason, got %q", sess.CancelReason)
	}
}

func TestUnknownSession(t *testing.T) {
	c, _, _ := newTestCoordinator(t, newMemStore(), Options{})
	_, err := c.Start(context.Background(), "ses_missing", "usr_booker")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ErrorCode(err) != "not_found" {
		t.Fatalf("expected not_found code, got %q", ErrorCode(err))
	}
}

func TestUnknownPersistedState(t *testing.T) {
	sess := readySession("ses_1")
	sess.Status = "LIMBO"
	c, _, _ := newTestCoordinator(t, newMemStore(sess), Options{})

	_, err := c.Start(context.Background(), "ses_1", "usr_booker")
	if !errors.Is(err, lifecycle.ErrUnknownState) {
		t.Fatalf("expected ErrUnknownState, got %v", err)
	}
}

func TestEnd_RecordsDuration(t *testing.T) {
	st := newMemStore(readySession("ses_1"))
	c, clock, rec := newTestCoordinator(t, st, Options{})
	ctx := context.Background()

	if _, err := c.Start(ctx, "ses_1", "usr_booker"); err != nil {
		t.Fatalf("Start returned err: %v", err)
	}
	clock.Advance(29*time.Minute + 59*time.Second)
	sess, err := c.End(ctx, "ses_1", "usr_companion")
	if err != nil {
		t.Fatalf("End returned err: %v", err)
	}
	if sess.Status != model.StatusCompleted || sess.DurationMinutes == nil || *sess.DurationMinutes != 29 {
		t.Fatalf("unexpected completed session: %+v", sess)
	}
	if c.timers.Running("ses_1") {
		t.Fatalf("timer should stop on end")
	}

	waitFor(t, "final state update", func() bool { return len(rec.ofType(EventSessionStateUpdate)) == 2 })
	final := rec.ofType(EventSessionStateUpdate)[1].Data.(stateUpdate)
	if final.EndedAt == nil || final.DurationMinutes == nil {
		t.Fatalf("final update missing endedAt/durationMinutes: %+v", final)
	}
}

func TestEnd_FromPaused(t *testing.T) {
	st := newMemStore(readySession("ses_1"))
	c, _, _ := newTestCoordinator(t, st, Options{})
	ctx := context.Background()

	if _, err := c.Start(ctx, "ses_1", "usr_booker"); err != nil {
		t.Fatalf("Start returned err: %v", err)
	}
	if _, err := c.Pause(ctx, "ses_1", "usr_booker"); err != nil {
		t.Fatalf("Pause returned err: %v", err)
	}
	if _, err := c.End(ctx, "ses_1", "usr_booker"); err != nil {
		t.Fatalf("End from PAUSED returned err: %v", err)
	}
}

func TestCancel_RunningSessionIsIllegal(t *testing.T) {
	st := newMemStore(readySession("ses_1"))
	c, _, _ := newTestCoordinator(t, st, Options{})
	ctx := context.Background()

	if _, err := c.Start(ctx, "ses_1", "usr_booker"); err != nil {
		t.Fatalf("Start returned err: %v", err)
	}
	_, err := c.Cancel(ctx, "ses_1", "usr_booker", "changed my mind")
	if !errors.Is(err, lifecycle.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	if !c.timers.Running("ses_1") {
		t.Fatalf("rejected cancel must not stop the timer")
	}
}

func TestDisputeRoundTrip(t *testing.T) {
	st := newMemStore(readySession("ses_1"))
	c, clock, _ := newTestCoordinator(t, st, Options{})
	ctx := context.Background()

	if _, err := c.Start(ctx, "ses_1", "usr_booker"); err != nil {
		t.Fatalf("Start returned err: %v", err)
	}
	clock.Advance(30 * time.Minute)
	done, err := c.End(ctx, "ses_1", "usr_booker")
	if err != nil {
		t.Fatalf("End returned err: %v", err)
	}
	clock.Advance(time.Hour)
	if _, err := c.Dispute(ctx, "ses_1", "usr_companion"); err != nil {
		t.Fatalf("Dispute returned err: %v", err)
	}
	resolved, err := c.ResolveDispute(ctx, "ses_1", "usr_booker")
	if err != nil {
		t.Fatalf("ResolveDispute returned err: %v", err)
	}
	if !resolved.EndedAt.Equal(*done.EndedAt) {
		t.Fatalf("resolution moved endedAt: %v -> %v", done.EndedAt, resolved.EndedAt)
	}
	if _, err := c.Resume(ctx, "ses_1", "usr_booker"); !errors.Is(err, lifecycle.ErrIllegalTransition) {
		t.Fatalf("completed session must not re-enter running, got %v", err)
	}
}

func TestAdvance_Gates(t *testing.T) {
	sess := readySession("ses_1")
	sess.Status = model.StatusPendingMatch
	sess.CompanionID = ""
	st := newMemStore(sess)
	c, _, _ := newTestCoordinator(t, st, Options{})
	ctx := context.Background()

	if _, err := c.Advance(ctx, "ses_1", model.StatusMatched, ""); !errors.Is(err, ErrCompanionRequired) {
		t.Fatalf("expected ErrCompanionRequired, got %v", err)
	}
	if _, err := c.Advance(ctx, "ses_1", model.StatusInProgress, ""); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
	if _, err := c.Advance(ctx, "ses_1", model.StatusReady, ""); !errors.Is(err, lifecycle.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition skipping gates, got %v", err)
	}

	matched, err := c.Advance(ctx, "ses_1", model.StatusMatched, "usr_companion")
	if err != nil {
		t.Fatalf("Advance MATCHED returned err: %v", err)
	}
	if matched.CompanionID != "usr_companion" {
		t.Fatalf("expected companion recorded, got %q", matched.CompanionID)
	}
	for _, to := range []model.SessionStatus{model.StatusPaymentAuthorized, model.StatusReady} {
		if _, err := c.Advance(ctx, "ses_1", to, ""); err != nil {
			t.Fatalf("Advance %s returned err: %v", to, err)
		}
	}
	if _, err := c.Start(ctx, "ses_1", "usr_companion"); err != nil {
		t.Fatalf("companion Start returned err: %v", err)
	}
}

func TestJoinLeave_ParticipantCounts(t *testing.T) {
	st := newMemStore(readySession("ses_1"))
	c, _, rec := newTestCoordinator(t, st, Options{})
	ctx := context.Background()

	n, err := c.Join(ctx, "ses_1", "conn_a", "usr_booker")
	if err != nil || n != 1 {
		t.Fatalf("first join: n=%d err=%v", n, err)
	}
	n, err = c.Join(ctx, "ses_1", "conn_b", "usr_companion")
	if err != nil || n != 2 {
		t.Fatalf("second join: n=%d err=%v", n, err)
	}
	if _, err := c.Join(ctx, "ses_1", "conn_c", "usr_stranger"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected stranger join rejected, got %v", err)
	}
	n, ok := c.Leave("ses_1", "conn_a")
	if !ok || n != 1 {
		t.Fatalf("leave: n=%d ok=%v", n, ok)
	}

	waitFor(t, "presence events", func() bool {
		return len(rec.ofType(EventParticipantJoined)) == 2 && len(rec.ofType(EventParticipantLeft)) == 1
	})
	joined := rec.ofType(EventParticipantJoined)
	if joined[0].Data.(participantCount).ParticipantCount != 1 || joined[1].Data.(participantCount).ParticipantCount != 2 {
		t.Fatalf("unexpected join counts: %+v", joined)
	}
	if left := rec.ofType(EventParticipantLeft)[0].Data.(participantCount); left.ParticipantCount != 1 {
		t.Fatalf("unexpected leave count: %+v", left)
	}

	c.Disconnect("conn_b")
	c.Disconnect("conn_never_joined")
	if got := c.Members("ses_1"); len(got) != 0 {
		t.Fatalf("expected empty group, got %v", got)
	}
}

func TestConcurrentStarts_OnlyOneWins(t *testing.T) {
	st := newMemStore(readySession("ses_1"))
	c, _, _ := newTestCoordinator(t, st, Options{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, illegal := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Start(context.Background(), "ses_1", "usr_booker")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, lifecycle.ErrIllegalTransition):
				illegal++
			default:
				t.Errorf("unexpected err: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || illegal != 15 {
		t.Fatalf("expected 1 win and 15 rejections, got %d/%d", wins, illegal)
	}
	if st.saves != 1 {
		t.Fatalf("expected one save, got %d", st.saves)
	}
}

func TestTimerDrift_PersistedOncePerThreshold(t *testing.T) {
	st := newMemStore(readySession("ses_1"))
	c, clock, rec := newTestCoordinator(t, st, Options{TickInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if _, err := c.Start(ctx, "ses_1", "usr_booker"); err != nil {
		t.Fatalf("Start returned err: %v", err)
	}
	clock.Advance(25 * time.Minute)

	waitFor(t, "80% drift event", func() bool { return st.driftCount("ses_1", model.TriggerTimer) == 1 })
	waitFor(t, "80% milestone", func() bool { return len(rec.ofType(EventTimerMilestone)) == 1 })

	if _, err := c.Pause(ctx, "ses_1", "usr_booker"); err != nil {
		t.Fatalf("Pause returned err: %v", err)
	}
	if _, err := c.Resume(ctx, "ses_1", "usr_booker"); err != nil {
		t.Fatalf("Resume returned err: %v", err)
	}

	// the new timer re-emits the milestone but the drift event is not repeated
	waitFor(t, "re-fired milestone", func() bool { return len(rec.ofType(EventTimerMilestone)) == 2 })
	time.Sleep(30 * time.Millisecond)
	if got := st.driftCount("ses_1", model.TriggerTimer); got != 1 {
		t.Fatalf("expected one timer drift event, got %d", got)
	}

	clock.Advance(12 * time.Minute)
	waitFor(t, "100 and 120 drift events", func() bool { return st.driftCount("ses_1", model.TriggerTimer) == 3 })
	waitFor(t, "drift alerts", func() bool { return len(rec.ofType(EventDriftAlert)) == 3 })
}

func TestFlagAndAcknowledgeDrift(t *testing.T) {
	st := newMemStore(readySession("ses_1"))
	c, _, rec := newTestCoordinator(t, st, Options{})
	ctx := context.Background()

	if _, err := c.FlagDrift(ctx, "ses_1", "usr_stranger", "off topic", ""); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	ev, err := c.FlagDrift(ctx, "ses_1", "usr_companion", "  off topic  ", "")
	if err != nil {
		t.Fatalf("FlagDrift returned err: %v", err)
	}
	if ev.Severity != model.SeverityMedium || ev.Message != "off topic" || ev.TriggerType != model.TriggerManual {
		t.Fatalf("unexpected drift event: %+v", ev)
	}

	if _, err := c.AcknowledgeDrift(ctx, ev.ID, "usr_stranger"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant for stranger ack, got %v", err)
	}
	acked, err := c.AcknowledgeDrift(ctx, ev.ID, "usr_booker")
	if err != nil {
		t.Fatalf("AcknowledgeDrift returned err: %v", err)
	}
	if acked.AcknowledgedBy == nil || *acked.AcknowledgedBy != "usr_booker" {
		t.Fatalf("expected acknowledgement by usr_booker, got %v", acked.AcknowledgedBy)
	}
	if _, err := c.AcknowledgeDrift(ctx, "drf_missing", "usr_booker"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	waitFor(t, "drift events", func() bool {
		return len(rec.ofType(EventDriftAlert)) == 1 && len(rec.ofType(EventDriftAcknowledged)) == 1
	})
}

func TestReconcile(t *testing.T) {
	fresh := readySession("ses_fresh")
	fresh.Status = model.StatusInProgress
	freshStart := t0.Add(-10 * time.Minute)
	fresh.StartedAt = &freshStart

	stale := readySession("ses_stale")
	stale.Status = model.StatusInProgress
	staleStart := t0.Add(-70 * time.Minute)
	stale.StartedAt = &staleStart

	paused := readySession("ses_paused")
	paused.Status = model.StatusPaused
	pausedStart := t0.Add(-5 * time.Minute)
	paused.StartedAt = &pausedStart

	st := newMemStore(fresh, stale, paused)
	c, _, _ := newTestCoordinator(t, st, Options{AbandonAfterPercent: 200})
	c.timers.Start("ses_paused", paused.PlannedSeconds(), pausedStart)

	res, err := c.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile returned err: %v", err)
	}
	if res.Started != 1 || res.Stopped != 1 || res.Abandoned != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !c.timers.Running("ses_fresh") || c.timers.Running("ses_paused") || c.timers.Running("ses_stale") {
		t.Fatalf("unexpected timers: %v", c.timers.Active())
	}
	r, _ := c.timers.Reading("ses_fresh")
	if r.Elapsed != 600 {
		t.Fatalf("expected restarted timer baselined at startedAt, elapsed=%d", r.Elapsed)
	}
	if got := st.status("ses_stale"); got != model.StatusAbandoned {
		t.Fatalf("expected stale session abandoned, got %s", got)
	}

	res, err = c.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("second Reconcile returned err: %v", err)
	}
	if res != (ReconcileResult{}) {
		t.Fatalf("expected no-op second pass, got %+v", res)
	}
}

func TestReconcile_SeedsPersistedAlerts(t *testing.T) {
	sess := readySession("ses_1")
	sess.Status = model.StatusInProgress
	start := t0.Add(-25 * time.Minute)
	sess.StartedAt = &start
	st := newMemStore(sess)
	st.drift["drf_old"] = &model.DriftEvent{
		ID:          "drf_old",
		SessionID:   "ses_1",
		Severity:    model.SeverityLow,
		TriggerType: model.TriggerTimer,
		TriggerData: map[string]any{"threshold": float64(80)},
	}
	c, _, _ := newTestCoordinator(t, st, Options{})

	if _, err := c.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile returned err: %v", err)
	}
	if c.markAlert("ses_1", 80) {
		t.Fatalf("expected threshold 80 seeded from storage")
	}
}

type fakeRooms struct {
	mu       sync.Mutex
	released []string
}

func (f *fakeRooms) Provision(_ context.Context, req room.ProvisionRequest) (room.ProvisionResult, error) {
	return room.ProvisionResult{Handle: "room-" + req.SessionID, JoinURL: "wss://rooms.test/" + req.SessionID}, nil
}

func (f *fakeRooms) Release(_ context.Context, req room.ReleaseRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, req.Handle)
	return nil
}

func (f *fakeRooms) releasedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

func TestProvisionRoom_ReleasedOnEnd(t *testing.T) {
	rooms := &fakeRooms{}
	st := newMemStore(readySession("ses_1"))
	c, _, _ := newTestCoordinator(t, st, Options{Rooms: rooms})
	ctx := context.Background()

	sess, err := c.ProvisionRoom(ctx, "ses_1", "usr_booker")
	if err != nil {
		t.Fatalf("ProvisionRoom returned err: %v", err)
	}
	if sess.RoomHandle != "room-ses_1" || sess.RoomURL == "" {
		t.Fatalf("unexpected room fields: %+v", sess)
	}
	again, err := c.ProvisionRoom(ctx, "ses_1", "usr_companion")
	if err != nil || again.RoomHandle != sess.RoomHandle {
		t.Fatalf("expected idempotent provisioning, got %+v err=%v", again, err)
	}

	if _, err := c.Start(ctx, "ses_1", "usr_booker"); err != nil {
		t.Fatalf("Start returned err: %v", err)
	}
	if _, err := c.End(ctx, "ses_1", "usr_booker"); err != nil {
		t.Fatalf("End returned err: %v", err)
	}
	waitFor(t, "room release", func() bool { return rooms.releasedCount() == 1 })
}
