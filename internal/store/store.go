package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tetherapp/tether-session-core/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the persisted status moved since the record was loaded.
	ErrConflict = errors.New("session status changed concurrently")
)

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

const sessionColumns = `id, user_id, coalesce(companion_id, ''), status, planned_duration_minutes,
       started_at, ended_at, duration_minutes, coalesce(room_handle, ''), coalesce(room_url, ''),
       coalesce(cancel_reason, ''), updated_at`

func scanSession(row pgx.Row) (*model.Session, error) {
	var out model.Session
	if err := row.Scan(
		&out.ID, &out.UserID, &out.CompanionID, &out.Status, &out.PlannedDuration,
		&out.StartedAt, &out.EndedAt, &out.DurationMinutes, &out.RoomHandle, &out.RoomURL,
		&out.CancelReason, &out.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &out, nil
}

type CreateSessionInput struct {
	ID              string
	UserID          string
	PlannedDuration int
}

// CreateSession inserts a booking in PENDING_MATCH. Bookings normally arrive
// from the external booking flow through the internal API.
func (s *Store) CreateSession(ctx context.Context, in CreateSessionInput) (*model.Session, error) {
	sess := &model.Session{
		ID:              in.ID,
		UserID:          in.UserID,
		Status:          model.StatusPendingMatch,
		PlannedDuration: in.PlannedDuration,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := sess.ValidatePlannedDuration(); err != nil {
		return nil, err
	}
	const q = `
insert into sessions
  (id, user_id, status, planned_duration_minutes, created_at, updated_at)
values
  ($1, $2, $3, $4, $5, $5)`
	if _, err := s.db.Exec(ctx, q, sess.ID, sess.UserID, string(sess.Status), sess.PlannedDuration, sess.UpdatedAt); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	q := `select ` + sessionColumns + `
from sessions
where id = $1`
	sess, err := scanSession(s.db.QueryRow(ctx, q, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

// SaveSession writes every mutable field, guarded on the status the caller
// loaded so two processes cannot both apply a transition from it.
func (s *Store) SaveSession(ctx context.Context, sess *model.Session, from model.SessionStatus) error {
	const q = `
update sessions
set status = $3,
    companion_id = nullif($4, ''),
    started_at = $5,
    ended_at = $6,
    duration_minutes = $7,
    room_handle = nullif($8, ''),
    room_url = nullif($9, ''),
    cancel_reason = nullif($10, ''),
    updated_at = $11
where id = $1 and status = $2`
	tag, err := s.db.Exec(ctx, q,
		sess.ID, string(from), string(sess.Status), sess.CompanionID,
		sess.StartedAt, sess.EndedAt, sess.DurationMinutes,
		sess.RoomHandle, sess.RoomURL, sess.CancelReason, sess.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetSession(ctx, sess.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *Store) ListSessionsByStatus(ctx context.Context, status model.SessionStatus) ([]*model.Session, error) {
	q := `select ` + sessionColumns + `
from sessions
where status = $1
order by started_at asc nulls last, id asc`
	rows, err := s.db.Query(ctx, q, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*model.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

const driftColumns = `id, session_id, severity, message, trigger_type, trigger_data, acknowledged_by, acknowledged_at, created_at`

func scanDriftEvent(row pgx.Row) (*model.DriftEvent, error) {
	var out model.DriftEvent
	var data []byte
	if err := row.Scan(
		&out.ID, &out.SessionID, &out.Severity, &out.Message, &out.TriggerType, &data,
		&out.AcknowledgedBy, &out.AcknowledgedAt, &out.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out.TriggerData); err != nil {
			return nil, fmt.Errorf("decode trigger_data: %w", err)
		}
	}
	return &out, nil
}

// CreateDriftEvent inserts ev. It returns ErrNotFound when the session does not exist.
func (s *Store) CreateDriftEvent(ctx context.Context, ev *model.DriftEvent) error {
	var data []byte
	if len(ev.TriggerData) > 0 {
		b, err := json.Marshal(ev.TriggerData)
		if err != nil {
			return err
		}
		data = b
	}
	const q = `
insert into drift_events
  (id, session_id, severity, message, trigger_type, trigger_data, created_at)
select $1, s.id, $3, $4, $5, $6, $7
from sessions s
where s.id = $2`
	tag, err := s.db.Exec(ctx, q, ev.ID, ev.SessionID, string(ev.Severity), ev.Message, string(ev.TriggerType), data, ev.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetDriftEvent(ctx context.Context, eventID string) (*model.DriftEvent, error) {
	q := `select ` + driftColumns + `
from drift_events
where id = $1`
	ev, err := scanDriftEvent(s.db.QueryRow(ctx, q, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ev, nil
}

// AcknowledgeDriftEvent records the first acknowledgement; later calls return
// the event unchanged.
func (s *Store) AcknowledgeDriftEvent(ctx context.Context, eventID, actorID string, at time.Time) (*model.DriftEvent, error) {
	q := `
update drift_events
set acknowledged_by = coalesce(acknowledged_by, $2),
    acknowledged_at = coalesce(acknowledged_at, $3)
where id = $1
returning ` + driftColumns
	ev, err := scanDriftEvent(s.db.QueryRow(ctx, q, eventID, actorID, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ev, nil
}

func (s *Store) ListDriftEvents(ctx context.Context, sessionID string) ([]*model.DriftEvent, error) {
	q := `select ` + driftColumns + `
from drift_events
where session_id = $1
order by created_at asc, id asc`
	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*model.DriftEvent, 0)
	for rows.Next() {
		ev, err := scanDriftEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
