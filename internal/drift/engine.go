// Package drift classifies timer and manual signals into severity-graded
// drift alerts and records their acknowledgement.
package drift

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tetherapp/tether-session-core/internal/model"
)

var ErrInvalidSeverity = errors.New("invalid severity")

type Store interface {
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	CreateDriftEvent(ctx context.Context, ev *model.DriftEvent) error
	AcknowledgeDriftEvent(ctx context.Context, eventID, actorID string, at time.Time) (*model.DriftEvent, error)
}

// Signal is a timer-derived classification that has not been persisted.
type Signal struct {
	Severity model.Severity
	Message  string
}

// FromTimer maps an elapsed percentage to a drift signal.
func FromTimer(percent float64) (Signal, bool) {
	switch {
	case percent >= 120:
		return Signal{Severity: model.SeverityHigh, Message: "running 20% over planned time"}, true
	case percent >= 100:
		return Signal{Severity: model.SeverityMedium, Message: "planned duration reached"}, true
	case percent >= 80:
		return Signal{Severity: model.SeverityLow, Message: "80% complete"}, true
	default:
		return Signal{}, false
	}
}

// Escalate returns the next severity. CRITICAL and unrecognized values map to CRITICAL.
func Escalate(current model.Severity) model.Severity {
	switch current {
	case model.SeverityLow:
		return model.SeverityMedium
	case model.SeverityMedium:
		return model.SeverityHigh
	default:
		return model.SeverityCritical
	}
}

type Engine struct {
	store Store
	now   func() time.Time
	newID func() string
}

func NewEngine(store Store) *Engine {
	return &Engine{
		store: store,
		now:   time.Now,
		newID: func() string { return "drf_" + uuid.NewString() },
	}
}

// FromManualFlag records a participant-raised drift alert. An empty severity
// defaults to MEDIUM.
func (e *Engine) FromManualFlag(ctx context.Context, sessionID, message string, severity model.Severity) (*model.DriftEvent, error) {
	if severity == "" {
		severity = model.SeverityMedium
	}
	severity = model.Severity(strings.ToUpper(string(severity)))
	if !severity.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSeverity, severity)
	}
	if _, err := e.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	ev := &model.DriftEvent{
		ID:          e.newID(),
		SessionID:   sessionID,
		Severity:    severity,
		Message:     strings.TrimSpace(message),
		TriggerType: model.TriggerManual,
		CreatedAt:   e.now().UTC(),
	}
	if err := e.store.CreateDriftEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// RecordTimerSignal persists the signal for a crossed milestone threshold.
// It returns nil, nil when the threshold maps to no signal.
func (e *Engine) RecordTimerSignal(ctx context.Context, sessionID string, threshold int, percent float64) (*model.DriftEvent, error) {
	sig, ok := FromTimer(float64(threshold))
	if !ok {
		return nil, nil
	}
	ev := &model.DriftEvent{
		ID:          e.newID(),
		SessionID:   sessionID,
		Severity:    sig.Severity,
		Message:     sig.Message,
		TriggerType: model.TriggerTimer,
		TriggerData: map[string]any{
			"threshold": threshold,
			"percent":   percent,
		},
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.CreateDriftEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Acknowledge marks the event as seen by actorID. Any participant may acknowledge.
func (e *Engine) Acknowledge(ctx context.Context, eventID, actorID string) (*model.DriftEvent, error) {
	return e.store.AcknowledgeDriftEvent(ctx, eventID, actorID, e.now().UTC())
}
