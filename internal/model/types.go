package model

import (
	"errors"
	"time"
)

var ErrInvalidPlannedDuration = errors.New("planned duration must be between 15 and 120 minutes")

const (
	MinPlannedMinutes = 15
	MaxPlannedMinutes = 120
)

type SessionStatus string

const (
	StatusPendingMatch      SessionStatus = "PENDING_MATCH"
	StatusMatched           SessionStatus = "MATCHED"
	StatusPaymentAuthorized SessionStatus = "PAYMENT_AUTHORIZED"
	StatusReady             SessionStatus = "READY"
	StatusInProgress        SessionStatus = "IN_PROGRESS"
	StatusPaused            SessionStatus = "PAUSED"
	StatusCompleted         SessionStatus = "COMPLETED"
	StatusCancelled         SessionStatus = "CANCELLED"
	StatusAbandoned         SessionStatus = "ABANDONED"
	StatusDisputed          SessionStatus = "DISPUTED"
)

// Session is the persisted record of one booked engagement between a booking
// party (UserID) and an assigned companion (CompanionID).
type Session struct {
	ID              string
	UserID          string
	CompanionID     string
	Status          SessionStatus
	PlannedDuration int
	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationMinutes *int
	RoomHandle      string
	RoomURL         string
	CancelReason    string
	UpdatedAt       time.Time
}

func (s *Session) ValidatePlannedDuration() error {
	if s.PlannedDuration < MinPlannedMinutes || s.PlannedDuration > MaxPlannedMinutes {
		return ErrInvalidPlannedDuration
	}
	return nil
}

// IsParticipant reports whether actorID is the booking party or the assigned companion.
func (s *Session) IsParticipant(actorID string) bool {
	if actorID == "" {
		return false
	}
	return actorID == s.UserID || (s.CompanionID != "" && actorID == s.CompanionID)
}

func (s *Session) PlannedSeconds() int {
	return s.PlannedDuration * 60
}

func (s *Session) Clone() *Session {
	cp := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	if s.DurationMinutes != nil {
		d := *s.DurationMinutes
		cp.DurationMinutes = &d
	}
	return &cp
}

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities LOW < MEDIUM < HIGH < CRITICAL. Unknown values rank -1.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

type TriggerType string

const (
	TriggerTimer  TriggerType = "timer"
	TriggerManual TriggerType = "manual"
)

type DriftEvent struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"sessionId"`
	Severity       Severity       `json:"severity"`
	Message        string         `json:"message"`
	TriggerType    TriggerType    `json:"triggerType"`
	TriggerData    map[string]any `json:"triggerData,omitempty"`
	AcknowledgedBy *string        `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledgedAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}
