package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tetherapp/tether-session-core/internal/auth"
	"github.com/tetherapp/tether-session-core/internal/coordinator"
	"github.com/tetherapp/tether-session-core/internal/model"
	"github.com/tetherapp/tether-session-core/internal/store"
	"github.com/tetherapp/tether-session-core/internal/timer"
)

type sessionResponse struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	CompanionID     string     `json:"companionId,omitempty"`
	Status          string     `json:"status"`
	PlannedDuration int        `json:"plannedDuration"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationMinutes *int       `json:"durationMinutes,omitempty"`
	RoomURL         string     `json:"roomUrl,omitempty"`
	CancelReason    string     `json:"cancelReason,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

type snapshotResponse struct {
	Session          sessionResponse `json:"session"`
	Timer            *timer.Reading  `json:"timer,omitempty"`
	ParticipantCount int             `json:"participantCount"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type driftFlagRequest struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

type createSessionRequest struct {
	ID              string `json:"id"`
	UserID          string `json:"userId"`
	PlannedDuration int    `json:"plannedDuration"`
}

type gateTransitionRequest struct {
	To          string `json:"to"`
	CompanionID string `json:"companionId"`
	Reason      string `json:"reason"`
}

func toSessionResponse(sess *model.Session) sessionResponse {
	return sessionResponse{
		ID:              sess.ID,
		UserID:          sess.UserID,
		CompanionID:     sess.CompanionID,
		Status:          string(sess.Status),
		PlannedDuration: sess.PlannedDuration,
		StartedAt:       sess.StartedAt,
		EndedAt:         sess.EndedAt,
		DurationMinutes: sess.DurationMinutes,
		RoomURL:         sess.RoomURL,
		CancelReason:    sess.CancelReason,
		UpdatedAt:       sess.UpdatedAt,
	}
}

type intentFunc func(ctx context.Context, sessionID, actorID string) (*model.Session, error)

func (s *Server) intents() map[string]intentFunc {
	return map[string]intentFunc{
		"start":   s.coord.Start,
		"pause":   s.coord.Pause,
		"resume":  s.coord.Resume,
		"end":     s.coord.End,
		"abandon": s.coord.Abandon,
		"dispute": s.coord.Dispute,
		"resolve": s.coord.ResolveDispute,
	}
}

func (s *Server) handleSessionIntent(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	action := chi.URLParam(r, "action")

	var (
		sess *model.Session
		err  error
	)
	if action == "cancel" {
		var req cancelRequest
		if !decodeOptionalJSON(w, r, &req) {
			return
		}
		sess, err = s.coord.Cancel(r.Context(), sessionID, userID, strings.TrimSpace(req.Reason))
	} else {
		fn, ok := s.intents()[action]
		if !ok {
			writeAPIError(w, http.StatusNotFound, "not_found", "unknown session action")
			return
		}
		sess, err = fn(r.Context(), sessionID, userID)
	}
	if err != nil {
		writeCoordinatorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleSessionSnapshot(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	snap, err := s.coord.Snapshot(r.Context(), chi.URLParam(r, "sessionID"), userID)
	if err != nil {
		writeCoordinatorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse{
		Session:          toSessionResponse(snap.Session),
		Timer:            snap.Reading,
		ParticipantCount: snap.ParticipantCount,
	})
}

func (s *Server) handleProvisionRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	sess, err := s.coord.ProvisionRoom(r.Context(), chi.URLParam(r, "sessionID"), userID)
	if err != nil {
		writeCoordinatorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleListDrift(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	events, err := s.coord.ListDrift(r.Context(), chi.URLParam(r, "sessionID"), userID)
	if err != nil {
		writeCoordinatorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleFlagDrift(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	var req driftFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	ev, err := s.coord.FlagDrift(r.Context(), chi.URLParam(r, "sessionID"), userID, req.Message, model.Severity(req.Severity))
	if err != nil {
		writeCoordinatorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleAcknowledgeDrift(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	ev, err := s.coord.AcknowledgeDrift(r.Context(), chi.URLParam(r, "driftID"), userID)
	if err != nil {
		writeCoordinatorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "userId is required")
		return
	}
	if req.ID == "" {
		req.ID = "ses_" + uuid.NewString()
	}
	sess, err := s.store.CreateSession(r.Context(), store.CreateSessionInput{
		ID:              req.ID,
		UserID:          req.UserID,
		PlannedDuration: req.PlannedDuration,
	})
	if err != nil {
		if errors.Is(err, model.ErrInvalidPlannedDuration) {
			writeAPIError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		log.Printf("event=session_create_failed session_id=%s err=%q", req.ID, err.Error())
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

// handleGateTransition is called by the booking, matching and payment flow.
func (s *Server) handleGateTransition(w http.ResponseWriter, r *http.Request) {
	var req gateTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	to := model.SessionStatus(strings.ToUpper(strings.TrimSpace(req.To)))

	var (
		sess *model.Session
		err  error
	)
	if to == model.StatusCancelled {
		sess, err = s.coord.Cancel(r.Context(), sessionID, coordinator.SystemActor, strings.TrimSpace(req.Reason))
	} else {
		sess, err = s.coord.Advance(r.Context(), sessionID, to, strings.TrimSpace(req.CompanionID))
	}
	if err != nil {
		writeCoordinatorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return false
	}
	return true
}

func statusForCode(code string) int {
	switch code {
	case "illegal_transition", "conflict", "room_unavailable":
		return http.StatusConflict
	case "not_participant":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "invalid_request":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeCoordinatorError(w http.ResponseWriter, r *http.Request, err error) {
	code := coordinator.ErrorCode(err)
	status := statusForCode(code)

	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = err.Error()
	payload.Error.RequestID = middleware.GetReqID(r.Context())
	var opErr *coordinator.OpError
	if errors.As(err, &opErr) {
		payload.Error.Op = opErr.Op
	}
	if allowed, ok := coordinator.AllowedStates(err); ok {
		payload.Error.Allowed = make([]string, 0, len(allowed))
		for _, st := range allowed {
			payload.Error.Allowed = append(payload.Error.Allowed, string(st))
		}
	}
	if status == http.StatusInternalServerError {
		log.Printf("event=api_error request_id=%s code=%s err=%q", payload.Error.RequestID, code, err.Error())
		if code == "internal" {
			payload.Error.Code = "internal_error"
			payload.Error.Message = "internal error"
		}
	}
	writeJSON(w, status, payload)
}
