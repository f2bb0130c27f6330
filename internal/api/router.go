package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tetherapp/tether-session-core/internal/auth"
	"github.com/tetherapp/tether-session-core/internal/config"
	"github.com/tetherapp/tether-session-core/internal/coordinator"
	"github.com/tetherapp/tether-session-core/internal/metrics"
	"github.com/tetherapp/tether-session-core/internal/model"
	"github.com/tetherapp/tether-session-core/internal/store"
)

type Store interface {
	CreateSession(rctx context.Context, in store.CreateSessionInput) (*model.Session, error)
}

type Coordinator interface {
	Start(ctx context.Context, sessionID, actorID string) (*model.Session, error)
	Pause(ctx context.Context, sessionID, actorID string) (*model.Session, error)
	Resume(ctx context.Context, sessionID, actorID string) (*model.Session, error)
	End(ctx context.Context, sessionID, actorID string) (*model.Session, error)
	Cancel(ctx context.Context, sessionID, actorID, reason string) (*model.Session, error)
	Abandon(ctx context.Context, sessionID, actorID string) (*model.Session, error)
	Dispute(ctx context.Context, sessionID, actorID string) (*model.Session, error)
	ResolveDispute(ctx context.Context, sessionID, actorID string) (*model.Session, error)
	Advance(ctx context.Context, sessionID string, to model.SessionStatus, companionID string) (*model.Session, error)
	ProvisionRoom(ctx context.Context, sessionID, actorID string) (*model.Session, error)
	Snapshot(ctx context.Context, sessionID, actorID string) (coordinator.Snapshot, error)
	ListDrift(ctx context.Context, sessionID, actorID string) ([]*model.DriftEvent, error)
	FlagDrift(ctx context.Context, sessionID, actorID, message string, severity model.Severity) (*model.DriftEvent, error)
	AcknowledgeDrift(ctx context.Context, eventID, actorID string) (*model.DriftEvent, error)
	Join(ctx context.Context, sessionID, handle, actorID string) (int, error)
	Leave(sessionID, handle string) (int, bool)
	Disconnect(handle string)
	Members(sessionID string) []string
}

type Server struct {
	cfg   config.Config
	store Store
	coord Coordinator
	hub   *Hub
}

func NewRouter(cfg config.Config, st Store, coord Coordinator, hub *Hub) http.Handler {
	s := &Server{cfg: cfg, store: st, coord: coord, hub: hub}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)
	// The socket outlives any request timeout.
	r.Get("/ws", hub.ServeWS)

	r.Group(func(timed chi.Router) {
		// AWS room provisioning can exceed tens of seconds during EC2 launch/wait.
		timed.Use(middleware.Timeout(3 * time.Minute))

		timed.Route("/api/v1", func(v1 chi.Router) {
			v1.Use(auth.Middleware(cfg.JWTSecret))
			v1.Get("/sessions/{sessionID}", s.handleSessionSnapshot)
			v1.Post("/sessions/{sessionID}/room", s.handleProvisionRoom)
			v1.Get("/sessions/{sessionID}/drift", s.handleListDrift)
			v1.Post("/sessions/{sessionID}/drift", s.handleFlagDrift)
			v1.Post("/drift/{driftID}/acknowledge", s.handleAcknowledgeDrift)
			v1.Post("/sessions/{sessionID}/{action}", s.handleSessionIntent)
		})

		timed.Route("/internal/v1", func(in chi.Router) {
			in.Use(s.internalSharedAuth)
			in.Post("/sessions", s.handleCreateSession)
			in.Post("/sessions/{sessionID}/transition", s.handleGateTransition)
		})
	})

	return r
}

func (s *Server) internalSharedAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Internal-Auth") != s.cfg.InternalSharedKey {
			writeAPIError(w, http.StatusUnauthorized, "unauthorized", "invalid internal auth")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type apiError struct {
	Error struct {
		Code      string   `json:"code"`
		Message   string   `json:"message"`
		Op        string   `json:"op,omitempty"`
		// Allowed lists the states the session can move to from its current
		// status, for illegal_transition only.
		Allowed   []string `json:"allowed,omitempty"`
		RequestID string   `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
