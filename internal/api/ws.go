package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tetherapp/tether-session-core/internal/auth"
	"github.com/tetherapp/tether-session-core/internal/coordinator"
	"github.com/tetherapp/tether-session-core/internal/metrics"
	"github.com/tetherapp/tether-session-core/internal/model"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 54 * time.Second
	wsSendBuffer   = 64
	wsOpTimeout    = 15 * time.Second
)

var errActorMismatch = errors.New("actorId does not match the authenticated user")

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	ActorID   string          `json:"actorId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type wsError struct {
	Op      string   `json:"op"`
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Allowed []string `json:"allowed,omitempty"`
}

type driftAckData struct {
	DriftLogID string `json:"driftLogId"`
	UserID     string `json:"userId"`
}

// Hub is the realtime transport: it owns websocket connections and drains the
// coordinator's per-session queues to the handles joined to each session.
type Hub struct {
	coord    Coordinator
	secret   string
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

type client struct {
	handle  string
	actorID string
	conn    *websocket.Conn
	send    chan outgoingMessage
	done    chan struct{}
	once    sync.Once
}

func NewHub(coord Coordinator, jwtSecret string) *Hub {
	return &Hub{
		coord:  coord,
		secret: jwtSecret,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[string]*client),
	}
}

// Drain fans one session's events out to its current members. A member whose
// send buffer is full misses the event; the session queue never waits on it.
func (h *Hub) Drain(sessionID string, events <-chan coordinator.Event) {
	for ev := range events {
		msg := outgoingMessage{
			Type:      ev.Type,
			SessionID: ev.SessionID,
			Data:      ev.Data,
			Timestamp: ev.At.Unix(),
		}
		for _, handle := range h.coord.Members(sessionID) {
			if c := h.get(handle); c != nil && !c.enqueue(msg) {
				log.Printf("event=ws_slow_consumer handle=%s session_id=%s type=%s", handle, sessionID, ev.Type)
			}
		}
	}
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	actorID, err := auth.AuthenticateUpgrade(h.secret, r)
	if err != nil {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("event=ws_upgrade_failed actor_id=%s err=%q", actorID, err.Error())
		return
	}

	c := &client{
		handle:  "conn_" + uuid.NewString(),
		actorID: actorID,
		conn:    conn,
		send:    make(chan outgoingMessage, wsSendBuffer),
		done:    make(chan struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	go c.writePump()

	c.enqueue(outgoingMessage{
		Type:      "connected",
		Data:      map[string]string{"connectionId": c.handle, "actorId": actorID},
		Timestamp: time.Now().Unix(),
	})

	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("event=ws_read_error handle=%s err=%q", c.handle, err.Error())
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		h.handleMessage(r.Context(), c, &msg)
	}
}

func (h *Hub) handleMessage(parent context.Context, c *client, msg *inboundMessage) {
	if msg.ActorID != "" && msg.ActorID != c.actorID {
		c.sendError(msg, errActorMismatch)
		return
	}
	ctx, cancel := context.WithTimeout(parent, wsOpTimeout)
	defer cancel()

	var err error
	switch msg.Type {
	case "join-room":
		_, err = h.coord.Join(ctx, msg.SessionID, c.handle, c.actorID)
	case "leave-room":
		h.coord.Leave(msg.SessionID, c.handle)
	case "session-start":
		_, err = h.coord.Start(ctx, msg.SessionID, c.actorID)
	case "session-pause":
		_, err = h.coord.Pause(ctx, msg.SessionID, c.actorID)
	case "session-resume":
		_, err = h.coord.Resume(ctx, msg.SessionID, c.actorID)
	case "session-end":
		_, err = h.coord.End(ctx, msg.SessionID, c.actorID)
	case "session-cancel":
		var data cancelRequest
		if err = decodeData(msg.Data, &data); err == nil {
			_, err = h.coord.Cancel(ctx, msg.SessionID, c.actorID, data.Reason)
		}
	case "companion-drift-flag":
		var data driftFlagRequest
		if err = decodeData(msg.Data, &data); err == nil {
			_, err = h.coord.FlagDrift(ctx, msg.SessionID, c.actorID, data.Message, model.Severity(data.Severity))
		}
	case "drift-acknowledge":
		var data driftAckData
		if err = decodeData(msg.Data, &data); err != nil {
			break
		}
		if data.UserID != "" && data.UserID != c.actorID {
			err = errActorMismatch
			break
		}
		_, err = h.coord.AcknowledgeDrift(ctx, data.DriftLogID, c.actorID)
	default:
		err = errUnknownMessage
	}
	if err != nil {
		c.sendError(msg, err)
	}
}

var (
	errUnknownMessage = errors.New("unknown message type")
	errBadPayload     = errors.New("invalid message data")
)

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errBadPayload
	}
	return nil
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.handle] = c
	h.mu.Unlock()
	metrics.Default().AddGauge("tether_ws_connections", 1, nil)
	log.Printf("event=ws_connected handle=%s actor_id=%s", c.handle, c.actorID)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.handle)
	h.mu.Unlock()
	c.close()
	h.coord.Disconnect(c.handle)
	metrics.Default().AddGauge("tether_ws_connections", -1, nil)
	log.Printf("event=ws_disconnected handle=%s actor_id=%s", c.handle, c.actorID)
}

func (h *Hub) get(handle string) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[handle]
}

func (c *client) enqueue(msg outgoingMessage) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump is the connection's only writer; pings share it with events.
func (c *client) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Printf("event=ws_write_failed handle=%s err=%q", c.handle, err.Error())
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// sendError answers the requesting connection only.
func (c *client) sendError(msg *inboundMessage, err error) {
	payload := wsError{
		Op:      msg.Type,
		Code:    wsErrorCode(err),
		Message: err.Error(),
	}
	if allowed, ok := coordinator.AllowedStates(err); ok {
		for _, st := range allowed {
			payload.Allowed = append(payload.Allowed, string(st))
		}
	}
	c.enqueue(outgoingMessage{
		Type:      "error",
		SessionID: msg.SessionID,
		Data:      payload,
		Timestamp: time.Now().Unix(),
	})
}

func wsErrorCode(err error) string {
	switch {
	case errors.Is(err, errActorMismatch):
		return "actor_mismatch"
	case errors.Is(err, errUnknownMessage), errors.Is(err, errBadPayload):
		return "invalid_request"
	default:
		return coordinator.ErrorCode(err)
	}
}
