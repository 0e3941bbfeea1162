package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"chat_relay/internal/auth"
	"chat_relay/internal/database"
	"chat_relay/internal/hub"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	recordTimeout = 5 * time.Second

	defaultConnectionsLimit = 50
	maxConnectionsLimit     = 500
)

var errInvalidRoomID = errors.New("invalid room id")

// ConnectionRecorder keeps an audit trail of websocket sessions.
type ConnectionRecorder interface {
	RecordOpen(ctx context.Context, roomID, userID, remoteAddr string) (uint, error)
	RecordClose(ctx context.Context, id uint) error
	ForRoom(ctx context.Context, roomID string, limit int) ([]database.ConnectionRecord, error)
}

type Controller struct {
	ctx          context.Context
	hub          *hub.Hub
	upgrader     websocket.Upgrader
	clientCfg    hub.ClientConfig
	validator    auth.Validator
	authRequired bool
	recorder     ConnectionRecorder
}

type ControllerOption func(*Controller)

func WithClientConfig(cfg hub.ClientConfig) ControllerOption {
	return func(c *Controller) {
		c.clientCfg = cfg
	}
}

// WithValidator derives user ids from tokens. When required is set a
// request without a valid token is refused.
func WithValidator(v auth.Validator, required bool) ControllerOption {
	return func(c *Controller) {
		c.validator = v
		c.authRequired = required
	}
}

func WithRecorder(r ConnectionRecorder) ControllerOption {
	return func(c *Controller) {
		c.recorder = r
	}
}

func NewController(ctx context.Context, h *hub.Hub, upgrader websocket.Upgrader, opts ...ControllerOption) *Controller {
	c := &Controller{
		ctx:       ctx,
		hub:       h,
		upgrader:  upgrader,
		clientCfg: hub.DefaultClientConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleWS upgrades the request and runs a chat session in the requested
// room, or in a fresh one when the path carries no room id.
func (c *Controller) HandleWS(w http.ResponseWriter, r *http.Request) {
	roomID, err := roomFromRequest(r, true)
	if err != nil {
		c.writeError(w, http.StatusBadRequest, "Invalid room id", nil)
		return
	}

	userID, err := c.authenticate(r)
	if err != nil {
		slog.Warn("rejected websocket connection", "room", roomID, "remote_addr", r.RemoteAddr, "error", err)
		c.writeError(w, http.StatusUnauthorized, "Unauthorized", nil)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrade failed", "error", err)
		return
	}

	recordID, recorded := c.recordOpen(roomID, userID, r.RemoteAddr)
	client := hub.NewClient(c.ctx, conn, c.hub, roomID, userID, c.clientCfg, func() {
		if recorded {
			c.recordClose(recordID)
		}
	})
	client.Open()

	go client.WritePump()
	go client.ReadPump()
}

// HandleNewRoom hands out a fresh room id.
func (c *Controller) HandleNewRoom(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, http.StatusOK, NewItem(StatusSuccess, "New chat uuid", RoomResponse{RoomID: uuid.NewString()}))
}

// HandleMembers lists the user ids currently connected to a room.
func (c *Controller) HandleMembers(w http.ResponseWriter, r *http.Request) {
	roomID, err := roomFromRequest(r, false)
	if err != nil {
		c.writeError(w, http.StatusBadRequest, "Invalid room id", nil)
		return
	}

	members, err := c.hub.Members(r.Context(), roomID)
	if err != nil {
		c.writeError(w, http.StatusServiceUnavailable, "Hub unavailable", err)
		return
	}
	c.writeJSON(w, http.StatusOK, NewItem(StatusSuccess, "Chat members", MembersResponse{RoomID: roomID, Members: members}))
}

// HandleConnections lists the recorded sessions of a room, newest first.
func (c *Controller) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if c.recorder == nil {
		c.writeError(w, http.StatusNotFound, "Connection log disabled", nil)
		return
	}
	roomID, err := roomFromRequest(r, false)
	if err != nil {
		c.writeError(w, http.StatusBadRequest, "Invalid room id", nil)
		return
	}
	limit, err := limitFromRequest(r)
	if err != nil {
		c.writeError(w, http.StatusBadRequest, "Invalid limit", nil)
		return
	}

	records, err := c.recorder.ForRoom(r.Context(), roomID, limit)
	if err != nil {
		c.writeError(w, http.StatusInternalServerError, "Failed to list connections", err)
		return
	}
	connections := make([]ConnectionResponse, 0, len(records))
	for _, record := range records {
		connections = append(connections, ConnectionResponse{
			ID:             record.ID,
			UserID:         record.UserID,
			ConnectedAt:    record.ConnectedAt,
			DisconnectedAt: record.DisconnectedAt,
		})
	}
	c.writeJSON(w, http.StatusOK, NewItem(StatusSuccess, "Chat connections", ConnectionsResponse{RoomID: roomID, Connections: connections}))
}

func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	stats, err := c.hub.Stats(ctx)
	if err != nil {
		c.writeError(w, http.StatusServiceUnavailable, "Hub unavailable", err)
		return
	}
	c.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Rooms: stats.Rooms, Members: stats.Members})
}

func (c *Controller) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	c.writeError(w, http.StatusNotFound, "Not found", nil)
}

func (c *Controller) HandleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	c.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
}

// roomFromRequest reads the room_id path variable. Ids are UUIDs and are
// normalized to their canonical lowercase form.
func roomFromRequest(r *http.Request, generate bool) (string, error) {
	raw, ok := mux.Vars(r)["room_id"]
	if !ok || raw == "" {
		if generate {
			return uuid.NewString(), nil
		}
		return "", errInvalidRoomID
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", errInvalidRoomID
	}
	return id.String(), nil
}

// limitFromRequest reads the optional limit query parameter, capped at
// maxConnectionsLimit.
func limitFromRequest(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultConnectionsLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(limit, maxConnectionsLimit), nil
}

func (c *Controller) authenticate(r *http.Request) (string, error) {
	raw := auth.FromRequest(r)
	if c.validator == nil || raw == "" {
		if c.authRequired {
			return "", auth.ErrMissingToken
		}
		return uuid.NewString(), nil
	}

	userID, err := c.validator.Validate(r.Context(), raw)
	if err != nil {
		if c.authRequired {
			return "", err
		}
		slog.Warn("ignoring invalid token", "remote_addr", r.RemoteAddr, "error", err)
		return uuid.NewString(), nil
	}
	return userID, nil
}

func (c *Controller) recordOpen(roomID, userID, remoteAddr string) (uint, bool) {
	if c.recorder == nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), recordTimeout)
	defer cancel()

	id, err := c.recorder.RecordOpen(ctx, roomID, userID, remoteAddr)
	if err != nil {
		slog.Error("failed to record connection", "room", roomID, "user_id", userID, "error", err)
		return 0, false
	}
	return id, true
}

func (c *Controller) recordClose(id uint) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), recordTimeout)
	defer cancel()

	if err := c.recorder.RecordClose(ctx, id); err != nil {
		slog.Error("failed to record disconnect", "record_id", id, "error", err)
	}
}

func (c *Controller) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write json response", "error", err)
	}
}

func (c *Controller) writeError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		slog.Error(message, "error", err)
	}
	c.writeJSON(w, status, ErrorResponse{Error: message})
}
