// Package hub owns the realtime WebSocket endpoint: session registry,
// presence, room fan-out and event dispatch. Feature packages (chat,
// signalling, media) register handlers for their own events instead of the
// hub knowing about them.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parlorchat/parlor/internal/api/middleware"
	"github.com/parlorchat/parlor/internal/database"
)

// dbTimeout bounds presence writes issued from connection lifecycle events.
const dbTimeout = 5 * time.Second

// HandlerFunc processes one inbound frame for a session.
type HandlerFunc func(c *Client, frame Frame)

// DisconnectHook runs when a session goes away, before the registry entry is
// removed. The media layer uses this to tear down the session's peer state.
type DisconnectHook func(c *Client)

// Hub is the connection registry and fan-out core.
type Hub struct {
	users database.UserRepository
	rooms database.RoomRepository

	secret   []byte
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	clients  map[*Client]struct{}
	sessions map[string]*Client   // session id -> client
	byUser   map[string][]*Client // user id -> sessions, oldest first

	handlerMu sync.RWMutex
	handlers  map[string]HandlerFunc

	hookMu sync.RWMutex
	hooks  []DisconnectHook
}

// New creates a hub backed by the given repositories. origins configures the
// WebSocket origin check; "*" allows any.
func New(users database.UserRepository, rooms database.RoomRepository, secret []byte, origins []string) *Hub {
	h := &Hub{
		users:    users,
		rooms:    rooms,
		secret:   secret,
		clients:  make(map[*Client]struct{}),
		sessions: make(map[string]*Client),
		byUser:   make(map[string][]*Client),
		handlers: make(map[string]HandlerFunc),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(origins),
	}
	h.HandleFunc(EventGetOnlineUsers, h.handleGetOnlineUsers)
	h.HandleFunc(EventRegisterUser, h.handleRegisterUser)
	h.HandleFunc(EventTypingStart, h.typingHandler(EventUserTyping))
	h.HandleFunc(EventTypingStop, h.typingHandler(EventUserStoppedTyping))
	return h
}

// HandleFunc registers the handler for an event name. Registration happens
// during startup, before the first connection.
func (h *Hub) HandleFunc(event string, fn HandlerFunc) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	if _, dup := h.handlers[event]; dup {
		slog.Warn("overwriting event handler", "event", event)
	}
	h.handlers[event] = fn
}

// OnDisconnect registers a hook invoked when a session disconnects.
func (h *Hub) OnDisconnect(fn DisconnectHook) {
	h.hookMu.Lock()
	defer h.hookMu.Unlock()
	h.hooks = append(h.hooks, fn)
}

// ServeHTTP upgrades the connection and runs the session until it closes.
// Authentication uses the token query parameter; sessions without a valid
// token stay connected and receive broadcasts but cannot originate events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var userID, username, role string
	if token := r.URL.Query().Get("token"); token != "" {
		claims, err := middleware.ParseToken(h.secret, token)
		if err != nil {
			slog.Debug("websocket auth failed", "error", err)
		} else {
			userID, username, role = claims.UserID, claims.Username, claims.Role
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &Client{
		hub:       h,
		conn:      conn,
		sessionID: uuid.NewString(),
		userID:    userID,
		username:  username,
		role:      role,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
	}

	h.register(c)
	go c.writePump()
	c.readPump()
}

// register adds the session to the registry. The first session of a user
// flips their presence to online and broadcasts the change; broadcast order
// is fixed by performing both under the hub lock.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = struct{}{}
	h.sessions[c.sessionID] = c

	if !c.Authenticated() {
		slog.Debug("anonymous session connected", "session_id", c.sessionID)
		return
	}

	first := len(h.byUser[c.userID]) == 0
	h.byUser[c.userID] = append(h.byUser[c.userID], c)

	slog.Info("session connected",
		"session_id", c.sessionID, "user_id", c.userID, "username", c.username, "first", first)

	if first {
		h.setOnlineLocked(c.userID, true)
		h.broadcastLocked(encodeMust(EventUserStatusChanged, statusChangedPayload{
			UserID: c.userID, Username: c.username, IsOnline: true,
		}), nil)
	}
	h.broadcastLocked(encodeMust(EventUsersOnline, h.onlineSnapshotLocked()), nil)
}

// disconnect tears a session down: media hooks first, then presence, then
// the registry entry, then a fresh online snapshot.
func (h *Hub) disconnect(c *Client) {
	h.hookMu.RLock()
	hooks := h.hooks
	h.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(c)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}

	if c.Authenticated() {
		remaining := h.byUser[c.userID][:0]
		for _, sess := range h.byUser[c.userID] {
			if sess != c {
				remaining = append(remaining, sess)
			}
		}
		if len(remaining) == 0 {
			delete(h.byUser, c.userID)
			h.setOnlineLocked(c.userID, false)
			h.broadcastLocked(encodeMust(EventUserStatusChanged, statusChangedPayload{
				UserID: c.userID, Username: c.username, IsOnline: false,
			}), c)
		} else {
			h.byUser[c.userID] = remaining
		}
		slog.Info("session disconnected",
			"session_id", c.sessionID, "user_id", c.userID, "remaining", len(remaining))
	}

	delete(h.sessions, c.sessionID)
	delete(h.clients, c)

	h.broadcastLocked(encodeMust(EventUsersOnline, h.onlineSnapshotLocked()), c)
}

// setOnlineLocked persists the presence flip. Failures are logged; the
// in-memory registry remains authoritative for routing.
func (h *Hub) setOnlineLocked(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := h.users.SetOnline(ctx, userID, online, time.Now().UTC()); err != nil {
		slog.Error("persisting presence", "user_id", userID, "online", online, "error", err)
	}
}

// onlineUsersPayload is the data of an EventUsersOnline frame.
type onlineUsersPayload struct {
	UserIDs []string `json:"userIds"`
}

func (h *Hub) onlineSnapshotLocked() onlineUsersPayload {
	ids := make([]string, 0, len(h.byUser))
	for id := range h.byUser {
		ids = append(ids, id)
	}
	return onlineUsersPayload{UserIDs: ids}
}

// dispatch decodes an inbound frame and routes it to its handler.
func (h *Hub) dispatch(c *Client, payload []byte) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil || frame.Event == "" {
		c.SendError("", "malformed frame")
		return
	}

	if !c.Authenticated() {
		c.SendError(frame.AckID, "authentication required")
		return
	}

	h.handlerMu.RLock()
	fn, ok := h.handlers[frame.Event]
	h.handlerMu.RUnlock()
	if !ok {
		slog.Debug("unhandled event", "event", frame.Event, "session_id", c.sessionID)
		c.SendError(frame.AckID, "unknown event: "+frame.Event)
		return
	}
	fn(c, frame)
}

// Broadcast sends a frame to every connected session.
func (h *Hub) Broadcast(event string, data any) {
	payload, err := encodeFrame(event, "", data)
	if err != nil {
		slog.Error("encoding broadcast", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.broadcastLocked(payload, nil)
}

func (h *Hub) broadcastLocked(payload []byte, except *Client) {
	if payload == nil {
		return
	}
	for c := range h.clients {
		if c == except {
			continue
		}
		c.enqueue(payload)
	}
}

// EmitToRoom sends a frame to every connected session of the room's active
// participants, exactly once per session. except skips one session (usually
// the originator when the event type has no sender echo). If the participant
// lookup fails the frame degrades to a broadcast-except so delivery is not
// silently lost.
func (h *Hub) EmitToRoom(ctx context.Context, roomID string, except *Client, event string, data any) {
	payload, err := encodeFrame(event, "", data)
	if err != nil {
		slog.Error("encoding room frame", "event", event, "error", err)
		return
	}

	parts, err := h.rooms.ActiveParticipants(ctx, roomID)
	if err != nil {
		slog.Warn("participant lookup failed, degrading to broadcast",
			"room_id", roomID, "event", event, "error", err)
		h.mu.RLock()
		defer h.mu.RUnlock()
		h.broadcastLocked(payload, except)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range parts {
		for _, sess := range h.byUser[p.UserID] {
			if sess == except {
				continue
			}
			sess.enqueue(payload)
		}
	}
}

// EmitToUser sends a frame to every session of one user. Returns false when
// the user has no connected session.
func (h *Hub) EmitToUser(userID, event string, data any) bool {
	payload, err := encodeFrame(event, "", data)
	if err != nil {
		slog.Error("encoding user frame", "event", event, "error", err)
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessions := h.byUser[userID]
	for _, sess := range sessions {
		sess.enqueue(payload)
	}
	return len(sessions) > 0
}

// SessionOf returns the client for a session id, or nil.
func (h *Hub) SessionOf(sessionID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[sessionID]
}

// FirstSessionOf returns the oldest connected session of a user, or nil.
func (h *Hub) FirstSessionOf(userID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if sessions := h.byUser[userID]; len(sessions) > 0 {
		return sessions[0]
	}
	return nil
}

// IsUserOnline reports whether the user has at least one connected session.
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// OnlineUserIDs returns a snapshot of user ids with connected sessions.
func (h *Hub) OnlineUserIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineSnapshotLocked().UserIDs
}

// SessionCount returns the number of connected websocket sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

// handleGetOnlineUsers acks a fresh presence snapshot to the requester.
func (h *Hub) handleGetOnlineUsers(c *Client, frame Frame) {
	h.mu.RLock()
	snapshot := h.onlineSnapshotLocked()
	h.mu.RUnlock()
	c.Ack(frame.AckID, EventUsersOnline, snapshot)
}

// handleRegisterUser accepts the explicit registration some clients send
// after connecting. Identity is already bound at upgrade from the token, so
// repeated registrations are a no-op with a success ack.
func (h *Hub) handleRegisterUser(c *Client, frame Frame) {
	slog.Debug("register_user from bound session",
		"session_id", c.sessionID, "user_id", c.userID)
	c.Ack(frame.AckID, EventRegisterUser, AckOK)
}

// typingHandler fans a typing indicator out to the rest of the room.
func (h *Hub) typingHandler(outEvent string) HandlerFunc {
	return func(c *Client, frame Frame) {
		var req typingPayload
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomID == "" {
			c.SendError(frame.AckID, "roomId is required")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
		defer cancel()

		ok, err := h.rooms.IsActiveParticipant(ctx, req.RoomID, c.UserID())
		if err != nil || !ok {
			return
		}
		h.EmitToRoom(ctx, req.RoomID, c, outEvent, userTypingPayload{
			RoomID: req.RoomID, UserID: c.UserID(), Username: c.Username(),
		})
	}
}

// encodeMust is encodeFrame for internal payloads that cannot fail to
// marshal; an error is logged and the frame dropped.
func encodeMust(event string, data any) []byte {
	payload, err := encodeFrame(event, "", data)
	if err != nil {
		slog.Error("encoding frame", "event", event, "error", err)
		return nil
	}
	return payload
}

// originChecker builds the upgrader's origin check from the configured CORS
// origins. "*" allows any origin; an empty list restricts to same-host.
func originChecker(origins []string) func(*http.Request) bool {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	if allowAll {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return allowed[origin]
	}
}
