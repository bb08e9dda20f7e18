// ABOUTME: Room membership and agent association tables for live connections
// ABOUTME: Broadcasts are best-effort: slow members miss frames instead of blocking publishers

package realtime

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ErrDisconnected is returned when operating on a connection that has left.
var ErrDisconnected = errors.New("connection is disconnected")

// ErrUnknownConnection is returned for connections never registered with the hub.
var ErrUnknownConnection = errors.New("connection is not registered")

// Hub owns every membership table. A single mutex guards them so each
// connection's join, leave and disconnect is applied as a whole.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*Conn               // connID -> conn
	rooms     map[string]map[string]*Conn    // roomID -> connID -> conn
	connRooms map[string]map[string]struct{} // connID -> roomIDs
	agents    map[string]string              // connID -> agentID
	logger    *slog.Logger
}

// NewHub creates an empty hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:     make(map[string]*Conn),
		rooms:     make(map[string]map[string]*Conn),
		connRooms: make(map[string]map[string]struct{}),
		agents:    make(map[string]string),
		logger:    logger.With("component", "realtime"),
	}
}

// Register adds a connection in the Connected state.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	h.logger.Debug("connection registered", "conn_id", c.id)
}

// JoinRoom makes c a member of roomID. A non-empty agentID associates the
// connection with that agent for point-to-point delivery.
func (h *Hub) JoinRoom(c *Conn, roomID, agentID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.isDone() {
		return ErrDisconnected
	}
	if _, ok := h.conns[c.id]; !ok {
		return ErrUnknownConnection
	}

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[roomID] = members
	}
	members[c.id] = c

	joined, ok := h.connRooms[c.id]
	if !ok {
		joined = make(map[string]struct{})
		h.connRooms[c.id] = joined
	}
	joined[roomID] = struct{}{}

	if agentID != "" {
		h.agents[c.id] = agentID
	}

	h.logger.Debug("joined room", "conn_id", c.id, "room_id", roomID, "agent_id", agentID)
	return nil
}

// LeaveRoom removes c from roomID. Leaving a room it never joined is a no-op.
func (h *Hub) LeaveRoom(c *Conn, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeMembershipLocked(c.id, roomID)
	h.logger.Debug("left room", "conn_id", c.id, "room_id", roomID)
}

func (h *Hub) removeMembershipLocked(connID, roomID string) {
	if members, ok := h.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if joined, ok := h.connRooms[connID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(h.connRooms, connID)
		}
	}
}

// Disconnect removes every room and agent association of c and marks it
// terminal. Safe to call more than once.
func (h *Hub) Disconnect(c *Conn) {
	h.mu.Lock()
	for roomID := range h.connRooms[c.id] {
		h.removeMembershipLocked(c.id, roomID)
	}
	delete(h.agents, c.id)
	delete(h.conns, c.id)
	c.closeDone()
	h.mu.Unlock()

	h.logger.Debug("connection disconnected", "conn_id", c.id)
}

// Broadcast sends an event to every member of roomID and returns how many
// members accepted it.
func (h *Hub) Broadcast(roomID, eventType string, payload any) int {
	frame, err := encodeEvent(eventType, payload)
	if err != nil {
		h.logger.Warn("failed to encode event", "event", eventType, "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[roomID]))
	for _, c := range h.rooms[roomID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	return h.deliver(targets, frame, eventType)
}

// SendToAgent sends an event to every connection associated with agentID.
func (h *Hub) SendToAgent(agentID, eventType string, payload any) int {
	frame, err := encodeEvent(eventType, payload)
	if err != nil {
		h.logger.Warn("failed to encode event", "event", eventType, "error", err)
		return 0
	}

	h.mu.RLock()
	var targets []*Conn
	for connID, a := range h.agents {
		if a == agentID {
			if c, ok := h.conns[connID]; ok {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	return h.deliver(targets, frame, eventType)
}

// Send delivers one event to a single connection.
func (h *Hub) Send(c *Conn, eventType string, payload any) bool {
	frame, err := encodeEvent(eventType, payload)
	if err != nil {
		h.logger.Warn("failed to encode event", "event", eventType, "error", err)
		return false
	}
	return c.TrySend(frame)
}

func (h *Hub) deliver(targets []*Conn, frame []byte, eventType string) int {
	delivered := 0
	for _, c := range targets {
		if c.TrySend(frame) {
			delivered++
			continue
		}
		h.logger.Debug("dropped event for slow connection", "conn_id", c.id, "event", eventType)
	}
	return delivered
}

// State reports where c is in its lifecycle.
func (h *Hub) State(c *Conn) State {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if c.isDone() {
		return StateDisconnected
	}
	if len(h.connRooms[c.id]) > 0 {
		return StateJoined
	}
	return StateConnected
}

// RoomMembers returns the sorted connection ids in roomID.
func (h *Hub) RoomMembers(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.rooms[roomID]))
	for id := range h.rooms[roomID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RoomsFor returns the sorted room ids c has joined.
func (h *Hub) RoomsFor(c *Conn) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.connRooms[c.id]))
	for id := range h.connRooms[c.id] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AgentFor returns the agent associated with c, if any.
func (h *Hub) AgentFor(c *Conn) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.agents[c.id]
	return a, ok
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
