// Package realtime provides the workspace room/broadcast router and the
// websocket channel feeding it.
package realtime

import (
	"log"
	"sync"

	"taskboard/api/internal/board"
	"taskboard/api/internal/presence"
)

// Hub routes typed events to the connections subscribed to each workspace
// room. A connection is in at most one room at a time: joining a new
// workspace implicitly leaves the previous one, emitting the "left" event for
// the old room before the "joined" event for the new one.
type Hub struct {
	mu       sync.Mutex
	registry *presence.Registry
	rooms    map[int64]map[*Conn]struct{}
	byConn   map[*Conn]int64
	byUser   map[int64]*Conn
}

func NewHub(registry *presence.Registry) *Hub {
	return &Hub{
		registry: registry,
		rooms:    make(map[int64]map[*Conn]struct{}),
		byConn:   make(map[*Conn]int64),
		byUser:   make(map[int64]*Conn),
	}
}

// Attach registers the connection with the hub and the presence registry.
// If the user already had a live connection it is closed and superseded.
func (h *Hub) Attach(conn *Conn) {
	replaced := h.registry.Register(conn.UserID, conn.Username, conn.Email, conn.ID)

	h.mu.Lock()
	prior := h.byUser[conn.UserID]
	h.byUser[conn.UserID] = conn
	h.mu.Unlock()

	if prior != nil && prior.ID == replaced {
		h.detach(prior, false)
		prior.Close()
	}
}

// Join subscribes the connection to a workspace room.
func (h *Hub) Join(conn *Conn, workspaceID int64) {
	h.mu.Lock()
	if current, ok := h.byConn[conn]; ok {
		if current == workspaceID {
			h.mu.Unlock()
			h.registry.RecordJoin(conn.UserID, workspaceID)
			return
		}
		h.leaveRoom(conn, current)
	}
	room := h.rooms[workspaceID]
	if room == nil {
		room = make(map[*Conn]struct{})
		h.rooms[workspaceID] = room
	}
	room[conn] = struct{}{}
	h.byConn[conn] = workspaceID
	h.mu.Unlock()

	h.registry.RecordJoin(conn.UserID, workspaceID)
	h.Broadcast(workspaceID, board.NewEvent(board.EventUserJoined, board.UserJoinedPayload{
		UserID:   conn.UserID,
		Username: conn.Username,
		Email:    conn.Email,
	}), conn)
	h.broadcastPresence(workspaceID)
}

// Leave unsubscribes the connection from the workspace room. No-op if the
// connection is not in that room.
func (h *Hub) Leave(conn *Conn, workspaceID int64) {
	h.mu.Lock()
	current, ok := h.byConn[conn]
	if !ok || current != workspaceID {
		h.mu.Unlock()
		h.registry.RecordLeave(conn.UserID, workspaceID)
		return
	}
	h.leaveRoom(conn, workspaceID)
	h.mu.Unlock()
}

// Detach removes a disconnecting connection from its room and the presence
// registry, emitting one "left" notification per workspace it had joined.
func (h *Hub) Detach(conn *Conn) {
	h.detach(conn, true)
}

func (h *Hub) detach(conn *Conn, dropPresence bool) {
	h.mu.Lock()
	if workspaceID, ok := h.byConn[conn]; ok {
		if room := h.rooms[workspaceID]; room != nil {
			delete(room, conn)
		}
		delete(h.byConn, conn)
	}
	if h.byUser[conn.UserID] == conn {
		delete(h.byUser, conn.UserID)
	}
	h.mu.Unlock()

	if !dropPresence {
		return
	}
	for _, workspaceID := range h.registry.Drop(conn.UserID, conn.ID) {
		h.Broadcast(workspaceID, board.NewEvent(board.EventUserLeft, board.UserLeftPayload{
			UserID:   conn.UserID,
			Username: conn.Username,
		}), conn)
		h.broadcastPresence(workspaceID)
	}
}

// leaveRoom removes the connection from a room and emits the "left" event.
// Caller holds h.mu.
func (h *Hub) leaveRoom(conn *Conn, workspaceID int64) {
	if room := h.rooms[workspaceID]; room != nil {
		delete(room, conn)
	}
	delete(h.byConn, conn)
	h.registry.RecordLeave(conn.UserID, workspaceID)

	event := board.NewEvent(board.EventUserLeft, board.UserLeftPayload{
		UserID:   conn.UserID,
		Username: conn.Username,
	})
	h.deliver(workspaceID, event, conn)
	h.deliver(workspaceID, board.NewEvent(board.EventPresenceUpdate, board.PresenceUpdatePayload{
		WorkspaceID: workspaceID,
		Members:     h.registry.Snapshot(workspaceID),
	}), nil)
}

// Broadcast fans the event out to every connection in the workspace room
// except exclude (the originator, which already holds optimistic state).
func (h *Hub) Broadcast(workspaceID int64, event board.Event, exclude *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliver(workspaceID, event, exclude)
}

// BroadcastFrom is Broadcast keyed by connection ID, for REST mutations that
// carry the originator's connection ID in a header.
func (h *Hub) BroadcastFrom(workspaceID int64, event board.Event, originConnectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var exclude *Conn
	if originConnectionID != "" {
		for conn := range h.rooms[workspaceID] {
			if conn.ID == originConnectionID {
				exclude = conn
				break
			}
		}
	}
	h.deliver(workspaceID, event, exclude)
}

// Unicast delivers to a specific user's current connection. Silently drops
// if the user is not connected; presence events are never queued.
func (h *Hub) Unicast(userID int64, event board.Event) {
	h.mu.Lock()
	conn := h.byUser[userID]
	h.mu.Unlock()
	if conn == nil {
		return
	}
	if !conn.trySend(event) {
		h.prune(conn)
	}
}

// deliver sends to every room member except exclude, pruning connections
// whose send queue is closed or full. Caller holds h.mu.
func (h *Hub) deliver(workspaceID int64, event board.Event, exclude *Conn) {
	room := h.rooms[workspaceID]
	var stale []*Conn
	for conn := range room {
		if conn == exclude {
			continue
		}
		if !conn.trySend(event) {
			stale = append(stale, conn)
		}
	}
	for _, conn := range stale {
		log.Printf("realtime: pruning stale connection %s (user %d)", conn.ID, conn.UserID)
		delete(room, conn)
		delete(h.byConn, conn)
		if h.byUser[conn.UserID] == conn {
			delete(h.byUser, conn.UserID)
		}
		conn.Close()
	}
}

func (h *Hub) prune(conn *Conn) {
	h.mu.Lock()
	if workspaceID, ok := h.byConn[conn]; ok {
		if room := h.rooms[workspaceID]; room != nil {
			delete(room, conn)
		}
		delete(h.byConn, conn)
	}
	if h.byUser[conn.UserID] == conn {
		delete(h.byUser, conn.UserID)
	}
	h.mu.Unlock()
	conn.Close()
}

func (h *Hub) broadcastPresence(workspaceID int64) {
	h.Broadcast(workspaceID, board.NewEvent(board.EventPresenceUpdate, board.PresenceUpdatePayload{
		WorkspaceID: workspaceID,
		Members:     h.registry.Snapshot(workspaceID),
	}), nil)
}

// RoomOf reports which workspace room the connection is currently in.
func (h *Hub) RoomOf(conn *Conn) (int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	workspaceID, ok := h.byConn[conn]
	return workspaceID, ok
}
