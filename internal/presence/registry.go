// Package presence tracks which users are connected and which workspace each
// one is viewing. Pure in-memory state; the registry never talks to the
// persistence layer.
package presence

import (
	"sort"
	"sync"
	"time"

	"taskboard/api/internal/board"
)

// Entry is the live record for one connection.
type Entry struct {
	UserID       int64
	Username     string
	Email        string
	ConnectionID string
	Joined       map[int64]struct{}
}

// Registry is the authoritative in-process presence state. All maps are
// guarded by a single mutex; contention is low at this system's scale.
type Registry struct {
	mu      sync.Mutex
	entries map[int64]*Entry
	rooms   map[int64]map[int64]board.PresenceSnapshot
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[int64]*Entry),
		rooms:   make(map[int64]map[int64]board.PresenceSnapshot),
		now:     time.Now,
	}
}

// Register records a live connection for the user. A prior entry for the
// same user is replaced (reconnect replaces, multi-device is out of scope);
// the returned ID is the replaced connection's, or "" if there was none.
func (r *Registry) Register(userID int64, username, email, connectionID string) (replaced string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.entries[userID]; ok {
		replaced = prior.ConnectionID
		for workspaceID := range prior.Joined {
			r.removeMember(workspaceID, userID)
		}
	}
	r.entries[userID] = &Entry{
		UserID:       userID,
		Username:     username,
		Email:        email,
		ConnectionID: connectionID,
		Joined:       make(map[int64]struct{}),
	}
	return replaced
}

// RecordJoin marks the user as viewing the workspace. Idempotent: joining a
// workspace already joined only refreshes lastSeen.
func (r *Registry) RecordJoin(userID, workspaceID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[userID]
	if !ok {
		return
	}
	entry.Joined[workspaceID] = struct{}{}

	room := r.rooms[workspaceID]
	if room == nil {
		room = make(map[int64]board.PresenceSnapshot)
		r.rooms[workspaceID] = room
	}
	room[userID] = board.PresenceSnapshot{
		UserID:   userID,
		Username: entry.Username,
		LastSeen: r.now(),
	}
}

// RecordLeave removes the user from the workspace. Leaving a workspace not
// joined is a no-op. The room map entry may remain empty; an empty room is
// equivalent to an absent one.
func (r *Registry) RecordLeave(userID, workspaceID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[userID]; ok {
		delete(entry.Joined, workspaceID)
	}
	r.removeMember(workspaceID, userID)
}

// Drop removes the user's presence entry entirely and returns the workspaces
// it had joined, so the caller can emit one "left" notification per room.
// If connectionID is non-empty and does not match the live entry, the drop
// is ignored: a replaced connection disconnecting later must not tear down
// the replacement's presence.
func (r *Registry) Drop(userID int64, connectionID string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[userID]
	if !ok {
		return nil
	}
	if connectionID != "" && entry.ConnectionID != connectionID {
		return nil
	}

	left := make([]int64, 0, len(entry.Joined))
	for workspaceID := range entry.Joined {
		r.removeMember(workspaceID, userID)
		left = append(left, workspaceID)
	}
	delete(r.entries, userID)
	sort.Slice(left, func(i, j int) bool { return left[i] < left[j] })
	return left
}

// Snapshot returns the current members of a workspace sorted by user ID.
func (r *Registry) Snapshot(workspaceID int64) []board.PresenceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[workspaceID]
	members := make([]board.PresenceSnapshot, 0, len(room))
	for _, snapshot := range room {
		members = append(members, snapshot)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members
}

// Lookup returns the live entry for a user, if connected.
func (r *Registry) Lookup(userID int64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[userID]
	if !ok {
		return Entry{}, false
	}
	copied := *entry
	copied.Joined = nil
	return copied, true
}

func (r *Registry) removeMember(workspaceID, userID int64) {
	if room, ok := r.rooms[workspaceID]; ok {
		delete(room, userID)
	}
}
