// Package board defines the normalized board snapshot shared by the REST
// payloads, the realtime events, and the client reconciliation store.
package board

import "time"

type Label struct {
	ID          int64  `json:"id"`
	WorkspaceID int64  `json:"workspaceId"`
	Name        string `json:"name,omitempty"`
	Color       string `json:"color"`
	Revision    int64  `json:"revision"`
}

type Member struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
}

type ChecklistItem struct {
	ID       int64  `json:"id"`
	TodoID   int64  `json:"todoId"`
	Title    string `json:"title"`
	Done     bool   `json:"done"`
	Position int    `json:"position"`
	Revision int64  `json:"revision"`
}

// Todo is one card. ChecklistItems may be nil when checklist detail has not
// been fetched; ChecklistCount/CompletedChecklistCount are always valid and
// must match the derived counts whenever ChecklistItems is loaded.
type Todo struct {
	ID                      int64           `json:"id"`
	ListID                  int64           `json:"listId"`
	Title                   string          `json:"title"`
	Description             string          `json:"description,omitempty"`
	AssignedTo              *int64          `json:"assignedTo,omitempty"`
	DueDate                 string          `json:"dueDate,omitempty"`
	DueTime                 string          `json:"dueTime,omitempty"`
	Position                int             `json:"position"`
	Labels                  []Label         `json:"labels"`
	ChecklistItems          []ChecklistItem `json:"checklistItems,omitempty"`
	ChecklistCount          int             `json:"checklistCount"`
	CompletedChecklistCount int             `json:"completedChecklistCount"`
	Revision                int64           `json:"revision"`
}

// List holds its todos sorted by position ascending. Positions need not be
// contiguous but must total-order within the list.
type List struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	Todos    []Todo `json:"todos"`
	Revision int64  `json:"revision"`
}

type Board struct {
	WorkspaceID int64    `json:"workspaceId"`
	Lists       []List   `json:"lists"`
	Labels      []Label  `json:"labels"`
	Members     []Member `json:"members"`
}

// PresenceSnapshot describes one user currently viewing a workspace.
type PresenceSnapshot struct {
	UserID   int64     `json:"userId"`
	Username string    `json:"username"`
	LastSeen time.Time `json:"lastSeen"`
}

// HasLabel reports whether the todo already carries the label.
func (t *Todo) HasLabel(labelID int64) bool {
	for _, l := range t.Labels {
		if l.ID == labelID {
			return true
		}
	}
	return false
}

// FindList returns the index of the list with the given ID, or -1.
func (b *Board) FindList(listID int64) int {
	for i := range b.Lists {
		if b.Lists[i].ID == listID {
			return i
		}
	}
	return -1
}

// FindTodo locates a todo across all lists, returning list and todo indexes,
// or (-1, -1) if absent.
func (b *Board) FindTodo(todoID int64) (int, int) {
	for i := range b.Lists {
		for j := range b.Lists[i].Todos {
			if b.Lists[i].Todos[j].ID == todoID {
				return i, j
			}
		}
	}
	return -1, -1
}
