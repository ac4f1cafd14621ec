// Package reconcile maintains a client-held board snapshot under three
// concurrent input streams: optimistic local edits, persistence
// confirmations/rejections, and inbound broadcast events from other
// collaborators.
package reconcile

import (
	"context"
	"errors"

	"taskboard/api/internal/board"
)

// Failure classes surfaced by Persistence implementations. The store's
// rollback policy treats any failure uniformly (resync from source of
// truth); callers surface the specific error to the user.
var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConflict         = errors.New("conflict")
)

// Persistence is the narrow contract the store holds against the backend.
// Every mutation returns the authoritative row snapshot; the store merges
// only server-authoritative fields out of it (generated IDs, resolved
// objects, derived counts, revisions).
type Persistence interface {
	FetchWorkspaceBoard(ctx context.Context, workspaceID int64) (board.Board, error)

	CreateList(ctx context.Context, workspaceID int64, name string) (board.List, error)
	UpdateTodo(ctx context.Context, todoID int64, fields board.TodoPatch) (board.Todo, error)
	MoveTodo(ctx context.Context, todoID, targetListID int64, position int) (board.Todo, error)
	AddLabelToTodo(ctx context.Context, todoID, labelID int64) (board.Todo, error)
	RemoveLabelFromTodo(ctx context.Context, todoID, labelID int64) (board.Todo, error)
	AssignMemberToTodo(ctx context.Context, todoID, userID int64) (board.Todo, error)
	RemoveMemberFromTodo(ctx context.Context, todoID, userID int64) (board.Todo, error)
	AddChecklistItem(ctx context.Context, todoID int64, title string) (board.ChecklistItem, error)
	UpdateChecklistItem(ctx context.Context, todoID, itemID int64, fields board.ChecklistItemPatch) (board.ChecklistItem, error)
	RemoveChecklistItem(ctx context.Context, todoID, itemID int64) error
}
