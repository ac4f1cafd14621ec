package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"testing"
	"time"

	"taskboard/api/internal/board"
	"taskboard/api/internal/config"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
)

type fakeStore struct {
	getUserByEmailFn       func(context.Context, string) (store.User, error)
	getUserByIDFn          func(context.Context, int64) (store.User, error)
	createWorkspaceFn      func(context.Context, string, int64) (store.Workspace, error)
	getWorkspaceFn         func(context.Context, int64) (store.Workspace, error)
	listWorkspacesFn       func(context.Context, int64) ([]store.Workspace, error)
	deleteWorkspaceFn      func(context.Context, int64) error
	getMemberRoleFn        func(context.Context, int64, int64) (string, error)
	listMembersFn          func(context.Context, int64) ([]store.WorkspaceMember, error)
	addMemberFn            func(context.Context, int64, int64, string) error
	removeMemberFn         func(context.Context, int64, int64) error
	createInvitationFn     func(context.Context, store.Invitation) (store.Invitation, error)
	getInvitationFn        func(context.Context, string) (store.Invitation, error)
	markInvitationFn       func(context.Context, int64) error
	fetchBoardFn           func(context.Context, int64) (board.Board, error)
	createListFn           func(context.Context, int64, string) (board.List, error)
	updateListFn           func(context.Context, int64, board.ListPatch) (board.List, error)
	deleteListFn           func(context.Context, int64) error
	updateListPositionsFn  func(context.Context, int64, []board.ListPosition) error
	getListWorkspaceFn     func(context.Context, int64) (int64, error)
	createTodoFn           func(context.Context, int64, string, string, string, string) (board.Todo, error)
	getTodoFn              func(context.Context, int64) (board.Todo, error)
	updateTodoFn           func(context.Context, int64, board.TodoPatch) (board.Todo, error)
	deleteTodoFn           func(context.Context, int64) (int64, error)
	moveTodoFn             func(context.Context, int64, int64, int) (board.Todo, int64, error)
	assignTodoFn           func(context.Context, int64, *int64) (board.Todo, error)
	getTodoWorkspaceFn     func(context.Context, int64) (int64, error)
	createLabelFn          func(context.Context, int64, string, string) (board.Label, error)
	updateLabelFn          func(context.Context, int64, board.LabelPatch) (board.Label, error)
	deleteLabelFn          func(context.Context, int64) (int64, error)
	getLabelFn             func(context.Context, int64) (board.Label, error)
	addLabelToTodoFn       func(context.Context, int64, int64) (board.Todo, error)
	removeLabelFromTodoFn  func(context.Context, int64, int64) (board.Todo, error)
	createChecklistItemFn  func(context.Context, int64, string) (board.ChecklistItem, error)
	updateChecklistItemFn  func(context.Context, int64, int64, board.ChecklistItemPatch) (board.ChecklistItem, error)
	deleteChecklistItemFn  func(context.Context, int64, int64) error
	insertAttachmentFn     func(context.Context, store.Attachment) (store.Attachment, error)
	listAttachmentsFn      func(context.Context, int64) ([]store.Attachment, error)
	getAttachmentFn        func(context.Context, int64) (store.Attachment, error)
	deleteAttachmentFn     func(context.Context, int64) error
	saveRefreshSessionFn   func(context.Context, string, store.User, time.Time) error
	lookupRefreshSessionFn func(context.Context, string) (store.User, error)
	revokeRefreshSessionFn func(context.Context, string) error
	pingFn                 func(context.Context) error
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(ctx context.Context, id int64) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{ID: id, Username: "avery", Email: "avery@example.com"}, nil
}

func (f *fakeStore) CreateWorkspace(ctx context.Context, name string, ownerID int64) (store.Workspace, error) {
	if f.createWorkspaceFn != nil {
		return f.createWorkspaceFn(ctx, name, ownerID)
	}
	return store.Workspace{ID: 1, Name: name, OwnerID: ownerID}, nil
}

func (f *fakeStore) GetWorkspace(ctx context.Context, id int64) (store.Workspace, error) {
	if f.getWorkspaceFn != nil {
		return f.getWorkspaceFn(ctx, id)
	}
	return store.Workspace{ID: id, Name: "Roadmap", OwnerID: 1}, nil
}

func (f *fakeStore) ListWorkspacesForUser(ctx context.Context, userID int64) ([]store.Workspace, error) {
	if f.listWorkspacesFn != nil {
		return f.listWorkspacesFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) DeleteWorkspace(ctx context.Context, id int64) error {
	if f.deleteWorkspaceFn != nil {
		return f.deleteWorkspaceFn(ctx, id)
	}
	return nil
}

func (f *fakeStore) GetMemberRole(ctx context.Context, workspaceID, userID int64) (string, error) {
	if f.getMemberRoleFn != nil {
		return f.getMemberRoleFn(ctx, workspaceID, userID)
	}
	return "member", nil
}

func (f *fakeStore) ListWorkspaceMembers(ctx context.Context, workspaceID int64) ([]store.WorkspaceMember, error) {
	if f.listMembersFn != nil {
		return f.listMembersFn(ctx, workspaceID)
	}
	return nil, nil
}

func (f *fakeStore) AddWorkspaceMember(ctx context.Context, workspaceID, userID int64, role string) error {
	if f.addMemberFn != nil {
		return f.addMemberFn(ctx, workspaceID, userID, role)
	}
	return nil
}

func (f *fakeStore) RemoveWorkspaceMember(ctx context.Context, workspaceID, userID int64) error {
	if f.removeMemberFn != nil {
		return f.removeMemberFn(ctx, workspaceID, userID)
	}
	return nil
}

func (f *fakeStore) CreateInvitation(ctx context.Context, invitation store.Invitation) (store.Invitation, error) {
	if f.createInvitationFn != nil {
		return f.createInvitationFn(ctx, invitation)
	}
	invitation.ID = 1
	return invitation, nil
}

func (f *fakeStore) GetInvitationByToken(ctx context.Context, token string) (store.Invitation, error) {
	if f.getInvitationFn != nil {
		return f.getInvitationFn(ctx, token)
	}
	return store.Invitation{}, sql.ErrNoRows
}

func (f *fakeStore) MarkInvitationAccepted(ctx context.Context, id int64) error {
	if f.markInvitationFn != nil {
		return f.markInvitationFn(ctx, id)
	}
	return nil
}

func (f *fakeStore) FetchWorkspaceBoard(ctx context.Context, workspaceID int64) (board.Board, error) {
	if f.fetchBoardFn != nil {
		return f.fetchBoardFn(ctx, workspaceID)
	}
	return board.Board{WorkspaceID: workspaceID}, nil
}

func (f *fakeStore) CreateList(ctx context.Context, workspaceID int64, name string) (board.List, error) {
	if f.createListFn != nil {
		return f.createListFn(ctx, workspaceID, name)
	}
	return board.List{ID: 10, Name: name, Revision: 1}, nil
}

func (f *fakeStore) UpdateList(ctx context.Context, listID int64, patch board.ListPatch) (board.List, error) {
	if f.updateListFn != nil {
		return f.updateListFn(ctx, listID, patch)
	}
	return board.List{ID: listID, Revision: 2}, nil
}

func (f *fakeStore) DeleteList(ctx context.Context, listID int64) error {
	if f.deleteListFn != nil {
		return f.deleteListFn(ctx, listID)
	}
	return nil
}

func (f *fakeStore) UpdateListPositions(ctx context.Context, workspaceID int64, positions []board.ListPosition) error {
	if f.updateListPositionsFn != nil {
		return f.updateListPositionsFn(ctx, workspaceID, positions)
	}
	return nil
}

func (f *fakeStore) GetListWorkspace(ctx context.Context, listID int64) (int64, error) {
	if f.getListWorkspaceFn != nil {
		return f.getListWorkspaceFn(ctx, listID)
	}
	return 1, nil
}

func (f *fakeStore) CreateTodo(ctx context.Context, listID int64, title, description, dueDate, dueTime string) (board.Todo, error) {
	if f.createTodoFn != nil {
		return f.createTodoFn(ctx, listID, title, description, dueDate, dueTime)
	}
	return board.Todo{ID: 100, ListID: listID, Title: title, Revision: 1}, nil
}

func (f *fakeStore) GetTodo(ctx context.Context, todoID int64) (board.Todo, error) {
	if f.getTodoFn != nil {
		return f.getTodoFn(ctx, todoID)
	}
	return board.Todo{ID: todoID, ListID: 10, Revision: 1}, nil
}

func (f *fakeStore) UpdateTodo(ctx context.Context, todoID int64, patch board.TodoPatch) (board.Todo, error) {
	if f.updateTodoFn != nil {
		return f.updateTodoFn(ctx, todoID, patch)
	}
	return board.Todo{ID: todoID, ListID: 10, Revision: 2}, nil
}

func (f *fakeStore) DeleteTodo(ctx context.Context, todoID int64) (int64, error) {
	if f.deleteTodoFn != nil {
		return f.deleteTodoFn(ctx, todoID)
	}
	return 10, nil
}

func (f *fakeStore) MoveTodo(ctx context.Context, todoID, targetListID int64, position int) (board.Todo, int64, error) {
	if f.moveTodoFn != nil {
		return f.moveTodoFn(ctx, todoID, targetListID, position)
	}
	return board.Todo{ID: todoID, ListID: targetListID, Position: position, Revision: 2}, 10, nil
}

func (f *fakeStore) AssignTodo(ctx context.Context, todoID int64, userID *int64) (board.Todo, error) {
	if f.assignTodoFn != nil {
		return f.assignTodoFn(ctx, todoID, userID)
	}
	return board.Todo{ID: todoID, ListID: 10, AssignedTo: userID, Revision: 2}, nil
}

func (f *fakeStore) GetTodoWorkspace(ctx context.Context, todoID int64) (int64, error) {
	if f.getTodoWorkspaceFn != nil {
		return f.getTodoWorkspaceFn(ctx, todoID)
	}
	return 1, nil
}

func (f *fakeStore) CreateLabel(ctx context.Context, workspaceID int64, name, color string) (board.Label, error) {
	if f.createLabelFn != nil {
		return f.createLabelFn(ctx, workspaceID, name, color)
	}
	return board.Label{ID: 50, WorkspaceID: workspaceID, Name: name, Color: color, Revision: 1}, nil
}

func (f *fakeStore) UpdateLabel(ctx context.Context, labelID int64, patch board.LabelPatch) (board.Label, error) {
	if f.updateLabelFn != nil {
		return f.updateLabelFn(ctx, labelID, patch)
	}
	return board.Label{ID: labelID, WorkspaceID: 1, Revision: 2}, nil
}

func (f *fakeStore) DeleteLabel(ctx context.Context, labelID int64) (int64, error) {
	if f.deleteLabelFn != nil {
		return f.deleteLabelFn(ctx, labelID)
	}
	return 1, nil
}

func (f *fakeStore) GetLabel(ctx context.Context, labelID int64) (board.Label, error) {
	if f.getLabelFn != nil {
		return f.getLabelFn(ctx, labelID)
	}
	return board.Label{ID: labelID, WorkspaceID: 1, Color: "#ff0000", Revision: 1}, nil
}

func (f *fakeStore) AddLabelToTodo(ctx context.Context, todoID, labelID int64) (board.Todo, error) {
	if f.addLabelToTodoFn != nil {
		return f.addLabelToTodoFn(ctx, todoID, labelID)
	}
	return board.Todo{ID: todoID, ListID: 10, Revision: 2}, nil
}

func (f *fakeStore) RemoveLabelFromTodo(ctx context.Context, todoID, labelID int64) (board.Todo, error) {
	if f.removeLabelFromTodoFn != nil {
		return f.removeLabelFromTodoFn(ctx, todoID, labelID)
	}
	return board.Todo{ID: todoID, ListID: 10, Revision: 2}, nil
}

func (f *fakeStore) ListChecklistItems(context.Context, int64) ([]board.ChecklistItem, error) {
	return nil, nil
}

func (f *fakeStore) CreateChecklistItem(ctx context.Context, todoID int64, title string) (board.ChecklistItem, error) {
	if f.createChecklistItemFn != nil {
		return f.createChecklistItemFn(ctx, todoID, title)
	}
	return board.ChecklistItem{ID: 200, TodoID: todoID, Title: title, Revision: 1}, nil
}

func (f *fakeStore) UpdateChecklistItem(ctx context.Context, todoID, itemID int64, patch board.ChecklistItemPatch) (board.ChecklistItem, error) {
	if f.updateChecklistItemFn != nil {
		return f.updateChecklistItemFn(ctx, todoID, itemID, patch)
	}
	return board.ChecklistItem{ID: itemID, TodoID: todoID, Revision: 2}, nil
}

func (f *fakeStore) DeleteChecklistItem(ctx context.Context, todoID, itemID int64) error {
	if f.deleteChecklistItemFn != nil {
		return f.deleteChecklistItemFn(ctx, todoID, itemID)
	}
	return nil
}

func (f *fakeStore) InsertAttachment(ctx context.Context, attachment store.Attachment) (store.Attachment, error) {
	if f.insertAttachmentFn != nil {
		return f.insertAttachmentFn(ctx, attachment)
	}
	attachment.ID = 300
	return attachment, nil
}

func (f *fakeStore) ListAttachments(ctx context.Context, todoID int64) ([]store.Attachment, error) {
	if f.listAttachmentsFn != nil {
		return f.listAttachmentsFn(ctx, todoID)
	}
	return nil, nil
}

func (f *fakeStore) GetAttachment(ctx context.Context, id int64) (store.Attachment, error) {
	if f.getAttachmentFn != nil {
		return f.getAttachmentFn(ctx, id)
	}
	return store.Attachment{}, sql.ErrNoRows
}

func (f *fakeStore) DeleteAttachment(ctx context.Context, id int64) error {
	if f.deleteAttachmentFn != nil {
		return f.deleteAttachmentFn(ctx, id)
	}
	return nil
}

func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	if f.saveRefreshSessionFn != nil {
		return f.saveRefreshSessionFn(ctx, tokenHash, user, expiresAt)
	}
	return nil
}

func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.lookupRefreshSessionFn != nil {
		return f.lookupRefreshSessionFn(ctx, tokenHash)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if f.revokeRefreshSessionFn != nil {
		return f.revokeRefreshSessionFn(ctx, tokenHash)
	}
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// fakeBroadcaster records every event handed to the hub.
type fakeBroadcaster struct {
	workspaceIDs []int64
	events       []board.Event
	origins      []string
}

func (f *fakeBroadcaster) BroadcastFrom(workspaceID int64, event board.Event, originConnectionID string) {
	f.workspaceIDs = append(f.workspaceIDs, workspaceID)
	f.events = append(f.events, event)
	f.origins = append(f.origins, originConnectionID)
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
			AppBaseURL: "http://localhost:5173",
		},
		store:    fs,
		sessions: fs,
	}
}

func TestCreateSessionRoundTrips(t *testing.T) {
	saved := map[string]store.User{}
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, id int64) (store.User, error) {
			return store.User{ID: id, Username: "avery", Email: "avery@example.com"}, nil
		},
		saveRefreshSessionFn: func(_ context.Context, hash string, user store.User, _ time.Time) error {
			saved[hash] = user
			return nil
		},
	}
	svc := newTestService(fs)

	session, err := svc.CreateSession(context.Background(), 7)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.UserID != 7 || session.UserName != "avery" {
		t.Fatalf("unexpected session %+v", session)
	}
	if len(saved) != 1 {
		t.Fatalf("expected one stored refresh session, got %d", len(saved))
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("parse session token: %v", err)
	}
	if parsed.UserID != 7 || parsed.Email != "avery@example.com" {
		t.Fatalf("unexpected parsed session %+v", parsed)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	var revoked []string
	fs := &fakeStore{
		lookupRefreshSessionFn: func(_ context.Context, hash string) (store.User, error) {
			return store.User{ID: 7, Username: "avery", Email: "avery@example.com"}, nil
		},
		revokeRefreshSessionFn: func(_ context.Context, hash string) error {
			revoked = append(revoked, hash)
			return nil
		},
	}
	svc := newTestService(fs)

	session, err := svc.Refresh(context.Background(), "old-refresh-token")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if session.RefreshToken == "" || session.RefreshToken == "old-refresh-token" {
		t.Fatalf("expected a fresh refresh token, got %q", session.RefreshToken)
	}
	if len(revoked) != 1 {
		t.Fatalf("expected old token to be revoked once, got %d", len(revoked))
	}
}

func TestRequireRoleRejectsNonMember(t *testing.T) {
	fs := &fakeStore{
		getMemberRoleFn: func(context.Context, int64, int64) (string, error) {
			return "", sql.ErrNoRows
		},
	}
	svc := newTestService(fs)

	err := svc.RequireRole(context.Background(), 1, 99, rbac.ActionView)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403 domain error, got %v", err)
	}
}

func TestRequireRoleRejectsInsufficientRole(t *testing.T) {
	fs := &fakeStore{
		getMemberRoleFn: func(context.Context, int64, int64) (string, error) {
			return "member", nil
		},
	}
	svc := newTestService(fs)

	if err := svc.RequireRole(context.Background(), 1, 2, rbac.ActionEdit); err != nil {
		t.Fatalf("member should be allowed to edit: %v", err)
	}

	err := svc.RequireRole(context.Background(), 1, 2, rbac.ActionManageMembers)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403 domain error, got %v", err)
	}
}

func TestUpdateTodoBroadcastsWithOrigin(t *testing.T) {
	hub := &fakeBroadcaster{}
	svc := newTestService(&fakeStore{
		updateTodoFn: func(_ context.Context, todoID int64, patch board.TodoPatch) (board.Todo, error) {
			return board.Todo{ID: todoID, ListID: 10, Title: *patch.Title, Revision: 5}, nil
		},
	})
	svc.SetBroadcaster(hub)

	title := "Ship it"
	_, err := svc.UpdateTodo(context.Background(), 100, 2, board.TodoPatch{Title: &title}, "conn-abc")
	if err != nil {
		t.Fatalf("update todo: %v", err)
	}

	if len(hub.events) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(hub.events))
	}
	if hub.workspaceIDs[0] != 1 {
		t.Fatalf("expected workspace 1, got %d", hub.workspaceIDs[0])
	}
	if hub.origins[0] != "conn-abc" {
		t.Fatalf("expected origin conn-abc, got %q", hub.origins[0])
	}
	if hub.events[0].Type != board.EventTodoUpdated {
		t.Fatalf("expected %s event, got %s", board.EventTodoUpdated, hub.events[0].Type)
	}

	payload, err := board.DecodePayload(hub.events[0])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	updated, ok := payload.(*board.TodoUpdatedPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", payload)
	}
	if updated.Revision != 5 || updated.Fields.Title == nil || *updated.Fields.Title != "Ship it" {
		t.Fatalf("unexpected payload %+v", updated)
	}
}

func TestMoveTodoBroadcastsSourceAndTarget(t *testing.T) {
	hub := &fakeBroadcaster{}
	svc := newTestService(&fakeStore{
		moveTodoFn: func(_ context.Context, todoID, targetListID int64, position int) (board.Todo, int64, error) {
			return board.Todo{ID: todoID, ListID: targetListID, Position: position, Revision: 3}, 10, nil
		},
	})
	svc.SetBroadcaster(hub)

	_, err := svc.MoveTodo(context.Background(), 100, 20, 2, 4, "conn-1")
	if err != nil {
		t.Fatalf("move todo: %v", err)
	}

	payload, err := board.DecodePayload(hub.events[0])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	moved := payload.(*board.TodoMovedPayload)
	if moved.FromListID != 10 || moved.ToListID != 20 || moved.Position != 4 || moved.Revision != 3 {
		t.Fatalf("unexpected move payload %+v", moved)
	}
}

func TestAssignTodoRejectsNonMemberAssignee(t *testing.T) {
	svc := newTestService(&fakeStore{
		getMemberRoleFn: func(_ context.Context, _ int64, userID int64) (string, error) {
			if userID == 99 {
				return "", sql.ErrNoRows
			}
			return "member", nil
		},
	})

	_, err := svc.AssignTodo(context.Background(), 100, 99, 2, "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 domain error, got %v", err)
	}
}

func TestAddLabelRejectsCrossWorkspaceLabel(t *testing.T) {
	svc := newTestService(&fakeStore{
		getLabelFn: func(_ context.Context, labelID int64) (board.Label, error) {
			return board.Label{ID: labelID, WorkspaceID: 42, Color: "#00ff00"}, nil
		},
	})

	_, err := svc.AddLabelToTodo(context.Background(), 100, 50, 2, "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 domain error, got %v", err)
	}
}

func TestUpdateMemberRoleCannotGrantOwner(t *testing.T) {
	svc := newTestService(&fakeStore{
		getMemberRoleFn: func(context.Context, int64, int64) (string, error) {
			return "owner", nil
		},
	})

	err := svc.UpdateMemberRole(context.Background(), 1, 1, 2, "owner")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 domain error, got %v", err)
	}
}

func TestRemoveMemberAllowsLeavingWithoutManageRights(t *testing.T) {
	var removed []int64
	svc := newTestService(&fakeStore{
		getMemberRoleFn: func(context.Context, int64, int64) (string, error) {
			return "member", nil
		},
		getWorkspaceFn: func(_ context.Context, id int64) (store.Workspace, error) {
			return store.Workspace{ID: id, OwnerID: 1}, nil
		},
		removeMemberFn: func(_ context.Context, _ int64, userID int64) error {
			removed = append(removed, userID)
			return nil
		},
	})

	// Self removal works for a plain member.
	if err := svc.RemoveMember(context.Background(), 1, 5, 5); err != nil {
		t.Fatalf("leave workspace: %v", err)
	}
	if len(removed) != 1 || removed[0] != 5 {
		t.Fatalf("expected user 5 removed, got %v", removed)
	}

	// Removing someone else needs manage-members.
	err := svc.RemoveMember(context.Background(), 1, 5, 6)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403 domain error, got %v", err)
	}
}

func TestRemoveMemberNeverRemovesOwner(t *testing.T) {
	svc := newTestService(&fakeStore{
		getMemberRoleFn: func(context.Context, int64, int64) (string, error) {
			return "admin", nil
		},
		getWorkspaceFn: func(_ context.Context, id int64) (store.Workspace, error) {
			return store.Workspace{ID: id, OwnerID: 1}, nil
		},
	})

	err := svc.RemoveMember(context.Background(), 1, 2, 1)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 domain error, got %v", err)
	}
}

func TestAcceptInvitationRejectsWrongEmail(t *testing.T) {
	svc := newTestService(&fakeStore{
		getInvitationFn: func(_ context.Context, token string) (store.Invitation, error) {
			return store.Invitation{ID: 1, WorkspaceID: 3, Email: "invited@example.com", Role: "member"}, nil
		},
		getUserByIDFn: func(_ context.Context, id int64) (store.User, error) {
			return store.User{ID: id, Username: "mallory", Email: "mallory@example.com"}, nil
		},
	})

	_, err := svc.AcceptInvitation(context.Background(), "inv-token", 9)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403 domain error, got %v", err)
	}
}

func TestAcceptInvitationAddsMembership(t *testing.T) {
	var addedRole string
	var accepted int64
	svc := newTestService(&fakeStore{
		getInvitationFn: func(_ context.Context, token string) (store.Invitation, error) {
			return store.Invitation{ID: 11, WorkspaceID: 3, Email: "avery@example.com", Role: "admin"}, nil
		},
		getUserByIDFn: func(_ context.Context, id int64) (store.User, error) {
			return store.User{ID: id, Username: "avery", Email: "avery@example.com"}, nil
		},
		addMemberFn: func(_ context.Context, workspaceID, userID int64, role string) error {
			addedRole = role
			return nil
		},
		markInvitationFn: func(_ context.Context, id int64) error {
			accepted = id
			return nil
		},
	})

	payload, err := svc.AcceptInvitation(context.Background(), "inv-token", 7)
	if err != nil {
		t.Fatalf("accept invitation: %v", err)
	}
	if addedRole != "admin" {
		t.Fatalf("expected admin membership, got %q", addedRole)
	}
	if accepted != 11 {
		t.Fatalf("expected invitation 11 marked accepted, got %d", accepted)
	}
	if payload["workspaceId"] != int64(3) {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestChecklistUpdateScopedToOwningTodo(t *testing.T) {
	// Item 200 belongs to todo 999 in some other workspace. The caller is an
	// editor of todo 100's workspace; the store query is scoped to todo 100,
	// so the foreign row never matches and nothing is written.
	var gotTodoID, gotItemID int64
	fs := &fakeStore{
		updateChecklistItemFn: func(_ context.Context, todoID, itemID int64, _ board.ChecklistItemPatch) (board.ChecklistItem, error) {
			gotTodoID, gotItemID = todoID, itemID
			if todoID != 999 {
				return board.ChecklistItem{}, sql.ErrNoRows
			}
			return board.ChecklistItem{ID: itemID, TodoID: todoID, Revision: 2}, nil
		},
	}
	svc := newTestService(fs)
	hub := &fakeBroadcaster{}
	svc.SetBroadcaster(hub)

	done := true
	_, err := svc.UpdateChecklistItem(context.Background(), 100, 200, 2, board.ChecklistItemPatch{Done: &done}, "")
	status, code, _, _ := mapError(err)
	if status != http.StatusNotFound || code != "NOT_FOUND" {
		t.Fatalf("expected not found, got %d %s (%v)", status, code, err)
	}
	if gotTodoID != 100 || gotItemID != 200 {
		t.Fatalf("store must be queried with the caller's todo scope, got todo=%d item=%d", gotTodoID, gotItemID)
	}
	if len(hub.events) != 0 {
		t.Fatalf("no event may be broadcast for a rejected update, got %v", hub.events)
	}
}

func TestChecklistDeleteScopedToOwningTodo(t *testing.T) {
	var gotTodoID, gotItemID int64
	fs := &fakeStore{
		deleteChecklistItemFn: func(_ context.Context, todoID, itemID int64) error {
			gotTodoID, gotItemID = todoID, itemID
			return sql.ErrNoRows
		},
	}
	svc := newTestService(fs)
	hub := &fakeBroadcaster{}
	svc.SetBroadcaster(hub)

	err := svc.RemoveChecklistItem(context.Background(), 100, 200, 2, "")
	status, code, _, _ := mapError(err)
	if status != http.StatusNotFound || code != "NOT_FOUND" {
		t.Fatalf("expected not found, got %d %s (%v)", status, code, err)
	}
	if gotTodoID != 100 || gotItemID != 200 {
		t.Fatalf("store must delete within the caller's todo scope, got todo=%d item=%d", gotTodoID, gotItemID)
	}
	if len(hub.events) != 0 {
		t.Fatalf("no event may be broadcast for a rejected delete, got %v", hub.events)
	}
}

func TestDeleteWorkspaceRequiresOwner(t *testing.T) {
	svc := newTestService(&fakeStore{
		getMemberRoleFn: func(context.Context, int64, int64) (string, error) {
			return "admin", nil
		},
	})

	err := svc.DeleteWorkspace(context.Background(), 1, 2)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403 domain error, got %v", err)
	}
}

func TestBroadcastSkippedWithoutHub(t *testing.T) {
	svc := newTestService(&fakeStore{})

	// No hub configured; mutations must still succeed.
	if _, err := svc.CreateList(context.Background(), 1, 2, "Backlog", "conn-1"); err != nil {
		t.Fatalf("create list without hub: %v", err)
	}
}
