package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"taskboard/api/internal/attachments"
	"taskboard/api/internal/auth"
	"taskboard/api/internal/authpw"
	"taskboard/api/internal/board"
	"taskboard/api/internal/config"
	"taskboard/api/internal/email"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/search"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       int64
	UserName     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, int64) (store.User, error)

	CreateWorkspace(context.Context, string, int64) (store.Workspace, error)
	GetWorkspace(context.Context, int64) (store.Workspace, error)
	ListWorkspacesForUser(context.Context, int64) ([]store.Workspace, error)
	DeleteWorkspace(context.Context, int64) error
	GetMemberRole(context.Context, int64, int64) (string, error)
	ListWorkspaceMembers(context.Context, int64) ([]store.WorkspaceMember, error)
	AddWorkspaceMember(context.Context, int64, int64, string) error
	RemoveWorkspaceMember(context.Context, int64, int64) error

	CreateInvitation(context.Context, store.Invitation) (store.Invitation, error)
	GetInvitationByToken(context.Context, string) (store.Invitation, error)
	MarkInvitationAccepted(context.Context, int64) error

	FetchWorkspaceBoard(context.Context, int64) (board.Board, error)
	CreateList(context.Context, int64, string) (board.List, error)
	UpdateList(context.Context, int64, board.ListPatch) (board.List, error)
	DeleteList(context.Context, int64) error
	UpdateListPositions(context.Context, int64, []board.ListPosition) error
	GetListWorkspace(context.Context, int64) (int64, error)

	CreateTodo(context.Context, int64, string, string, string, string) (board.Todo, error)
	GetTodo(context.Context, int64) (board.Todo, error)
	UpdateTodo(context.Context, int64, board.TodoPatch) (board.Todo, error)
	DeleteTodo(context.Context, int64) (int64, error)
	MoveTodo(context.Context, int64, int64, int) (board.Todo, int64, error)
	AssignTodo(context.Context, int64, *int64) (board.Todo, error)
	GetTodoWorkspace(context.Context, int64) (int64, error)

	CreateLabel(context.Context, int64, string, string) (board.Label, error)
	UpdateLabel(context.Context, int64, board.LabelPatch) (board.Label, error)
	DeleteLabel(context.Context, int64) (int64, error)
	GetLabel(context.Context, int64) (board.Label, error)
	AddLabelToTodo(context.Context, int64, int64) (board.Todo, error)
	RemoveLabelFromTodo(context.Context, int64, int64) (board.Todo, error)

	ListChecklistItems(context.Context, int64) ([]board.ChecklistItem, error)
	CreateChecklistItem(context.Context, int64, string) (board.ChecklistItem, error)
	UpdateChecklistItem(ctx context.Context, todoID, itemID int64, fields board.ChecklistItemPatch) (board.ChecklistItem, error)
	DeleteChecklistItem(ctx context.Context, todoID, itemID int64) error

	InsertAttachment(context.Context, store.Attachment) (store.Attachment, error)
	ListAttachments(context.Context, int64) ([]store.Attachment, error)
	GetAttachment(context.Context, int64) (store.Attachment, error)
	DeleteAttachment(context.Context, int64) error

	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens. Redis when configured, Postgres otherwise.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// Broadcaster fans mutation events out to workspace rooms. Implemented by
// realtime.Hub; nil-able so HTTP handlers work without a running hub in tests.
type Broadcaster interface {
	BroadcastFrom(workspaceID int64, event board.Event, originConnectionID string)
}

type Service struct {
	cfg         config.Config
	store       dataStore
	sessions    sessionStore
	hub         Broadcaster
	authpw      *authpw.Service
	email       *email.Service
	search      *search.Service
	attachments *attachments.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
	}
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore) *Service {
	service := New(cfg, dataStore)
	service.sessions = sessions
	return service
}

func (s *Service) SetBroadcaster(hub Broadcaster)                     { s.hub = hub }
func (s *Service) SetAuthPasswordService(svc *authpw.Service)         { s.authpw = svc }
func (s *Service) SetEmailService(svc *email.Service)                 { s.email = svc }
func (s *Service) SetSearchService(svc *search.Service)               { s.search = svc }
func (s *Service) SetAttachmentsService(svc *attachments.Service)     { s.attachments = svc }

func (s *Service) AuthPasswordService() *authpw.Service { return s.authpw }

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// SendVerificationEmail delivers the signup verification link.
func (s *Service) SendVerificationEmail(to, username, token string) error {
	if !s.SMTPConfigured() {
		return nil
	}
	return s.email.SendVerificationEmail(to, username, s.cfg.AppBaseURL+"/verify-email?token="+token)
}

// SendPasswordResetEmail delivers the password reset link.
func (s *Service) SendPasswordResetEmail(to, token string) error {
	if !s.SMTPConfigured() {
		return nil
	}
	user, err := s.store.GetUserByEmail(context.Background(), to)
	if err != nil {
		return err
	}
	return s.email.SendPasswordResetEmail(to, user.Username, s.cfg.AppBaseURL+"/reset-password?token="+token)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- Sessions

func (s *Service) CreateSession(ctx context.Context, userID int64) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   strconv.FormatInt(user.ID, 10),
		Name:  user.Username,
		Email: user.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Username,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	userID, err := strconv.ParseInt(claims.Sub, 10, 64)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    userID,
		UserName:  claims.Name,
		Email:     claims.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// VerifyToken authenticates websocket connection attempts.
func (s *Service) VerifyToken(ctx context.Context, token string) (realtime.Identity, error) {
	session, err := s.SessionFromToken(ctx, token)
	if err != nil {
		return realtime.Identity{}, err
	}
	return realtime.Identity{
		UserID:   session.UserID,
		Username: session.UserName,
		Email:    session.Email,
	}, nil
}

// ---- Authorization

// AuthorizeJoin gates websocket room joins with the same membership check as
// the REST board fetch.
func (s *Service) AuthorizeJoin(ctx context.Context, workspaceID, userID int64) error {
	return s.RequireRole(ctx, workspaceID, userID, rbac.ActionView)
}

// RequireRole checks workspace membership and permission in one step.
func (s *Service) RequireRole(ctx context.Context, workspaceID, userID int64, action rbac.Action) error {
	role, err := s.store.GetMemberRole(ctx, workspaceID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusForbidden, "FORBIDDEN", "Not a workspace member", nil)
		}
		return err
	}
	if !rbac.Can(rbac.Normalize(role), action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

func (s *Service) broadcast(workspaceID int64, event board.Event, originConnectionID string) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastFrom(workspaceID, event, originConnectionID)
}

// ---- Workspaces

func (s *Service) ListWorkspaces(ctx context.Context, userID int64) ([]map[string]any, error) {
	workspaces, err := s.store.ListWorkspacesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(workspaces))
	for _, workspace := range workspaces {
		items = append(items, map[string]any{
			"id":        workspace.ID,
			"name":      workspace.Name,
			"ownerId":   workspace.OwnerID,
			"createdAt": workspace.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) CreateWorkspace(ctx context.Context, name string, ownerID int64) (map[string]any, error) {
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	workspace, err := s.store.CreateWorkspace(ctx, name, ownerID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":        workspace.ID,
		"name":      workspace.Name,
		"ownerId":   workspace.OwnerID,
		"createdAt": workspace.CreatedAt,
	}, nil
}

func (s *Service) DeleteWorkspace(ctx context.Context, workspaceID, userID int64) error {
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionDelete); err != nil {
		return err
	}
	return s.store.DeleteWorkspace(ctx, workspaceID)
}

// GetBoard returns the full workspace snapshot clients hydrate from.
func (s *Service) GetBoard(ctx context.Context, workspaceID, userID int64) (board.Board, error) {
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionView); err != nil {
		return board.Board{}, err
	}
	return s.store.FetchWorkspaceBoard(ctx, workspaceID)
}

// ---- Members and invitations

func (s *Service) ListMembers(ctx context.Context, workspaceID, userID int64) ([]map[string]any, error) {
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionView); err != nil {
		return nil, err
	}
	members, err := s.store.ListWorkspaceMembers(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(members))
	for _, member := range members {
		items = append(items, map[string]any{
			"userId":   member.UserID,
			"username": member.Username,
			"email":    member.Email,
			"role":     member.Role,
			"joinedAt": member.JoinedAt,
		})
	}
	return items, nil
}

func (s *Service) UpdateMemberRole(ctx context.Context, workspaceID, actorID, memberID int64, role string) error {
	if err := s.RequireRole(ctx, workspaceID, actorID, rbac.ActionManageMembers); err != nil {
		return err
	}
	if rbac.Role(role) == rbac.RoleOwner {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "ownership cannot be granted", nil)
	}
	return s.store.AddWorkspaceMember(ctx, workspaceID, memberID, string(rbac.Normalize(role)))
}

func (s *Service) RemoveMember(ctx context.Context, workspaceID, actorID, memberID int64) error {
	if actorID != memberID {
		if err := s.RequireRole(ctx, workspaceID, actorID, rbac.ActionManageMembers); err != nil {
			return err
		}
	}
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if workspace.OwnerID == memberID {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "the owner cannot be removed", nil)
	}
	return s.store.RemoveWorkspaceMember(ctx, workspaceID, memberID)
}

func (s *Service) InviteMember(ctx context.Context, workspaceID, actorID int64, inviteEmail, role string) (map[string]any, error) {
	if err := s.RequireRole(ctx, workspaceID, actorID, rbac.ActionManageMembers); err != nil {
		return nil, err
	}
	if inviteEmail == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is required", nil)
	}

	invitation, err := s.store.CreateInvitation(ctx, store.Invitation{
		WorkspaceID: workspaceID,
		Email:       inviteEmail,
		Token:       util.NewID("inv") + util.NewID(""),
		Role:        string(rbac.Normalize(role)),
		InvitedBy:   actorID,
		ExpiresAt:   time.Now().Add(7 * 24 * time.Hour),
	})
	if err != nil {
		return nil, err
	}

	response := map[string]any{
		"id":        invitation.ID,
		"email":     invitation.Email,
		"role":      invitation.Role,
		"expiresAt": invitation.ExpiresAt,
	}

	if s.SMTPConfigured() {
		workspace, err := s.store.GetWorkspace(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		inviter, err := s.store.GetUserByID(ctx, actorID)
		if err != nil {
			return nil, err
		}
		acceptURL := s.cfg.AppBaseURL + "/invitations/accept?token=" + invitation.Token
		if err := s.email.SendInvitationEmail(inviteEmail, inviter.Username, workspace.Name, acceptURL); err != nil {
			return nil, err
		}
	} else {
		// Dev bypass: hand the token back when email is not configured
		response["devInvitationToken"] = invitation.Token
	}

	return response, nil
}

func (s *Service) AcceptInvitation(ctx context.Context, token string, userID int64) (map[string]any, error) {
	invitation, err := s.store.GetInvitationByToken(ctx, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Invitation not found or expired", nil)
		}
		return nil, err
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Email != invitation.Email {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Invitation was issued to a different email", nil)
	}

	if err := s.store.AddWorkspaceMember(ctx, invitation.WorkspaceID, userID, invitation.Role); err != nil {
		return nil, err
	}
	if err := s.store.MarkInvitationAccepted(ctx, invitation.ID); err != nil {
		return nil, err
	}
	return map[string]any{"workspaceId": invitation.WorkspaceID, "role": invitation.Role}, nil
}

// ---- Lists

func (s *Service) CreateList(ctx context.Context, workspaceID, userID int64, name, originConnectionID string) (board.List, error) {
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionEdit); err != nil {
		return board.List{}, err
	}
	if name == "" {
		return board.List{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	list, err := s.store.CreateList(ctx, workspaceID, name)
	if err != nil {
		return board.List{}, err
	}
	s.broadcast(workspaceID, board.NewEvent(board.EventListCreated, board.ListCreatedPayload{List: list}), originConnectionID)
	return list, nil
}

func (s *Service) UpdateList(ctx context.Context, listID, userID int64, fields board.ListPatch, originConnectionID string) (board.List, error) {
	workspaceID, err := s.store.GetListWorkspace(ctx, listID)
	if err != nil {
		return board.List{}, err
	}
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionEdit); err != nil {
		return board.List{}, err
	}
	list, err := s.store.UpdateList(ctx, listID, fields)
	if err != nil {
		return board.List{}, err
	}
	s.broadcast(workspaceID, board.NewEvent(board.EventListUpdated, board.ListUpdatedPayload{
		ListID:   list.ID,
		Revision: list.Revision,
		Fields:   fields,
	}), originConnectionID)
	return list, nil
}

func (s *Service) DeleteList(ctx context.Context, listID, userID int64, originConnectionID string) error {
	workspaceID, err := s.store.GetListWorkspace(ctx, listID)
	if err != nil {
		return err
	}
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionEdit); err != nil {
		return err
	}
	if err := s.store.DeleteList(ctx, listID); err != nil {
		return err
	}
	s.broadcast(workspaceID, board.NewEvent(board.EventListDeleted, board.ListDeletedPayload{ListID: listID}), originConnectionID)
	return nil
}

func (s *Service) ReorderLists(ctx context.Context, workspaceID, userID int64, positions []board.ListPosition, originConnectionID string) error {
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionEdit); err != nil {
		return err
	}
	if len(positions) == 0 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "positions are required", nil)
	}
	if err := s.store.UpdateListPositions(ctx, workspaceID, positions); err != nil {
		return err
	}
	s.broadcast(workspaceID, board.NewEvent(board.EventListPositionsUpdated, board.ListPositionsUpdatedPayload{Positions: positions}), originConnectionID)
	return nil
}

// ---- Todos

func (s *Service) CreateTodo(ctx context.Context, listID, userID int64, title, description, dueDate, dueTime, originConnectionID string) (board.Todo, error) {
	workspaceID, err := s.store.GetListWorkspace(ctx, listID)
	if err != nil {
		return board.Todo{}, err
	}
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionEdit); err != nil {
		return board.Todo{}, err
	}
	if title == "" {
		return board.Todo{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	todo, err := s.store.CreateTodo(ctx, listID, title, description, dueDate, dueTime)
	if err != nil {
		return board.Todo{}, err
	}
	s.broadcast(workspaceID, board.NewEvent(board.EventTodoCreated, board.TodoCreatedPayload{Todo: todo}), originConnectionID)
	s.indexTodo(ctx, workspaceID, todo)
	return todo, nil
}

func (s *Service) GetTodo(ctx context.Context, todoID, userID int64) (board.Todo, error) {
	workspaceID, err := s.store.GetTodoWorkspace(ctx, todoID)
	if err != nil {
		return board.Todo{}, err
	}
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionView); err != nil {
		return board.Todo{}, err
	}
	return s.store.GetTodo(ctx, todoID)
}

func (s *Service) UpdateTodo(ctx context.Context, todoID, userID int64, fields board.TodoPatch, originConnectionID string) (board.Todo, error) {
	workspaceID, err := s.store.GetTodoWorkspace(ctx, todoID)
	if err != nil {
		return board.Todo{}, err
	}
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionEdit); err != nil {
		return board.Todo{}, err
	}
	todo, err := s.store.UpdateTodo(ctx, todoID, fields)
	if err != nil {
		return board.Todo{}, err
	}
	s.broadcast(workspaceID, board.NewEvent(board.EventTodoUpdated, board.TodoUpdatedPayload{
		TodoID:   todo.ID,
		Revision: todo.Revision,
		Fields:   fields,
	}), originConnectionID)
	s.indexTodo(ctx, workspaceID, todo)
	return todo, nil
}

func (s *Service) DeleteTodo(ctx context.Context, todoID, userID int64, originConnectionID string) error {
	workspaceID, err := s.store.GetTodoWorkspace(ctx, todoID)
	if err != nil {
		return err
	}
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionEdit); err != nil {
		return err
	}
	listID, err := s.store.DeleteTodo(ctx, todoID)
	if err != nil {
		return err
	}
	s.broadcast(workspaceID, board.NewEvent(board.EventTodoDeleted, board.TodoDeletedPayload{
		TodoID: todoID,
		ListID: listID,
	}), originConnectionID)
	if s.search != nil {
		s.search.DeleteTodo(todoID)
	}
	return nil
}

func (s *Service) MoveTodo(ctx context.Context, todoID, targetListID, userID int64, position int, originConnectionID string) (board.Todo, error) {
	workspaceID, err := s.store.GetTodoWorkspace(ctx, todoID)
	if err != nil {
		return board.Todo{}, err
	}
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionEdit); err != nil {
		return board.Todo{}, err
	}
	todo, fromListID, err := s.store.MoveTodo(ctx, todoID, targetListID, position)
	if err != nil {
		return board.Todo{}, err
	}
	s.broadcast(workspaceID, board.NewEvent(board.EventTodoMoved, board.TodoMovedPayload{
		TodoID:     todo.ID,
		FromListID: fromListID,
		ToListID:   todo.ListID,
		Position:   todo.Position,
		Revision:   todo.Revision,
	}), originConnectionID)
	return todo, nil
}

func (s *Service) AssignTodo(ctx context.Context, todoID, memberID, userID int64, originConnectionID string) (board.Todo, error) {
	workspaceID, err := s.store.GetTodoWorkspace(ctx, todoID)
	if err != nil {
		return board.Todo{}, err
	}
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionEdit); err != nil {
		return board.Todo{}, err
	}
	// The assignee must be a workspace member.
	if _, err := s.store.GetMemberRole(ctx, workspaceID, memberID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return board.Todo{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "assignee is not a workspace member", nil)
		}
		return board.Todo{}, err
	}
	todo, err := s.store.AssignTodo(ctx, todoID, &memberID)
	if err != nil {
		return board.Todo{}, err
	}
	s.broadcast(workspaceID, board.NewEvent(board.EventMemberAssigned, board.MemberAssignedPayload{
		TodoID:   todo.ID,
		UserID:   memberID,
		Revision: todo.Revision,
	}), originConnectionID)
	return todo, nil
}

func (s *Service) UnassignTodo(ctx context.Context, todoID, memberID, userID int64, originConnectionID string) (board.Todo, error) {
	workspaceID, err := s.store.GetTodoWorkspace(ctx, todoID)
	if err != nil {
		return board.Todo{}, err
	}
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionEdit); err != nil {
		return board.Todo{}, err
	}
	todo, err := s.store.AssignTodo(ctx, todoID, nil)
	if err != nil {
		return board.Todo{}, err
	}
	s.broadcast(workspaceID, board.NewEvent(board.EventMemberUnassigned, board.MemberUnassignedPayload{
		TodoID:   todo.ID,
		UserID:   memberID,
		Revision: todo.Revision,
	}), originConnectionID)
	return todo, nil
}

// ---- Labels

func (s *Service) CreateLabel(ctx context.Context, workspaceID, userID int64, name, color, originConnectionID string) (board.Label, error) {
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionEdit); err != nil {
		return board.Label{}, err
	}
	if color == "" {
		return board.Label{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "color is required", nil)
	}
	label, err := s.store.CreateLabel(ctx, workspaceID, name, color)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return board.Label{}, domainError(http.StatusConflict, "CONFLICT", "A label with this name already exists", nil)
		}
		return board.Label{}, err
	}
	s.broadcast(workspaceID, board.NewEvent(board.EventLabelCreated, board.LabelCreatedPayload{Label: label}), originConnectionID)
	return label, nil
}

func (s *Service) UpdateLabel(ctx context.Context, labelID, userID int64, fields board.LabelPatch, originConnectionID string) (board.Label, error) {
	existing, err := s.store.GetLabel(ctx, labelID)
	if err != nil {
		return board.Label{}, err
	}
	if err := s.RequireRole(ctx, existing.WorkspaceID, userID, rbac.ActionEdit); err != nil {
		return board.Label{}, err
	}
	label, err := s.store.UpdateLabel(ctx, labelID, fields)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return board.Label{}, domainError(http.StatusConflict, "CONFLICT", "A label with this name already exists", nil)
		}
		return board.Label{}, err
	}
	s.broadcast(label.WorkspaceID, board.NewEvent(board.EventLabelUpdated, board.LabelUpdatedPayload{
		LabelID:  label.ID,
		Revision: label.Revision,
		Fields:   fields,
	}), originConnectionID)
	return label, nil
}

func (s *Service) DeleteLabel(ctx context.Context, labelID, userID int64, originConnectionID string) error {
	existing, err := s.store.GetLabel(ctx, labelID)
	if err != nil {
		return err
	}
	if err := s.RequireRole(ctx, existing.WorkspaceID, userID, rbac.ActionEdit); err != nil {
		return err
	}
	workspaceID, err := s.store.DeleteLabel(ctx, labelID)
	if err != nil {
		return err
	}
	s.broadcast(workspaceID, board.NewEvent(board.EventLabelDeleted, board.LabelDeletedPayload{LabelID: labelID}), originConnectionID)
	return nil
}

func (s *Service) AddLabelToTodo(ctx context.Context, todoID, labelID, userID int64, originConnectionID string) (board.Todo, error) {
	workspaceID, err := s.store.GetTodoWorkspace(ctx, todoID)
	if err != nil {
		return board.Todo{}, err
	}
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionEdit); err != nil {
		return board.Todo{}, err
	}
	label, err := s.store.GetLabel(ctx, labelID)
	if err != nil {
		return board.Todo{}, err
	}
	if label.WorkspaceID != workspaceID {
		return board.Todo{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "label belongs to a different workspace", nil)
	}
	todo, err := s.store.AddLabelToTodo(ctx, todoID, labelID)
	if err != nil {
		return board.Todo{}, err
	}
	s.broadcast(workspaceID, board.NewEvent(board.EventTodoLabelAdded, board.TodoLabelAddedPayload{
		TodoID: todo.ID,
		Label:  label,
	}), originConnectionID)
	return todo, nil
}

func (s *Service) RemoveLabelFromTodo(ctx context.Context, todoID, labelID, userID int64, originConnectionID string) (board.Todo, error) {
	workspaceID, err := s.store.GetTodoWorkspace(ctx, todoID)
	if err != nil {
		return board.Todo{}, err
	}
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionEdit); err != nil {
		return board.Todo{}, err
	}
	todo, err := s.store.RemoveLabelFromTodo(ctx, todoID, labelID)
	if err != nil {
		return board.Todo{}, err
	}
	s.broadcast(workspaceID, board.NewEvent(board.EventTodoLabelRemoved, board.TodoLabelRemovedPayload{
		TodoID:  todo.ID,
		LabelID: labelID,
	}), originConnectionID)
	return todo, nil
}

// ---- Checklist items

func (s *Service) AddChecklistItem(ctx context.Context, todoID, userID int64, title, originConnectionID string) (board.ChecklistItem, error) {
	workspaceID, err := s.store.GetTodoWorkspace(ctx, todoID)
	if err != nil {
		return board.ChecklistItem{}, err
	}
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionEdit); err != nil {
		return board.ChecklistItem{}, err
	}
	if title == "" {
		return board.ChecklistItem{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	item, err := s.store.CreateChecklistItem(ctx, todoID, title)
	if err != nil {
		return board.ChecklistItem{}, err
	}
	s.broadcast(workspaceID, board.NewEvent(board.EventChecklistItemCreated, board.ChecklistItemCreatedPayload{Item: item}), originConnectionID)
	return item, nil
}

func (s *Service) UpdateChecklistItem(ctx context.Context, todoID, itemID, userID int64, fields board.ChecklistItemPatch, originConnectionID string) (board.ChecklistItem, error) {
	workspaceID, err := s.store.GetTodoWorkspace(ctx, todoID)
	if err != nil {
		return board.ChecklistItem{}, err
	}
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionEdit); err != nil {
		return board.ChecklistItem{}, err
	}
	// The store call is scoped by todoID, so an item from another todo is
	// sql.ErrNoRows and nothing is written.
	item, err := s.store.UpdateChecklistItem(ctx, todoID, itemID, fields)
	if err != nil {
		return board.ChecklistItem{}, err
	}
	s.broadcast(workspaceID, board.NewEvent(board.EventChecklistItemUpdated, board.ChecklistItemUpdatedPayload{
		TodoID:   item.TodoID,
		ItemID:   item.ID,
		Revision: item.Revision,
		Fields:   fields,
	}), originConnectionID)
	return item, nil
}

func (s *Service) RemoveChecklistItem(ctx context.Context, todoID, itemID, userID int64, originConnectionID string) error {
	workspaceID, err := s.store.GetTodoWorkspace(ctx, todoID)
	if err != nil {
		return err
	}
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionEdit); err != nil {
		return err
	}
	if err := s.store.DeleteChecklistItem(ctx, todoID, itemID); err != nil {
		return err
	}
	s.broadcast(workspaceID, board.NewEvent(board.EventChecklistItemDeleted, board.ChecklistItemDeletedPayload{
		TodoID: todoID,
		ItemID: itemID,
	}), originConnectionID)
	return nil
}

// ---- Search

func (s *Service) Search(ctx context.Context, userID int64, text string, workspaceID int64, limit, offset int) (search.Response, error) {
	if workspaceID != 0 {
		if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionView); err != nil {
			return search.Response{}, err
		}
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:        text,
		WorkspaceID: workspaceID,
		Limit:       limit,
		Offset:      offset,
	}), nil
}

func (s *Service) indexTodo(ctx context.Context, workspaceID int64, todo board.Todo) {
	if s.search == nil {
		return
	}
	labels := make([]string, 0, len(todo.Labels))
	for _, label := range todo.Labels {
		labels = append(labels, label.Name)
	}
	s.search.IndexTodo(search.TodoRecord{
		ID:          todo.ID,
		Title:       todo.Title,
		Description: todo.Description,
		ListID:      todo.ListID,
		WorkspaceID: workspaceID,
		Labels:      labels,
	})
}
