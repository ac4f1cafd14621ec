package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), surfaced by the service layer as Conflict.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}

// ---- Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, email, password_hash, is_email_verified, verification_token, verification_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`, user.Username, user.Email, user.PasswordHash, user.IsEmailVerified,
		nullString(user.VerificationToken), user.VerificationExpiresAt,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, is_email_verified, COALESCE(verification_token, ''), verification_expires_at, created_at, updated_at
		FROM users WHERE LOWER(email) = LOWER($1)
	`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, is_email_verified, COALESCE(verification_token, ''), verification_expires_at, created_at, updated_at
		FROM users WHERE id = $1
	`, userID))
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.IsEmailVerified, &user.VerificationToken, &user.VerificationExpiresAt,
		&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID int64, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified = TRUE, verification_token = NULL, verification_expires_at = NULL, updated_at = NOW()
		WHERE verification_token = $1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	if affected == 0 {
		return errors.New("invalid or expired verification token")
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID int64, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (int64, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets WHERE token=$1 AND expires_at > NOW() AND used_at IS NULL
	`, token).Scan(&userID)
	if err != nil {
		return 0, err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ---- Refresh sessions (Postgres fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1 AND rs.revoked_at IS NULL AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.Username, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ---- Workspaces and membership

func (s *PostgresStore) CreateWorkspace(ctx context.Context, name string, ownerID int64) (Workspace, error) {
	var workspace Workspace
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Workspace{}, fmt.Errorf("begin create workspace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO workspaces (name, owner_id) VALUES ($1, $2)
		RETURNING id, name, owner_id, created_at
	`, name, ownerID).Scan(&workspace.ID, &workspace.Name, &workspace.OwnerID, &workspace.CreatedAt)
	if err != nil {
		return Workspace{}, fmt.Errorf("insert workspace: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role) VALUES ($1, $2, 'owner')
	`, workspace.ID, ownerID); err != nil {
		return Workspace{}, fmt.Errorf("insert owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Workspace{}, fmt.Errorf("commit create workspace: %w", err)
	}
	return workspace, nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID int64) (Workspace, error) {
	var workspace Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, created_at FROM workspaces WHERE id=$1
	`, workspaceID).Scan(&workspace.ID, &workspace.Name, &workspace.OwnerID, &workspace.CreatedAt)
	if err != nil {
		return Workspace{}, err
	}
	return workspace, nil
}

func (s *PostgresStore) ListWorkspacesForUser(ctx context.Context, userID int64) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.owner_id, w.created_at
		FROM workspaces w
		JOIN workspace_members wm ON wm.workspace_id = w.id
		WHERE wm.user_id = $1
		ORDER BY w.created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	items := make([]Workspace, 0)
	for rows.Next() {
		var item Workspace
		if err := rows.Scan(&item.ID, &item.Name, &item.OwnerID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteWorkspace(ctx context.Context, workspaceID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id=$1`, workspaceID)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMemberRole(ctx context.Context, workspaceID, userID int64) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM workspace_members WHERE workspace_id=$1 AND user_id=$2
	`, workspaceID, userID).Scan(&role)
	if err != nil {
		return "", err
	}
	return role, nil
}

func (s *PostgresStore) ListWorkspaceMembers(ctx context.Context, workspaceID int64) ([]WorkspaceMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT wm.workspace_id, wm.user_id, u.username, u.email, wm.role, wm.joined_at
		FROM workspace_members wm
		JOIN users u ON u.id = wm.user_id
		WHERE wm.workspace_id = $1
		ORDER BY wm.joined_at
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]WorkspaceMember, 0)
	for rows.Next() {
		var item WorkspaceMember
		if err := rows.Scan(&item.WorkspaceID, &item.UserID, &item.Username, &item.Email, &item.Role, &item.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AddWorkspaceMember(ctx context.Context, workspaceID, userID int64, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (workspace_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, workspaceID, userID, role)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveWorkspaceMember(ctx context.Context, workspaceID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM workspace_members WHERE workspace_id=$1 AND user_id=$2
	`, workspaceID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

// ---- Invitations

func (s *PostgresStore) CreateInvitation(ctx context.Context, invitation Invitation) (Invitation, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO invitations (workspace_id, email, token, role, invited_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, invitation.WorkspaceID, invitation.Email, invitation.Token, invitation.Role,
		invitation.InvitedBy, invitation.ExpiresAt,
	).Scan(&invitation.ID, &invitation.CreatedAt)
	if err != nil {
		return Invitation{}, fmt.Errorf("insert invitation: %w", err)
	}
	return invitation, nil
}

func (s *PostgresStore) GetInvitationByToken(ctx context.Context, token string) (Invitation, error) {
	var invitation Invitation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, email, token, role, invited_by, created_at, expires_at, accepted_at
		FROM invitations
		WHERE token=$1 AND expires_at > NOW() AND accepted_at IS NULL
	`, token).Scan(&invitation.ID, &invitation.WorkspaceID, &invitation.Email, &invitation.Token,
		&invitation.Role, &invitation.InvitedBy, &invitation.CreatedAt, &invitation.ExpiresAt, &invitation.AcceptedAt)
	if err != nil {
		return Invitation{}, err
	}
	return invitation, nil
}

func (s *PostgresStore) MarkInvitationAccepted(ctx context.Context, invitationID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE invitations SET accepted_at=NOW() WHERE id=$1`, invitationID)
	if err != nil {
		return fmt.Errorf("mark invitation accepted: %w", err)
	}
	return nil
}

// ---- Attachments

func (s *PostgresStore) InsertAttachment(ctx context.Context, attachment Attachment) (Attachment, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO attachments (todo_id, file_name, object_key, content_type, size, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, attachment.TodoID, attachment.FileName, attachment.ObjectKey, attachment.ContentType,
		attachment.Size, attachment.UploadedBy,
	).Scan(&attachment.ID, &attachment.CreatedAt)
	if err != nil {
		return Attachment{}, fmt.Errorf("insert attachment: %w", err)
	}
	return attachment, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, todoID int64) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, todo_id, file_name, object_key, content_type, size, uploaded_by, created_at
		FROM attachments WHERE todo_id=$1 ORDER BY created_at
	`, todoID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(&item.ID, &item.TodoID, &item.FileName, &item.ObjectKey,
			&item.ContentType, &item.Size, &item.UploadedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, attachmentID int64) (Attachment, error) {
	var item Attachment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, todo_id, file_name, object_key, content_type, size, uploaded_by, created_at
		FROM attachments WHERE id=$1
	`, attachmentID).Scan(&item.ID, &item.TodoID, &item.FileName, &item.ObjectKey,
		&item.ContentType, &item.Size, &item.UploadedBy, &item.CreatedAt)
	if err != nil {
		return Attachment{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, attachmentID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id=$1`, attachmentID)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
