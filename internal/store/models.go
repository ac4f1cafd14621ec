package store

import "time"

type User struct {
	ID                    int64
	Username              string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Workspace struct {
	ID        int64
	Name      string
	OwnerID   int64
	CreatedAt time.Time
}

type WorkspaceMember struct {
	WorkspaceID int64
	UserID      int64
	Username    string
	Email       string
	Role        string
	JoinedAt    time.Time
}

type Invitation struct {
	ID          int64
	WorkspaceID int64
	Email       string
	Token       string
	Role        string
	InvitedBy   int64
	CreatedAt   time.Time
	ExpiresAt   time.Time
	AcceptedAt  *time.Time
}

type Attachment struct {
	ID          int64
	TodoID      int64
	FileName    string
	ObjectKey   string
	ContentType string
	Size        int64
	UploadedBy  int64
	CreatedAt   time.Time
}
