package app

import (
	"context"
	"io"
	"net/http"
	"time"

	"taskboard/api/internal/attachments"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
)

const downloadURLTTL = 15 * time.Minute

func (s *Service) attachmentsEnabled() bool {
	return s.attachments != nil
}

func (s *Service) UploadAttachment(ctx context.Context, todoID, userID int64, fileName, contentType string, size int64, reader io.Reader) (map[string]any, error) {
	if !s.attachmentsEnabled() {
		return nil, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	workspaceID, err := s.store.GetTodoWorkspace(ctx, todoID)
	if err != nil {
		return nil, err
	}
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionEdit); err != nil {
		return nil, err
	}
	if fileName == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file name is required", nil)
	}

	objectKey := attachments.NewObjectKey(todoID, fileName)
	if err := s.attachments.Upload(ctx, objectKey, reader, size, contentType); err != nil {
		return nil, err
	}

	attachment, err := s.store.InsertAttachment(ctx, store.Attachment{
		TodoID:      todoID,
		FileName:    fileName,
		ObjectKey:   objectKey,
		ContentType: contentType,
		Size:        size,
		UploadedBy:  userID,
	})
	if err != nil {
		// The row is the source of truth; orphaned objects are cleaned by
		// bucket lifecycle rules.
		return nil, err
	}

	return attachmentPayload(attachment), nil
}

func (s *Service) ListTodoAttachments(ctx context.Context, todoID, userID int64) ([]map[string]any, error) {
	workspaceID, err := s.store.GetTodoWorkspace(ctx, todoID)
	if err != nil {
		return nil, err
	}
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionView); err != nil {
		return nil, err
	}
	items, err := s.store.ListAttachments(ctx, todoID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, attachmentPayload(item))
	}
	return payload, nil
}

func (s *Service) AttachmentDownloadURL(ctx context.Context, attachmentID, userID int64) (string, error) {
	if !s.attachmentsEnabled() {
		return "", domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return "", err
	}
	workspaceID, err := s.store.GetTodoWorkspace(ctx, attachment.TodoID)
	if err != nil {
		return "", err
	}
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionView); err != nil {
		return "", err
	}
	return s.attachments.PresignedDownloadURL(ctx, attachment.ObjectKey, attachment.FileName, downloadURLTTL)
}

func (s *Service) DeleteAttachment(ctx context.Context, attachmentID, userID int64) error {
	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return err
	}
	workspaceID, err := s.store.GetTodoWorkspace(ctx, attachment.TodoID)
	if err != nil {
		return err
	}
	if err := s.RequireRole(ctx, workspaceID, userID, rbac.ActionEdit); err != nil {
		return err
	}
	if err := s.store.DeleteAttachment(ctx, attachmentID); err != nil {
		return err
	}
	if s.attachmentsEnabled() {
		_ = s.attachments.Delete(ctx, attachment.ObjectKey)
	}
	return nil
}

func attachmentPayload(attachment store.Attachment) map[string]any {
	return map[string]any{
		"id":          attachment.ID,
		"todoId":      attachment.TodoID,
		"fileName":    attachment.FileName,
		"contentType": attachment.ContentType,
		"size":        attachment.Size,
		"uploadedBy":  attachment.UploadedBy,
		"createdAt":   attachment.CreatedAt,
	}
}
