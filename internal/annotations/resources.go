package annotations

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/shadowrockzzz/labelling-platform-backend/internal/auth"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/core"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/database"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/dispatch"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const previewLength = 500

// UploadResource stores the uploaded bytes and registers an active resource.
// The content itself is opaque to the store; only the preview is inspected.
func (s *Store) UploadResource(ctx context.Context, p auth.Principal, projectId uuid.UUID, name string, content []byte) (database.Resource, error) {
	if !p.Can(auth.CapAnnotator) {
		return database.Resource{}, core.Forbiddenf("annotator capability required to upload resources")
	}
	if name == "" {
		return database.Resource{}, core.Invalidf("name", "resource name is required")
	}

	resourceId := uuid.New()
	key := fmt.Sprintf("projects/%s/inputs/uploads/%s", projectId, resourceId)

	if err := s.objects.PutObject(ctx, s.bucket, key, bytes.NewReader(content)); err != nil {
		return database.Resource{}, fmt.Errorf("failed to store resource content: %w", err)
	}

	resource := database.Resource{
		Id:             resourceId,
		ProjectId:      projectId,
		Name:           name,
		SourceType:     database.SourceUpload,
		StorageKey:     sql.NullString{String: key, Valid: true},
		ContentPreview: preview(content),
		FileSize:       sql.NullInt64{Int64: int64(len(content)), Valid: true},
		UploadedBy:     uuid.NullUUID{UUID: p.UserId, Valid: true},
		Status:         database.ResourceActive,
		CreationTime:   time.Now().UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Create(&resource).Error; err != nil {
			return fmt.Errorf("failed to create resource: %w", err)
		}

		_, err := s.dispatcher.Enqueue(ctx, txn, dispatch.Event{
			ProjectId:      projectId,
			AnnotationType: core.AnnotationTypeText,
			ResourceId:     &resource.Id,
			TaskType:       dispatch.TaskResourceUploaded,
			Payload: map[string]any{
				"resource_id": resource.Id,
				"uploaded_by": p.UserId,
				"file_size":   len(content),
			},
		})
		return err
	})
	if err != nil {
		return database.Resource{}, err
	}

	return resource, nil
}

// AddURLResource registers an externally hosted resource. No fetch happens
// here; content retrieval is the ingest worker's job.
func (s *Store) AddURLResource(ctx context.Context, p auth.Principal, projectId uuid.UUID, name, url string) (database.Resource, error) {
	if !p.Can(auth.CapAnnotator) {
		return database.Resource{}, core.Forbiddenf("annotator capability required to add resources")
	}
	if name == "" || url == "" {
		return database.Resource{}, core.Invalidf("url", "resource name and url are required")
	}

	resource := database.Resource{
		Id:           uuid.New(),
		ProjectId:    projectId,
		Name:         name,
		SourceType:   database.SourceURL,
		ExternalURL:  sql.NullString{String: url, Valid: true},
		UploadedBy:   uuid.NullUUID{UUID: p.UserId, Valid: true},
		Status:       database.ResourceActive,
		CreationTime: time.Now().UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Create(&resource).Error; err != nil {
			return fmt.Errorf("failed to create resource: %w", err)
		}

		_, err := s.dispatcher.Enqueue(ctx, txn, dispatch.Event{
			ProjectId:      projectId,
			AnnotationType: core.AnnotationTypeText,
			ResourceId:     &resource.Id,
			TaskType:       dispatch.TaskResourceURLAdded,
			Payload: map[string]any{
				"resource_id": resource.Id,
				"url":         url,
			},
		})
		return err
	})
	if err != nil {
		return database.Resource{}, err
	}

	return resource, nil
}

func (s *Store) GetResource(ctx context.Context, resourceId uuid.UUID) (database.Resource, error) {
	var resource database.Resource
	if err := s.db.WithContext(ctx).First(&resource, "id = ?", resourceId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.Resource{}, &core.NotFoundError{Kind: "resource"}
		}
		return database.Resource{}, fmt.Errorf("failed to load resource: %w", err)
	}
	return resource, nil
}

// ResourceContent fetches the full stored content for an uploaded resource.
// Works on archived resources too: archiving blocks new annotation work, not
// reads.
func (s *Store) ResourceContent(ctx context.Context, resourceId uuid.UUID) ([]byte, error) {
	resource, err := s.GetResource(ctx, resourceId)
	if err != nil {
		return nil, err
	}
	if !resource.StorageKey.Valid {
		return nil, &core.NotFoundError{Kind: "resource content"}
	}
	return s.objects.GetObject(ctx, s.bucket, resource.StorageKey.String)
}

func (s *Store) ListResources(ctx context.Context, projectId uuid.UUID, page, limit int) ([]database.Resource, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	query := s.db.WithContext(ctx).
		Model(&database.Resource{}).
		Where("project_id = ? AND status = ?", projectId, database.ResourceActive)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count resources: %w", err)
	}

	var resources []database.Resource
	if err := query.Order("creation_time desc").
		Offset((page - 1) * limit).Limit(limit).
		Find(&resources).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list resources: %w", err)
	}

	return resources, total, nil
}

// ArchiveResource soft-deletes a resource. Existing annotations remain
// readable and exportable; only new annotation creation is blocked.
func (s *Store) ArchiveResource(ctx context.Context, p auth.Principal, resourceId uuid.UUID) (database.Resource, error) {
	if !p.Can(auth.CapAnnotator) {
		return database.Resource{}, core.Forbiddenf("annotator capability required to archive resources")
	}

	resource, err := s.GetResource(ctx, resourceId)
	if err != nil {
		return database.Resource{}, err
	}

	if resource.Status == database.ResourceArchived {
		return resource, nil
	}

	if err := s.db.WithContext(ctx).
		Model(&database.Resource{}).
		Where("id = ?", resourceId).
		Update("status", database.ResourceArchived).Error; err != nil {
		return database.Resource{}, fmt.Errorf("failed to archive resource: %w", err)
	}

	resource.Status = database.ResourceArchived
	return resource, nil
}

func preview(content []byte) sql.NullString {
	if !utf8.Valid(content) {
		return sql.NullString{}
	}
	text := string(content)
	runes := []rune(text)
	if len(runes) > previewLength {
		text = string(runes[:previewLength])
	}
	return sql.NullString{String: text, Valid: true}
}
