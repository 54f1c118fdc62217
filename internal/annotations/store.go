// Package annotations implements the annotation lifecycle: exclusive claims
// per (resource, annotator, sub-type), the draft/submitted/review state
// machine, payload validation, and the review correction workflow. All
// mutations run inside gorm transactions and dispatch their lifecycle events
// on the same transaction as the triggering write.
package annotations

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shadowrockzzz/labelling-platform-backend/internal/auth"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/core"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/database"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/dispatch"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db         *gorm.DB
	objects    storage.Provider
	bucket     string
	dispatcher *dispatch.Dispatcher
}

func NewStore(db *gorm.DB, objects storage.Provider, bucket string, dispatcher *dispatch.Dispatcher) *Store {
	return &Store{db: db, objects: objects, bucket: bucket, dispatcher: dispatcher}
}

// GetOrCreate resolves the caller's claim on (resource, sub-type), creating a
// fresh draft when none exists. Concurrent calls for the same triple converge
// on one row: the unique claim index makes the loser's insert fail, after
// which it reads the winner's row.
func (s *Store) GetOrCreate(ctx context.Context, p auth.Principal, resourceId uuid.UUID, subType string) (database.Annotation, error) {
	if !p.Can(auth.CapAnnotator) {
		return database.Annotation{}, core.Forbiddenf("annotator capability required to create annotations")
	}

	annotationType, err := core.AnnotationTypeFor(subType)
	if err != nil {
		return database.Annotation{}, err
	}

	resource, err := s.GetResource(ctx, resourceId)
	if err != nil {
		return database.Annotation{}, err
	}
	if resource.Status != database.ResourceActive {
		return database.Annotation{}, &core.StateError{Op: "create annotation", Status: strings.ToLower(resource.Status)}
	}

	now := time.Now().UTC()
	annotation := database.Annotation{
		Id:             uuid.New(),
		ResourceId:     resourceId,
		ProjectId:      resource.ProjectId,
		AnnotatorId:    uuid.NullUUID{UUID: p.UserId, Valid: true},
		AnnotationType: annotationType,
		SubType:        subType,
		Status:         database.AnnotationDraft,
		Payload:        datatypes.JSON([]byte("{}")),
		CreationTime:   now,
		UpdateTime:     now,
	}

	err = s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		result := txn.Clauses(clause.OnConflict{DoNothing: true}).Create(&annotation)
		if result.Error != nil {
			return fmt.Errorf("failed to create annotation: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// Lost the claim race, or the caller already holds the claim.
			return txn.First(&annotation,
				"resource_id = ? AND annotator_id = ? AND sub_type = ?",
				resourceId, p.UserId, subType).Error
		}

		_, err := s.dispatcher.Enqueue(ctx, txn, dispatch.Event{
			ProjectId:      resource.ProjectId,
			AnnotationType: annotationType,
			ResourceId:     &resourceId,
			AnnotationId:   &annotation.Id,
			TaskType:       dispatch.TaskAnnotationCreated,
			Payload: map[string]any{
				"annotation_id": annotation.Id,
				"sub_type":      subType,
				"annotator_id":  p.UserId,
			},
		})
		return err
	})
	if err != nil {
		return database.Annotation{}, err
	}

	return annotation, nil
}

func (s *Store) GetAnnotation(ctx context.Context, annotationId uuid.UUID) (database.Annotation, error) {
	var annotation database.Annotation
	if err := s.db.WithContext(ctx).First(&annotation, "id = ?", annotationId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.Annotation{}, &core.NotFoundError{Kind: "annotation"}
		}
		return database.Annotation{}, fmt.Errorf("failed to load annotation: %w", err)
	}
	return annotation, nil
}

func (s *Store) ListAnnotations(ctx context.Context, resourceId uuid.UUID) ([]database.Annotation, error) {
	var annotations []database.Annotation
	if err := s.db.WithContext(ctx).
		Where("resource_id = ?", resourceId).
		Order("creation_time asc").
		Find(&annotations).Error; err != nil {
		return nil, fmt.Errorf("failed to list annotations: %w", err)
	}
	return annotations, nil
}

// UpsertSpan adds or replaces one span in the annotation's payload. Editable
// statuses are draft, rejected and approved; editing a rejected or approved
// annotation re-opens it as a draft and clears the prior review outcome.
// expectedVersion guards the read-modify-write against concurrent edits.
func (s *Store) UpsertSpan(ctx context.Context, p auth.Principal, annotationId uuid.UUID, spanId string, span core.Span, expectedVersion int) (database.Annotation, error) {
	if spanId == "" {
		return database.Annotation{}, core.Invalidf("span_id", "span id is required")
	}
	return s.mutatePayload(ctx, p, annotationId, expectedVersion, func(annotation *database.Annotation) error {
		if annotation.AnnotationType == core.AnnotationTypeImage {
			return core.Invalidf("sub_type", "span mutations apply to text annotations, not %q", annotation.SubType)
		}

		spans, err := core.DecodeSpans(annotation.Payload)
		if err != nil {
			return err
		}
		spans[spanId] = span

		if err := core.ValidateSpans(annotation.SubType, spans); err != nil {
			return err
		}

		body, err := json.Marshal(spans)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		annotation.Payload = datatypes.JSON(body)
		return nil
	})
}

// UpsertShape is the image-annotation counterpart of UpsertSpan.
func (s *Store) UpsertShape(ctx context.Context, p auth.Principal, annotationId uuid.UUID, shapeId string, shape core.Shape, expectedVersion int) (database.Annotation, error) {
	if shapeId == "" {
		return database.Annotation{}, core.Invalidf("shape_id", "shape id is required")
	}
	return s.mutatePayload(ctx, p, annotationId, expectedVersion, func(annotation *database.Annotation) error {
		if annotation.AnnotationType != core.AnnotationTypeImage {
			return core.Invalidf("sub_type", "shape mutations apply to image annotations, not %q", annotation.SubType)
		}

		shapes, err := core.DecodeShapes(annotation.Payload)
		if err != nil {
			return err
		}
		shapes[shapeId] = shape

		if err := core.ValidateShapes(annotation.SubType, shapes); err != nil {
			return err
		}

		body, err := json.Marshal(shapes)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		annotation.Payload = datatypes.JSON(body)
		return nil
	})
}

// RemoveSpan deletes one span (or shape) from the payload. Removing a span
// that does not exist is an error so a stale client notices it is out of
// date.
func (s *Store) RemoveSpan(ctx context.Context, p auth.Principal, annotationId uuid.UUID, spanId string, expectedVersion int) (database.Annotation, error) {
	return s.mutatePayload(ctx, p, annotationId, expectedVersion, func(annotation *database.Annotation) error {
		entries := make(map[string]json.RawMessage)
		if len(annotation.Payload) > 0 {
			if err := json.Unmarshal(annotation.Payload, &entries); err != nil {
				return core.Invalidf("payload", "stored payload is not an object: %v", err)
			}
		}
		if _, ok := entries[spanId]; !ok {
			return &core.NotFoundError{Kind: "span " + spanId}
		}
		delete(entries, spanId)

		body, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		annotation.Payload = datatypes.JSON(body)
		return nil
	})
}

// mutatePayload applies an edit under the ownership, status and version
// rules shared by every payload mutation.
func (s *Store) mutatePayload(ctx context.Context, p auth.Principal, annotationId uuid.UUID, expectedVersion int, edit func(*database.Annotation) error) (database.Annotation, error) {
	var annotation database.Annotation

	err := s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.First(&annotation, "id = ?", annotationId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &core.NotFoundError{Kind: "annotation"}
			}
			return fmt.Errorf("failed to load annotation: %w", err)
		}

		if !annotation.AnnotatorId.Valid || annotation.AnnotatorId.UUID != p.UserId {
			return core.Forbiddenf("only the owning annotator may modify this annotation")
		}

		switch annotation.Status {
		case database.AnnotationDraft:
			// stays a draft
		case database.AnnotationRejected, database.AnnotationApproved:
			// Re-editing re-opens the annotation; the prior review outcome no
			// longer describes the payload.
			annotation.Status = database.AnnotationDraft
			annotation.ReviewerId = uuid.NullUUID{}
			annotation.ReviewComment = sql.NullString{}
			annotation.ReviewTime = sql.NullTime{}
			annotation.SubmitTime = sql.NullTime{}
			annotation.OutputKey = sql.NullString{}
		default:
			return &core.StateError{Op: "modify payload", Status: strings.ToLower(annotation.Status)}
		}

		if err := edit(&annotation); err != nil {
			return err
		}

		annotation.UpdateTime = time.Now().UTC()
		annotation.Version++

		result := txn.Model(&database.Annotation{}).
			Where("id = ? AND version = ?", annotationId, expectedVersion).
			Updates(map[string]any{
				"status":         annotation.Status,
				"reviewer_id":    annotation.ReviewerId,
				"review_comment": annotation.ReviewComment,
				"review_time":    annotation.ReviewTime,
				"submit_time":    annotation.SubmitTime,
				"output_key":     annotation.OutputKey,
				"payload":        annotation.Payload,
				"update_time":    annotation.UpdateTime,
				"version":        annotation.Version,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to update annotation: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return &core.StateError{Op: "modify payload", Status: "stale version"}
		}
		return nil
	})
	if err != nil {
		return database.Annotation{}, err
	}

	return annotation, nil
}

// Submit hands a draft to review. The payload must be non-empty; submitting
// twice is a state error, not an idempotent no-op, so clients notice the
// double send.
func (s *Store) Submit(ctx context.Context, p auth.Principal, annotationId uuid.UUID) (database.Annotation, error) {
	var annotation database.Annotation

	err := s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.First(&annotation, "id = ?", annotationId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &core.NotFoundError{Kind: "annotation"}
			}
			return fmt.Errorf("failed to load annotation: %w", err)
		}

		if !annotation.AnnotatorId.Valid || annotation.AnnotatorId.UUID != p.UserId {
			return core.Forbiddenf("only the owning annotator may submit this annotation")
		}
		if annotation.Status != database.AnnotationDraft {
			return &core.StateError{Op: "submit", Status: strings.ToLower(annotation.Status)}
		}
		if emptyPayload(annotation.Payload) {
			return core.Invalidf("payload", "cannot submit an annotation with no spans")
		}

		now := time.Now().UTC()
		annotation.Status = database.AnnotationSubmitted
		annotation.SubmitTime = sql.NullTime{Time: now, Valid: true}
		annotation.UpdateTime = now

		if err := txn.Model(&database.Annotation{}).
			Where("id = ?", annotationId).
			Updates(map[string]any{
				"status":      annotation.Status,
				"submit_time": annotation.SubmitTime,
				"update_time": annotation.UpdateTime,
			}).Error; err != nil {
			return fmt.Errorf("failed to submit annotation: %w", err)
		}

		_, err := s.dispatcher.Enqueue(ctx, txn, dispatch.Event{
			ProjectId:      annotation.ProjectId,
			AnnotationType: annotation.AnnotationType,
			ResourceId:     &annotation.ResourceId,
			AnnotationId:   &annotation.Id,
			TaskType:       dispatch.TaskAnnotationSubmitted,
			Payload: map[string]any{
				"annotation_id": annotation.Id,
				"sub_type":      annotation.SubType,
				"annotator_id":  p.UserId,
			},
		})
		return err
	})
	if err != nil {
		return database.Annotation{}, err
	}

	return annotation, nil
}

// Review actions.
const (
	ReviewApprove string = "approve"
	ReviewReject  string = "reject"
)

// Review resolves a submitted annotation. Approval builds and persists the
// export document before the status flips, so an approved row always has its
// result of record in object storage.
func (s *Store) Review(ctx context.Context, p auth.Principal, annotationId uuid.UUID, action, comment string) (database.Annotation, error) {
	if !p.Can(auth.CapReviewer) {
		return database.Annotation{}, core.Forbiddenf("reviewer capability required to review annotations")
	}
	if action != ReviewApprove && action != ReviewReject {
		return database.Annotation{}, core.Invalidf("action", "unknown review action %q", action)
	}

	annotation, err := s.GetAnnotation(ctx, annotationId)
	if err != nil {
		return database.Annotation{}, err
	}
	if annotation.Status != database.AnnotationSubmitted && annotation.Status != database.AnnotationUnderReview {
		return database.Annotation{}, &core.StateError{Op: "review", Status: strings.ToLower(annotation.Status)}
	}

	now := time.Now().UTC()
	outputKey := sql.NullString{}

	if action == ReviewApprove {
		doc, err := core.BuildExportDocument(core.ExportInput{
			AnnotationId:   annotation.Id,
			ProjectId:      annotation.ProjectId,
			ResourceId:     annotation.ResourceId,
			AnnotationType: annotation.AnnotationType,
			SubType:        annotation.SubType,
			Status:         database.AnnotationApproved,
			CreationTime:   annotation.CreationTime,
			Payload:        annotation.Payload,
		})
		if err != nil {
			return database.Annotation{}, err
		}
		body, err := json.Marshal(doc)
		if err != nil {
			return database.Annotation{}, fmt.Errorf("failed to encode export document: %w", err)
		}

		key := core.ExportKey(annotation.ProjectId, annotation.AnnotationType, annotation.Id)
		if err := s.objects.PutObject(ctx, s.bucket, key, bytes.NewReader(body)); err != nil {
			return database.Annotation{}, fmt.Errorf("failed to persist export document: %w", err)
		}
		outputKey = sql.NullString{String: key, Valid: true}
	}

	status := database.AnnotationApproved
	if action == ReviewReject {
		status = database.AnnotationRejected
	}

	err = s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		result := txn.Model(&database.Annotation{}).
			Where("id = ? AND status IN ?", annotationId,
				[]string{database.AnnotationSubmitted, database.AnnotationUnderReview}).
			Updates(map[string]any{
				"status":         status,
				"reviewer_id":    uuid.NullUUID{UUID: p.UserId, Valid: true},
				"review_comment": nullString(comment),
				"review_time":    sql.NullTime{Time: now, Valid: true},
				"output_key":     outputKey,
				"update_time":    now,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to record review: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// Another reviewer resolved it first.
			return &core.StateError{Op: "review", Status: "already resolved"}
		}

		_, err := s.dispatcher.Enqueue(ctx, txn, dispatch.Event{
			ProjectId:      annotation.ProjectId,
			AnnotationType: annotation.AnnotationType,
			ResourceId:     &annotation.ResourceId,
			AnnotationId:   &annotation.Id,
			TaskType:       dispatch.TaskAnnotationReviewed,
			Payload: map[string]any{
				"annotation_id": annotation.Id,
				"action":        action,
				"reviewer_id":   p.UserId,
			},
		})
		return err
	})
	if err != nil {
		return database.Annotation{}, err
	}

	annotation.Status = status
	annotation.ReviewerId = uuid.NullUUID{UUID: p.UserId, Valid: true}
	annotation.ReviewComment = nullString(comment)
	annotation.ReviewTime = sql.NullTime{Time: now, Valid: true}
	annotation.OutputKey = outputKey
	annotation.UpdateTime = now
	return annotation, nil
}

// RequestExport re-enqueues export generation for an approved annotation.
func (s *Store) RequestExport(ctx context.Context, p auth.Principal, annotationId uuid.UUID) (dispatch.TaskHandle, error) {
	if !p.Can(auth.CapReviewer) {
		return dispatch.TaskHandle{}, core.Forbiddenf("reviewer capability required to request exports")
	}

	annotation, err := s.GetAnnotation(ctx, annotationId)
	if err != nil {
		return dispatch.TaskHandle{}, err
	}
	if annotation.Status != database.AnnotationApproved {
		return dispatch.TaskHandle{}, &core.StateError{Op: "export", Status: strings.ToLower(annotation.Status)}
	}

	return s.dispatcher.Enqueue(ctx, nil, dispatch.Event{
		ProjectId:      annotation.ProjectId,
		AnnotationType: annotation.AnnotationType,
		ResourceId:     &annotation.ResourceId,
		AnnotationId:   &annotation.Id,
		TaskType:       dispatch.TaskExportRequested,
		Payload:        map[string]any{"annotation_id": annotation.Id},
	})
}

// ExportURL presigns a download link for the annotation's export document.
func (s *Store) ExportURL(ctx context.Context, annotationId uuid.UUID, ttl time.Duration) (string, error) {
	annotation, err := s.GetAnnotation(ctx, annotationId)
	if err != nil {
		return "", err
	}
	if !annotation.OutputKey.Valid {
		return "", &core.NotFoundError{Kind: "export document"}
	}
	return s.objects.PresignGetURL(ctx, s.bucket, annotation.OutputKey.String, ttl)
}

func emptyPayload(payload datatypes.JSON) bool {
	if len(payload) == 0 {
		return true
	}
	entries := make(map[string]json.RawMessage)
	if err := json.Unmarshal(payload, &entries); err != nil {
		return true
	}
	return len(entries) == 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
