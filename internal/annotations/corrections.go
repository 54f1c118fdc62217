package annotations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shadowrockzzz/labelling-platform-backend/internal/auth"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/core"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/database"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/dispatch"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProposeCorrection records a reviewer's suggested replacement payload for an
// annotation in review. The current payload is snapshotted so the proposal
// stays meaningful even after the annotation moves on.
func (s *Store) ProposeCorrection(ctx context.Context, p auth.Principal, annotationId uuid.UUID, correctedData []byte, comment string) (database.ReviewCorrection, error) {
	if !p.Can(auth.CapReviewer) {
		return database.ReviewCorrection{}, core.Forbiddenf("reviewer capability required to propose corrections")
	}

	annotation, err := s.GetAnnotation(ctx, annotationId)
	if err != nil {
		return database.ReviewCorrection{}, err
	}
	if annotation.Status != database.AnnotationSubmitted && annotation.Status != database.AnnotationUnderReview {
		return database.ReviewCorrection{}, &core.StateError{Op: "propose correction", Status: strings.ToLower(annotation.Status)}
	}

	// A correction that would not survive the annotator's own validators is
	// rejected up front.
	if err := core.ValidatePayload(annotation.SubType, correctedData); err != nil {
		return database.ReviewCorrection{}, err
	}

	now := time.Now().UTC()
	correction := database.ReviewCorrection{
		Id:            uuid.New(),
		AnnotationId:  annotationId,
		ReviewerId:    p.UserId,
		Status:        database.CorrectionPending,
		OriginalData:  annotation.Payload,
		CorrectedData: datatypes.JSON(correctedData),
		Comment:       nullString(comment),
		CreationTime:  now,
		UpdateTime:    now,
	}

	err = s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Create(&correction).Error; err != nil {
			return fmt.Errorf("failed to create correction: %w", err)
		}

		// The first proposal moves the annotation out of the plain submitted
		// state so the dashboard shows review activity.
		if annotation.Status == database.AnnotationSubmitted {
			if err := txn.Model(&database.Annotation{}).
				Where("id = ? AND status = ?", annotationId, database.AnnotationSubmitted).
				Updates(map[string]any{
					"status":      database.AnnotationUnderReview,
					"update_time": now,
				}).Error; err != nil {
				return fmt.Errorf("failed to mark annotation under review: %w", err)
			}
		}

		_, err := s.dispatcher.Enqueue(ctx, txn, dispatch.Event{
			ProjectId:      annotation.ProjectId,
			AnnotationType: annotation.AnnotationType,
			ResourceId:     &annotation.ResourceId,
			AnnotationId:   &annotation.Id,
			TaskType:       dispatch.TaskCorrectionProposed,
			Payload: map[string]any{
				"annotation_id": annotation.Id,
				"correction_id": correction.Id,
				"reviewer_id":   p.UserId,
			},
		})
		return err
	})
	if err != nil {
		return database.ReviewCorrection{}, err
	}

	return correction, nil
}

func (s *Store) GetCorrection(ctx context.Context, correctionId uuid.UUID) (database.ReviewCorrection, error) {
	var correction database.ReviewCorrection
	if err := s.db.WithContext(ctx).First(&correction, "id = ?", correctionId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.ReviewCorrection{}, &core.NotFoundError{Kind: "correction"}
		}
		return database.ReviewCorrection{}, fmt.Errorf("failed to load correction: %w", err)
	}
	return correction, nil
}

func (s *Store) ListCorrections(ctx context.Context, annotationId uuid.UUID) ([]database.ReviewCorrection, error) {
	var corrections []database.ReviewCorrection
	if err := s.db.WithContext(ctx).
		Where("annotation_id = ?", annotationId).
		Order("creation_time asc").
		Find(&corrections).Error; err != nil {
		return nil, fmt.Errorf("failed to list corrections: %w", err)
	}
	return corrections, nil
}

// AcceptCorrection applies a pending correction to its annotation. The status
// flip and the payload copy are one transaction; concurrent accepts of the
// same correction race on the conditional update and exactly one wins.
// Sibling pending corrections are left untouched for the annotator to resolve
// individually.
func (s *Store) AcceptCorrection(ctx context.Context, p auth.Principal, correctionId uuid.UUID) (database.ReviewCorrection, error) {
	var correction database.ReviewCorrection

	err := s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.First(&correction, "id = ?", correctionId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &core.NotFoundError{Kind: "correction"}
			}
			return fmt.Errorf("failed to load correction: %w", err)
		}

		var annotation database.Annotation
		if err := txn.First(&annotation, "id = ?", correction.AnnotationId).Error; err != nil {
			return fmt.Errorf("failed to load annotation: %w", err)
		}

		if !annotation.AnnotatorId.Valid || annotation.AnnotatorId.UUID != p.UserId {
			return core.Forbiddenf("only the original annotator may resolve corrections")
		}

		now := time.Now().UTC()

		result := txn.Model(&database.ReviewCorrection{}).
			Where("id = ? AND status = ?", correctionId, database.CorrectionPending).
			Updates(map[string]any{
				"status":      database.CorrectionAccepted,
				"update_time": now,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to accept correction: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return &core.StateError{Op: "accept correction", Status: strings.ToLower(correction.Status)}
		}

		if err := txn.Model(&database.Annotation{}).
			Where("id = ?", annotation.Id).
			Updates(map[string]any{
				"payload":     correction.CorrectedData,
				"update_time": now,
				"version":     annotation.Version + 1,
			}).Error; err != nil {
			return fmt.Errorf("failed to apply corrected payload: %w", err)
		}

		correction.Status = database.CorrectionAccepted
		correction.UpdateTime = now

		_, err := s.dispatcher.Enqueue(ctx, txn, dispatch.Event{
			ProjectId:      annotation.ProjectId,
			AnnotationType: annotation.AnnotationType,
			ResourceId:     &annotation.ResourceId,
			AnnotationId:   &annotation.Id,
			TaskType:       dispatch.TaskCorrectionResolved,
			Payload: map[string]any{
				"annotation_id": annotation.Id,
				"correction_id": correction.Id,
				"resolution":    "accepted",
			},
		})
		return err
	})
	if err != nil {
		return database.ReviewCorrection{}, err
	}

	return correction, nil
}

// RejectCorrection declines a pending correction, keeping the annotation's
// payload as is. The annotator's response is recorded for the reviewer.
func (s *Store) RejectCorrection(ctx context.Context, p auth.Principal, correctionId uuid.UUID, response string) (database.ReviewCorrection, error) {
	var correction database.ReviewCorrection

	err := s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.First(&correction, "id = ?", correctionId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &core.NotFoundError{Kind: "correction"}
			}
			return fmt.Errorf("failed to load correction: %w", err)
		}

		var annotation database.Annotation
		if err := txn.First(&annotation, "id = ?", correction.AnnotationId).Error; err != nil {
			return fmt.Errorf("failed to load annotation: %w", err)
		}

		if !annotation.AnnotatorId.Valid || annotation.AnnotatorId.UUID != p.UserId {
			return core.Forbiddenf("only the original annotator may resolve corrections")
		}

		now := time.Now().UTC()

		result := txn.Model(&database.ReviewCorrection{}).
			Where("id = ? AND status = ?", correctionId, database.CorrectionPending).
			Updates(map[string]any{
				"status":             database.CorrectionRejected,
				"annotator_response": nullString(response),
				"update_time":        now,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to reject correction: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return &core.StateError{Op: "reject correction", Status: strings.ToLower(correction.Status)}
		}

		correction.Status = database.CorrectionRejected
		correction.AnnotatorResponse = nullString(response)
		correction.UpdateTime = now

		_, err := s.dispatcher.Enqueue(ctx, txn, dispatch.Event{
			ProjectId:      annotation.ProjectId,
			AnnotationType: annotation.AnnotationType,
			ResourceId:     &annotation.ResourceId,
			AnnotationId:   &annotation.Id,
			TaskType:       dispatch.TaskCorrectionResolved,
			Payload: map[string]any{
				"annotation_id": annotation.Id,
				"correction_id": correction.Id,
				"resolution":    "rejected",
			},
		})
		return err
	})
	if err != nil {
		return database.ReviewCorrection{}, err
	}

	return correction, nil
}
