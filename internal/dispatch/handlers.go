package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/shadowrockzzz/labelling-platform-backend/internal/core"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/database"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/messaging"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/storage"

	"gorm.io/gorm"
)

// Handlers builds the task-type → handler registry for the worker process.
// The interesting side effect is export generation; the notification and
// pre-processing handlers only record that the event reached a worker, which
// is all the lifecycle contract requires of them.
func Handlers(db *gorm.DB, objects storage.Provider, bucket string) map[string]messaging.Handler {
	notify := func(ctx context.Context, msg messaging.TaskMessage) error {
		slog.Info("lifecycle notification",
			"task_type", msg.TaskType, "annotation_type", msg.AnnotationType,
			"project_id", msg.ProjectId, "annotation_id", msg.AnnotationId)
		return nil
	}

	return map[string]messaging.Handler{
		TaskResourceUploaded:    notify,
		TaskResourceURLAdded:    notify,
		TaskAnnotationCreated:   notify,
		TaskAnnotationSubmitted: notify,
		TaskAnnotationReviewed:  notify,
		TaskCorrectionProposed:  notify,
		TaskCorrectionResolved:  notify,
		TaskExportRequested: func(ctx context.Context, msg messaging.TaskMessage) error {
			return generateExport(ctx, db, objects, bucket, msg)
		},
	}
}

// generateExport regenerates the canonical export document for an approved
// annotation. Safe to run on redelivery: the document is rebuilt from the
// stored payload and overwrites the same key.
func generateExport(ctx context.Context, db *gorm.DB, objects storage.Provider, bucket string, msg messaging.TaskMessage) error {
	if msg.AnnotationId == nil {
		return fmt.Errorf("export task %s has no annotation reference", msg.TaskId)
	}

	var annotation database.Annotation
	if err := db.WithContext(ctx).First(&annotation, "id = ?", *msg.AnnotationId).Error; err != nil {
		return fmt.Errorf("failed to load annotation %s: %w", *msg.AnnotationId, err)
	}

	if annotation.Status != database.AnnotationApproved {
		return &core.StateError{Op: "export", Status: annotation.Status}
	}

	doc, err := core.BuildExportDocument(core.ExportInput{
		AnnotationId:   annotation.Id,
		ProjectId:      annotation.ProjectId,
		ResourceId:     annotation.ResourceId,
		AnnotationType: annotation.AnnotationType,
		SubType:        annotation.SubType,
		Status:         annotation.Status,
		CreationTime:   annotation.CreationTime,
		Payload:        annotation.Payload,
	})
	if err != nil {
		return err
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal export document: %w", err)
	}

	key := core.ExportKey(annotation.ProjectId, annotation.AnnotationType, annotation.Id)
	if err := objects.PutObject(ctx, bucket, key, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("failed to store export document: %w", err)
	}

	if err := db.WithContext(ctx).
		Model(&database.Annotation{}).
		Where("id = ?", annotation.Id).
		Update("output_key", key).Error; err != nil {
		return fmt.Errorf("failed to record export key: %w", err)
	}

	slog.Info("export document generated", "annotation_id", annotation.Id, "key", key)
	return nil
}
