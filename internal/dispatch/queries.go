package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/shadowrockzzz/labelling-platform-backend/internal/core"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TaskFilter narrows ListTasks. Zero values mean no filter.
type TaskFilter struct {
	AnnotationType string
	Status         string
	Limit          int
}

// ListTasks returns the audit rows for a project, newest first.
func (d *Dispatcher) ListTasks(ctx context.Context, projectId uuid.UUID, filter TaskFilter) ([]database.QueueTask, error) {
	query := d.db.WithContext(ctx).Where("project_id = ?", projectId)

	if filter.AnnotationType != "" {
		query = query.Where("annotation_type = ?", filter.AnnotationType)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	limit := filter.Limit
	if limit < 1 || limit > 500 {
		limit = 100
	}

	var tasks []database.QueueTask
	if err := query.Order("creation_time desc").Limit(limit).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list queue tasks: %w", err)
	}
	return tasks, nil
}

// ListPendingTasks returns unprocessed rows for a project, oldest first, the
// order a manual reconciliation would work through them.
func (d *Dispatcher) ListPendingTasks(ctx context.Context, projectId uuid.UUID, annotationType string) ([]database.QueueTask, error) {
	query := d.db.WithContext(ctx).
		Where("project_id = ? AND status IN ?", projectId,
			[]string{database.TaskPending, database.TaskProcessing})

	if annotationType != "" {
		query = query.Where("annotation_type = ?", annotationType)
	}

	var tasks []database.QueueTask
	if err := query.Order("creation_time asc").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending queue tasks: %w", err)
	}
	return tasks, nil
}

func (d *Dispatcher) GetTask(ctx context.Context, taskId uuid.UUID) (database.QueueTask, error) {
	var task database.QueueTask
	if err := d.db.WithContext(ctx).First(&task, "id = ?", taskId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.QueueTask{}, &core.NotFoundError{Kind: "queue task"}
		}
		return database.QueueTask{}, fmt.Errorf("failed to load queue task: %w", err)
	}
	return task, nil
}
