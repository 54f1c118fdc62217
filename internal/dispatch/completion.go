package dispatch

import (
	"context"
	"errors"

	"github.com/shadowrockzzz/labelling-platform-backend/internal/core"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/database"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/messaging"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Completion is the worker-facing side of the audit log. Audit rows only ever
// move forward from pending/processing to a terminal status; completing an
// already-done row is a no-op, not an error.
type Completion struct {
	db *gorm.DB
}

var _ messaging.CompletionReporter = (*Completion)(nil)

func NewCompletion(db *gorm.DB) *Completion {
	return &Completion{db: db}
}

func (c *Completion) MarkProcessing(ctx context.Context, taskId uuid.UUID) error {
	_, err := database.UpdateQueueTaskStatus(ctx, c.db, taskId, database.TaskProcessing, "")
	return err
}

func (c *Completion) Complete(ctx context.Context, taskId uuid.UUID) error {
	return c.terminate(ctx, taskId, database.TaskDone, "")
}

func (c *Completion) Fail(ctx context.Context, taskId uuid.UUID, errorMessage string) error {
	return c.terminate(ctx, taskId, database.TaskFailed, errorMessage)
}

func (c *Completion) terminate(ctx context.Context, taskId uuid.UUID, status, errorMessage string) error {
	updated, err := database.UpdateQueueTaskStatus(ctx, c.db, taskId, status, errorMessage)
	if err != nil {
		return err
	}
	if updated {
		return nil
	}

	// Nothing updated: either the row is already terminal (redelivery, fine)
	// or it does not exist at all.
	var task database.QueueTask
	if err := c.db.WithContext(ctx).First(&task, "id = ?", taskId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &core.NotFoundError{Kind: "queue task"}
		}
		return err
	}
	return nil
}
