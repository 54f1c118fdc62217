package database

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UpdateQueueTaskStatus moves an audit row to the given status, stamping the
// processed time on terminal statuses. The update is conditional on the row
// not already being terminal, so a redelivered completion is a no-op.
func UpdateQueueTaskStatus(ctx context.Context, txn *gorm.DB, taskId uuid.UUID, status string, errorMessage string) (bool, error) {
	updates := map[string]any{"status": status}
	if status == TaskDone || status == TaskFailed {
		updates["processed_time"] = time.Now().UTC()
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}

	res := txn.WithContext(ctx).
		Model(&QueueTask{}).
		Where("id = ? AND status NOT IN ?", taskId, []string{TaskDone, TaskFailed}).
		Updates(updates)
	if res.Error != nil {
		slog.Error("error updating queue task status", "task_id", taskId, "status", status, "error", res.Error)
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func SetQueueTaskBrokerJob(ctx context.Context, txn *gorm.DB, taskId uuid.UUID, jobId string) error {
	if err := txn.WithContext(ctx).
		Model(&QueueTask{}).
		Where("id = ?", taskId).
		Update("broker_job_id", jobId).Error; err != nil {
		slog.Error("error storing broker job id", "task_id", taskId, "job_id", jobId, "error", err)
		return err
	}
	return nil
}
