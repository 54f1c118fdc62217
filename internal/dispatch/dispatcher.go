// Package dispatch owns the QueueTask audit log and the handoff of lifecycle
// events to the broker. The audit row is written first and is the store of
// record; broker submission is best effort and its failure is never surfaced
// to the caller as a request failure (outbox pattern, reconciled by sweep).
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shadowrockzzz/labelling-platform-backend/internal/database"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/messaging"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Lifecycle event task types.
const (
	TaskResourceUploaded    string = "resource_uploaded"
	TaskResourceURLAdded    string = "resource_url_added"
	TaskAnnotationCreated   string = "annotation_created"
	TaskAnnotationSubmitted string = "annotation_submitted"
	TaskAnnotationReviewed  string = "annotation_reviewed"
	TaskCorrectionProposed  string = "correction_proposed"
	TaskCorrectionResolved  string = "correction_resolved"
	TaskExportRequested     string = "export_requested"
)

// DefaultRoutes maps task types to broker lanes. The table is supplied at
// construction, not discovered per call site.
func DefaultRoutes() map[string]string {
	return map[string]string{
		TaskResourceUploaded:    messaging.IngestLane,
		TaskResourceURLAdded:    messaging.IngestLane,
		TaskAnnotationCreated:   messaging.IngestLane,
		TaskAnnotationSubmitted: messaging.ReviewLane,
		TaskAnnotationReviewed:  messaging.ReviewLane,
		TaskCorrectionProposed:  messaging.ReviewLane,
		TaskCorrectionResolved:  messaging.ReviewLane,
		TaskExportRequested:     messaging.DefaultLane,
	}
}

type Event struct {
	ProjectId      uuid.UUID
	AnnotationType string
	ResourceId     *uuid.UUID
	AnnotationId   *uuid.UUID
	TaskType       string
	Payload        map[string]any
}

type TaskHandle struct {
	TaskId      uuid.UUID
	Status      string
	TaskType    string
	BrokerJobId string
}

type Dispatcher struct {
	db        *gorm.DB
	publisher messaging.Publisher
	routes    map[string]string
}

func NewDispatcher(db *gorm.DB, publisher messaging.Publisher, routes map[string]string) *Dispatcher {
	r := make(map[string]string, len(routes))
	for taskType, lane := range routes {
		r[taskType] = lane
	}
	return &Dispatcher{db: db, publisher: publisher, routes: r}
}

// IdempotencyKey derives the broker message id from the audit row, so a
// redelivered message maps back to exactly one QueueTask row.
func IdempotencyKey(taskType, annotationType string, taskId uuid.UUID) string {
	return fmt.Sprintf("%s_%s_%s", taskType, annotationType, taskId)
}

// Enqueue durably records a lifecycle event and attempts to hand it to the
// broker. The audit row is created on txn when given (same atomic unit as the
// triggering mutation), otherwise on the dispatcher's own connection. Broker
// failure leaves the row pending and still returns a handle with no error.
func (d *Dispatcher) Enqueue(ctx context.Context, txn *gorm.DB, event Event) (TaskHandle, error) {
	if txn == nil {
		txn = d.db
	}

	lane, ok := d.routes[event.TaskType]
	if !ok {
		lane = messaging.DefaultLane
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return TaskHandle{}, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	task := database.QueueTask{
		Id:             uuid.New(),
		ProjectId:      event.ProjectId,
		AnnotationType: event.AnnotationType,
		ResourceId:     toNullUUID(event.ResourceId),
		AnnotationId:   toNullUUID(event.AnnotationId),
		TaskType:       event.TaskType,
		Status:         database.TaskPending,
		Payload:        datatypes.JSON(body),
		CreationTime:   time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&task).Error; err != nil {
		return TaskHandle{}, fmt.Errorf("failed to create queue task: %w", err)
	}

	handle := TaskHandle{TaskId: task.Id, Status: database.TaskPending, TaskType: event.TaskType}

	jobId, err := d.submit(ctx, lane, task)
	if err != nil {
		// Queueing failures are never surfaced as request failures. The row
		// stays pending for the reconciliation sweep.
		slog.Error("broker submission failed, audit row left pending",
			"task_id", task.Id, "task_type", event.TaskType, "lane", lane, "error", err)
		return handle, nil
	}

	if err := database.SetQueueTaskBrokerJob(ctx, txn, task.Id, jobId); err == nil {
		handle.BrokerJobId = jobId
	}

	slog.Info("enqueued lifecycle event",
		"task_id", task.Id, "task_type", event.TaskType, "lane", lane, "project_id", event.ProjectId)

	return handle, nil
}

func (d *Dispatcher) submit(ctx context.Context, lane string, task database.QueueTask) (string, error) {
	msg := messaging.TaskMessage{
		TaskId:         task.Id,
		TaskType:       task.TaskType,
		AnnotationType: task.AnnotationType,
		ProjectId:      task.ProjectId,
		ResourceId:     fromNullUUID(task.ResourceId),
		AnnotationId:   fromNullUUID(task.AnnotationId),
		IdempotencyKey: IdempotencyKey(task.TaskType, task.AnnotationType, task.Id),
		Payload:        json.RawMessage(task.Payload),
	}

	return d.publisher.Publish(ctx, lane, msg)
}

// ReconcilePending re-submits pending audit rows older than the threshold.
// Redelivery is safe: the idempotency key maps back to the same row and
// handlers are idempotent.
func (d *Dispatcher) ReconcilePending(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var stale []database.QueueTask
	if err := d.db.WithContext(ctx).
		Where("status = ? AND creation_time < ?", database.TaskPending, cutoff).
		Order("creation_time asc").
		Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("failed to query stale pending tasks: %w", err)
	}

	resubmitted := 0
	for _, task := range stale {
		lane, ok := d.routes[task.TaskType]
		if !ok {
			lane = messaging.DefaultLane
		}

		jobId, err := d.submit(ctx, lane, task)
		if err != nil {
			slog.Warn("reconcile resubmission failed", "task_id", task.Id, "lane", lane, "error", err)
			continue
		}

		if err := database.SetQueueTaskBrokerJob(ctx, d.db, task.Id, jobId); err != nil {
			continue
		}
		resubmitted++
	}

	if resubmitted > 0 {
		slog.Info("reconciled pending queue tasks", "count", resubmitted)
	}
	return resubmitted, nil
}

// BrokerJobStatus reports the live broker status for an audit row, falling
// back to unknown when the row never reached the broker.
func (d *Dispatcher) BrokerJobStatus(ctx context.Context, task *database.QueueTask) messaging.JobStatus {
	if !task.BrokerJobId.Valid {
		return messaging.JobStatusUnknown
	}
	return d.publisher.JobStatus(ctx, task.BrokerJobId.String)
}

func toNullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func fromNullUUID(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	u := id.UUID
	return &u
}
