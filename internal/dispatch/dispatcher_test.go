package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/shadowrockzzz/labelling-platform-backend/internal/core"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/database"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/dispatch"
	"github.com/shadowrockzzz/labelling-platform-backend/internal/messaging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())
	return db
}

func testEvent() dispatch.Event {
	resourceId := uuid.New()
	return dispatch.Event{
		ProjectId:      uuid.New(),
		AnnotationType: core.AnnotationTypeText,
		ResourceId:     &resourceId,
		TaskType:       dispatch.TaskResourceUploaded,
		Payload:        map[string]any{"resource_id": resourceId},
	}
}

func TestEnqueueCreatesAuditRowAndPublishes(t *testing.T) {
	db := createDB(t)
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	d := dispatch.NewDispatcher(db, queue, dispatch.DefaultRoutes())

	handle, err := d.Enqueue(context.Background(), nil, testEvent())
	require.NoError(t, err)
	assert.Equal(t, database.TaskPending, handle.Status)
	assert.NotEmpty(t, handle.BrokerJobId)

	var task database.QueueTask
	require.NoError(t, db.First(&task, "id = ?", handle.TaskId).Error)
	assert.Equal(t, database.TaskPending, task.Status)
	assert.Equal(t, handle.BrokerJobId, task.BrokerJobId.String)

	// The message is on the ingest lane, carrying the idempotency key.
	select {
	case received := <-queue.Tasks():
		assert.Equal(t, messaging.IngestLane, received.Type())
	default:
		t.Fatal("no message published")
	}

	assert.Equal(t, messaging.JobStatusQueued, d.BrokerJobStatus(context.Background(), &task))
}

func TestEnqueueSurvivesBrokerOutage(t *testing.T) {
	db := createDB(t)
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()
	queue.FailPublishes = true

	d := dispatch.NewDispatcher(db, queue, dispatch.DefaultRoutes())

	// The caller sees success even though the broker is down.
	handle, err := d.Enqueue(context.Background(), nil, testEvent())
	require.NoError(t, err)
	assert.Empty(t, handle.BrokerJobId)

	var task database.QueueTask
	require.NoError(t, db.First(&task, "id = ?", handle.TaskId).Error)
	assert.Equal(t, database.TaskPending, task.Status)
	assert.False(t, task.BrokerJobId.Valid)

	assert.Equal(t, messaging.JobStatusUnknown, d.BrokerJobStatus(context.Background(), &task))
}

func TestEnqueueOneRowPerCall(t *testing.T) {
	db := createDB(t)
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	d := dispatch.NewDispatcher(db, queue, dispatch.DefaultRoutes())

	for i := 0; i < 3; i++ {
		_, err := d.Enqueue(context.Background(), nil, testEvent())
		require.NoError(t, err)
	}

	var count int64
	require.NoError(t, db.Model(&database.QueueTask{}).Count(&count).Error)
	assert.EqualValues(t, 3, count)
}

func TestReconcilePendingResubmits(t *testing.T) {
	db := createDB(t)
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()
	queue.FailPublishes = true

	d := dispatch.NewDispatcher(db, queue, dispatch.DefaultRoutes())

	handle, err := d.Enqueue(context.Background(), nil, testEvent())
	require.NoError(t, err)

	// Backdate the row past the reconciliation threshold.
	require.NoError(t, db.Model(&database.QueueTask{}).
		Where("id = ?", handle.TaskId).
		Update("creation_time", time.Now().UTC().Add(-time.Hour)).Error)

	// Broker still down: sweep finds the row but cannot resubmit.
	n, err := d.ReconcilePending(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Broker back up: sweep resubmits and records the job id.
	queue.FailPublishes = false
	n, err = d.ReconcilePending(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var task database.QueueTask
	require.NoError(t, db.First(&task, "id = ?", handle.TaskId).Error)
	assert.True(t, task.BrokerJobId.Valid)
	assert.Equal(t,
		dispatch.IdempotencyKey(task.TaskType, task.AnnotationType, task.Id),
		task.BrokerJobId.String)

	// Fresh pending rows are left alone.
	n, err = d.ReconcilePending(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCompletionIsIdempotent(t *testing.T) {
	db := createDB(t)
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	d := dispatch.NewDispatcher(db, queue, dispatch.DefaultRoutes())
	c := dispatch.NewCompletion(db)
	ctx := context.Background()

	handle, err := d.Enqueue(ctx, nil, testEvent())
	require.NoError(t, err)

	require.NoError(t, c.MarkProcessing(ctx, handle.TaskId))

	var task database.QueueTask
	require.NoError(t, db.First(&task, "id = ?", handle.TaskId).Error)
	assert.Equal(t, database.TaskProcessing, task.Status)

	require.NoError(t, c.Complete(ctx, handle.TaskId))

	require.NoError(t, db.First(&task, "id = ?", handle.TaskId).Error)
	assert.Equal(t, database.TaskDone, task.Status)
	assert.True(t, task.ProcessedTime.Valid)
	firstProcessed := task.ProcessedTime.Time

	// Redelivered completions and late failures are swallowed without
	// touching the terminal row.
	require.NoError(t, c.Complete(ctx, handle.TaskId))
	require.NoError(t, c.Fail(ctx, handle.TaskId, "late failure"))

	require.NoError(t, db.First(&task, "id = ?", handle.TaskId).Error)
	assert.Equal(t, database.TaskDone, task.Status)
	assert.Equal(t, firstProcessed.Unix(), task.ProcessedTime.Time.Unix())
	assert.False(t, task.ErrorMessage.Valid)
}

func TestCompletionFailRecordsError(t *testing.T) {
	db := createDB(t)
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	d := dispatch.NewDispatcher(db, queue, dispatch.DefaultRoutes())
	c := dispatch.NewCompletion(db)
	ctx := context.Background()

	handle, err := d.Enqueue(ctx, nil, testEvent())
	require.NoError(t, err)

	require.NoError(t, c.Fail(ctx, handle.TaskId, "handler blew up"))

	var task database.QueueTask
	require.NoError(t, db.First(&task, "id = ?", handle.TaskId).Error)
	assert.Equal(t, database.TaskFailed, task.Status)
	assert.Equal(t, "handler blew up", task.ErrorMessage.String)
}

func TestCompletionUnknownTask(t *testing.T) {
	db := createDB(t)
	c := dispatch.NewCompletion(db)

	err := c.Complete(context.Background(), uuid.New())
	var nerr *core.NotFoundError
	assert.ErrorAs(t, err, &nerr)
}

func TestListTasks(t *testing.T) {
	db := createDB(t)
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	d := dispatch.NewDispatcher(db, queue, dispatch.DefaultRoutes())
	ctx := context.Background()

	event := testEvent()
	first, err := d.Enqueue(ctx, nil, event)
	require.NoError(t, err)

	second, err := d.Enqueue(ctx, nil, dispatch.Event{
		ProjectId:      event.ProjectId,
		AnnotationType: core.AnnotationTypeImage,
		TaskType:       dispatch.TaskAnnotationCreated,
	})
	require.NoError(t, err)

	all, err := d.ListTasks(ctx, event.ProjectId, dispatch.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	text, err := d.ListTasks(ctx, event.ProjectId, dispatch.TaskFilter{AnnotationType: core.AnnotationTypeText})
	require.NoError(t, err)
	require.Len(t, text, 1)
	assert.Equal(t, first.TaskId, text[0].Id)

	c := dispatch.NewCompletion(db)
	require.NoError(t, c.Complete(ctx, first.TaskId))

	pending, err := d.ListPendingTasks(ctx, event.ProjectId, "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.TaskId, pending[0].Id)
}
