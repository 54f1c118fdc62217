package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Lanes exist purely for worker-side prioritization. Creation-type events go
// to the ingest lane, review-type events to the review lane, everything else
// to the default lane.
const (
	IngestLane  = "ingest_queue"
	ReviewLane  = "review_queue"
	DefaultLane = "default_queue"

	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5

	// Broker submission happens on the request path; a broker outage must
	// degrade request latency minimally rather than hang requests.
	PublishTimeout = 500 * time.Millisecond
)

func Lanes() []string {
	return []string{IngestLane, ReviewLane, DefaultLane}
}

// TaskMessage is the wire payload of one lifecycle event. The idempotency key
// is derived from the audit row id, so a redelivered message maps back to
// exactly one QueueTask row.
type TaskMessage struct {
	TaskId         uuid.UUID
	TaskType       string
	AnnotationType string
	ProjectId      uuid.UUID
	ResourceId     *uuid.UUID
	AnnotationId   *uuid.UUID
	IdempotencyKey string
	Payload        json.RawMessage
}

type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusStarted  JobStatus = "started"
	JobStatusFinished JobStatus = "finished"
	JobStatusFailed   JobStatus = "failed"
	JobStatusUnknown  JobStatus = "unknown"
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type Publisher interface {
	Publish(ctx context.Context, lane string, msg TaskMessage) (jobId string, err error)

	JobStatus(ctx context.Context, jobId string) JobStatus

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}

// CompletionReporter is the contract workers use to report back to the audit
// log. Implementations must be idempotent.
type CompletionReporter interface {
	MarkProcessing(ctx context.Context, taskId uuid.UUID) error

	Complete(ctx context.Context, taskId uuid.UUID) error

	Fail(ctx context.Context, taskId uuid.UUID, errorMessage string) error
}
