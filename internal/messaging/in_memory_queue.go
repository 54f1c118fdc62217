package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type inMemoryTask struct {
	lane    string
	payload []byte
}

func (t *inMemoryTask) Type() string {
	return t.lane
}

func (t *inMemoryTask) Payload() []byte {
	return t.payload
}

func (t *inMemoryTask) Ack() error {
	return nil
}

func (t *inMemoryTask) Nack() error {
	return nil
}

func (t *inMemoryTask) Reject() error {
	return nil
}

// InMemoryQueue is a broker stand-in for unit tests and local single-process
// mode. It tracks job statuses so status polling is testable.
type InMemoryQueue struct {
	mu       sync.Mutex
	tasks    chan Task
	statuses map[string]JobStatus

	// FailPublishes simulates an unreachable broker: Publish returns an error
	// while the rest of the system keeps running.
	FailPublishes bool
}

var (
	_ Publisher = (*InMemoryQueue)(nil)
	_ Receiver  = (*InMemoryQueue)(nil)
)

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		tasks:    make(chan Task, 100),
		statuses: make(map[string]JobStatus),
	}
}

func (q *InMemoryQueue) Publish(ctx context.Context, lane string, msg TaskMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.FailPublishes {
		return "", fmt.Errorf("broker unreachable")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	q.tasks <- &inMemoryTask{lane: lane, payload: data}
	q.statuses[msg.IdempotencyKey] = JobStatusQueued

	return msg.IdempotencyKey, nil
}

func (q *InMemoryQueue) JobStatus(ctx context.Context, jobId string) JobStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	if status, ok := q.statuses[jobId]; ok {
		return status
	}
	return JobStatusUnknown
}

func (q *InMemoryQueue) SetJobStatus(jobId string, status JobStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.statuses[jobId] = status
}

func (q *InMemoryQueue) Tasks() <-chan Task {
	return q.tasks
}

func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tasks != nil {
		close(q.tasks)
		q.tasks = nil
	}
}
