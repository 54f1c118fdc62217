package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
)

// Handler executes the side effect for one lifecycle event. Delivery is
// at-least-once, so handlers must be idempotent; the payload is the single
// source of truth for what happened.
type Handler func(ctx context.Context, msg TaskMessage) error

type Worker struct {
	Receiver    Receiver
	Completion  CompletionReporter
	Handlers    map[string]Handler
	Concurrency int
	WaitGroup   *sync.WaitGroup
}

func (w *Worker) Start(ctx context.Context) {
	n := w.Concurrency
	if n <= 0 {
		n = runtime.NumCPU()
		slog.Info("worker concurrency not specified, defaulting to cpu count", "concurrency", n)
	}

	w.WaitGroup.Add(n)
	for i := 0; i < n; i++ {
		go w.run(ctx, i)
	}
	slog.Info("worker instances started", "count", n)
}

func (w *Worker) run(ctx context.Context, id int) {
	defer w.WaitGroup.Done()

	for {
		select {
		case task, ok := <-w.Receiver.Tasks():
			if !ok {
				slog.Info("task channel closed, stopping worker", "worker", id)
				return
			}
			w.process(ctx, id, task)
		case <-ctx.Done():
			slog.Info("context cancelled, stopping worker", "worker", id)
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, id int, task Task) {
	var msg TaskMessage
	if err := json.Unmarshal(task.Payload(), &msg); err != nil {
		slog.Error("malformed task payload, rejecting", "worker", id, "lane", task.Type(), "error", err)
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting task", "worker", id, "error", err)
		}
		return
	}

	slog.Info("processing task", "worker", id, "task_id", msg.TaskId, "task_type", msg.TaskType, "lane", task.Type())

	if err := w.Completion.MarkProcessing(ctx, msg.TaskId); err != nil {
		// Audit update failures are not fatal to the side effect itself.
		slog.Error("error marking task processing", "task_id", msg.TaskId, "error", err)
	}

	handler, ok := w.Handlers[msg.TaskType]
	if !ok {
		w.finish(ctx, task, msg, fmt.Errorf("no handler registered for task type %s", msg.TaskType))
		return
	}

	w.finish(ctx, task, msg, handler(ctx, msg))
}

func (w *Worker) finish(ctx context.Context, task Task, msg TaskMessage, handlerErr error) {
	if handlerErr != nil {
		slog.Error("task handler failed", "task_id", msg.TaskId, "task_type", msg.TaskType, "error", handlerErr)
		if err := w.Completion.Fail(ctx, msg.TaskId, handlerErr.Error()); err != nil {
			slog.Error("error recording task failure", "task_id", msg.TaskId, "error", err)
		}
		if err := task.Nack(); err != nil {
			slog.Error("error nacking task", "task_id", msg.TaskId, "error", err)
		}
		return
	}

	if err := w.Completion.Complete(ctx, msg.TaskId); err != nil {
		slog.Error("error recording task completion", "task_id", msg.TaskId, "error", err)
	}
	if err := task.Ack(); err != nil {
		slog.Error("error acking task", "task_id", msg.TaskId, "error", err)
	}
}
