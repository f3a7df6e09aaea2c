// ============================================================================
// Partition Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: runs partition tasks, one goroutine per Worker
//
// Loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Derive the task context from the submitter's context plus Timeout
//   3. Run the partition; a panic becomes the task's error
//   4. Deliver the result to task.Reply or the shared resultCh
//   5. Repeat until taskCh is closed
//
// Timeout Control:
//   - Each task has an independent Context
//   - Cancellation of the submitting context reaches the running task
//   - Timeout returns context.DeadlineExceeded
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/gpu-offload/pkg/types"
)

var log = slog.Default()

// envelope pairs a task with the context it was submitted under.
type envelope struct {
	ctx  context.Context
	task Task
}

// Worker represents a work execution unit
type Worker struct {
	id       int
	taskCh   <-chan envelope
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

func newWorker(id int, taskCh <-chan envelope, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for env := range w.taskCh {
		task := env.task
		start := time.Now()

		ctx, cancel := env.ctx, context.CancelFunc(func() {})
		if task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		}
		rows, err := w.execute(ctx, task)
		cancel()

		result := Result{
			TaskID:    task.ID,
			Partition: task.Partition,
			Rows:      rows,
			Success:   err == nil,
			Error:     err,
			Duration:  time.Since(start),
		}
		if err != nil {
			log.Debug("partition task failed", "worker", w.id, "task", task.ID, "partition", task.Partition, "error", err)
		}

		if task.Reply != nil {
			task.Reply <- result
			continue
		}
		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			log.Warn("dropping result of stopped pool", "task", task.ID, "partition", task.Partition)
		}
	}
}

// execute runs the task, turning a panic into an error
func (w *Worker) execute(ctx context.Context, task Task) (rows []types.Row, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("partition %d panicked: %v", task.Partition, r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return task.Run(ctx)
}
