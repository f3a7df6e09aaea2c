package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/gpu-offload/pkg/types"
)

// TaskFunc computes one partition.
type TaskFunc func(ctx context.Context) ([]types.Row, error)

// Task is one partition attempt.
type Task struct {
	ID        string        // attempt id, unique per submission
	Partition int           // partition index
	Run       TaskFunc      // work to execute
	Timeout   time.Duration // 0 means no deadline beyond the submit context

	// Reply receives the result when set; otherwise it goes to the shared
	// result channel read by ReceiveResult. It must have room for the result.
	Reply chan<- Result
}

// Result is the outcome of a Task.
type Result struct {
	TaskID    string
	Partition int
	Rows      []types.Row
	Success   bool
	Error     error
	Duration  time.Duration
}
