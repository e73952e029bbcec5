// Package worker schedules recursive worker tasks over chunks with bounded
// parallelism. Failures are contained at the task boundary: a task that
// exhausts its retries yields a zero-confidence placeholder result instead
// of aborting its siblings.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianlabs/fathom/internal/metrics"
	"github.com/meridianlabs/fathom/internal/workspace"
)

// Task is one unit of recursive work. Tasks are consumed exactly once; a
// retry mints a new WorkerID at the same depth and chunk.
type Task struct {
	WorkerID string
	Depth    int
	// Chunk is absent when the task consumes the whole remaining context.
	Chunk    *workspace.Chunk
	SubQuery string
}

// NewTask creates a task with a fresh worker id.
func NewTask(depth int, chunk *workspace.Chunk, subQuery string) Task {
	return Task{
		WorkerID: uuid.New().String(),
		Depth:    depth,
		Chunk:    chunk,
		SubQuery: subQuery,
	}
}

func (t Task) chunkIndex() int {
	if t.Chunk == nil {
		return 0
	}
	return t.Chunk.Index
}

// ExecuteFunc runs one task to a structured result. The engine supplies the
// recursive resolution logic; the coordinator only schedules.
type ExecuteFunc func(ctx context.Context, task Task) (workspace.WorkerResult, error)

// Outcome pairs a task with its result. Err is set when the task failed
// terminally; Result is then a placeholder the aggregator can still fold.
type Outcome struct {
	Task   Task
	Result workspace.WorkerResult
	Err    error
}

// Options configures a coordinator.
type Options struct {
	// MaxParallelism bounds concurrently running tasks; defaults to 8.
	MaxParallelism int
	// MaxRetries is the per-task retry count after the first attempt.
	MaxRetries int
	// TaskTimeout is the per-attempt wall-time limit. Zero disables the
	// coordinator-level timeout; the engine then bounds inference calls
	// itself, since a recursing task legitimately suspends while waiting
	// on its children.
	TaskTimeout time.Duration
}

// Coordinator runs task batches. Excess tasks queue in creation order.
type Coordinator struct {
	opts   Options
	logger *zap.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxParallelism <= 0 {
		opts.MaxParallelism = 8
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Coordinator{opts: opts, logger: logger}
}

// Dispatch runs all tasks and returns their outcomes in task order. All
// tasks of a batch are dispatched together; completion order is undefined
// but the returned slice is index-aligned with the input. On context
// cancellation, unstarted tasks are not dispatched and in-flight tasks
// finish cooperatively; their outcomes carry the context error.
func (c *Coordinator) Dispatch(ctx context.Context, tasks []Task, execute ExecuteFunc) []Outcome {
	outcomes := make([]Outcome, len(tasks))
	if len(tasks) == 0 {
		return outcomes
	}

	parallelism := c.opts.MaxParallelism
	if parallelism > len(tasks) {
		parallelism = len(tasks)
	}

	// FIFO queue: workers pull the next index in creation order.
	queue := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < parallelism; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range queue {
				outcomes[idx] = c.runTask(ctx, tasks[idx], execute)
			}
		}()
	}

feed:
	for i := range tasks {
		select {
		case queue <- i:
		case <-ctx.Done():
			// Stop dispatching queued tasks; mark the rest cancelled.
			for j := i; j < len(tasks); j++ {
				if outcomes[j].Task.WorkerID == "" {
					outcomes[j] = Outcome{
						Task:   tasks[j],
						Result: placeholderResult(tasks[j]),
						Err:    ctx.Err(),
					}
				}
			}
			break feed
		}
	}
	close(queue)
	wg.Wait()
	return outcomes
}

// runTask executes one task with timeout and retry. Timeouts are treated
// identically to failures for retry and placeholder purposes.
func (c *Coordinator) runTask(ctx context.Context, task Task, execute ExecuteFunc) Outcome {
	var lastErr error
	current := task
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return Outcome{Task: current, Result: placeholderResult(current), Err: ctx.Err()}
		}
		if attempt > 0 {
			// A retry is a new task at the same depth and chunk.
			current = NewTask(task.Depth, task.Chunk, task.SubQuery)
			metrics.WorkerRetries.Inc()
			c.logger.Debug("Retrying worker task",
				zap.String("worker_id", current.WorkerID),
				zap.Int("depth", current.Depth),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		}

		attemptCtx := ctx
		cancel := func() {}
		if c.opts.TaskTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, c.opts.TaskTimeout)
		}
		start := time.Now()
		result, err := execute(attemptCtx, current)
		cancel()

		if err == nil {
			result.WorkerID = current.WorkerID
			result.Depth = current.Depth
			result.ChunkIndex = current.chunkIndex()
			metrics.RecordWorker("ok", current.Depth, time.Since(start).Seconds())
			return Outcome{Task: current, Result: result}
		}
		lastErr = err
		metrics.RecordWorker("error", current.Depth, time.Since(start).Seconds())
	}

	c.logger.Warn("Worker task failed after retries",
		zap.String("worker_id", current.WorkerID),
		zap.Int("depth", current.Depth),
		zap.Int("chunk_index", current.chunkIndex()),
		zap.Error(lastErr),
	)
	return Outcome{Task: current, Result: placeholderResult(current), Err: lastErr}
}

// placeholderResult lets the aggregator proceed with partial data rather
// than stalling the subtree.
func placeholderResult(task Task) workspace.WorkerResult {
	return workspace.WorkerResult{
		WorkerID:   task.WorkerID,
		Depth:      task.Depth,
		ChunkIndex: task.chunkIndex(),
		Findings:   nil,
		Answer:     nil,
		Confidence: 0,
		Failed:     true,
	}
}
