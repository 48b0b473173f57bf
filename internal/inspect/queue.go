package inspect

import (
	"context"
	"sync"

	"github.com/sigma-snaken/sigma-patrol/internal/logging"
	"github.com/sigma-snaken/sigma-patrol/internal/model"
)

// DefaultQueueCapacity bounds the turbo queue. A full queue blocks the
// waypoint loop instead of growing without limit, so overload shows up as
// travel-time backpressure rather than memory pressure.
const DefaultQueueCapacity = 64

// Task is one queued inspection: the frame captured at a waypoint plus
// everything needed to produce and persist its result.
type Task struct {
	RunID        int64
	Waypoint     model.Waypoint
	Image        []byte
	ImagePath    string
	Prompt       string
	SystemPrompt string
}

// Handler processes one task to completion (inference + persist). It must
// not panic; errors are its own to record.
type Handler func(ctx context.Context, task Task)

// Queue is the turbo-mode pipeline: a single background worker consuming
// tasks FIFO. Results may therefore land out of waypoint order.
type Queue struct {
	tasks    chan Task
	handler  Handler
	logger   logging.Logger
	pending  sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewQueue starts the worker goroutine. capacity <= 0 uses the default.
func NewQueue(capacity int, handler Handler, logger logging.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		tasks:   make(chan Task, capacity),
		handler: handler,
		logger:  logging.OrNop(logger),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	go q.worker()
	return q
}

func (q *Queue) worker() {
	defer close(q.stopped)
	for task := range q.tasks {
		if q.ctx.Err() != nil {
			q.logger.Warn("turbo: abandoning %s, queue closed", task.Waypoint.Name)
			q.pending.Done()
			continue
		}
		q.logger.Info("turbo: processing %s", task.Waypoint.Name)
		q.handler(q.ctx, task)
		q.pending.Done()
	}
}

// Submit enqueues a task, blocking when the queue is full (backpressure on
// the waypoint loop) or until ctx is cancelled.
func (q *Queue) Submit(ctx context.Context, task Task) error {
	q.pending.Add(1)
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		q.pending.Done()
		return ctx.Err()
	}
}

// Drain blocks until every submitted task has been processed or ctx
// expires. The orchestrator calls this before composing the run summary so
// the report reflects every submitted inspection.
func (q *Queue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the in-flight task and abandons anything still queued,
// then waits for the worker to exit. Callers that want queued work to
// complete call Drain first; Close itself returns promptly regardless of
// backlog. The queue cannot be reused afterwards.
func (q *Queue) Close() {
	q.stopOnce.Do(func() {
		q.cancel()
		close(q.tasks)
	})
	<-q.stopped
}
