// Package scheduler implements per-BranchKey FIFO task queues with
// unbounded parallelism across distinct keys: a worker is spawned on
// first enqueue for a key and torn down once its queue drains.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/go-logr/logr"

	"github.com/ConfigButler/dispatcher/internal/event"
	"github.com/ConfigButler/dispatcher/internal/task"
)

// ErrShuttingDown is returned by Enqueue once Shutdown has begun.
var ErrShuttingDown = errors.New("scheduler is shutting down")

// Handler runs one Task to completion (checkout, manifest load,
// build, execute, notify). It is called once per dequeued Task, never
// concurrently with another Handler call for the same key.
type Handler func(ctx context.Context, t *task.Task)

// Metrics receives scheduler-observed measurements. Implementations
// must be safe for concurrent use; a nil Metrics is a valid no-op.
type Metrics interface {
	SetQueueDepth(key string, depth int)
}

type noopMetrics struct{}

func (noopMetrics) SetQueueDepth(string, int) {}

// Scheduler owns the key -> queue map described in spec.md §4.G. Its
// mutex guards only that map (O(1) operations); all I/O happens
// inside Handler, outside the mutex.
type Scheduler struct {
	handler Handler
	log     logr.Logger
	metrics Metrics
	ctx     context.Context

	mu       sync.Mutex
	queues   map[event.Key][]*task.Task
	draining bool
	wg       sync.WaitGroup
}

// New builds a Scheduler that dispatches dequeued tasks to handler.
// ctx is the base context passed to every Handler call; cancelling it
// is the caller's signal to stop in-flight subprocess work, but
// Scheduler itself never cancels it on Shutdown (shutdown drains
// rather than forcing termination, per spec.md §5).
func New(ctx context.Context, handler Handler, metrics Metrics, log logr.Logger) *Scheduler {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Scheduler{
		handler: handler,
		log:     log.WithName("scheduler"),
		metrics: metrics,
		ctx:     ctx,
		queues:  make(map[event.Key][]*task.Task),
	}
}

// Enqueue appends t to its key's queue, creating the queue and
// spawning its worker if this is the first task for that key.
func (s *Scheduler) Enqueue(t *task.Task) error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return ErrShuttingDown
	}

	key := t.Key
	queue, exists := s.queues[key]
	s.queues[key] = append(queue, t)
	depth := len(s.queues[key])
	s.mu.Unlock()

	s.metrics.SetQueueDepth(key.String(), depth)

	if !exists {
		s.wg.Add(1)
		go s.runWorker(key)
	}
	return nil
}

// runWorker drains key's queue FIFO, re-checking under the mutex
// after each task: if the queue is empty it removes the entry and
// returns, so no idle worker lingers and no two workers ever own the
// same key at once.
func (s *Scheduler) runWorker(key event.Key) {
	defer s.wg.Done()
	log := s.log.WithValues("key", key.String())

	for {
		s.mu.Lock()
		queue := s.queues[key]
		if len(queue) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			s.metrics.SetQueueDepth(key.String(), 0)
			return
		}
		next := queue[0]
		s.queues[key] = queue[1:]
		depth := len(s.queues[key])
		s.mu.Unlock()

		s.metrics.SetQueueDepth(key.String(), depth)

		log.V(1).Info("dequeued task", "task_id", next.ID)
		s.handler(s.ctx, next)
	}
}

// Shutdown stops accepting new tasks and blocks until every in-flight
// worker has drained its queue, or ctx is done first.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
