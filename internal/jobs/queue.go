// Package jobs provides the in-process background machinery: a worker-pool
// job queue for deadline-fallback generation work and a periodic maintenance
// sweeper for stale sessions.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueFull is returned by Enqueue when the backlog is at capacity.
var ErrQueueFull = errors.New("job queue full")

// ErrQueueStopped is returned by Enqueue after Stop has been called.
var ErrQueueStopped = errors.New("job queue stopped")

type job struct {
	id   string
	name string
	fn   func(context.Context) error
}

// Queue runs enqueued closures on a fixed pool of worker goroutines. Jobs
// carry no payload of their own: callers close over whatever state the work
// needs, which keeps the queue ignorant of every domain type.
type Queue struct {
	jobs    chan job
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	stopped bool
}

// NewQueue creates a queue with the given worker count and backlog capacity
// and starts its workers.
func NewQueue(workers, backlog int) *Queue {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		jobs:   make(chan job, backlog),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	return q
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()
	for j := range q.jobs {
		start := time.Now()
		slog.Info("job started", "worker", n, "job_id", j.id, "job", j.name)
		if err := j.fn(q.ctx); err != nil {
			slog.Error("job failed", "job_id", j.id, "job", j.name, "error", err,
				"duration", time.Since(start))
			continue
		}
		slog.Info("job finished", "job_id", j.id, "job", j.name, "duration", time.Since(start))
	}
}

// Enqueue submits a closure for background execution and returns its job
// handle. It never blocks: a full backlog is an error the caller must
// surface.
func (q *Queue) Enqueue(name string, fn func(context.Context) error) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return "", ErrQueueStopped
	}

	j := job{id: uuid.NewString(), name: name, fn: fn}
	select {
	case q.jobs <- j:
		return j.id, nil
	default:
		return "", fmt.Errorf("enqueue %s: %w", name, ErrQueueFull)
	}
}

// Stop closes the queue and waits for the workers to drain the backlog.
// Queued jobs run to completion with a live context; it is cancelled only
// once the last worker exits.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
}
