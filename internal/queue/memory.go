package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryQueue is an in-process worker pool backed by a buffered channel.
type MemoryQueue struct {
	workers     int
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger

	tasks     chan Task
	closeOnce sync.Once
	done      chan struct{}
}

// NewMemory creates a pool of workers draining a buffer of size buffer.
func NewMemory(workers, buffer int, logger *slog.Logger) *MemoryQueue {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryQueue{
		workers:     workers,
		maxAttempts: DefaultMaxAttempts,
		backoff:     100 * time.Millisecond,
		logger:      logger,
		tasks:       make(chan Task, buffer),
		done:        make(chan struct{}),
	}
}

var _ Queue = (*MemoryQueue)(nil)

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.tasks <- task:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Run(ctx context.Context, handle Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case task := <-q.tasks:
					q.process(ctx, worker, task, handle)
				}
			}
		}(i)
	}
	wg.Wait()
	return nil
}

func (q *MemoryQueue) process(ctx context.Context, worker int, task Task, handle Handler) {
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		err := handle(ctx, task)
		if err == nil {
			return
		}
		q.logger.Warn("transfer task failed",
			slog.Int("worker", worker),
			slog.String("reference", task.Reference),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.backoff * time.Duration(attempt)):
		}
	}
	q.logger.Error("transfer task abandoned to sweeper", slog.String("reference", task.Reference))
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
