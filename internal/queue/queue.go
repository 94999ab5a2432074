// Package queue carries transfer settlement work from the request path to
// background workers. Delivery is at-least-once; handlers must tolerate
// redelivery.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when enqueueing onto a stopped queue.
var ErrClosed = errors.New("queue closed")

// DefaultMaxAttempts bounds handler retries before a task is left to the
// recovery sweeper.
const DefaultMaxAttempts = 3

// Task asks a worker to settle the transfer with the given reference.
type Task struct {
	Reference  string    `json:"reference"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler processes one task.
type Handler func(ctx context.Context, task Task) error

// Queue is a work queue with at-least-once delivery.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Run consumes tasks until ctx is cancelled.
	Run(ctx context.Context, handle Handler) error
	Close() error
}
