package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaQueue publishes tasks to a topic keyed by reference and consumes them
// through a consumer group. Offsets are committed only after the handler
// returns or the retry budget is spent.
type KafkaQueue struct {
	writer      messageWriter
	reader      messageReader
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

// NewKafka wires a writer and a consumer-group reader into a Queue. Either
// side may be nil for publish-only or consume-only processes.
func NewKafka(writer *kafka.Writer, reader *kafka.Reader, logger *slog.Logger) *KafkaQueue {
	q := &KafkaQueue{
		maxAttempts: DefaultMaxAttempts,
		backoff:     200 * time.Millisecond,
		logger:      logger,
	}
	if writer != nil {
		q.writer = writer
	}
	if reader != nil {
		q.reader = reader
	}
	return q
}

var _ Queue = (*KafkaQueue)(nil)

func (q *KafkaQueue) Enqueue(ctx context.Context, task Task) error {
	if q.writer == nil {
		return ErrClosed
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.writer.WriteMessages(ctx, kafka.Message{Key: []byte(task.Reference), Value: payload}); err != nil {
		return fmt.Errorf("publish task %s: %w", task.Reference, err)
	}
	return nil
}

func (q *KafkaQueue) Run(ctx context.Context, handle Handler) error {
	if q.reader == nil {
		return ErrClosed
	}
	for {
		msg, err := q.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch task: %w", err)
		}

		var task Task
		if err := json.Unmarshal(msg.Value, &task); err != nil {
			q.logger.Error("dropping undecodable task", slog.Int64("offset", msg.Offset), slog.Any("error", err))
		} else {
			q.process(ctx, task, handle)
		}

		if err := q.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit task offset: %w", err)
		}
	}
}

func (q *KafkaQueue) process(ctx context.Context, task Task, handle Handler) {
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		err := handle(ctx, task)
		if err == nil {
			return
		}
		q.logger.Warn("transfer task failed",
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

func (q *KafkaQueue) Close() error {
	var errs []error
	if q.writer != nil {
		errs = append(errs, q.writer.Close())
	}
	if q.reader != nil {
		errs = append(errs, q.reader.Close())
	}
	return errors.Join(errs...)
}
