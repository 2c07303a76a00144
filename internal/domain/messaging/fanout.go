package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/messaging/internal/platform/queue"
)

const (
	TaskFanout  = "messaging:fanout"
	FanoutQueue = "messaging"
)

// FanoutJob identifies the message whose recipients must be notified. The
// content is re-read by the worker so it never sits in the queue.
type FanoutJob struct {
	MessageID uuid.UUID `json:"message_id"`
}

// Notifier is implemented by Service.
type Notifier interface {
	NotifyMessage(ctx context.Context, messageID uuid.UUID) int
}

// FanoutDispatcher schedules the notification fan-out after a send. A
// dispatch error is logged by the caller and never fails the send.
type FanoutDispatcher interface {
	Dispatch(ctx context.Context, job FanoutJob) error
}

// InlineDispatcher runs the fan-out on its own goroutine in this process.
type InlineDispatcher struct {
	notifier Notifier
	timeout  time.Duration
	wg       sync.WaitGroup
}

func NewInlineDispatcher(n Notifier, timeout time.Duration) *InlineDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &InlineDispatcher{notifier: n, timeout: timeout}
}

// Dispatch detaches from the request's cancellation so the fan-out outlives
// the response.
func (d *InlineDispatcher) Dispatch(ctx context.Context, job FanoutJob) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		d.notifier.NotifyMessage(ctx, job.MessageID)
	}()
	return nil
}

// Wait blocks until every dispatched fan-out has finished.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}

// QueueDispatcher hands the fan-out to the background worker.
type QueueDispatcher struct {
	client queue.Client
}

func NewQueueDispatcher(c queue.Client) *QueueDispatcher {
	return &QueueDispatcher{client: c}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, job FanoutJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode fan-out job: %w", err)
	}
	_, err = d.client.Enqueue(ctx, queue.Task{Type: TaskFanout, Payload: payload}, queue.EnqueueOption{
		Queue:     FanoutQueue,
		MaxRetry:  3,
		Timeout:   30 * time.Second,
		Retention: time.Hour,
	})
	if err != nil {
		return fmt.Errorf("enqueue fan-out: %w", err)
	}
	return nil
}

// FanoutTaskHandler consumes TaskFanout on the worker. Fan-out failures are
// already logged by the notifier, so only malformed payloads are errors.
func FanoutTaskHandler(n Notifier, logger zerolog.Logger) queue.Handler {
	return func(ctx context.Context, t queue.Task) error {
		var job FanoutJob
		if err := json.Unmarshal(t.Payload, &job); err != nil {
			return fmt.Errorf("decode fan-out job: %w", err)
		}
		if job.MessageID == uuid.Nil {
			return fmt.Errorf("fan-out job has no message id")
		}
		created := n.NotifyMessage(ctx, job.MessageID)
		logger.Debug().Str("message_id", job.MessageID.String()).Int("notifications", created).Msg("fan-out task done")
		return nil
	}
}
