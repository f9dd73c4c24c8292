package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskrouter/internal/codec"
	"github.com/cuongbtq/taskrouter/internal/dispatch"
	"github.com/cuongbtq/taskrouter/internal/domain"
	"github.com/cuongbtq/taskrouter/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Dead-letter headers
const (
	HeaderFailureReason = "x-failure-reason"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalQueue = "x-original-queue"
)

const publishTimeout = 10 * time.Second

// handleDelivery settles exactly one delivery
func (w *Worker) handleDelivery(ctx context.Context, h *rabbitmq.Handle, d amqp.Delivery) {
	done := w.metrics.begin()
	defer done()

	// Step 1: decode; failures are permanent
	msg, err := codec.Decode(d.Body, w.registry)
	if err == nil && msg.Domain != w.route.Domain {
		err = fmt.Errorf("%w: %w: got %s, route %s", codec.ErrMalformedPayload, ErrDomainMismatch, msg.Domain, w.route.Domain)
	}
	if err != nil {
		w.reject(ctx, h, d, err)
		return
	}

	logger := w.logger.With(
		slog.String("task_id", msg.TaskID),
		slog.String("operation", msg.Operation),
		slog.Int("retry_count", msg.RetryCount),
	)
	logger.Info("Processing task",
		slog.Uint64("delivery_tag", d.DeliveryTag),
		slog.Bool("redelivered", d.Redelivered),
		slog.Duration("age", msg.Age(time.Now())),
	)

	// Step 2: processing
	w.setStatus(ctx, domain.NewStatus(msg.TaskID, domain.StateProcessing).WithRetryCount(msg.RetryCount))

	// Step 3: dispatch
	handler, err := w.registry.Lookup(msg.Domain, msg.Operation)
	if err != nil {
		w.deadLetter(ctx, h, d, msg, err)
		return
	}

	result, err := w.invoke(ctx, handler, msg)

	// Step 4: success
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			w.invalidate(h, msg.TaskID, fmt.Errorf("ack: %w", ackErr))
			return
		}
		w.setStatus(ctx, domain.NewStatus(msg.TaskID, domain.StateCompleted).
			WithRetryCount(msg.RetryCount).
			WithResult(result))
		w.metrics.outcome(OutcomeCompleted)
		logger.Info("Task completed successfully")
		return
	}

	// Step 5: failure goes through the retry policy
	hErr := &HandlerError{TaskID: msg.TaskID, Attempt: msg.RetryCount, Err: err}
	if dispatch.IsPermanent(err) {
		logger.Warn("Task failed permanently", slog.Any("error", err))
		w.deadLetter(ctx, h, d, msg, hErr)
		return
	}

	decision := w.policy.Decide(msg.RetryCount)
	switch decision.Action {
	case ActionRequeue:
		w.requeue(ctx, h, d, msg, decision, hErr)
	default:
		logger.Warn("Task exceeded max retries",
			slog.Int("max_retries", w.policy.MaxRetries),
			slog.Any("error", err),
		)
		w.deadLetter(ctx, h, d, msg, hErr)
	}
}

// invoke runs the handler. It is not interrupted by shutdown; only
// HandlerTimeout bounds it.
func (w *Worker) invoke(ctx context.Context, handler dispatch.Handler, msg *domain.Message) (result dispatch.Result, err error) {
	hctx := context.WithoutCancel(ctx)
	if w.handlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, w.handlerTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
		elapsed := time.Since(start)
		w.metrics.observeHandler(msg.Operation, err, elapsed)
		w.logger.Debug("Handler returned",
			slog.String("task_id", msg.TaskID),
			slog.String("operation", msg.Operation),
			slog.Duration("elapsed", elapsed),
			slog.Bool("ok", err == nil),
		)
	}()

	return handler.Handle(hctx, msg)
}

// requeue republishes the task with retry_count+1 and then acks the original
func (w *Worker) requeue(ctx context.Context, h *rabbitmq.Handle, d amqp.Delivery, msg *domain.Message, decision Decision, cause error) {
	next := msg.Requeued()

	w.logger.Info("Job will be retried",
		slog.String("task_id", msg.TaskID),
		slog.Int("retry_count", next.RetryCount),
		slog.Int("max_retries", w.policy.MaxRetries),
		slog.Duration("delay", decision.Delay),
		slog.Any("error", cause),
	)

	w.setStatus(ctx, domain.NewStatus(msg.TaskID, domain.StatePending).
		WithRetryCount(next.RetryCount).
		WithReason(cause.Error()))

	// a shutdown cuts the delay short; the retry is still published
	sleep(ctx, decision.Delay)

	body, err := codec.Encode(next, w.registry)
	if err != nil {
		w.deadLetter(ctx, h, d, msg, fmt.Errorf("re-encode for retry: %w", err))
		return
	}

	pub := newPublishing(next, body)
	pub.Headers = amqp.Table{HeaderRetryCount: int32(next.RetryCount)}

	if err := w.publish(ctx, h, w.route.Queue, pub); err != nil {
		w.invalidate(h, msg.TaskID, err)
		return
	}

	if err := d.Ack(false); err != nil {
		// the retry is already queued; a redelivery would run the task twice
		w.invalidate(h, msg.TaskID, fmt.Errorf("ack after requeue: %w", err))
		return
	}

	w.metrics.outcome(OutcomeRetried)
}

// deadLetter parks the task, acks the original and records failed
func (w *Worker) deadLetter(ctx context.Context, h *rabbitmq.Handle, d amqp.Delivery, msg *domain.Message, cause error) {
	if w.route.DeadLetterQueue != "" {
		pub := newPublishing(msg, d.Body)
		pub.Headers = amqp.Table{
			HeaderFailureReason: cause.Error(),
			HeaderRetryCount:    int32(msg.RetryCount),
			HeaderOriginalQueue: w.route.Queue,
		}
		if err := w.publish(ctx, h, w.route.DeadLetterQueue, pub); err != nil {
			w.invalidate(h, msg.TaskID, err)
			return
		}
	}

	if err := d.Ack(false); err != nil {
		w.invalidate(h, msg.TaskID, fmt.Errorf("ack after dead-letter: %w", err))
		return
	}

	w.setStatus(ctx, domain.NewStatus(msg.TaskID, domain.StateFailed).
		WithRetryCount(msg.RetryCount).
		WithReason(cause.Error()))
	w.metrics.outcome(OutcomeFailed)

	w.logger.Warn("Task dead-lettered",
		slog.String("task_id", msg.TaskID),
		slog.String("dead_letter_queue", w.route.DeadLetterQueue),
		slog.Any("error", cause),
	)
}

// reject handles an undecodable delivery: no retry, no requeue
func (w *Worker) reject(ctx context.Context, h *rabbitmq.Handle, d amqp.Delivery, cause error) {
	taskID := d.MessageId

	w.logger.Error("Failed to decode message",
		slog.String("task_id", taskID),
		slog.Uint64("delivery_tag", d.DeliveryTag),
		slog.Int("body_size", len(d.Body)),
		slog.Any("error", cause),
	)

	if w.route.DeadLetterQueue != "" {
		pub := amqp.Publishing{
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    taskID,
			Timestamp:    time.Now().UTC(),
			Headers: amqp.Table{
				HeaderFailureReason: cause.Error(),
				HeaderOriginalQueue: w.route.Queue,
			},
			Body: d.Body,
		}
		if err := w.publish(ctx, h, w.route.DeadLetterQueue, pub); err != nil {
			w.invalidate(h, taskID, err)
			return
		}
	}

	// NACK without requeue - malformed messages go to the broker's DLX, if any
	if err := d.Nack(false, false); err != nil {
		w.invalidate(h, taskID, fmt.Errorf("nack malformed: %w", err))
		return
	}

	w.setStatus(ctx, domain.NewStatus(taskID, domain.StateFailed).WithReason(cause.Error()))
	w.metrics.outcome(OutcomeMalformed)
}

func (w *Worker) publish(ctx context.Context, h *rabbitmq.Handle, queue string, pub amqp.Publishing) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err := h.Publish(pctx, queue, pub)
	if err != nil && !isBrokerClosed(err) {
		err = fmt.Errorf("publish: %w", err)
	}
	return err
}

func newPublishing(msg *domain.Message, body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  codec.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.TaskID,
		Timestamp:    time.Now().UTC(),
		Type:         msg.Operation,
		Body:         body,
	}
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
