package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/taskrouter/shared/rabbitmq"
)

// consume runs one consumer session on h. It returns nil when ctx is
// cancelled or h was discarded elsewhere, and an error when the session
// broke.
func (w *Worker) consume(ctx context.Context, h *rabbitmq.Handle) error {
	tag := w.newConsumerTag()

	// auto-ack off: every delivery is settled explicitly
	deliveries, err := h.Channel().Consume(w.route.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	w.metrics.session()
	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", tag),
		slog.String("queue", w.route.Queue),
		slog.String("vhost", w.route.VHost),
		slog.Uint64("handle_id", h.ID()),
	)

	for {
		select {
		case <-ctx.Done():
			if err := h.Channel().Cancel(tag, false); err != nil && h.Alive() {
				w.logger.Warn("Failed to cancel consumer",
					slog.String("consumer_tag", tag),
					slog.Any("error", err),
				)
			}
			w.logger.Info("Consumer stopped - context canceled",
				slog.String("consumer_tag", tag),
			)
			return nil

		case <-h.Dead():
			w.logger.Info("Consumer stopped - session discarded",
				slog.String("consumer_tag", tag),
			)
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				if !h.Alive() {
					return nil
				}
				return ErrDeliveriesClosed
			}
			if ctx.Err() != nil {
				// shutting down; the broker redelivers it
				continue
			}
			w.handleDelivery(ctx, h, delivery)
		}
	}
}
