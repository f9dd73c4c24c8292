// Package worker runs the consumer loop for one Routing Target: it decodes
// deliveries, dispatches them to handlers, and applies the retry and
// dead-letter policy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskrouter/internal/dispatch"
	"github.com/cuongbtq/taskrouter/internal/domain"
	"github.com/cuongbtq/taskrouter/internal/status"
	"github.com/cuongbtq/taskrouter/shared/rabbitmq"
	"github.com/google/uuid"
)

// Connector hands out broker sessions and takes back broken ones
type Connector interface {
	Acquire(ctx context.Context) (*rabbitmq.Handle, error)
	Invalidate(h *rabbitmq.Handle, cause error)
}

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	Connector Connector
	Route     domain.RoutingTarget
	Registry  *dispatch.Registry
	Sink      status.Sink
	Policy    Policy
	// HandlerTimeout bounds one handler invocation. Zero means no bound.
	HandlerTimeout time.Duration
	// ConsumerTag prefixes the AMQP consumer tag of every session
	ConsumerTag string
	Metrics     *Metrics
}

// Worker consumes one queue. Deliveries are handled one at a time; the
// broker's prefetch bounds how many are held unacknowledged.
type Worker struct {
	logger         *slog.Logger
	conn           Connector
	route          domain.RoutingTarget
	registry       *dispatch.Registry
	sink           status.Sink
	policy         Policy
	handlerTimeout time.Duration
	consumerTag    string
	metrics        *Metrics
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	tag := cfg.ConsumerTag
	if tag == "" {
		tag = string(cfg.Route.Domain)
	}

	return &Worker{
		logger:         cfg.Logger,
		conn:           cfg.Connector,
		route:          cfg.Route,
		registry:       cfg.Registry,
		sink:           cfg.Sink,
		policy:         cfg.Policy,
		handlerTimeout: cfg.HandlerTimeout,
		consumerTag:    tag,
		metrics:        cfg.Metrics,
	}
}

// Run consumes until ctx is cancelled. It returns after the delivery being
// handled at cancellation time has been settled; deliveries still buffered are
// left unacknowledged for the broker to redeliver.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("route", w.route.String()),
		slog.Int("max_retries", w.policy.MaxRetries),
		slog.Duration("retry_delay", w.policy.Delay),
		slog.Duration("handler_timeout", w.handlerTimeout),
	)

	for {
		h, err := w.conn.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Worker context canceled, stopping")
				return nil
			}
			return fmt.Errorf("failed to acquire broker session: %w", err)
		}

		err = w.consume(ctx, h)
		if ctx.Err() != nil {
			w.logger.Info("Worker stopped",
				slog.String("route", w.route.String()),
			)
			return nil
		}
		if err != nil {
			w.logger.Warn("Consumer session ended",
				slog.Uint64("handle_id", h.ID()),
				slog.Any("error", err),
			)
			w.conn.Invalidate(h, err)
		}
	}
}

func (w *Worker) newConsumerTag() string {
	return fmt.Sprintf("%s-%s", w.consumerTag, uuid.NewString())
}

// setStatus writes a transition. Sink failures are logged and do not block
// the broker settlement.
func (w *Worker) setStatus(ctx context.Context, st *domain.Status) {
	if st.TaskID == "" {
		return
	}

	// status writes must land even while shutting down
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := w.sink.Set(writeCtx, *st); err != nil {
		w.logger.Error("Failed to record task status",
			slog.String("task_id", st.TaskID),
			slog.String("status", string(st.State)),
			slog.Any("error", err),
		)
	}
}

// invalidate hands a broken session back to the connection manager
func (w *Worker) invalidate(h *rabbitmq.Handle, taskID string, err error) {
	w.logger.Error("Broker operation failed, message left unacknowledged",
		slog.String("task_id", taskID),
		slog.Uint64("handle_id", h.ID()),
		slog.Any("error", err),
	)
	w.metrics.outcome(OutcomeUnacked)
	w.conn.Invalidate(h, err)
}

func isBrokerClosed(err error) bool {
	return errors.Is(err, rabbitmq.ErrHandleDead) || errors.Is(err, rabbitmq.ErrClosed)
}
