package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/atomic"
)

// Handle is one broker session (connection plus channel) for one Routing
// Target. It is owned by its Manager; once dead it is never revived.
type Handle struct {
	id   uint64
	conn Connection
	ch   Channel

	connClosed chan *amqp.Error
	chClosed   chan *amqp.Error

	alive    *atomic.Bool
	dead     chan struct{}
	deadOnce sync.Once
}

func newHandle(id uint64, conn Connection, ch Channel) *Handle {
	h := &Handle{
		id:    id,
		conn:  conn,
		ch:    ch,
		alive: atomic.NewBool(true),
		dead:  make(chan struct{}),
	}
	h.connClosed = conn.NotifyClose(make(chan *amqp.Error, 1))
	h.chClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	return h
}

// ID identifies the session; it grows with every reconnect
func (h *Handle) ID() uint64 {
	return h.id
}

// Channel returns the AMQP channel of this session
func (h *Handle) Channel() Channel {
	return h.ch
}

// Alive reports whether the handle may still be used
func (h *Handle) Alive() bool {
	return h.alive.Load()
}

// Dead is closed once the handle has been discarded
func (h *Handle) Dead() <-chan struct{} {
	return h.dead
}

// Publish sends a message to queue through the default exchange
func (h *Handle) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	if !h.Alive() {
		return ErrHandleDead
	}

	if err := h.ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

func (h *Handle) markDead() bool {
	killed := false
	h.deadOnce.Do(func() {
		h.alive.Store(false)
		close(h.dead)
		killed = true
	})
	return killed
}

func (h *Handle) close() error {
	var firstErr error
	if err := h.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		firstErr = fmt.Errorf("close channel: %w", err)
	}
	if !h.conn.IsClosed() {
		if err := h.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) && firstErr == nil {
			firstErr = fmt.Errorf("close connection: %w", err)
		}
	}
	return firstErr
}
