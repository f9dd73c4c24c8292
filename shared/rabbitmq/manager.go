// Package rabbitmq owns broker sessions for one Routing Target: it dials,
// asserts the queue, applies QoS and re-enters the reconnect loop whenever
// the connection or channel closes.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/taskrouter/shared/backoff"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/atomic"
)

var (
	// ErrClosed is returned once Close has been called
	ErrClosed = errors.New("connection manager closed")

	// ErrHandleDead is returned when a discarded handle is used
	ErrHandleDead = errors.New("connection handle is dead")

	// ErrReconnectStorm is reported to OnFatal handlers when StormThreshold
	// consecutive attempts have failed
	ErrReconnectStorm = errors.New("reconnect storm")
)

// QueueMode selects how the queue is asserted on every connect
type QueueMode string

const (
	QueueQuorum  QueueMode = "quorum"
	QueueDurable QueueMode = "durable"
	QueuePassive QueueMode = "passive"
)

// Config holds the connection settings for one Routing Target
type Config struct {
	URL               string
	VHost             string
	ConnectionName    string
	QueueName         string
	QueueMode         QueueMode
	DeadLetterQueue   string
	PrefetchCount     int
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration
	BackoffBase       time.Duration
	BackoffCeiling    time.Duration
	BackoffJitter     float64
	// StormThreshold is the number of consecutive failed attempts after which
	// OnFatal handlers fire. Zero disables escalation.
	StormThreshold int
}

// State is the connection state machine position
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Option customizes a Manager
type Option func(*Manager)

// WithDialer replaces the AMQP dialer
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dial = d
	}
}

// Manager maintains at most one live Handle for its Routing Target
type Manager struct {
	cfg     *Config
	dial    Dialer
	logger  *slog.Logger
	backoff *backoff.Backoff
	nextID  *atomic.Uint64

	mu            sync.Mutex
	state         State
	handle        *Handle
	ready         chan struct{}
	connecting    bool
	errHandlers   []func(error)
	fatalHandlers []func(error)

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager creates a Manager in the DISCONNECTED state. Call Start to begin
// connecting.
func NewManager(cfg *Config, logger *slog.Logger, opts ...Option) *Manager {
	base := cfg.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	ceiling := cfg.BackoffCeiling
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}

	m := &Manager{
		cfg:     cfg,
		dial:    DialAMQP,
		logger:  logger,
		backoff: backoff.New(base, ceiling, cfg.BackoffJitter),
		nextID:  atomic.NewUint64(0),
		state:   StateDisconnected,
		ready:   make(chan struct{}),
		closed:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start launches the reconnect loop. It returns immediately.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed || m.connecting || m.handle != nil {
		return
	}
	m.startReconnectLocked()
}

// Acquire blocks until a live handle exists, ctx is done or the manager is
// closed
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	for {
		m.mu.Lock()
		if m.state == StateClosed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if m.handle != nil && m.handle.Alive() {
			h := m.handle
			m.mu.Unlock()
			return h, nil
		}
		ready := m.ready
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.closed:
			return nil, ErrClosed
		case <-ready:
		}
	}
}

// OnChannelError registers fn to be called whenever a live handle is lost
func (m *Manager) OnChannelError(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errHandlers = append(m.errHandlers, fn)
}

// OnFatal registers fn to be called when reconnecting turns into a storm.
// The manager keeps retrying at the backoff ceiling afterwards.
func (m *Manager) OnFatal(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fatalHandlers = append(m.fatalHandlers, fn)
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Invalidate discards h after a detected failure and re-enters the reconnect
// loop if h was the current handle. Calling it for an already dead handle is
// a no-op.
func (m *Manager) Invalidate(h *Handle, cause error) {
	if h == nil {
		return
	}

	m.mu.Lock()
	if !h.markDead() {
		m.mu.Unlock()
		return
	}

	current := m.handle == h
	if current {
		m.handle = nil
		if m.state != StateClosed {
			m.state = StateDisconnected
			m.ready = make(chan struct{})
		}
	}
	reconnect := current && m.state != StateClosed && !m.connecting
	if reconnect {
		m.startReconnectLocked()
	}
	handlers := append([]func(error){}, m.errHandlers...)
	m.mu.Unlock()

	if err := h.close(); err != nil {
		m.logger.Debug("Error closing discarded RabbitMQ handle",
			slog.Uint64("handle_id", h.ID()),
			slog.Any("error", err),
		)
	}

	if !current {
		return
	}

	m.logger.Warn("RabbitMQ handle lost, reconnecting",
		slog.Uint64("handle_id", h.ID()),
		slog.String("vhost", m.cfg.VHost),
		slog.Any("error", cause),
	)

	for _, fn := range handlers {
		fn(cause)
	}
}

// Close stops reconnecting and closes the live handle. The manager cannot be
// restarted.
func (m *Manager) Close() error {
	var err error

	m.closeOnce.Do(func() {
		m.logger.Info("Closing RabbitMQ connection manager",
			slog.String("vhost", m.cfg.VHost),
		)

		m.mu.Lock()
		m.state = StateClosed
		h := m.handle
		m.handle = nil
		close(m.closed)
		m.mu.Unlock()

		if h != nil {
			h.markDead()
			err = h.close()
		}
	})

	m.wg.Wait()
	return err
}

func (m *Manager) startReconnectLocked() {
	m.connecting = true
	m.wg.Add(1)
	go m.reconnectLoop()
}

// reconnectLoop dials until it succeeds or the manager closes. Delays double
// up to the ceiling and then stay there indefinitely.
func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	failures := 0
	stormReported := false

	for attempt := 0; ; attempt++ {
		if !m.setState(StateConnecting) {
			m.finishConnecting()
			return
		}

		m.logger.Info("Connecting to RabbitMQ",
			slog.String("vhost", m.cfg.VHost),
			slog.String("queue", m.cfg.QueueName),
			slog.Int("attempt", attempt+1),
		)

		h, err := m.open()
		if err == nil {
			if m.install(h) {
				m.logger.Info("Successfully connected to RabbitMQ",
					slog.String("vhost", m.cfg.VHost),
					slog.Uint64("handle_id", h.ID()),
				)
			}
			return
		}

		failures++
		if !m.setState(StateDisconnected) {
			m.finishConnecting()
			return
		}

		delay := m.backoff.Delay(attempt)
		m.logger.Error("Failed to connect to RabbitMQ",
			slog.String("vhost", m.cfg.VHost),
			slog.Int("attempt", attempt+1),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)

		if m.cfg.StormThreshold > 0 && failures >= m.cfg.StormThreshold && !stormReported {
			stormReported = true
			m.reportFatal(fmt.Errorf("%w: %d consecutive attempts failed: %v", ErrReconnectStorm, failures, err))
		}

		timer := time.NewTimer(delay)
		select {
		case <-m.closed:
			timer.Stop()
			m.finishConnecting()
			return
		case <-timer.C:
		}
	}
}

// install publishes a freshly opened handle. It returns false if the manager
// was closed meanwhile.
func (m *Manager) install(h *Handle) bool {
	m.mu.Lock()
	m.connecting = false
	if m.state == StateClosed {
		m.mu.Unlock()
		h.markDead()
		_ = h.close()
		return false
	}

	m.handle = h
	m.state = StateConnected
	close(m.ready)
	m.wg.Add(1)
	m.mu.Unlock()

	go m.watch(h)
	return true
}

func (m *Manager) finishConnecting() {
	m.mu.Lock()
	m.connecting = false
	m.mu.Unlock()
}

// setState moves the state machine unless the manager is closed
func (m *Manager) setState(s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return false
	}
	m.state = s
	return true
}

// watch waits for the connection or channel of h to close
func (m *Manager) watch(h *Handle) {
	defer m.wg.Done()

	var cause error
	select {
	case <-m.closed:
		return
	case <-h.Dead():
		return
	case amqpErr, ok := <-h.connClosed:
		cause = closeCause("connection", amqpErr, ok)
	case amqpErr, ok := <-h.chClosed:
		cause = closeCause("channel", amqpErr, ok)
	}

	m.Invalidate(h, cause)
}

func closeCause(what string, amqpErr *amqp.Error, ok bool) error {
	if !ok || amqpErr == nil {
		return fmt.Errorf("%s closed", what)
	}
	return fmt.Errorf("%s closed: %w", what, amqpErr)
}

func (m *Manager) reportFatal(err error) {
	m.mu.Lock()
	handlers := append([]func(error){}, m.fatalHandlers...)
	m.mu.Unlock()

	m.logger.Error("RabbitMQ reconnect storm detected",
		slog.String("vhost", m.cfg.VHost),
		slog.Any("error", err),
	)

	for _, fn := range handlers {
		fn(err)
	}
}

// open dials, asserts the queues and sets QoS
func (m *Manager) open() (*Handle, error) {
	conn, err := m.dial(m.cfg.URL, amqpConfig(m.cfg))
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := m.setup(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return newHandle(m.nextID.Inc(), conn, ch), nil
}

// setup asserts the work queue (and parking queue) and applies QoS. Declares
// are idempotent and always use the same arguments.
func (m *Manager) setup(ch Channel) error {
	if err := m.assertQueue(ch, m.cfg.QueueName); err != nil {
		return err
	}

	if m.cfg.DeadLetterQueue != "" {
		if err := m.assertQueue(ch, m.cfg.DeadLetterQueue); err != nil {
			return err
		}
	}

	prefetch := m.cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	return nil
}

func (m *Manager) assertQueue(ch Channel, name string) error {
	var (
		q   amqp.Queue
		err error
	)

	switch m.cfg.QueueMode {
	case QueuePassive:
		q, err = ch.QueueDeclarePassive(name, true, false, false, false, nil)
	case QueueDurable:
		q, err = ch.QueueDeclare(name, true, false, false, false, nil)
	default:
		q, err = ch.QueueDeclare(name, true, false, false, false, amqp.Table{
			"x-queue-type": "quorum",
		})
	}
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}

	m.logger.Info("Queue ready",
		slog.String("vhost", m.cfg.VHost),
		slog.String("queue", q.Name),
		slog.String("mode", string(m.cfg.QueueMode)),
		slog.Int("messages", q.Messages),
		slog.Int("consumers", q.Consumers),
	)

	return nil
}
