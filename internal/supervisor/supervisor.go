// Package supervisor keeps one worker process alive per Routing Target slot.
// It restarts children that exit unexpectedly and forwards shutdown to all of
// them.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/cuongbtq/taskrouter/internal/domain"
	"github.com/cuongbtq/taskrouter/shared/backoff"
	"go.uber.org/atomic"
)

// Worker process exit codes
const (
	ExitOK          = 0
	ExitStartup     = 1
	ExitForced      = 2
	ExitFatalBroker = 3
)

var (
	// ErrNoChildren is returned by Run when no routes are configured
	ErrNoChildren = errors.New("no worker children configured")

	// ErrShutdownTimeout is returned by Run when children had to be killed
	ErrShutdownTimeout = errors.New("workers did not stop within shutdown grace")
)

// ChildSpec identifies one worker slot
type ChildSpec struct {
	Route domain.RoutingTarget
	Index int
}

func (s ChildSpec) String() string {
	return fmt.Sprintf("%s#%d", s.Route.Domain, s.Index)
}

// ChildState is the supervisor's record of one worker slot
type ChildState struct {
	Spec           ChildSpec
	PID            int
	Running        bool
	Restarts       int
	LastExitCode   int
	LastExitReason string
	StartedAt      time.Time
	ExitedAt       time.Time
}

// Config holds supervisor configuration
type Config struct {
	Logger           *slog.Logger
	Starter          Starter
	Routes           []domain.RoutingTarget
	WorkersPerDomain int
	RestartDelay     time.Duration
	RestartCeiling   time.Duration
	ShutdownGrace    time.Duration
	// StableAfter resets the restart backoff once a child has stayed up
	// this long. Defaults to one minute.
	StableAfter time.Duration
	Metrics     *Metrics
}

type child struct {
	state ChildState
	proc  Process
}

// Supervisor owns every child's state; nothing outside it mutates a
// ChildState.
type Supervisor struct {
	logger        *slog.Logger
	starter       Starter
	restartDelay  time.Duration
	restartCeil   time.Duration
	shutdownGrace time.Duration
	stableAfter   time.Duration
	metrics       *Metrics

	closing *atomic.Bool

	mu       sync.Mutex
	children []*child
}

// New creates a supervisor with one child per route and worker index
func New(cfg *Config) *Supervisor {
	workers := cfg.WorkersPerDomain
	if workers < 1 {
		workers = 1
	}
	stable := cfg.StableAfter
	if stable <= 0 {
		stable = time.Minute
	}

	s := &Supervisor{
		logger:        cfg.Logger,
		starter:       cfg.Starter,
		restartDelay:  cfg.RestartDelay,
		restartCeil:   cfg.RestartCeiling,
		shutdownGrace: cfg.ShutdownGrace,
		stableAfter:   stable,
		metrics:       cfg.Metrics,
		closing:       atomic.NewBool(false),
	}

	for _, route := range cfg.Routes {
		for i := 0; i < workers; i++ {
			s.children = append(s.children, &child{
				state: ChildState{Spec: ChildSpec{Route: route, Index: i}},
			})
		}
	}
	return s
}

// Run starts every child and keeps them alive until ctx is cancelled. On
// cancellation each child receives SIGTERM; children still running after
// the shutdown grace are killed and Run returns ErrShutdownTimeout.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.children) == 0 {
		return ErrNoChildren
	}

	s.logger.Info("Starting supervisor",
		slog.Int("children", len(s.children)),
		slog.Duration("restart_delay", s.restartDelay),
		slog.Duration("shutdown_grace", s.shutdownGrace),
	)

	var wg sync.WaitGroup
	for _, c := range s.children {
		wg.Add(1)
		go func(c *child) {
			defer wg.Done()
			s.supervise(ctx, c)
		}(c)
	}

	<-ctx.Done()
	s.closing.Store(true)

	s.logger.Info("Stopping workers")
	s.signalAll()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.shutdownGrace)
	defer timer.Stop()

	select {
	case <-done:
		s.logger.Info("All workers stopped")
		return nil
	case <-timer.C:
	}

	s.logger.Warn("Shutdown grace expired, killing workers",
		slog.Duration("shutdown_grace", s.shutdownGrace),
	)
	s.killAll()
	<-done
	return ErrShutdownTimeout
}

// Snapshot returns a copy of every child's state
func (s *Supervisor) Snapshot() []ChildState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ChildState, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c.state)
	}
	return out
}

func (s *Supervisor) supervise(ctx context.Context, c *child) {
	spec := c.state.Spec
	logger := s.logger.With(
		slog.String("domain", string(spec.Route.Domain)),
		slog.Int("worker_index", spec.Index),
	)
	b := backoff.New(s.restartDelay, s.restartCeil, 0.2)
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		proc, err := s.starter.Start(ctx, spec)
		if err != nil {
			logger.Error("Failed to start worker", slog.Any("error", err))
		} else {
			started := time.Now()
			s.setRunning(c, proc, started)
			logger.Info("Worker started", slog.Int("pid", proc.PID()))

			code, waitErr := proc.Wait()
			reason := s.setExited(c, code, waitErr)

			if s.closing.Load() {
				logger.Info("Worker stopped",
					slog.Int("exit_code", code),
					slog.String("reason", reason),
				)
				return
			}

			if time.Since(started) >= s.stableAfter {
				attempt = 0
			}

			level := slog.LevelWarn
			if code == ExitFatalBroker || code == ExitStartup {
				level = slog.LevelError
			}
			logger.Log(ctx, level, "Worker exited unexpectedly",
				slog.Int("exit_code", code),
				slog.String("reason", reason),
				slog.Duration("uptime", time.Since(started)),
			)
		}

		delay := b.Delay(attempt)
		attempt++
		if !sleep(ctx, delay) {
			return
		}

		s.mu.Lock()
		c.state.Restarts++
		s.mu.Unlock()
		s.metrics.restarted(string(spec.Route.Domain))

		logger.Info("Restarting worker",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
	}
}

func (s *Supervisor) setRunning(c *child, proc Process, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.proc = proc
	c.state.PID = proc.PID()
	c.state.Running = true
	c.state.StartedAt = at
	s.metrics.started(string(c.state.Spec.Route.Domain))

	// shutdown began while the child was starting
	if s.closing.Load() {
		s.terminate(c)
	}
}

func (s *Supervisor) setExited(c *child, code int, waitErr error) string {
	reason := ExitReason(code, waitErr)

	s.mu.Lock()
	defer s.mu.Unlock()

	c.proc = nil
	c.state.Running = false
	c.state.LastExitCode = code
	c.state.LastExitReason = reason
	c.state.ExitedAt = time.Now()
	s.metrics.exited(string(c.state.Spec.Route.Domain), code)
	return reason
}

func (s *Supervisor) signalAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.children {
		if c.proc != nil {
			s.terminate(c)
		}
	}
}

// terminate must be called with s.mu held
func (s *Supervisor) terminate(c *child) {
	if err := c.proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("Failed to signal worker",
			slog.String("worker", c.state.Spec.String()),
			slog.Int("pid", c.state.PID),
			slog.Any("error", err),
		)
	}
}

func (s *Supervisor) killAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.children {
		if c.proc == nil {
			continue
		}
		if err := c.proc.Kill(); err != nil {
			s.logger.Warn("Failed to kill worker",
				slog.String("worker", c.state.Spec.String()),
				slog.Int("pid", c.state.PID),
				slog.Any("error", err),
			)
		}
	}
}

// ExitReason describes a worker exit
func ExitReason(code int, waitErr error) string {
	if waitErr != nil {
		return waitErr.Error()
	}

	switch code {
	case ExitOK:
		return "exited"
	case ExitStartup:
		return "startup failure"
	case ExitForced:
		return "forced shutdown"
	case ExitFatalBroker:
		return "fatal broker condition"
	case -1:
		return "killed by signal"
	default:
		return fmt.Sprintf("exit code %d", code)
	}
}

// sleep reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
