package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cuongbtq/taskrouter/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid        int
	ignoreTerm bool
	exit       chan int
	once       sync.Once
	mu         sync.Mutex
	signals    []os.Signal
}

func newFakeProcess(pid int, ignoreTerm bool) *fakeProcess {
	return &fakeProcess{pid: pid, ignoreTerm: ignoreTerm, exit: make(chan int, 1)}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()

	if !p.ignoreTerm {
		p.stop(ExitOK)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.stop(-1)
	return nil
}

func (p *fakeProcess) Wait() (int, error) {
	return <-p.exit, nil
}

func (p *fakeProcess) stop(code int) {
	p.once.Do(func() { p.exit <- code })
}

func (p *fakeProcess) received() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

type fakeStarter struct {
	mu         sync.Mutex
	nextPID    int
	ignoreTerm bool
	failNext   int
	procs      map[string][]*fakeProcess
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{nextPID: 100, procs: make(map[string][]*fakeProcess)}
}

func (s *fakeStarter) Start(ctx context.Context, spec ChildSpec) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return nil, errors.New("exec format error")
	}
	s.nextPID++
	p := newFakeProcess(s.nextPID, s.ignoreTerm)
	s.procs[spec.String()] = append(s.procs[spec.String()], p)
	return p, nil
}

func (s *fakeStarter) starts(spec string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs[spec])
}

func (s *fakeStarter) latest(spec string) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	procs := s.procs[spec]
	if len(procs) == 0 {
		return nil
	}
	return procs[len(procs)-1]
}

func (s *fakeStarter) all() []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeProcess
	for _, procs := range s.procs {
		out = append(out, procs...)
	}
	return out
}

var testRoutes = []domain.RoutingTarget{
	{Domain: domain.DomainClinical, VHost: "fluxo_clinico", Queue: "eventos", Durability: domain.DurabilityQuorum},
	{Domain: domain.DomainExams, VHost: "fluxo_exames", Queue: "eventos", Durability: domain.DurabilityQuorum},
}

func newTestSupervisor(starter Starter, workers int, metrics *Metrics) *Supervisor {
	return New(&Config{
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		Starter:          starter,
		Routes:           testRoutes,
		WorkersPerDomain: workers,
		RestartDelay:     time.Millisecond,
		RestartCeiling:   4 * time.Millisecond,
		ShutdownGrace:    200 * time.Millisecond,
		Metrics:          metrics,
	})
}

func runSupervisor(t *testing.T, s *Supervisor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	t.Cleanup(cancel)
	return cancel, done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not return")
		return nil
	}
}

func waitRunning(t *testing.T, s *Supervisor, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		running := 0
		for _, st := range s.Snapshot() {
			if st.Running {
				running++
			}
		}
		return running == n
	}, 3*time.Second, 5*time.Millisecond)
}

func TestSupervisor_StartsOneChildPerSlot(t *testing.T) {
	starter := newFakeStarter()
	s := newTestSupervisor(starter, 2, nil)
	cancel, done := runSupervisor(t, s)

	waitRunning(t, s, 4)

	for _, spec := range []string{"clinical#0", "clinical#1", "exams#0", "exams#1"} {
		assert.Equal(t, 1, starter.starts(spec), spec)
	}

	pids := make(map[int]bool)
	for _, st := range s.Snapshot() {
		assert.NotZero(t, st.PID)
		assert.False(t, st.StartedAt.IsZero())
		pids[st.PID] = true
	}
	assert.Len(t, pids, 4)

	cancel()
	require.NoError(t, waitRun(t, done))
}

func TestSupervisor_RestartsOnlyCrashedChild(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		wantText string
	}{
		{name: "fatal broker condition", code: ExitFatalBroker, wantText: "fatal broker condition"},
		{name: "crash", code: 139, wantText: "exit code 139"},
		{name: "unexpected clean exit", code: ExitOK, wantText: "exited"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			starter := newFakeStarter()
			reg := prometheus.NewRegistry()
			metrics := NewMetrics(reg)
			s := newTestSupervisor(starter, 1, metrics)
			cancel, done := runSupervisor(t, s)

			waitRunning(t, s, 2)
			first := starter.latest("exams#0")
			require.NotNil(t, first)
			first.stop(tt.code)

			require.Eventually(t, func() bool {
				return starter.starts("exams#0") == 2
			}, 3*time.Second, 5*time.Millisecond)
			waitRunning(t, s, 2)

			assert.Equal(t, 1, starter.starts("clinical#0"))

			for _, st := range s.Snapshot() {
				if st.Spec.Route.Domain != domain.DomainExams {
					assert.Zero(t, st.Restarts)
					continue
				}
				assert.Equal(t, 1, st.Restarts)
				assert.Equal(t, tt.code, st.LastExitCode)
				assert.Equal(t, tt.wantText, st.LastExitReason)
				assert.NotEqual(t, first.PID(), st.PID)
			}

			assert.Equal(t, float64(1), testutil.ToFloat64(metrics.restarts.WithLabelValues("exams")))
			assert.Equal(t, float64(1), testutil.ToFloat64(metrics.running.WithLabelValues("exams")))

			cancel()
			require.NoError(t, waitRun(t, done))
		})
	}
}

func TestSupervisor_RetriesFailedStart(t *testing.T) {
	starter := newFakeStarter()
	starter.failNext = 3
	s := New(&Config{
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		Starter:          starter,
		Routes:           testRoutes[:1],
		WorkersPerDomain: 1,
		RestartDelay:     time.Millisecond,
		RestartCeiling:   2 * time.Millisecond,
		ShutdownGrace:    200 * time.Millisecond,
	})
	cancel, done := runSupervisor(t, s)

	waitRunning(t, s, 1)
	assert.Equal(t, 3, s.Snapshot()[0].Restarts)

	cancel()
	require.NoError(t, waitRun(t, done))
}

func TestSupervisor_GracefulShutdownSignalsChildren(t *testing.T) {
	starter := newFakeStarter()
	s := newTestSupervisor(starter, 1, nil)
	cancel, done := runSupervisor(t, s)

	waitRunning(t, s, 2)
	cancel()
	require.NoError(t, waitRun(t, done))

	for _, p := range starter.all() {
		assert.Equal(t, []os.Signal{syscall.SIGTERM}, p.received())
	}
	for _, st := range s.Snapshot() {
		assert.False(t, st.Running)
		assert.Zero(t, st.Restarts)
	}
	assert.Equal(t, 1, starter.starts("clinical#0"))
	assert.Equal(t, 1, starter.starts("exams#0"))
}

func TestSupervisor_KillsChildrenAfterGrace(t *testing.T) {
	starter := newFakeStarter()
	starter.ignoreTerm = true
	s := newTestSupervisor(starter, 1, nil)
	cancel, done := runSupervisor(t, s)

	waitRunning(t, s, 2)
	cancel()
	assert.ErrorIs(t, waitRun(t, done), ErrShutdownTimeout)

	for _, st := range s.Snapshot() {
		assert.False(t, st.Running)
		assert.Equal(t, -1, st.LastExitCode)
		assert.Equal(t, "killed by signal", st.LastExitReason)
	}
}

func TestSupervisor_NoRoutes(t *testing.T) {
	s := New(&Config{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Starter: newFakeStarter(),
	})
	assert.ErrorIs(t, s.Run(context.Background()), ErrNoChildren)
}

func TestExitReason(t *testing.T) {
	tests := []struct {
		code int
		err  error
		want string
	}{
		{code: ExitOK, want: "exited"},
		{code: ExitStartup, want: "startup failure"},
		{code: ExitForced, want: "forced shutdown"},
		{code: ExitFatalBroker, want: "fatal broker condition"},
		{code: -1, want: "killed by signal"},
		{code: 42, want: "exit code 42"},
		{code: -1, err: errors.New("wait: no child processes"), want: "wait: no child processes"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitReason(tt.code, tt.err))
		})
	}
}

func TestChildSpec_String(t *testing.T) {
	spec := ChildSpec{Route: testRoutes[1], Index: 3}
	assert.Equal(t, "exams#3", spec.String())
}
