package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
)

// Process is a running worker child
type Process interface {
	PID() int
	Signal(sig os.Signal) error
	Kill() error
	// Wait blocks until the child exits and returns its exit code. A child
	// killed by a signal reports -1.
	Wait() (int, error)
}

// Starter launches worker children
type Starter interface {
	Start(ctx context.Context, spec ChildSpec) (Process, error)
}

// ExecStarter runs the worker binary as an OS process with
// -domain and -index appended to Args
type ExecStarter struct {
	Path   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Start implements Starter
func (s *ExecStarter) Start(ctx context.Context, spec ChildSpec) (Process, error) {
	args := append([]string{}, s.Args...)
	args = append(args,
		"-domain", string(spec.Route.Domain),
		"-index", strconv.Itoa(spec.Index),
	)

	// not CommandContext: children are stopped with SIGTERM, not killed
	cmd := exec.Command(s.Path, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", spec, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
