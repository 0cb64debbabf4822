package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"
	"time"
)

// waitDelay bounds how long Wait keeps copying output after the backend
// exits while a grandchild still holds its stdout open.
const waitDelay = 2 * time.Second

// Process is one spawned backend. A single goroutine owns cmd.Wait; callers
// observe exit through Done.
type Process struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}

	mu       sync.Mutex
	exitErr  error
	exitCode int
}

// Start spawns spec, streaming its stdout and stderr into the given writers.
func Start(spec Spec, stdout, stderr io.Writer) (*Process, error) {
	cmd := spec.BuildCommand(runtime.GOOS)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	configureSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}
	p := &Process{
		name:      spec.Name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.exitCode = ExitCode(err)
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) PID() int             { return p.pid }
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive reports whether the exit has not been observed yet.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Exit returns the exit code and wait error; valid after Done is closed.
func (p *Process) Exit() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exitErr
}

// Terminate asks the backend to stop: SIGTERM to its process group on POSIX,
// a forced tree kill on Windows.
func (p *Process) Terminate() error {
	if !p.Alive() {
		return nil
	}
	return terminate(p.pid)
}

// Kill forcefully ends the backend and its process tree.
func (p *Process) Kill() error {
	if !p.Alive() {
		return nil
	}
	return kill(p.pid)
}

// Exists reports whether a process with pid is still present.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	return processExists(pid)
}

// ExitCode extracts a process exit code from a Wait error.
// It returns 0 for nil and -1 when the process ended by signal or never ran.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
