package relay

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sigma-snaken/sigma-patrol/internal/logging"
)

// commandSpec describes one encoder subprocess invocation.
type commandSpec struct {
	Path      string
	Args      []string
	PipeStdin bool
}

// process is a started subprocess. The supervisor's monitor loop drives
// handle state transitions purely through this interface, so restart and
// backoff logic is testable without spawning real encoders.
type process interface {
	Stdin() io.WriteCloser // nil when the spec did not pipe stdin
	Alive() bool
	Terminate() error // graceful (SIGTERM)
	Kill() error
	WaitExit(timeout time.Duration) bool // true when the process exited in time
}

// launcher starts processes from specs.
type launcher interface {
	Launch(spec commandSpec, tag string) (process, error)
}

// execLauncher launches real subprocesses via os/exec.
type execLauncher struct {
	logger logging.Logger
}

func (l execLauncher) Launch(spec commandSpec, tag string) (process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)

	var stdin io.WriteCloser
	if spec.PipeStdin {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdin = pipe
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}

	p := &execProcess{cmd: cmd, stdin: stdin, done: make(chan struct{})}

	logger := logging.OrNop(l.logger)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				logger.Debug("%s[%s]: %s", spec.Path, tag, line)
			}
		}
	}()
	go func() {
		cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}

	killOnce sync.Once
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Terminate() error {
	if !p.Alive() {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if !p.Alive() {
		return nil
	}
	var err error
	p.killOnce.Do(func() { err = p.cmd.Process.Kill() })
	return err
}

func (p *execProcess) WaitExit(timeout time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
