package child

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Proc abstracts the child OS process so tests can substitute a fake
// speaking the wire protocol over pipes.
type Proc interface {
	Start() error
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Signal(sig os.Signal) error
	Kill() error
	// Wait blocks until the process exits. Call at most once.
	Wait() error
	PID() int
}

// Launcher constructs a Proc for the given command line and
// environment. The production launcher wraps exec.Cmd.
type Launcher func(argv, env []string) Proc

// execProc runs a real subprocess.
type execProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// ExecLauncher is the production Launcher.
func ExecLauncher(argv, env []string) Proc {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	return &execProc{cmd: cmd}
}

func (p *execProc) Start() error {
	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	p.stdin = stdin

	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	p.stdout = stdout

	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	p.stderr = stderr

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start child: %w", err)
	}
	return nil
}

func (p *execProc) Stdin() io.WriteCloser { return p.stdin }
func (p *execProc) Stdout() io.Reader     { return p.stdout }
func (p *execProc) Stderr() io.Reader     { return p.stderr }

func (p *execProc) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return errors.New("child not started")
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProc) Wait() error {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Normal nonzero exit or signal death; the reader observes
			// EOF and classifies the failure. Not an error here.
			if _, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				return nil
			}
		}
		return err
	}
	return nil
}

func (p *execProc) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
