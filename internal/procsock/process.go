package procsock

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is a started child with all three stdio streams piped.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Pid() int
	Signal(sig os.Signal) error
	// Wait blocks until exit. A non-zero exit is reported through code, not err.
	// Callers must finish reading Stdout and Stderr first.
	Wait() (code int, err error)
}

// Spawner starts processes.
type Spawner interface {
	Spawn(path string, args []string) (Process, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(path string, args []string) (Process, error)

func (f SpawnerFunc) Spawn(path string, args []string) (Process, error) { return f(path, args) }

// ExecSpawner starts real executables through os/exec.
type ExecSpawner struct {
	Dir string
	Env []string
}

func (s ExecSpawner) Spawn(path string, args []string) (Process, error) {
	cmd := exec.Command(path, args...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return code, nil
	}
	return code, err
}
