package session

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/rysk-adapter/internal/procsock"
)

type fakeProc struct {
	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter
	stdinW           *io.PipeWriter

	mu      sync.Mutex
	code    int
	signals int
	exited  chan struct{}
	once    sync.Once
}

func newFakeProc() *fakeProc {
	p := &fakeProc{exited: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	var stdinR *io.PipeReader
	stdinR, p.stdinW = io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, stdinR) }()
	return p
}

func (p *fakeProc) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProc) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProc) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProc) Pid() int              { return 7 }

func (p *fakeProc) Signal(os.Signal) error {
	p.mu.Lock()
	p.signals++
	p.mu.Unlock()
	p.exit(-1)
	return nil
}

func (p *fakeProc) Wait() (int, error) {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, nil
}

func (p *fakeProc) line(s string) {
	_, _ = p.stdoutW.Write([]byte(s + "\n"))
}

func (p *fakeProc) errLine(s string) {
	_, _ = p.stderrW.Write([]byte(s + "\n"))
}

func (p *fakeProc) exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		close(p.exited)
	})
}

// fakeAgent plays the ryskV12 executable. connect processes stay up until
// closed; every other command runs script (default: exit 0).
type fakeAgent struct {
	mu       sync.Mutex
	paths    []string
	launched [][]string
	channels map[string]*fakeProc
	script   func(args []string, p *fakeProc)
	failWith error
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{channels: make(map[string]*fakeProc)}
}

func (a *fakeAgent) Spawn(path string, args []string) (procsock.Process, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failWith != nil {
		return nil, a.failWith
	}
	a.paths = append(a.paths, path)
	a.launched = append(a.launched, append([]string(nil), args...))

	p := newFakeProc()
	if len(args) > 2 && args[0] == "connect" {
		a.channels[args[2]] = p
		return p, nil
	}
	script := a.script
	go func() {
		if script != nil {
			script(args, p)
		}
		p.exit(0)
	}()
	return p, nil
}

func (a *fakeAgent) channel(t *testing.T, id string) *fakeProc {
	t.Helper()
	var p *fakeProc
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		p = a.channels[id]
		return p != nil
	}, time.Second, 5*time.Millisecond)
	return p
}

func (a *fakeAgent) commands() [][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]string(nil), a.launched...)
}

func (a *fakeAgent) lastCommand(name string) []string {
	cmds := a.commands()
	for i := len(cmds) - 1; i >= 0; i-- {
		if cmds[i][0] == name {
			return cmds[i]
		}
	}
	return nil
}

type denyThrottle struct{}

func (denyThrottle) Wait(context.Context, string) error { return errors.New("denied") }
