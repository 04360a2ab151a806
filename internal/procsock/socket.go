// Package procsock exposes a spawned agent process through socket-like
// lifecycle semantics: each stdout line is a message, stderr output is an
// error, process exit is the close.
package procsock

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/rysk-adapter/internal/command"
	"github.com/Checker-Finance/rysk-adapter/internal/metrics"
	"github.com/Checker-Finance/rysk-adapter/pkg/eventbus"
)

// ReadyState mirrors the websocket readyState values.
type ReadyState int32

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EventType names the four socket events.
type EventType string

const (
	EventOpen    EventType = "open"
	EventMessage EventType = "message"
	EventError   EventType = "error"
	EventClose   EventType = "close"
)

// Event is delivered to listeners. Data is set for messages, Err for errors
// and for the close of a process that never started, Code and Reason for close.
type Event struct {
	Type   EventType
	Data   []byte
	Err    error
	Code   int
	Reason string
}

// ErrClosed is returned by Send once the socket left the OPEN state.
var ErrClosed = errors.New("procsock: socket is not open")

// StderrError wraps one line the process wrote to standard error.
type StderrError struct {
	Line string
}

func (e *StderrError) Error() string { return e.Line }

const (
	reasonExited       = "process exited"
	reasonLaunchFailed = "launch failed"
	queueSize          = 256
)

// Socket is one agent process seen as a socket. All events of a socket are
// delivered serially on a single goroutine; close is always the last one.
type Socket struct {
	path    string
	args    []string
	logger  *zap.Logger
	spawner Spawner
	bus     *eventbus.EventBus

	state   atomic.Int32
	proc    Process
	started time.Time

	mu          sync.Mutex
	closeReason string
	closeEvent  Event

	queue chan Event
	done  chan struct{}
}

// Option configures a Socket before its process starts.
type Option func(*Socket)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Socket) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSpawner replaces the os/exec spawner, mostly for tests.
func WithSpawner(sp Spawner) Option {
	return func(s *Socket) {
		if sp != nil {
			s.spawner = sp
		}
	}
}

// WithListener subscribes fn to t before the process starts, so no event of
// that type can be missed.
func WithListener(t EventType, fn func(Event)) Option {
	return func(s *Socket) { s.On(t, fn) }
}

// WithSlot installs fn as the single slot handler for t before the process starts.
func WithSlot(t EventType, fn func(Event)) Option {
	return func(s *Socket) { s.setSlot(t, fn) }
}

// Launch spawns path with args and returns the socket already OPEN. A spawn
// failure is never returned: it is delivered as an error event followed by
// close, and the socket ends CLOSED.
func Launch(path string, args []string, opts ...Option) *Socket {
	s := &Socket{
		path:    path,
		args:    append([]string(nil), args...),
		logger:  zap.NewNop(),
		spawner: ExecSpawner{},
		bus:     eventbus.New(),
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
	}
	s.state.Store(int32(Connecting))
	for _, opt := range opts {
		opt(s)
	}

	go s.dispatch()

	cmd := s.commandName()
	proc, err := s.spawner.Spawn(path, s.args)
	if err != nil {
		s.state.Store(int32(Closing))
		metrics.ProcessLaunches.WithLabelValues(cmd, "error").Inc()
		s.logger.Warn("procsock.launch_failed",
			zap.String("path", path),
			zap.Strings("args", command.Redact(s.args)),
			zap.Error(err),
		)
		s.queue <- Event{Type: EventError, Err: err}
		s.queue <- Event{Type: EventClose, Code: -1, Reason: reasonLaunchFailed, Err: err}
		return s
	}

	s.proc = proc
	s.started = time.Now()
	s.state.Store(int32(Open))
	metrics.ProcessLaunches.WithLabelValues(cmd, "ok").Inc()
	s.logger.Debug("procsock.launch",
		zap.String("path", path),
		zap.Strings("args", command.Redact(s.args)),
		zap.Int("pid", proc.Pid()),
	)

	s.queue <- Event{Type: EventOpen}

	var readers sync.WaitGroup
	readers.Add(2)
	go s.readLines(proc.Stdout(), &readers, func(line []byte) Event {
		return Event{Type: EventMessage, Data: line}
	})
	go s.readLines(proc.Stderr(), &readers, func(line []byte) Event {
		return Event{Type: EventError, Err: &StderrError{Line: string(line)}}
	})
	go s.awaitExit(&readers)

	return s
}

// readLines forwards every non-empty line of r. A final line without a
// trailing newline is still delivered.
func (s *Socket) readLines(r io.Reader, wg *sync.WaitGroup, toEvent func([]byte) Event) {
	defer wg.Done()

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) > 0 {
			s.queue <- toEvent(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("procsock.read_ended", zap.String("command", s.commandName()), zap.Error(err))
			}
			return
		}
	}
}

// awaitExit emits close once both streams are drained and the process is reaped.
func (s *Socket) awaitExit(readers *sync.WaitGroup) {
	readers.Wait()
	code, err := s.proc.Wait()
	if s.proc.Stdin() != nil {
		_ = s.proc.Stdin().Close()
	}

	cmd := s.commandName()
	metrics.ProcessExits.WithLabelValues(cmd, strconv.Itoa(code)).Inc()
	metrics.ObserveDuration(metrics.ProcessLifetime, s.started, cmd)

	s.mu.Lock()
	reason := s.closeReason
	s.mu.Unlock()
	if reason == "" {
		reason = reasonExited
	}

	s.logger.Debug("procsock.exit",
		zap.String("command", cmd),
		zap.Int("pid", s.proc.Pid()),
		zap.Int("code", code),
		zap.Error(err),
	)
	s.queue <- Event{Type: EventClose, Code: code, Reason: reason, Err: err}
}

func (s *Socket) dispatch() {
	defer close(s.done)
	for ev := range s.queue {
		if ev.Type == EventClose {
			s.state.Store(int32(Closed))
			s.mu.Lock()
			s.closeEvent = ev
			s.mu.Unlock()
			s.bus.PublishSync(string(ev.Type), ev)
			return
		}
		s.bus.PublishSync(string(ev.Type), ev)
	}
}

// Close terminates the process with SIGTERM. It is a no-op unless the socket
// is OPEN; CLOSED is reached when the process exit is observed.
func (s *Socket) Close(code int, reason string) {
	if !s.state.CompareAndSwap(int32(Open), int32(Closing)) {
		return
	}
	s.mu.Lock()
	s.closeReason = reason
	s.mu.Unlock()

	s.logger.Debug("procsock.close",
		zap.String("command", s.commandName()),
		zap.Int("pid", s.proc.Pid()),
		zap.Int("code", code),
		zap.String("reason", reason),
	)
	if err := s.proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("procsock.signal_failed", zap.Int("pid", s.proc.Pid()), zap.Error(err))
	}
}

// Send writes p to the process's standard input.
func (s *Socket) Send(p []byte) error {
	if s.ReadyState() != Open {
		return ErrClosed
	}
	_, err := s.proc.Stdin().Write(p)
	return err
}

// ReadyState returns the current lifecycle state.
func (s *Socket) ReadyState() ReadyState {
	return ReadyState(s.state.Load())
}

// Args returns the argument vector with the private key masked.
func (s *Socket) Args() []string {
	return command.Redact(s.args)
}

// Pid returns the child pid, or 0 if it never started.
func (s *Socket) Pid() int {
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

// Done is closed after the close event has been delivered.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the close event was delivered and returns it.
func (s *Socket) Wait(ctx context.Context) (Event, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.closeEvent, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// On subscribes fn to events of type t. Subscribers run after the slot
// handler, in registration order.
func (s *Socket) On(t EventType, fn func(Event)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return s.bus.Subscribe(string(t), func(e any) { fn(e.(Event)) })
}

// SetOnOpen replaces the open slot handler; nil clears it.
func (s *Socket) SetOnOpen(fn func()) {
	if fn == nil {
		s.setSlot(EventOpen, nil)
		return
	}
	s.setSlot(EventOpen, func(Event) { fn() })
}

// SetOnMessage replaces the message slot handler; nil clears it.
func (s *Socket) SetOnMessage(fn func(data []byte)) {
	if fn == nil {
		s.setSlot(EventMessage, nil)
		return
	}
	s.setSlot(EventMessage, func(e Event) { fn(e.Data) })
}

// SetOnError replaces the error slot handler; nil clears it.
func (s *Socket) SetOnError(fn func(err error)) {
	if fn == nil {
		s.setSlot(EventError, nil)
		return
	}
	s.setSlot(EventError, func(e Event) { fn(e.Err) })
}

// SetOnClose replaces the close slot handler; nil clears it.
func (s *Socket) SetOnClose(fn func(code int, reason string)) {
	if fn == nil {
		s.setSlot(EventClose, nil)
		return
	}
	s.setSlot(EventClose, func(e Event) { fn(e.Code, e.Reason) })
}

func (s *Socket) setSlot(t EventType, fn func(Event)) {
	if fn == nil {
		s.bus.SetSlot(string(t), nil)
		return
	}
	s.bus.SetSlot(string(t), func(e any) { fn(e.(Event)) })
}

func (s *Socket) commandName() string {
	if len(s.args) == 0 {
		return "none"
	}
	return s.args[0]
}
