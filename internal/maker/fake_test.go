package maker

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/rysk-adapter/internal/procsock"
	"github.com/Checker-Finance/rysk-adapter/pkg/model"
)

type fakeProc struct {
	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter
	stdinW           *io.PipeWriter

	mu     sync.Mutex
	code   int
	exited chan struct{}
	once   sync.Once
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
func (p *fakeProc) Pid() int              { return 11 }

func (p *fakeProc) Signal(os.Signal) error {
	p.exit(-1)
	return nil
}

func (p *fakeProc) Wait() (int, error) {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, nil
}

func (p *fakeProc) line(s string) { _, _ = p.stdoutW.Write([]byte(s + "\n")) }

func (p *fakeProc) errLine(s string) { _, _ = p.stderrW.Write([]byte(s + "\n")) }

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

// fakeAgent keeps connect processes open and runs script for everything else.
type fakeAgent struct {
	mu       sync.Mutex
	launched [][]string
	channels map[string][]*fakeProc
	script   func(args []string, p *fakeProc)
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{channels: make(map[string][]*fakeProc)}
}

func (a *fakeAgent) Spawn(_ string, args []string) (procsock.Process, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.launched = append(a.launched, append([]string(nil), args...))

	p := newFakeProc()
	if len(args) > 2 && args[0] == "connect" {
		a.channels[args[2]] = append(a.channels[args[2]], p)
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

func (a *fakeAgent) connects(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.channels[id])
}

func (a *fakeAgent) channel(t *testing.T, id string) *fakeProc {
	t.Helper()
	var p *fakeProc
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		if ps := a.channels[id]; len(ps) > 0 {
			p = ps[len(ps)-1]
		}
		return p != nil
	}, time.Second, 5*time.Millisecond)
	return p
}

func (a *fakeAgent) commands(name string) [][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out [][]string
	for _, c := range a.launched {
		if c[0] == name {
			out = append(out, c)
		}
	}
	return out
}

type memStore struct {
	mu      sync.Mutex
	records map[string]model.QuoteRecord
}

func newMemStore() *memStore { return &memStore{records: make(map[string]model.QuoteRecord)} }

func (s *memStore) SaveQuote(_ context.Context, rec model.QuoteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.RFQID] = rec
	return nil
}

func (s *memStore) UpdateQuoteStatus(_ context.Context, rfqID, status, reason string) (*model.QuoteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[rfqID]
	if !ok {
		return nil, nil
	}
	rec.Status, rec.Reason = status, reason
	s.records[rfqID] = rec
	return &rec, nil
}

func (s *memStore) get(rfqID string) (model.QuoteRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[rfqID]
	return rec, ok
}

type memAudit struct {
	mu       sync.Mutex
	rfqs     []string
	quotes   []model.QuoteRecord
	statuses []string
	err      error
}

func (a *memAudit) RecordRFQ(_ context.Context, _, rfqID string, _ model.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rfqs = append(a.rfqs, rfqID)
	return a.err
}

func (a *memAudit) RecordQuote(_ context.Context, rec model.QuoteRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quotes = append(a.quotes, rec)
	return a.err
}

func (a *memAudit) UpdateStatus(_ context.Context, rfqID, status, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses = append(a.statuses, rfqID+"="+status)
	return a.err
}

func (a *memAudit) snapshot() ([]string, []model.QuoteRecord, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.rfqs...), append([]model.QuoteRecord(nil), a.quotes...), append([]string(nil), a.statuses...)
}

type memBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *memBus) Publish(topic string, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
}

func (b *memBus) has(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		if t == topic {
			return true
		}
	}
	return false
}
