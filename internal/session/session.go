package session

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/rysk-adapter/internal/metrics"
	"github.com/Checker-Finance/rysk-adapter/internal/procsock"
	"github.com/Checker-Finance/rysk-adapter/pkg/model"
)

// Handlers receive classified messages of one channel. All callbacks of a
// session run on that session's dispatcher goroutine, one at a time.
type Handlers struct {
	OnRequest           func(s *Session, rfqID string, req model.Request)
	OnQuote             func(s *Session, id string, q model.Quote)
	OnTransfer          func(s *Session, id string, t model.Transfer)
	OnQuoteNotification func(s *Session, n model.QuoteNotification)
	// OnResponse receives envelopes whose payload matched no known shape.
	OnResponse func(s *Session, env model.Envelope)
	OnClose    func(s *Session, code int, reason string)
}

// Session is a channel backed by a long-running connect process.
type Session struct {
	ID     string
	URI    string
	URL    string
	Opened time.Time

	handlers Handlers
	logger   *zap.Logger

	mu     sync.Mutex
	socket *procsock.Socket

	received atomic.Int64
	dropped  atomic.Int64
	done     chan struct{}
}

// Stats is a point-in-time view of a session.
type Stats struct {
	ChannelID string    `json:"channel_id"`
	URI       string    `json:"uri"`
	State     string    `json:"state"`
	Pid       int       `json:"pid"`
	Received  int64     `json:"received"`
	Dropped   int64     `json:"dropped"`
	OpenedAt  time.Time `json:"opened_at"`
}

func newSession(id, uri, url string, h Handlers, logger *zap.Logger) *Session {
	return &Session{
		ID:       id,
		URI:      uri,
		URL:      url,
		Opened:   time.Now().UTC(),
		handlers: h,
		logger:   logger.With(zap.String("channel", id)),
		done:     make(chan struct{}),
	}
}

func (s *Session) options(onClosed func(*Session)) []procsock.Option {
	return []procsock.Option{
		procsock.WithListener(procsock.EventMessage, func(e procsock.Event) {
			s.handleLine(e.Data)
		}),
		procsock.WithListener(procsock.EventError, func(e procsock.Event) {
			s.logger.Warn("session.agent_error", zap.Error(e.Err))
		}),
		procsock.WithListener(procsock.EventClose, func(e procsock.Event) {
			metrics.ActiveChannels.Dec()
			onClosed(s)
			s.logger.Info("session.closed",
				zap.Int("code", e.Code),
				zap.String("reason", e.Reason),
				zap.Error(e.Err),
				zap.Int64("received", s.received.Load()),
				zap.Int64("dropped", s.dropped.Load()),
			)
			if s.handlers.OnClose != nil {
				s.handlers.OnClose(s, e.Code, e.Reason)
			}
			close(s.done)
		}),
	}
}

func (s *Session) attach(sock *procsock.Socket) {
	s.mu.Lock()
	s.socket = sock
	s.mu.Unlock()
}

// Socket returns the underlying process socket.
func (s *Session) Socket() *procsock.Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket
}

// State returns the socket state; a session whose process ended is CLOSED.
func (s *Session) State() procsock.ReadyState {
	select {
	case <-s.done:
		return procsock.Closed
	default:
	}
	if sock := s.Socket(); sock != nil {
		return sock.ReadyState()
	}
	return procsock.Connecting
}

// Close terminates the connect process.
func (s *Session) Close(code int, reason string) {
	if sock := s.Socket(); sock != nil {
		sock.Close(code, reason)
	}
}

// Done is closed after the session's close event was handled.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stats snapshots counters and state.
func (s *Session) Stats() Stats {
	st := Stats{
		ChannelID: s.ID,
		URI:       s.URI,
		State:     s.State().String(),
		Received:  s.received.Load(),
		Dropped:   s.dropped.Load(),
		OpenedAt:  s.Opened,
	}
	if sock := s.Socket(); sock != nil {
		st.Pid = sock.Pid()
	}
	return st
}

// handleLine decodes one stdout line. Lines that are not envelopes are
// logged and dropped without affecting the session.
func (s *Session) handleLine(line []byte) {
	msg, err := model.Classify(line)
	if err != nil {
		s.dropped.Add(1)
		metrics.IncFramingError(s.ID)
		s.logger.Warn("session.framing_error",
			zap.ByteString("line", truncate(line, 512)),
			zap.Error(err),
		)
		return
	}
	s.received.Add(1)
	metrics.IncMessage(s.ID, msg.Kind.String())

	id := msg.Envelope.CorrelationID()
	switch msg.Kind {
	case model.KindRequest:
		if s.handlers.OnRequest != nil {
			s.handlers.OnRequest(s, id, *msg.Request)
			return
		}
	case model.KindQuote:
		if s.handlers.OnQuote != nil {
			s.handlers.OnQuote(s, id, *msg.Quote)
			return
		}
	case model.KindTransfer:
		if s.handlers.OnTransfer != nil {
			s.handlers.OnTransfer(s, id, *msg.Transfer)
			return
		}
	case model.KindQuoteNotification:
		if s.handlers.OnQuoteNotification != nil {
			s.handlers.OnQuoteNotification(s, *msg.QuoteNotification)
			return
		}
	default:
		if s.handlers.OnResponse != nil {
			s.handlers.OnResponse(s, msg.Envelope)
			return
		}
	}
	s.logger.Debug("session.unhandled_message",
		zap.String("kind", msg.Kind.String()),
		zap.String("id", id),
		zap.String("method", msg.Envelope.Method),
	)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
