package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/rysk-adapter/internal/metrics"
	"github.com/Checker-Finance/rysk-adapter/pkg/eventbus"
	"github.com/Checker-Finance/rysk-adapter/pkg/model"
)

// Topics forwarded by default.
var DefaultTopics = []string{
	model.EventRFQReceived,
	model.EventQuoteSent,
	model.EventQuoteRejected,
	model.EventQuoteNotification,
	model.EventTransferObserved,
	model.EventChannelClosed,
	model.EventQuotesExpired,
}

// Relay subscribes to bus topics and forwards every event to a Sink
// as a model.EventEnvelope on "<prefix>.<event type>".
type Relay struct {
	bus     *eventbus.EventBus
	sink    Sink
	prefix  string
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	unsubs []func()
	wg     sync.WaitGroup
	closed bool
}

// New wires sink to bus for topics. Nothing is forwarded until Start.
func New(bus *eventbus.EventBus, sink Sink, prefix string, logger *zap.Logger) *Relay {
	return &Relay{
		bus:     bus,
		sink:    sink,
		prefix:  strings.TrimSuffix(prefix, "."),
		timeout: 5 * time.Second,
		logger:  orNop(logger),
	}
}

// Subject returns the broker subject for an event type.
func (r *Relay) Subject(eventType string) string {
	if r.prefix == "" {
		return eventType
	}
	return r.prefix + "." + eventType
}

// Start subscribes to topics; DefaultTopics when none are given.
func (r *Relay) Start(topics ...string) {
	if len(topics) == 0 {
		topics = DefaultTopics
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, topic := range topics {
		topic := topic
		r.unsubs = append(r.unsubs, r.bus.Subscribe(topic, func(e any) {
			r.forward(topic, e)
		}))
	}
	r.logger.Info("relay.started", zap.String("sink", r.sink.Name()), zap.Strings("topics", topics))
}

func (r *Relay) forward(topic string, e any) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	var evt model.Event
	switch v := e.(type) {
	case model.Event:
		evt = v
	case *model.Event:
		evt = *v
	default:
		evt = model.Event{Payload: v}
	}

	env, err := model.NewEventEnvelope(topic, evt.ChannelID, evt.CorrelationID, evt.Payload)
	if err != nil {
		r.logger.Error("relay.envelope_failed", zap.String("topic", topic), zap.Error(err))
		metrics.IncError("relay", "envelope_failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.sink.Publish(ctx, r.Subject(topic), env); err != nil {
		r.logger.Warn("relay.forward_failed",
			zap.String("sink", r.sink.Name()),
			zap.String("topic", topic),
			zap.String("correlation_id", evt.CorrelationID),
			zap.Error(err),
		)
	}
}

// HealthCheck reports the sink's health.
func (r *Relay) HealthCheck() error { return r.sink.HealthCheck() }

// Close unsubscribes, waits for in-flight publishes and closes the sink.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	r.wg.Wait()
	return r.sink.Close()
}
