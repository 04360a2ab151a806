package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rysk-adapter/pkg/eventbus"
	"github.com/Checker-Finance/rysk-adapter/pkg/model"
)

type published struct {
	subject string
	env     *model.EventEnvelope
}

type fakeSink struct {
	mu     sync.Mutex
	got    []published
	fail   bool
	closed bool
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Publish(_ context.Context, subject string, env *model.EventEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker down")
	}
	f.got = append(f.got, published{subject, env})
	return nil
}

func (f *fakeSink) HealthCheck() error { return nil }

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.got...)
}

func TestRelay_ForwardsBusEvents(t *testing.T) {
	bus := eventbus.New()
	sink := &fakeSink{}
	r := New(bus, sink, "evt.rysk.", zap.NewNop())
	r.Start()

	bus.Publish(model.EventQuoteSent, model.Event{
		ChannelID:     "rfqs/0xabc",
		CorrelationID: "rfq-1",
		Payload:       model.Quote{Nonce: "42"},
	})

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	p := sink.snapshot()[0]
	assert.Equal(t, "evt.rysk.quote.sent", p.subject)
	assert.Equal(t, model.EventQuoteSent, p.env.EventType)
	assert.Equal(t, "rfqs/0xabc", p.env.ChannelID)
	assert.Equal(t, "rfq-1", p.env.CorrelationID)

	var q model.Quote
	require.NoError(t, json.Unmarshal(p.env.Payload, &q))
	assert.Equal(t, "42", q.Nonce)
}

func TestRelay_WrapsRawPayloads(t *testing.T) {
	bus := eventbus.New()
	sink := &fakeSink{}
	r := New(bus, sink, "", zap.NewNop())
	r.Start(model.EventQuotesExpired)

	bus.PublishSync(model.EventQuotesExpired, model.ExpiredSweep{Expired: 2})

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.EventQuotesExpired, sink.snapshot()[0].subject)
}

func TestRelay_CloseStopsForwarding(t *testing.T) {
	bus := eventbus.New()
	sink := &fakeSink{}
	r := New(bus, sink, "evt", nil)
	r.Start(model.EventRFQReceived)
	assert.Equal(t, 1, bus.SubscriberCount(model.EventRFQReceived))

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.True(t, sink.closed)
	assert.Equal(t, 0, bus.SubscriberCount(model.EventRFQReceived))

	bus.PublishSync(model.EventRFQReceived, model.Event{})
	assert.Empty(t, sink.snapshot())
}

func TestRelay_SinkErrorsAreSwallowed(t *testing.T) {
	bus := eventbus.New()
	sink := &fakeSink{fail: true}
	r := New(bus, sink, "evt", zap.NewNop())
	r.Start(model.EventChannelClosed)

	assert.NotPanics(t, func() {
		bus.PublishSync(model.EventChannelClosed, model.Event{Payload: model.ChannelClosed{Code: 1}})
	})
	assert.Empty(t, sink.snapshot())
}

type mockJetStream struct {
	published []*nats.Msg
	fail      bool
}

func (m *mockJetStream) PublishMsg(msg *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if m.fail {
		return nil, errors.New("mock publish error")
	}
	m.published = append(m.published, msg)
	return &nats.PubAck{Stream: "mock-stream"}, nil
}

func TestNATSSink_PublishSetsHeaders(t *testing.T) {
	js := &mockJetStream{}
	s := &NATSSink{js: js, service: "rysk-adapter", logger: zap.NewNop()}

	env, err := model.NewEventEnvelope(model.EventRFQReceived, "rfqs/0xabc", "rfq-1", model.Request{Asset: "0xabc"})
	require.NoError(t, err)
	require.NoError(t, s.Publish(context.Background(), "evt.rysk.rfq.received", env))

	require.Len(t, js.published, 1)
	msg := js.published[0]
	assert.Equal(t, "evt.rysk.rfq.received", msg.Subject)
	assert.Equal(t, model.EventRFQReceived, msg.Header.Get("event_type"))
	assert.Equal(t, "rfq-1", msg.Header.Get("correlation_id"))
	assert.Equal(t, "rfqs/0xabc", msg.Header.Get("channel_id"))
	assert.Equal(t, "rysk-adapter", msg.Header.Get("service"))

	var decoded model.EventEnvelope
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, env.ID, decoded.ID)

	assert.NoError(t, s.HealthCheck())
	assert.NoError(t, s.Close())
}

func TestNATSSink_PublishError(t *testing.T) {
	s := &NATSSink{js: &mockJetStream{fail: true}, logger: zap.NewNop()}
	env, _ := model.NewEventEnvelope(model.EventQuoteSent, "c", "id", nil)
	assert.Error(t, s.Publish(context.Background(), "evt.rysk.quote.sent", env))
}

type mockChannel struct {
	keys   []string
	msgs   []amqp.Publishing
	fail   bool
	closed bool
}

func (m *mockChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if m.fail {
		return errors.New("channel closed")
	}
	m.keys = append(m.keys, key)
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *mockChannel) Close() error {
	m.closed = true
	return nil
}

func TestAMQPSink_Publish(t *testing.T) {
	ch := &mockChannel{}
	s := &AMQPSink{channel: ch, service: "rysk-adapter", logger: zap.NewNop()}

	env, err := model.NewEventEnvelope(model.EventQuoteRejected, "rfqs/0xabc", "rfq-9", map[string]string{"error": "nonce reused"})
	require.NoError(t, err)
	require.NoError(t, s.Publish(context.Background(), "evt.rysk.quote.rejected", env))

	require.Len(t, ch.msgs, 1)
	assert.Equal(t, "evt.rysk.quote.rejected", ch.keys[0])
	msg := ch.msgs[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, "rfq-9", msg.CorrelationId)
	assert.Equal(t, env.ID.String(), msg.MessageId)
	assert.Equal(t, uint8(10), msg.Priority)
	assert.Equal(t, "rfqs/0xabc", msg.Headers["channel_id"])

	require.NoError(t, s.Close())
	assert.True(t, ch.closed)
}

func TestAMQPSink_PublishError(t *testing.T) {
	s := &AMQPSink{channel: &mockChannel{fail: true}, logger: zap.NewNop()}
	env, _ := model.NewEventEnvelope(model.EventQuoteSent, "c", "id", nil)
	assert.Error(t, s.Publish(context.Background(), "q", env))
}

func TestNopSink(t *testing.T) {
	var s Sink = NopSink{}
	assert.Equal(t, "none", s.Name())
	assert.NoError(t, s.Publish(context.Background(), "x", nil))
	assert.NoError(t, s.HealthCheck())
	assert.NoError(t, s.Close())
}
