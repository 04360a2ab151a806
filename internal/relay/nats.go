package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rysk-adapter/internal/metrics"
	"github.com/Checker-Finance/rysk-adapter/pkg/model"
)

// msgPublisher is the part of nats.JetStreamContext the sink uses.
type msgPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSSink publishes envelopes to JetStream with routing headers.
type NATSSink struct {
	nc      *nats.Conn
	js      msgPublisher
	service string
	logger  *zap.Logger
}

// DialNATS connects to url and enables JetStream.
func DialNATS(url, service string, logger *zap.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name(service),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats jetstream: %w", err)
	}
	return &NATSSink{nc: nc, js: js, service: service, logger: orNop(logger)}, nil
}

func (s *NATSSink) Name() string { return "nats" }

// Publish serializes env and publishes it on subject.
func (s *NATSSink) Publish(ctx context.Context, subject string, env *model.EventEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		metrics.IncError("relay", "marshal_failed")
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID},
			"channel_id":     []string{env.ChannelID},
			"service":        []string{s.service},
			"content_type":   []string{"application/json"},
		},
	}

	start := time.Now()
	_, err = s.js.PublishMsg(msg, nats.Context(ctx))
	metrics.ObserveDuration(metrics.RelayLatency, start, s.Name())
	if err != nil {
		s.logger.Error("relay.nats.publish_failed",
			zap.String("subject", subject),
			zap.String("event_type", env.EventType),
			zap.Error(err),
		)
		metrics.IncRelay(s.Name(), subject, "error")
		return err
	}

	s.logger.Debug("relay.nats.published",
		zap.String("subject", subject),
		zap.String("event_type", env.EventType),
		zap.String("correlation_id", env.CorrelationID),
	)
	metrics.IncRelay(s.Name(), subject, "ok")
	return nil
}

func (s *NATSSink) HealthCheck() error {
	if s.nc == nil {
		return nil
	}
	if !s.nc.IsConnected() {
		return errors.New("nats not connected")
	}
	return nil
}

func (s *NATSSink) Close() error {
	if s.nc != nil && !s.nc.IsClosed() {
		return s.nc.Drain()
	}
	return nil
}

func orNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
