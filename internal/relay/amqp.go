package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rysk-adapter/internal/metrics"
	"github.com/Checker-Finance/rysk-adapter/pkg/model"
)

// amqpChannel is the part of *amqp.Channel the sink uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes envelopes to RabbitMQ. The subject becomes the routing key
// on the default exchange.
type AMQPSink struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	service  string
	logger   *zap.Logger
}

// DialAMQP opens a connection and a channel on url.
func DialAMQP(url, service string, logger *zap.Logger) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return &AMQPSink{conn: conn, channel: ch, service: service, logger: orNop(logger)}, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Publish(ctx context.Context, subject string, env *model.EventEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		metrics.IncError("relay", "marshal_failed")
		return err
	}

	pub := amqp.Publishing{
		ContentType:   "application/json",
		MessageId:     env.ID.String(),
		CorrelationId: env.CorrelationID,
		Type:          env.EventType,
		AppId:         s.service,
		Timestamp:     env.Timestamp,
		DeliveryMode:  amqp.Persistent,
		Headers:       amqp.Table{"channel_id": env.ChannelID},
		Body:          body,
	}
	if env.EventType == model.EventQuoteRejected || env.EventType == model.EventChannelClosed {
		pub.Priority = 10
	}

	start := time.Now()
	err = s.channel.PublishWithContext(ctx,
		s.exchange, // exchange
		subject,    // routing key
		false,      // mandatory
		false,      // immediate
		pub,
	)
	metrics.ObserveDuration(metrics.RelayLatency, start, s.Name())
	if err != nil {
		s.logger.Error("relay.amqp.publish_failed",
			zap.String("routing_key", subject),
			zap.String("event_type", env.EventType),
			zap.Error(err),
		)
		metrics.IncRelay(s.Name(), subject, "error")
		return err
	}
	metrics.IncRelay(s.Name(), subject, "ok")
	return nil
}

func (s *AMQPSink) HealthCheck() error {
	if s.conn != nil && s.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}

func (s *AMQPSink) Close() error {
	if s.channel != nil {
		_ = s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
