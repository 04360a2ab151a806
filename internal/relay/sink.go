package relay

import (
	"context"

	"github.com/Checker-Finance/rysk-adapter/pkg/model"
)

// Sink delivers event envelopes to an external broker.
type Sink interface {
	Name() string
	Publish(ctx context.Context, subject string, env *model.EventEnvelope) error
	HealthCheck() error
	Close() error
}

// NopSink drops everything. Used when EVENT_SINK=none.
type NopSink struct{}

func (NopSink) Name() string { return "none" }

func (NopSink) Publish(context.Context, string, *model.EventEnvelope) error { return nil }

func (NopSink) HealthCheck() error { return nil }

func (NopSink) Close() error { return nil }
