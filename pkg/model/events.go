package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types relayed to downstream consumers.
const (
	EventRFQReceived       = "rfq.received"
	EventQuoteSent         = "quote.sent"
	EventQuoteRejected     = "quote.rejected"
	EventQuoteNotification = "quote.notification"
	EventTransferObserved  = "transfer.observed"
	EventChannelClosed     = "channel.closed"
	EventQuotesExpired     = "quote.expired"
)

// EventEnvelope is the canonical wrapper for events published to NATS or AMQP.
type EventEnvelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	ChannelID     string          `json:"channel_id"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEventEnvelope wraps payload for publication. correlationID is normally the RFQ id.
func NewEventEnvelope(eventType, channelID, correlationID string, payload any) (*EventEnvelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &EventEnvelope{
		ID:            uuid.New(),
		CorrelationID: correlationID,
		ChannelID:     channelID,
		EventType:     eventType,
		Version:       "1.0.0",
		Timestamp:     time.Now().UTC(),
		Payload:       data,
	}, nil
}

// Event is what producers put on the in-process bus; the relay turns it into an EventEnvelope.
type Event struct {
	ChannelID     string
	CorrelationID string
	Payload       any
}

// ChannelClosed is the payload of EventChannelClosed.
type ChannelClosed struct {
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
}
