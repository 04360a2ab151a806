package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotEnvelope is returned by Classify when a line is not a JSON-RPC envelope.
var ErrNotEnvelope = errors.New("not a json-rpc envelope")

// Envelope is the JSON-RPC framing the agent wraps around every line it writes.
// Result is the canonical payload field; Params is the deprecated alias still
// emitted by older agent builds.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the envelope carries no correlation id.
func (e Envelope) IsNotification() bool {
	return isNull(e.ID)
}

// CorrelationID returns the id as text, or "" for notifications.
func (e Envelope) CorrelationID() string {
	if isNull(e.ID) {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.ID, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(e.ID))
}

// Payload returns Result, falling back to Params when Result is absent.
func (e Envelope) Payload() json.RawMessage {
	if !isNull(e.Result) {
		return e.Result
	}
	if !isNull(e.Params) {
		return e.Params
	}
	return nil
}

// DecodeEnvelope parses one line of agent output into an Envelope.
func DecodeEnvelope(line []byte) (Envelope, error) {
	fields, ok := decodeObject(line)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: not a json object", ErrNotEnvelope)
	}
	if jsonKind(fields["jsonrpc"]) != kindString {
		return Envelope{}, fmt.Errorf("%w: jsonrpc must be a string", ErrNotEnvelope)
	}
	switch jsonKind(fields["id"]) {
	case kindString, kindNumber, kindNull, kindAbsent:
	default:
		return Envelope{}, fmt.Errorf("%w: id must be a string, number or null", ErrNotEnvelope)
	}
	switch jsonKind(fields["method"]) {
	case kindString, kindAbsent, kindNull:
	default:
		return Envelope{}, fmt.Errorf("%w: method must be a string", ErrNotEnvelope)
	}

	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrNotEnvelope, err)
	}
	if env.Payload() == nil {
		return Envelope{}, fmt.Errorf("%w: missing result", ErrNotEnvelope)
	}
	return env, nil
}

// Kind tags the payload variant carried by a Message.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindRequest
	KindQuote
	KindTransfer
	KindQuoteNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindQuote:
		return "quote"
	case KindTransfer:
		return "transfer"
	case KindQuoteNotification:
		return "quote_notification"
	default:
		return "unrecognized"
	}
}

// Message is a classified envelope. Exactly one of the typed pointers is set
// unless Kind is KindUnrecognized.
type Message struct {
	Kind              Kind
	Envelope          Envelope
	Request           *Request
	Quote             *Quote
	Transfer          *Transfer
	QuoteNotification *QuoteNotification
}

// Classify decodes a line and discriminates its payload. Payload shapes are
// tried in order Request, Quote, Transfer, QuoteNotification; the first match
// wins. A valid envelope whose payload matches nothing is KindUnrecognized.
func Classify(line []byte) (Message, error) {
	env, err := DecodeEnvelope(line)
	if err != nil {
		return Message{}, err
	}

	msg := Message{Kind: KindUnrecognized, Envelope: env}
	payload := env.Payload()

	if r, ok := AsRequest(payload); ok {
		msg.Kind, msg.Request = KindRequest, &r
	} else if q, ok := AsQuote(payload); ok {
		msg.Kind, msg.Quote = KindQuote, &q
	} else if t, ok := AsTransfer(payload); ok {
		msg.Kind, msg.Transfer = KindTransfer, &t
	} else if n, ok := AsQuoteNotification(payload); ok {
		msg.Kind, msg.QuoteNotification = KindQuoteNotification, &n
	}
	return msg, nil
}
