package model

import "time"

// Quote lifecycle states as persisted by the store and the audit tables.
const (
	QuoteStatusSent     = "SENT"
	QuoteStatusRejected = "REJECTED"
	QuoteStatusOutbid   = "OUTBID"
	QuoteStatusBest     = "BEST"
	QuoteStatusExpired  = "EXPIRED"
)

// QuoteRecord is a quote we answered an RFQ with, plus its standing.
type QuoteRecord struct {
	RFQID     string    `json:"rfq_id"`
	ChannelID string    `json:"channel_id"`
	Request   Request   `json:"request"`
	Quote     Quote     `json:"quote"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidUntil returns the quote deadline as a time.
func (r QuoteRecord) ValidUntil() time.Time {
	return time.Unix(r.Quote.ValidUntil, 0).UTC()
}

// ExpiredSweep is the payload of EventQuotesExpired.
type ExpiredSweep struct {
	Expired    int64 `json:"expired"`
	DurationMS int64 `json:"duration_ms"`
}
