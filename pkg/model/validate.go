package model

import (
	"bytes"
	"encoding/json"
)

type valueKind int

const (
	kindAbsent valueKind = iota
	kindNull
	kindString
	kindNumber
	kindBool
	kindObject
	kindArray
	kindInvalid
)

type field struct {
	name string
	kind valueKind
}

var (
	requestShape = []field{
		{"asset", kindString},
		{"assetName", kindString},
		{"chainId", kindNumber},
		{"expiry", kindNumber},
		{"isPut", kindBool},
		{"quantity", kindString},
		{"strike", kindString},
		{"taker", kindString},
	}
	quoteShape = []field{
		{"assetAddress", kindString},
		{"chainId", kindNumber},
		{"expiry", kindNumber},
		{"isPut", kindBool},
		{"isTakerBuy", kindBool},
		{"maker", kindString},
		{"nonce", kindString},
		{"price", kindString},
		{"quantity", kindString},
		{"signature", kindString},
		{"strike", kindString},
		{"validUntil", kindNumber},
	}
	transferShape = []field{
		{"amount", kindString},
		{"asset", kindString},
		{"chain_id", kindNumber},
		{"is_deposit", kindBool},
		{"nonce", kindString},
	}
	quoteNotificationShape = []field{
		{"rfqId", kindString},
		{"assetAddress", kindString},
		{"chainId", kindNumber},
		{"newBest", kindString},
		{"yours", kindString},
	}
)

// AsRequest reports whether raw has the shape of a Request and returns it.
func AsRequest(raw json.RawMessage) (Request, bool) {
	var r Request
	return r, matches(raw, requestShape, &r)
}

// AsQuote reports whether raw has the shape of a signed Quote and returns it.
func AsQuote(raw json.RawMessage) (Quote, bool) {
	var q Quote
	return q, matches(raw, quoteShape, &q)
}

// AsTransfer reports whether raw has the shape of a Transfer and returns it.
func AsTransfer(raw json.RawMessage) (Transfer, bool) {
	var t Transfer
	return t, matches(raw, transferShape, &t)
}

// AsQuoteNotification reports whether raw has the shape of a QuoteNotification and returns it.
func AsQuoteNotification(raw json.RawMessage) (QuoteNotification, bool) {
	var n QuoteNotification
	return n, matches(raw, quoteNotificationShape, &n)
}

// matches checks presence and primitive type of every field in shape, then
// decodes raw into dst. Numbers must be integral to fit the int64 fields.
func matches(raw json.RawMessage, shape []field, dst any) bool {
	fields, ok := decodeObject(raw)
	if !ok {
		return false
	}
	for _, f := range shape {
		if jsonKind(fields[f.name]) != f.kind {
			return false
		}
	}
	return json.Unmarshal(raw, dst) == nil
}

func decodeObject(raw []byte) (map[string]json.RawMessage, bool) {
	if jsonKind(raw) != kindObject {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

func jsonKind(raw json.RawMessage) valueKind {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return kindAbsent
	}
	switch c := raw[0]; {
	case c == '"':
		return kindString
	case c == '{':
		return kindObject
	case c == '[':
		return kindArray
	case c == 't' || c == 'f':
		return kindBool
	case c == 'n':
		return kindNull
	case c == '-' || (c >= '0' && c <= '9'):
		return kindNumber
	default:
		return kindInvalid
	}
}

func isNull(raw json.RawMessage) bool {
	k := jsonKind(raw)
	return k == kindAbsent || k == kindNull
}
