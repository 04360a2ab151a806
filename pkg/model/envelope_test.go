package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rfqLine = `{"jsonrpc":"2.0","id":"r1","method":"rfq","result":{"asset":"0xabc","assetName":"WETH","chainId":1,"expiry":1700000000,"isPut":false,"quantity":"1.0","strike":"2000","taker":"0xdef"}}`

func TestClassify_RFQEnvelope(t *testing.T) {
	msg, err := Classify([]byte(rfqLine))
	require.NoError(t, err)

	assert.Equal(t, KindRequest, msg.Kind)
	assert.Equal(t, "r1", msg.Envelope.CorrelationID())
	assert.Equal(t, "rfq", msg.Envelope.Method)
	assert.False(t, msg.Envelope.IsNotification())
	require.NotNil(t, msg.Request)
	assert.Equal(t, Request{
		Asset:     "0xabc",
		AssetName: "WETH",
		ChainID:   1,
		Expiry:    1700000000,
		IsPut:     false,
		Quantity:  "1.0",
		Strike:    "2000",
		Taker:     "0xdef",
	}, *msg.Request)

	now := time.Now()
	q, err := NewQuote(*msg.Request, QuoteParams{
		Maker: "0xmaker",
		Nonce: "1",
		Price: decimal.RequireFromString("12.5"),
	}, now)
	require.NoError(t, err)
	assert.Greater(t, q.ValidUntil, now.Unix())
	assert.Equal(t, now.Add(DefaultQuoteWindow).Unix(), q.ValidUntil)
}

func TestAsRequest_MissingField(t *testing.T) {
	full := map[string]any{
		"asset":     "0xabc",
		"assetName": "WETH",
		"chainId":   1,
		"expiry":    1700000000,
		"isPut":     false,
		"quantity":  "1.0",
		"strike":    "2000",
		"taker":     "0xdef",
	}
	raw, _ := json.Marshal(full)
	_, ok := AsRequest(raw)
	require.True(t, ok)

	for name := range full {
		t.Run(name, func(t *testing.T) {
			partial := make(map[string]any, len(full))
			for k, v := range full {
				if k != name {
					partial[k] = v
				}
			}
			raw, _ := json.Marshal(partial)
			_, ok := AsRequest(raw)
			assert.False(t, ok)
		})
	}
}

func TestAsRequest_WrongPrimitiveType(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"chain id as string", `{"asset":"0xabc","assetName":"WETH","chainId":"1","expiry":1,"isPut":false,"quantity":"1","strike":"1","taker":"0x1"}`},
		{"isPut as string", `{"asset":"0xabc","assetName":"WETH","chainId":1,"expiry":1,"isPut":"false","quantity":"1","strike":"1","taker":"0x1"}`},
		{"quantity as number", `{"asset":"0xabc","assetName":"WETH","chainId":1,"expiry":1,"isPut":false,"quantity":1,"strike":"1","taker":"0x1"}`},
		{"null asset", `{"asset":null,"assetName":"WETH","chainId":1,"expiry":1,"isPut":false,"quantity":"1","strike":"1","taker":"0x1"}`},
		{"array", `[1,2,3]`},
		{"string", `"hello"`},
		{"null", `null`},
		{"broken", `{"asset":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := AsRequest(json.RawMessage(tt.raw))
			assert.False(t, ok)
		})
	}
}

func TestAsRequest_NoRangeChecks(t *testing.T) {
	raw := `{"asset":"","assetName":"","chainId":-5,"expiry":0,"isPut":true,"quantity":"-1","strike":"abc","taker":""}`
	r, ok := AsRequest(json.RawMessage(raw))
	require.True(t, ok)
	assert.Equal(t, int64(-5), r.ChainID)
	assert.Equal(t, "abc", r.Strike)
}

func TestClassify_PriorityAndVariants(t *testing.T) {
	tests := []struct {
		name string
		line string
		kind Kind
	}{
		{
			name: "signed quote",
			line: `{"jsonrpc":"2.0","id":"q1","result":{"assetAddress":"0xabc","chainId":1,"expiry":1700000000,"isPut":true,"isTakerBuy":false,"maker":"0xm","nonce":"5","price":"1","quantity":"1","signature":"0xsig","strike":"2000","validUntil":1700000030}}`,
			kind: KindQuote,
		},
		{
			name: "unsigned quote is unrecognized",
			line: `{"jsonrpc":"2.0","id":"q1","result":{"assetAddress":"0xabc","chainId":1,"expiry":1700000000,"isPut":true,"isTakerBuy":false,"maker":"0xm","nonce":"5","price":"1","quantity":"1","strike":"2000","validUntil":1700000030}}`,
			kind: KindUnrecognized,
		},
		{
			name: "transfer",
			line: `{"jsonrpc":"2.0","id":"t1","result":{"amount":"10","asset":"0xusdc","chain_id":84532,"is_deposit":true,"nonce":"9"}}`,
			kind: KindTransfer,
		},
		{
			name: "quote notification without id",
			line: `{"jsonrpc":"2.0","method":"quote","result":{"rfqId":"r1","assetAddress":"0xabc","chainId":1,"newBest":"1.1","yours":"1.2"}}`,
			kind: KindQuoteNotification,
		},
		{
			name: "plain string result",
			line: `{"jsonrpc":"2.0","id":"x","result":"ok"}`,
			kind: KindUnrecognized,
		},
		{
			name: "request wins over extra fields",
			line: `{"jsonrpc":"2.0","id":"r2","result":{"asset":"0xabc","assetName":"WETH","chainId":1,"expiry":1,"isPut":false,"quantity":"1","strike":"1","taker":"0x1","rfqId":"r2","newBest":"1","yours":"1","assetAddress":"0xabc"}}`,
			kind: KindRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Classify([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, msg.Kind)
		})
	}
}

func TestClassify_ParamsAlias(t *testing.T) {
	line := `{"jsonrpc":"2.0","id":null,"method":"rfq","params":{"asset":"0xabc","assetName":"WETH","chainId":1,"expiry":1,"isPut":false,"quantity":"1","strike":"1","taker":"0x1"}}`
	msg, err := Classify([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, KindRequest, msg.Kind)
	assert.True(t, msg.Envelope.IsNotification())
	assert.Equal(t, "", msg.Envelope.CorrelationID())
}

func TestClassify_ResultPreferredOverParams(t *testing.T) {
	line := `{"jsonrpc":"2.0","id":"a","result":{"amount":"1","asset":"0x1","chain_id":1,"is_deposit":false,"nonce":"1"},"params":{"rfqId":"r","assetAddress":"0x","chainId":1,"newBest":"1","yours":"1"}}`
	msg, err := Classify([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, KindTransfer, msg.Kind)
}

func TestClassify_NumericID(t *testing.T) {
	msg, err := Classify([]byte(`{"jsonrpc":"2.0","id":42,"result":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "42", msg.Envelope.CorrelationID())
	assert.Equal(t, KindUnrecognized, msg.Kind)
}

func TestClassify_FramingErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", `hello world`},
		{"truncated", `{"jsonrpc":"2.0","id":"r1"`},
		{"array", `[1,2]`},
		{"missing jsonrpc", `{"id":"r1","result":{}}`},
		{"numeric jsonrpc", `{"jsonrpc":2,"id":"r1","result":{}}`},
		{"object id", `{"jsonrpc":"2.0","id":{},"result":{}}`},
		{"no payload", `{"jsonrpc":"2.0","id":"r1"}`},
		{"null payload", `{"jsonrpc":"2.0","id":"r1","result":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Classify([]byte(tt.line))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNotEnvelope))
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "request", KindRequest.String())
	assert.Equal(t, "quote", KindQuote.String())
	assert.Equal(t, "transfer", KindTransfer.String())
	assert.Equal(t, "quote_notification", KindQuoteNotification.String())
	assert.Equal(t, "unrecognized", KindUnrecognized.String())
}
