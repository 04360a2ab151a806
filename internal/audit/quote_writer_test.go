package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rysk-adapter/pkg/model"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	mu    sync.Mutex
	calls []execCall
	tag   string
	err   error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag(f.tag), nil
}

func (f *fakeDB) last(t *testing.T) execCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

func TestQuoteWriter_NilDBIsNoop(t *testing.T) {
	w := NewQuoteWriter(nil, nil, "rysk-adapter")
	ctx := context.Background()

	assert.NoError(t, w.RecordRFQ(ctx, "rfqs/0xabc", "id", model.Request{}))
	assert.NoError(t, w.RecordQuote(ctx, model.QuoteRecord{RFQID: "id"}))
	assert.NoError(t, w.UpdateStatus(ctx, "id", model.QuoteStatusOutbid, ""))
}

func TestQuoteWriter_RecordRFQ(t *testing.T) {
	db := &fakeDB{tag: "INSERT 0 1"}
	w := NewQuoteWriter(db, zap.NewNop(), "rysk-adapter")

	req := model.Request{Asset: "0xabc", AssetName: "WETH", ChainID: 84532, Expiry: 1750000000, Quantity: "1", Strike: "3000", Taker: "0xtaker"}
	require.NoError(t, w.RecordRFQ(context.Background(), "rfqs/0xabc", "rfq-1", req))

	call := db.last(t)
	assert.Contains(t, call.sql, "activity.t_rysk_rfq")
	assert.Contains(t, call.sql, "DO NOTHING")
	assert.Equal(t, "rfq-1", call.args[0])
	assert.Equal(t, "rfqs/0xabc", call.args[1])
	assert.Equal(t, "rysk-adapter", call.args[len(call.args)-1])
}

func TestQuoteWriter_RecordQuote(t *testing.T) {
	db := &fakeDB{tag: "INSERT 0 1"}
	w := NewQuoteWriter(db, zap.NewNop(), "rysk-adapter")

	rec := model.QuoteRecord{
		RFQID:     "rfq-1",
		ChannelID: "rfqs/0xabc",
		Quote:     model.Quote{Maker: "0xmaker", Nonce: "42", Price: "10", Quantity: "2", USD: "20", ValidUntil: 1750000030},
		Status:    model.QuoteStatusSent,
	}
	require.NoError(t, w.RecordQuote(context.Background(), rec))

	call := db.last(t)
	assert.Contains(t, call.sql, "activity.t_rysk_quote")
	assert.Contains(t, call.sql, "ON CONFLICT (s_id_rfq)")
	assert.Equal(t, "0xmaker", call.args[2])
	assert.Equal(t, time.Unix(1750000030, 0).UTC(), call.args[8])
	assert.Equal(t, model.QuoteStatusSent, call.args[9])
	assert.Contains(t, call.sql, "EXCLUDED.s_status = 'SENT' AND activity.t_rysk_quote.s_status IN ('BEST', 'OUTBID')",
		"a re-recorded SENT quote keeps its BEST/OUTBID standing")
}

func TestQuoteWriter_PropagatesErrors(t *testing.T) {
	db := &fakeDB{err: errors.New("connection reset")}
	w := NewQuoteWriter(db, zap.NewNop(), "rysk-adapter")
	ctx := context.Background()

	assert.Error(t, w.RecordRFQ(ctx, "c", "id", model.Request{}))
	assert.Error(t, w.RecordQuote(ctx, model.QuoteRecord{RFQID: "id"}))
	assert.Error(t, w.UpdateStatus(ctx, "id", model.QuoteStatusBest, ""))
}

func TestQuoteWriter_UpdateStatus(t *testing.T) {
	db := &fakeDB{tag: "UPDATE 0"}
	w := NewQuoteWriter(db, zap.NewNop(), "rysk-adapter")

	require.NoError(t, w.UpdateStatus(context.Background(), "rfq-1", model.QuoteStatusOutbid, "beaten"))
	call := db.last(t)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(call.sql), "UPDATE activity.t_rysk_quote"))
	assert.Equal(t, []any{"rfq-1", model.QuoteStatusOutbid, "beaten"}, call.args)
}
