package audit

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rysk-adapter/pkg/model"
)

// DBExecutor is the subset of pgxpool.Pool the audit writers need.
type DBExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// QuoteWriter appends RFQs and our quotes to the activity audit tables.
// A nil db turns every call into a no-op so the adapter runs without Postgres.
type QuoteWriter struct {
	db     DBExecutor
	logger *zap.Logger
	source string
}

// NewQuoteWriter constructs a writer. source identifies the adapter writing the record.
func NewQuoteWriter(db DBExecutor, logger *zap.Logger, source string) *QuoteWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuoteWriter{db: db, logger: logger, source: source}
}

const rfqInsert = `
		INSERT INTO activity.t_rysk_rfq (
			s_id_rfq,
			s_channel,
			s_asset,
			s_asset_name,
			n_chain_id,
			n_expiry,
			b_is_put,
			dec_quantity,
			dec_strike,
			s_taker,
			s_source,
			dt_received
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (s_id_rfq) DO NOTHING;
	`

const quoteUpsert = `
		INSERT INTO activity.t_rysk_quote (
			s_id_rfq,
			s_channel,
			s_maker,
			s_nonce,
			dec_price,
			dec_quantity,
			dec_usd,
			b_is_taker_buy,
			dt_valid_until,
			s_status,
			s_reason,
			s_source,
			dt_created
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (s_id_rfq)
		DO UPDATE SET
			s_status = CASE
				WHEN EXCLUDED.s_status = 'SENT' AND activity.t_rysk_quote.s_status IN ('BEST', 'OUTBID')
				THEN activity.t_rysk_quote.s_status
				ELSE EXCLUDED.s_status
			END,
			s_reason = CASE
				WHEN EXCLUDED.s_status = 'SENT' AND activity.t_rysk_quote.s_status IN ('BEST', 'OUTBID')
				THEN activity.t_rysk_quote.s_reason
				ELSE EXCLUDED.s_reason
			END,
			dt_updated = NOW();
	`

const quoteStatusUpdate = `
		UPDATE activity.t_rysk_quote
		SET s_status = $2, s_reason = $3, dt_updated = NOW()
		WHERE s_id_rfq = $1;
	`

// RecordRFQ stores an inbound request once; replays of the same id are ignored.
func (w *QuoteWriter) RecordRFQ(ctx context.Context, channelID, rfqID string, req model.Request) error {
	if w.db == nil {
		return nil
	}
	_, err := w.db.Exec(ctx, rfqInsert,
		rfqID,
		channelID,
		req.Asset,
		req.AssetName,
		req.ChainID,
		req.Expiry,
		req.IsPut,
		req.Quantity,
		req.Strike,
		req.Taker,
		w.source,
	)
	if err != nil {
		w.logger.Error("audit.rfq_insert_failed", zap.String("rfq_id", rfqID), zap.Error(err))
	}
	return err
}

// RecordQuote upserts the quote we sent (or failed to send) for rec.RFQID.
func (w *QuoteWriter) RecordQuote(ctx context.Context, rec model.QuoteRecord) error {
	if w.db == nil {
		return nil
	}
	q := rec.Quote
	_, err := w.db.Exec(ctx, quoteUpsert,
		rec.RFQID,
		rec.ChannelID,
		q.Maker,
		q.Nonce,
		q.Price,
		q.Quantity,
		q.USD,
		q.IsTakerBuy,
		rec.ValidUntil(),
		rec.Status,
		rec.Reason,
		w.source,
	)
	if err != nil {
		w.logger.Error("audit.quote_upsert_failed",
			zap.String("rfq_id", rec.RFQID),
			zap.String("status", rec.Status),
			zap.Error(err),
		)
		return err
	}

	w.logger.Debug("audit.quote_recorded",
		zap.String("rfq_id", rec.RFQID),
		zap.String("channel", rec.ChannelID),
		zap.String("status", rec.Status),
	)
	return nil
}

// UpdateStatus moves a recorded quote to status. Unknown ids are not an error.
func (w *QuoteWriter) UpdateStatus(ctx context.Context, rfqID, status, reason string) error {
	if w.db == nil {
		return nil
	}
	tag, err := w.db.Exec(ctx, quoteStatusUpdate, rfqID, status, reason)
	if err != nil {
		w.logger.Error("audit.quote_status_failed", zap.String("rfq_id", rfqID), zap.Error(err))
		return err
	}
	if tag.RowsAffected() == 0 {
		w.logger.Debug("audit.quote_status_unknown_rfq", zap.String("rfq_id", rfqID))
	}
	return nil
}
