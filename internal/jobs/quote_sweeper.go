package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rysk-adapter/internal/metrics"
	"github.com/Checker-Finance/rysk-adapter/pkg/model"
)

// DBExecutor defines minimal subset of pgxpool.Pool needed for execution.
type DBExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Publisher receives the sweep summary; *eventbus.EventBus satisfies it.
type Publisher interface {
	Publish(topic string, event any)
}

const expireQuotesQuery = `
		UPDATE activity.t_rysk_quote
		SET s_status = 'EXPIRED', dt_updated = NOW()
		WHERE s_status IN ('SENT', 'BEST')
		  AND dt_valid_until < NOW();
	`

// QuoteSweeper periodically marks audited quotes whose validity window has passed
// as EXPIRED and announces how many it touched.
type QuoteSweeper struct {
	logger   *zap.Logger
	db       DBExecutor
	pub      Publisher
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewQuoteSweeper constructs the background job. pub may be nil.
func NewQuoteSweeper(logger *zap.Logger, db DBExecutor, pub Publisher, interval time.Duration) *QuoteSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuoteSweeper{
		logger:   logger,
		db:       db,
		pub:      pub,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop or context cancellation.
func (j *QuoteSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("quote_sweeper.started", zap.Duration("interval", j.interval))

	for {
		select {
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Warn("quote_sweeper.sweep_failed", zap.Error(err))
			}
		case <-j.stopCh:
			j.logger.Info("quote_sweeper.stopped (manual stop)")
			return
		case <-ctx.Done():
			j.logger.Info("quote_sweeper.stopped (context canceled)")
			return
		}
	}
}

// Stop halts the sweeper. Safe to call more than once.
func (j *QuoteSweeper) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

// RunOnce executes one sweep and returns the number of quotes expired.
func (j *QuoteSweeper) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()

	tag, err := j.db.Exec(ctx, expireQuotesQuery)
	if err != nil {
		metrics.IncError("quote_sweeper", "exec")
		return 0, err
	}

	expired := tag.RowsAffected()
	if expired > 0 && j.pub != nil {
		j.pub.Publish(model.EventQuotesExpired, model.ExpiredSweep{
			Expired:    expired,
			DurationMS: time.Since(start).Milliseconds(),
		})
	}

	j.logger.Info("quote_sweeper.sweep_complete",
		zap.Int64("expired_items", expired),
		zap.Duration("duration", time.Since(start)))
	return expired, nil
}
