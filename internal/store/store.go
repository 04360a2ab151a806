package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rysk-adapter/pkg/model"
)

// ErrNonceReused is returned when a maker nonce has already been reserved.
var ErrNonceReused = errors.New("nonce already used")

// minQuoteTTL keeps just-expired quotes readable long enough for late notifications.
const minQuoteTTL = time.Minute

// Store caches quote state in Redis and optionally exposes a Postgres pool for auditing.
type Store interface {
	ReserveNonce(ctx context.Context, maker, nonce string, ttl time.Duration) error
	SaveQuote(ctx context.Context, rec model.QuoteRecord) error
	GetQuote(ctx context.Context, rfqID string) (*model.QuoteRecord, error)
	UpdateQuoteStatus(ctx context.Context, rfqID, status, reason string) (*model.QuoteRecord, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) error
	HealthCheck(ctx context.Context) error
	Close() error
}

type HybridStore struct {
	redis  *redis.Client
	PG     *pgxpool.Pool
	logger *zap.Logger
	now    func() time.Time
}

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// NewHybrid creates a Redis-first store. pgURL may be empty, in which case PG stays nil.
func NewHybrid(redisAddr string, redisDB int, redisPass, pgURL string, pgPoolConfig PGPoolConfig, logger *zap.Logger) (*HybridStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		DB:       redisDB,
		Password: redisPass,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	var pgPool *pgxpool.Pool
	if pgURL != "" {
		cfg, err := pgxpool.ParseConfig(pgURL)
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("invalid pg config: %w", err)
		}
		if pgPoolConfig.MaxConns > 0 {
			cfg.MaxConns = pgPoolConfig.MaxConns
		}
		if pgPoolConfig.MinConns > 0 {
			cfg.MinConns = pgPoolConfig.MinConns
		}
		if pgPoolConfig.MaxConnLifetime > 0 {
			cfg.MaxConnLifetime = pgPoolConfig.MaxConnLifetime
		}
		if pgPoolConfig.MaxConnIdleTime > 0 {
			cfg.MaxConnIdleTime = pgPoolConfig.MaxConnIdleTime
		}
		if pgPoolConfig.HealthCheckPeriod > 0 {
			cfg.HealthCheckPeriod = pgPoolConfig.HealthCheckPeriod
		}
		pgPool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	}

	return newHybrid(rdb, pgPool, logger), nil
}

func newHybrid(rdb *redis.Client, pg *pgxpool.Pool, logger *zap.Logger) *HybridStore {
	return &HybridStore{redis: rdb, PG: pg, logger: logger, now: time.Now}
}

func nonceKey(maker, nonce string) string { return fmt.Sprintf("rysk:nonce:%s:%s", maker, nonce) }
func quoteKey(rfqID string) string        { return "rysk:quote:" + rfqID }

// ReserveNonce claims nonce for maker. A second claim within ttl fails with ErrNonceReused.
func (s *HybridStore) ReserveNonce(ctx context.Context, maker, nonce string, ttl time.Duration) error {
	ok, err := s.redis.SetNX(ctx, nonceKey(maker, nonce), s.now().UTC().Unix(), ttl).Result()
	if err != nil {
		return fmt.Errorf("reserve nonce: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: maker=%s nonce=%s", ErrNonceReused, maker, nonce)
	}
	return nil
}

// SaveQuote caches rec until its quote expires (at least minQuoteTTL).
func (s *HybridStore) SaveQuote(ctx context.Context, rec model.QuoteRecord) error {
	if rec.RFQID == "" {
		return errors.New("quote record has no rfq id")
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return s.SetJSON(ctx, quoteKey(rec.RFQID), rec, s.quoteTTL(rec))
}

func (s *HybridStore) quoteTTL(rec model.QuoteRecord) time.Duration {
	ttl := rec.ValidUntil().Sub(s.now())
	if ttl < minQuoteTTL {
		ttl = minQuoteTTL
	}
	return ttl
}

// GetQuote returns nil, nil when nothing is cached for rfqID.
func (s *HybridStore) GetQuote(ctx context.Context, rfqID string) (*model.QuoteRecord, error) {
	var rec model.QuoteRecord
	if err := s.GetJSON(ctx, quoteKey(rfqID), &rec); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// UpdateQuoteStatus rewrites the status of a cached quote. It returns nil, nil if the quote is gone.
func (s *HybridStore) UpdateQuoteStatus(ctx context.Context, rfqID, status, reason string) (*model.QuoteRecord, error) {
	rec, err := s.GetQuote(ctx, rfqID)
	if err != nil || rec == nil {
		return rec, err
	}
	rec.Status = status
	rec.Reason = reason
	if err := s.SaveQuote(ctx, *rec); err != nil {
		s.logger.Warn("store.redis.quote_update_failed", zap.String("rfq_id", rfqID), zap.Error(err))
		return nil, err
	}
	return rec, nil
}

func (s *HybridStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key, data, ttl).Err()
}

func (s *HybridStore) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (s *HybridStore) HealthCheck(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if s.PG != nil {
		if err := s.PG.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}
	return nil
}

func (s *HybridStore) Close() error {
	if s.PG != nil {
		s.PG.Close()
	}
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
