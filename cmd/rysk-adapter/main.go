package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rysk-adapter/internal/api"
	"github.com/Checker-Finance/rysk-adapter/internal/audit"
	"github.com/Checker-Finance/rysk-adapter/internal/command"
	"github.com/Checker-Finance/rysk-adapter/internal/config"
	"github.com/Checker-Finance/rysk-adapter/internal/jobs"
	"github.com/Checker-Finance/rysk-adapter/internal/maker"
	"github.com/Checker-Finance/rysk-adapter/internal/rate"
	"github.com/Checker-Finance/rysk-adapter/internal/relay"
	internalsecrets "github.com/Checker-Finance/rysk-adapter/internal/secrets"
	"github.com/Checker-Finance/rysk-adapter/internal/session"
	"github.com/Checker-Finance/rysk-adapter/internal/store"
	"github.com/Checker-Finance/rysk-adapter/pkg/eventbus"
	"github.com/Checker-Finance/rysk-adapter/pkg/logger"
	"github.com/Checker-Finance/rysk-adapter/pkg/secrets"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()
	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Infof("starting [%s]...", cfg.ServiceName)

	if err := cfg.Validate(); err != nil {
		logg.Fatalw("invalid configuration", "error", err)
	}
	logg.Info(cfg.String())

	network, err := command.ParseEnv(cfg.Network)
	if err != nil {
		logg.Fatalw("invalid network", "error", err)
	}

	// --- Signing key (Secrets Manager first, env fallback) ---
	var provider secrets.Provider
	keyCache := secrets.NewCache[string](cfg.SecretCacheTTL)
	stopCleaner := make(chan struct{})
	if cfg.PrivateKeySecret != "" {
		awsProvider, err := secrets.NewAWSProvider(ctx, cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to create AWS Secrets Manager provider", "error", err)
		}
		provider = awsProvider
		go keyCache.StartCleaner(time.Hour, stopCleaner)
	}
	resolver := internalsecrets.NewKeyResolver(logger.Named("secrets"), provider, cfg.PrivateKeySecret, cfg.PrivateKey, keyCache)
	privateKey, err := resolver.Resolve(ctx)
	switch {
	case errors.Is(err, internalsecrets.ErrNoSigningKey):
		logg.Warn("no signing key configured; quoting and transfers are disabled")
	case err != nil:
		logg.Fatalw("failed to resolve signing key", "error", err)
	}

	// --- Agent client ---
	rateMgr := rate.NewManager(rate.Config{
		RequestsPerSecond: cfg.LaunchRate,
		Burst:             cfg.LaunchBurst,
	})
	client, err := session.NewClient(session.Config{
		CLIPath:    cfg.CLIPath,
		Env:        network,
		PrivateKey: privateKey,
	},
		session.WithLogger(logger.Named("session")),
		session.WithThrottle(rateMgr),
	)
	if err != nil {
		logg.Fatalw("failed to init agent client", "error", err)
	}
	if !cfg.SkipVersionCheck {
		version, err := client.EnsureVersion(ctx, cfg.MinCLIVersion, cfg.StrictVersionCheck)
		if err != nil {
			logg.Fatalw("agent version check failed", "cli", cfg.CLIPath, "error", err)
		}
		logg.Infow("agent version", "version", version, "min", cfg.MinCLIVersion)
	}

	// --- Store (Redis + optional Postgres) ---
	st, err := store.NewHybrid(cfg.RedisAddr, cfg.RedisDB, cfg.RedisPass, cfg.DatabaseURL, store.PGPoolConfig{
		MaxConns: int32(cfg.PGMaxConns),
	}, logger.Named("store"))
	if err != nil {
		logg.Fatalw("failed to init store", "error", err)
	}

	var db audit.DBExecutor
	if st.PG != nil {
		db = st.PG
	}
	quoteWriter := audit.NewQuoteWriter(db, logger.Named("audit"), cfg.ServiceName)

	// --- Event bus and relay ---
	bus := eventbus.New()

	var sink relay.Sink
	switch cfg.EventSink {
	case config.SinkNATS:
		sink, err = relay.DialNATS(cfg.NATSURL, cfg.ServiceName, logger.Named("relay"))
	case config.SinkAMQP:
		sink, err = relay.DialAMQP(cfg.RabbitMQURL, cfg.ServiceName, logger.Named("relay"))
	default:
		sink = relay.NopSink{}
	}
	if err != nil {
		logg.Fatalw("failed to connect event sink", "sink", cfg.EventSink, "error", err)
	}
	rel := relay.New(bus, sink, cfg.SubjectPrefix, logger.Named("relay"))
	rel.Start()

	// --- Expired quote sweeper ---
	var sweeper *jobs.QuoteSweeper
	if db != nil {
		sweeper = jobs.NewQuoteSweeper(logger.Named("jobs"), db, bus, cfg.SweepInterval)
		sweeper.Start(ctx)
	}

	// --- Maker workflow ---
	var mk *maker.Maker
	if len(cfg.RFQAssets) > 0 {
		price, _ := decimal.NewFromString(cfg.QuotePrice)
		mk, err = maker.New(maker.Config{
			MakerAddress:     cfg.MakerAddress,
			MakerChannel:     cfg.MakerChannel,
			MakerURI:         cfg.MakerURI,
			Assets:           cfg.RFQAssets,
			Window:           cfg.QuoteWindow,
			CollateralAsset:  cfg.CollateralAsset,
			ReconnectBackoff: cfg.ReconnectBackoff,
		}, client, maker.FixedPrice(price),
			maker.WithStore(st),
			maker.WithAuditor(quoteWriter),
			maker.WithPublisher(bus),
			maker.WithNonces(maker.NewNonceSource(st, 24*time.Hour)),
			maker.WithLogger(logger.Named("maker")),
		)
		if err != nil {
			logg.Fatalw("failed to init maker", "error", err)
		}
		if err := mk.Start(ctx); err != nil {
			logg.Fatalw("failed to start maker", "error", err)
		}
	} else {
		logg.Warn("RYSK_RFQ_ASSETS not configured; no rfq feeds subscribed")
	}

	// --- Fiber HTTP Server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	})
	handler := api.NewChannelHandler(logger.Named("api"), api.NewSessionService(client), st)
	api.RegisterRoutes(app, st, rel, handler)

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	logg.Infow("["+cfg.ServiceName+"] running",
		"network", network,
		"sink", sink.Name(),
		"assets", len(cfg.RFQAssets))

	<-ctx.Done()
	logg.Info("shutting down [" + cfg.ServiceName + "]...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	close(stopCleaner)
	if sweeper != nil {
		sweeper.Stop()
	}
	if mk != nil {
		if err := mk.Stop(shutdownCtx); err != nil {
			logg.Warnw("maker.stop_failed", "error", err)
		}
	} else if err := client.Shutdown(shutdownCtx); err != nil {
		logg.Warnw("session.shutdown_failed", "error", err)
	}
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber.shutdown_failed", "error", err)
	}
	if err := rel.Close(); err != nil {
		logg.Warnw("relay.close_failed", "error", err)
	}
	if err := st.Close(); err != nil {
		logg.Warnw("store.close_failed", "error", err)
	}
	logger.L().Info("shutdown.complete", zap.String("service", cfg.ServiceName))
}
