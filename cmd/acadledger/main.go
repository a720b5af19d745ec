package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/acadledger/acadledger/internal/academic"
	"github.com/acadledger/acadledger/internal/aggregator"
	"github.com/acadledger/acadledger/internal/app"
	"github.com/acadledger/acadledger/internal/bundler"
	"github.com/acadledger/acadledger/internal/chain"
	"github.com/acadledger/acadledger/internal/contracts"
	"github.com/acadledger/acadledger/internal/identity"
	"github.com/acadledger/acadledger/internal/observability"
	"github.com/acadledger/acadledger/internal/platform/cache"
	"github.com/acadledger/acadledger/internal/platform/db"
	"github.com/acadledger/acadledger/internal/sponsor"
	"github.com/acadledger/acadledger/internal/storage"
	"github.com/acadledger/acadledger/jobs"
)

func main() {
	if len(os.Args) > 1 {
		os.Exit(runCommand(os.Args[1], os.Args[2:]))
	}

	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	metrics := observability.NewMetrics()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("open ledger state", slog.String("backend", cfg.StateBackend), slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	operator, err := loadOperator(cfg, logger)
	if err != nil {
		logger.Error("load operator key", slog.Any("error", err))
		os.Exit(1)
	}

	ledger := chain.New(store, chain.Options{ChainID: cfg.ChainID, Logger: logger})
	coordinator := contracts.Coordinator{Operator: operator.Address(), BaseFee: cfg.BaseFee, ByteFee: cfg.ByteFee}
	if err := contracts.Install(ctx, ledger, coordinator); err != nil {
		logger.Error("install contracts", slog.Any("error", err))
		os.Exit(1)
	}
	sponsorAddr, err := parseAddress(cfg.SponsorAddress)
	if err != nil {
		logger.Error("parse sponsor address", slog.Any("error", err))
		os.Exit(1)
	}
	added, err := contracts.TopUpDeposit(ctx, ledger, operator.Address(), sponsorAddr, cfg.SponsorDeposit)
	if err != nil {
		logger.Error("fund sponsor", slog.Any("error", err))
		os.Exit(1)
	}
	if added > 0 {
		logger.Info("sponsor funded", slog.String("sponsor", sponsorAddr.Hex()), slog.Uint64("amount", added))
	}

	bundle := bundler.New(ledger, bundler.Options{
		Operator:  operator.Address(),
		BlockTime: cfg.BlockTime,
		Logger:    logger,
		Metrics:   bundler.NewMetrics(metrics.Registerer()),
	})
	go func() {
		if err := bundle.Run(ctx); err != nil {
			logger.Error("bundler run", slog.Any("error", err))
		}
	}()

	var redisClient *redis.Client
	if needsRedis(cfg) {
		redisClient, err = cache.New(ctx, cfg.Redis())
		if err != nil {
			if cfg.SequencerBackend == "redis" {
				logger.Error("connect redis", slog.Any("error", err))
				os.Exit(1)
			}
			logger.Warn("redis unavailable, running without cache and reconcile jobs", slog.Any("error", err))
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	var sequencer sponsor.Sequencer
	if cfg.SequencerBackend == "redis" {
		sequencer = sponsor.NewRedisSequencer(redisClient, bundle, cfg.SequencerLockTTL)
	}
	client := sponsor.NewClient(bundle, sequencer, sponsor.Config{
		ChainID:        cfg.ChainID,
		Coordinator:    contracts.CoordinatorAddress,
		Sponsor:        sponsorAddr,
		MaxFee:         cfg.MaxFee,
		PollInterval:   cfg.PollInterval,
		ReceiptTimeout: cfg.ReceiptTimeout,
	}, logger)

	cas, err := storage.NewLocalFS(cfg.CASRoot, cfg.CASGateway)
	if err != nil {
		logger.Error("open certificate store", slog.Any("error", err))
		os.Exit(1)
	}

	var directoryCache *aggregator.Cache
	var jobHandler *jobs.Handler
	var reconciler academic.Reconciler
	if redisClient != nil {
		directoryCache = aggregator.NewCache(redisClient, cfg.DirectoryCacheTTL)
		go func() {
			if err := directoryCache.ListenForInvalidation(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("directory invalidation", slog.Any("error", err))
			}
		}()

		redisOpts := cfg.Redis().AsynqOpt()
		jobClient, err := jobs.NewClient(redisOpts)
		if err != nil {
			logger.Error("init job client", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		reconciler = jobClient

		inspector := asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	directory := aggregator.NewDirectory(aggregator.LedgerResolver{Ledger: bundle}, directoryCache)
	sessions := academic.NewSessions(cfg.SessionTTL)
	go sessions.Run(ctx, time.Minute)

	service := academic.NewService(academic.Options{
		Ledger:           client,
		Storage:          cas,
		Hydrator:         aggregator.New(directory, cas, logger),
		Sessions:         sessions,
		Reconciler:       reconciler,
		Directory:        directory,
		Metrics:          academic.NewMetrics(metrics.Registerer()),
		Logger:           logger,
		BatchConcurrency: cfg.BatchConcurrency,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		AcademicHandler: academic.NewHandler(logger, service),
		BundlerHandler:  bundler.NewHandler(bundle, logger),
		JobHandler:      jobHandler,
		Metrics:         metrics,
		Ready: func(ctx context.Context) error {
			_, err := ledger.Head(ctx)
			return err
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("operator", operator.Address().Hex()),
			slog.String("state", cfg.StateBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// openStore returns the ledger state backend selected by STATE_BACKEND.
func openStore(ctx context.Context, cfg *app.Config) (chain.Store, func(), error) {
	if cfg.StateBackend != "postgres" {
		return chain.NewMemoryStore(), func() {}, nil
	}
	pool, err := db.New(ctx, db.Config{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns, ConnectTimeout: 5 * time.Second})
	if err != nil {
		return nil, nil, err
	}
	store := chain.NewPGStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

// loadOperator reads OPERATOR_KEY, generating a throwaway key outside
// production when it is unset.
func loadOperator(cfg *app.Config, logger *slog.Logger) (*identity.Identity, error) {
	if key := strings.TrimSpace(cfg.OperatorKey); key != "" {
		return identity.FromHex(key)
	}
	op, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	logger.Warn("OPERATOR_KEY not set, using an ephemeral operator", slog.String("operator", op.Address().Hex()))
	return op, nil
}

func needsRedis(cfg *app.Config) bool {
	return cfg.SequencerBackend == "redis" || strings.TrimSpace(cfg.RedisAddr) != ""
}
