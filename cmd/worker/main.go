package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"


	"github.com/acadledger/acadledger/internal/app"
	"github.com/acadledger/acadledger/internal/bundler"
	jobmetrics "github.com/acadledger/acadledger/internal/jobs"
	"github.com/acadledger/acadledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	receipts := bundler.NewHTTPClient(cfg.BundlerURL, &http.Client{Timeout: cfg.ReceiptTimeout})
	reconcileJob := jobs.NewReconcileJob(receipts, logger, jobmetrics.NewMetrics(nil))

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.Redis().AsynqOpt(),
		Logger:      logger,
		Concurrency: cfg.BatchConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReconcileReceipt, Handler: reconcileJob.Handle},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.String("bundler", cfg.BundlerURL), slog.String("redis", cfg.RedisAddr))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
