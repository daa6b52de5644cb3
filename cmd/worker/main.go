// The worker process consumes the durable queues and drives the
// background pipeline: catalogue sync, outbox dispatch, inbox polling,
// notification delivery, reservation cleanup and ledger reconciliation.
// Scheduled jobs are registered here; the api process only publishes.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/numhive/platform/internal/app"
	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	appLog := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	}).WithField("process", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, cleanup, err := app.Bootstrap(ctx, cfg, "worker", appLog)
	if err != nil {
		appLog.Fatalf("bootstrap: %v", err)
	}
	defer cleanup()

	if n, err := application.SeedProviders(ctx); err != nil {
		appLog.WithError(err).Warn("provider seeding incomplete")
	} else if n > 0 {
		appLog.WithField("created", n).Info("providers seeded")
	}

	if err := application.AttachWorker(); err != nil {
		appLog.Fatalf("attach worker services: %v", err)
	}
	if err := application.Start(ctx); err != nil {
		appLog.Fatalf("start: %v", err)
	}
	appLog.WithField("services", application.Services()).Info("worker process running")

	<-ctx.Done()
	appLog.Info("shutdown signal received")

	drain := cfg.Worker.DrainTimeout
	if drain <= 0 {
		drain = 10 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := application.Stop(stopCtx); err != nil {
		appLog.WithError(err).Error("shutdown incomplete")
	}
	appLog.Info("worker process stopped")
}
