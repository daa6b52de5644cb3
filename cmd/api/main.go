// The api process serves the public HTTP surface: auth, wallet, search,
// number purchase and lifecycle, SMS listing, provider webhooks and
// metrics. It publishes events and jobs but consumes neither; the worker
// process does.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/numhive/platform/internal/app"
	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/internal/httpapi"
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
	}).WithField("process", "api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, cleanup, err := app.Bootstrap(ctx, cfg, "api", appLog)
	if err != nil {
		appLog.Fatalf("bootstrap: %v", err)
	}
	defer cleanup()

	if n, err := application.SeedProviders(ctx); err != nil {
		appLog.WithError(err).Warn("provider seeding incomplete")
	} else if n > 0 {
		appLog.WithField("created", n).Info("providers seeded")
	}

	server := httpapi.New(cfg.HTTP, cfg.Auth, httpapi.Deps{
		Users:       application.Stores.Users,
		Funds:       application.Wallet,
		Market:      application.Market,
		Activations: application.Activations,
		Numbers:     application.Stores.Numbers,
		Providers:   application.Stores.Providers,
		Outbox:      application.Stores.Outbox,
		Registry:    application.Registry,
		Jobs:        application.Jobs,
		Redis:       application.Redis,
	}, appLog)
	if err := application.Attach(server); err != nil {
		appLog.Fatalf("attach http server: %v", err)
	}

	if err := application.Start(ctx); err != nil {
		appLog.Fatalf("start: %v", err)
	}
	appLog.WithField("addr", cfg.HTTP.Addr).Info("api process running")

	<-ctx.Done()
	appLog.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(stopCtx); err != nil {
		appLog.WithError(err).Error("shutdown incomplete")
	}
	appLog.Info("api process stopped")
}
