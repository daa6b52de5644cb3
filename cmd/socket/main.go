// The socket process serves the realtime fan-out: it subscribes to the
// global event channel and pushes envelopes to connected websocket
// sessions, replaying missed events from the per-user streams on
// reconnect.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/numhive/platform/internal/app"
	"github.com/numhive/platform/internal/auth"
	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/internal/metrics"
	"github.com/numhive/platform/internal/ws"
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
	}).WithField("process", "socket")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, cleanup, err := app.Bootstrap(ctx, cfg, "socket", appLog)
	if err != nil {
		appLog.Fatalf("bootstrap: %v", err)
	}
	defer cleanup()

	issuer := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	hub := ws.NewHub(application.Redis, issuer, application.Activations, cfg.Socket, appLog)
	if err := application.Attach(hub); err != nil {
		appLog.Fatalf("attach hub: %v", err)
	}
	if err := application.Attach(newListener(cfg.Socket.Addr, hub, appLog)); err != nil {
		appLog.Fatalf("attach listener: %v", err)
	}

	if err := application.Start(ctx); err != nil {
		appLog.Fatalf("start: %v", err)
	}
	appLog.WithField("addr", cfg.Socket.Addr).Info("socket process running")

	<-ctx.Done()
	appLog.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Stop(stopCtx); err != nil {
		appLog.WithError(err).Error("shutdown incomplete")
	}
	appLog.Info("socket process stopped")
}

// listener is the process-local HTTP front for the hub: the websocket
// endpoint plus liveness and metrics.
type listener struct {
	server *http.Server
	log    *logger.Logger
}

func newListener(addr string, hub *ws.Hub, log *logger.Logger) *listener {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return &listener{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0, // websocket writes manage their own deadlines
			IdleTimeout:  60 * time.Second,
		},
		log: log,
	}
}

func (l *listener) Name() string { return "socket-listener" }

func (l *listener) Start(context.Context) error {
	ln, err := net.Listen("tcp", l.server.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.log.WithError(err).Error("socket listener serve")
		}
	}()
	return nil
}

func (l *listener) Stop(ctx context.Context) error {
	return l.server.Shutdown(ctx)
}
