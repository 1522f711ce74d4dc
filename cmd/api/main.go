package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/domain-retrieval/internal/adapters/http"
	"github.com/kirillkom/domain-retrieval/internal/bootstrap"
	"github.com/kirillkom/domain-retrieval/internal/config"
	"github.com/kirillkom/domain-retrieval/internal/infrastructure/queue/nats"
	"github.com/kirillkom/domain-retrieval/internal/observability/logging"
	"github.com/kirillkom/domain-retrieval/internal/observability/metrics"
)

const service = "retrieval-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.NewJSONLogger(service, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, service)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	go app.Cache.Run(ctx, cfg.CacheSweepInterval)
	go func() {
		err := app.Bus.SubscribeInvalidations(ctx, cfg.NATSInvalidateSubject, func(handlerCtx context.Context, event nats.InvalidationEvent) error {
			_, err := app.CacheAdminUC.InvalidateDomain(handlerCtx, event.Domain.String())
			return err
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("invalidation_subscribe_failed", "error", err)
		}
	}()

	serverMetrics := metrics.NewHTTPServerMetrics(service)
	serverMetrics.RegisterCacheStats(service, app.CacheAdminUC.Stats)

	router := httpadapter.NewRouter(cfg, app.RetrieveUC, app.FeedbackUC, app.CacheAdminUC, serverMetrics).Handler()
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
}
