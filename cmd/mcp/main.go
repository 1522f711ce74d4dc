package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mcpadapter "github.com/kirillkom/domain-retrieval/internal/adapters/mcp"
	"github.com/kirillkom/domain-retrieval/internal/bootstrap"
	"github.com/kirillkom/domain-retrieval/internal/config"
	"github.com/kirillkom/domain-retrieval/internal/infrastructure/queue/nats"
	"github.com/kirillkom/domain-retrieval/internal/observability/logging"
)

const service = "retrieval-mcp"

func main() {
	slog.SetDefault(logging.NewJSONLoggerTo(os.Stderr, service, "info"))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.NewJSONLoggerTo(os.Stderr, service, cfg.LogLevel))

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

	if err := mcpadapter.New(app.RetrieveUC, app.FeedbackUC, app.Domains).ServeStdio(); err != nil {
		slog.Error("mcp_server_failed", "error", err)
		os.Exit(1)
	}
}
