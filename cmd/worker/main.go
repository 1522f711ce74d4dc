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

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/domain-retrieval/internal/bootstrap"
	"github.com/kirillkom/domain-retrieval/internal/config"
	"github.com/kirillkom/domain-retrieval/internal/core/domain"
	"github.com/kirillkom/domain-retrieval/internal/infrastructure/resilience"
	"github.com/kirillkom/domain-retrieval/internal/observability/logging"
	"github.com/kirillkom/domain-retrieval/internal/observability/metrics"
)

const service = "retrieval-worker"

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

	workerMetrics := metrics.NewWorkerMetrics(service)
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	persistExec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    4,
		RetryInitialBackoff: 500 * time.Millisecond,
		RetryMaxBackoff:     4 * time.Second,
		RetryJitter:         0.2,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("worker_subscribed", "subject", cfg.NATSFeedbackSubject, "kind", metrics.EventVote)
		return app.Bus.SubscribeVotes(gctx, cfg.NATSFeedbackSubject, func(handlerCtx context.Context, record domain.FeedbackRecord) error {
			if !record.SubmittedAt.IsZero() {
				workerMetrics.ObserveQueueLag(service, metrics.EventVote, time.Since(record.SubmittedAt))
			}
			return observe(workerMetrics, metrics.EventVote, func() error {
				voteCtx, cancel := context.WithTimeout(handlerCtx, 30*time.Second)
				defer cancel()
				return persistVote(voteCtx, persistExec, app.FeedbackUC.Persist, record)
			})
		})
	})
	g.Go(func() error {
		slog.Info("worker_subscribed", "subject", cfg.NATSSyncSubject, "kind", metrics.EventDocument)
		return app.Bus.SubscribeDocuments(gctx, cfg.NATSSyncSubject, func(handlerCtx context.Context, doc domain.Document) error {
			return observe(workerMetrics, metrics.EventDocument, func() error {
				syncCtx, cancel := context.WithTimeout(handlerCtx, 5*time.Minute)
				defer cancel()
				return app.SyncUC.Sync(syncCtx, doc)
			})
		})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker_stopped", "error", err)
	}
}

func observe(m *metrics.WorkerMetrics, kind string, fn func() error) error {
	start := time.Now()
	m.StartEvent(kind)
	err := fn()
	m.FinishEvent(service, kind, time.Since(start), err)
	return err
}

// persistVote retries transient store failures. Core NATS does not redeliver,
// so a vote that still fails is logged with its identifiers and dropped.
func persistVote(
	ctx context.Context,
	exec *resilience.Executor,
	persist func(context.Context, domain.FeedbackRecord) error,
	record domain.FeedbackRecord,
) error {
	err := exec.Execute(ctx, "feedback.persist", func(callCtx context.Context) error {
		return persist(callCtx, record)
	}, classifyPersistError)
	if err != nil {
		slog.Error("feedback_vote_dropped",
			"session_id", record.SessionID,
			"chunk_id", record.ChunkID,
			"domain", record.Domain.String(),
			"vote", int(record.Vote),
			"error", err,
		)
	}
	return err
}

func classifyPersistError(err error) resilience.ErrorClassification {
	if domain.IsKind(err, domain.ErrValidation) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{}
	}
	return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
}
