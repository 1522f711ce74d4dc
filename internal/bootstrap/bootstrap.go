package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kirillkom/domain-retrieval/internal/config"
	"github.com/kirillkom/domain-retrieval/internal/core/domain"
	"github.com/kirillkom/domain-retrieval/internal/core/ports"
	"github.com/kirillkom/domain-retrieval/internal/core/routing"
	"github.com/kirillkom/domain-retrieval/internal/core/usecase"
	"github.com/kirillkom/domain-retrieval/internal/infrastructure/cache"
	"github.com/kirillkom/domain-retrieval/internal/infrastructure/chunking"
	"github.com/kirillkom/domain-retrieval/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/domain-retrieval/internal/infrastructure/queue/nats"
	"github.com/kirillkom/domain-retrieval/internal/infrastructure/repository/memory"
	"github.com/kirillkom/domain-retrieval/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/domain-retrieval/internal/infrastructure/resilience"
	"github.com/kirillkom/domain-retrieval/internal/infrastructure/vector/qdrant"
)

type App struct {
	Config  config.Config
	Domains domain.DomainSet

	Bus   *nats.Bus
	Cache *cache.Cache

	RetrieveUC   *usecase.RetrieveUseCase
	FeedbackUC   *usecase.FeedbackUseCase
	CacheAdminUC *usecase.CacheAdminUseCase
	SyncUC       *usecase.SyncDocumentUseCase

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, clientName string) (*App, error) {
	domains := domain.NewDomainSet(cfg.RetrievalDomains...)
	executor := resilience.NewExecutor(resilienceConfig(cfg))

	vocab, err := loadVocabulary(cfg)
	if err != nil {
		return nil, fmt.Errorf("load router vocabulary: %w", err)
	}

	store, db, err := newFeedbackStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	bus, err := nats.Connect(cfg.NATSURL, nats.Options{
		Name:               clientName,
		ResilienceExecutor: executor,
	})
	if err != nil {
		closeDB(db)
		return nil, fmt.Errorf("init message bus: %w", err)
	}

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, executor)
	completer := ollama.NewCompleter(ollamaClient)
	embedder := ollama.NewEmbedder(ollamaClient)
	classifier := ollama.NewDomainClassifier(completer)
	expander := ollama.NewQueryExpander(completer)

	vectorIndex := qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, executor)
	chunker := chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	resultCache := cache.New(cfg.CacheByteBudget)

	router := routing.New(domains, vocab, classifier, routing.Config{
		ConfidenceThreshold:  cfg.RouterConfidenceThreshold,
		ClassifierConfidence: cfg.RouterClassifierConfidence,
	})

	var publisher ports.FeedbackPublisher
	if cfg.FeedbackAsync {
		publisher = nats.NewFeedbackPublisher(bus, cfg.NATSFeedbackSubject)
	}

	return &App{
		Config:  cfg,
		Domains: domains,
		Bus:     bus,
		Cache:   resultCache,

		RetrieveUC:   usecase.NewRetrieveUseCase(router, expander, embedder, vectorIndex, store, resultCache, retrieveConfig(cfg)),
		FeedbackUC:   usecase.NewFeedbackUseCase(store, publisher, domains),
		CacheAdminUC: usecase.NewCacheAdminUseCase(resultCache, domains),
		SyncUC:       usecase.NewSyncDocumentUseCase(domains, chunker, embedder, vectorIndex, nats.NewInvalidator(bus, cfg.NATSInvalidateSubject)),

		closeFn: func() {
			bus.Close()
			closeDB(db)
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func newFeedbackStore(ctx context.Context, cfg config.Config) (ports.FeedbackStore, *sql.DB, error) {
	if cfg.FeedbackBackend == config.FeedbackBackendMemory {
		return memory.NewFeedbackStore(), nil, nil
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	repo := postgres.NewFeedbackRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, db, nil
}

func closeDB(db *sql.DB) {
	if db != nil {
		_ = db.Close()
	}
}

func loadVocabulary(cfg config.Config) (routing.Vocabulary, error) {
	if cfg.RouterVocabularyPath != "" {
		return routing.LoadVocabulary(cfg.RouterVocabularyPath)
	}
	return routing.DefaultVocabulary()
}

func resilienceConfig(cfg config.Config) resilience.Config {
	out := resilience.DefaultConfig()
	out.RetryMaxAttempts = cfg.RetryMaxAttempts
	out.RetryInitialBackoff = cfg.RetryInitialBackoff
	out.RetryMaxBackoff = cfg.RetryMaxBackoff
	out.RetryJitter = cfg.RetryJitter
	out.BreakerEnabled = cfg.BreakerEnabled
	return out
}

func retrieveConfig(cfg config.Config) usecase.RetrieveConfig {
	return usecase.RetrieveConfig{
		DefaultTopK:        cfg.RetrieveTopK,
		MaxTopK:            cfg.RetrieveMaxTopK,
		MaxVariants:        cfg.RetrieveMaxVariants,
		OverfetchFactor:    cfg.RetrieveOverfetchFactor,
		VariantConcurrency: cfg.RetrieveVariantConcurrency,
		RerankWeight:       cfg.RerankWeight,
		RelevanceFloor:     cfg.RelevanceFloor,
		SnippetMaxChars:    cfg.SnippetMaxChars,
		ResultTTL:          cfg.CacheResultTTL,
		EmbeddingTTL:       cfg.CacheEmbeddingTTL,
	}
}
