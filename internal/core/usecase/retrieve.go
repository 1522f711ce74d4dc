package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
	"github.com/kirillkom/domain-retrieval/internal/core/ports"
)

const (
	defaultTopK               = 5
	defaultMaxTopK            = 50
	defaultMaxVariants        = 3
	maxVariantsCap            = 5
	defaultOverfetchFactor    = 3
	defaultVariantConcurrency = 5
	defaultSnippetMaxChars    = 240
)

type RetrieveConfig struct {
	DefaultTopK        int
	MaxTopK            int
	MaxVariants        int
	OverfetchFactor    int
	VariantConcurrency int
	RerankWeight       float64
	RelevanceFloor     float64
	SnippetMaxChars    int
	ResultTTL          time.Duration
	EmbeddingTTL       time.Duration
}

func (c RetrieveConfig) normalize() RetrieveConfig {
	if c.MaxTopK <= 0 {
		c.MaxTopK = defaultMaxTopK
	}
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = defaultTopK
	}
	if c.DefaultTopK > c.MaxTopK {
		c.DefaultTopK = c.MaxTopK
	}
	if c.MaxVariants <= 0 {
		c.MaxVariants = defaultMaxVariants
	}
	if c.MaxVariants > maxVariantsCap {
		c.MaxVariants = maxVariantsCap
	}
	if c.OverfetchFactor <= 0 {
		c.OverfetchFactor = defaultOverfetchFactor
	}
	if c.VariantConcurrency <= 0 {
		c.VariantConcurrency = defaultVariantConcurrency
	}
	if c.SnippetMaxChars <= 0 {
		c.SnippetMaxChars = defaultSnippetMaxChars
	}
	return c
}

// Filter keys the pipeline sets itself.
var reservedFilterKeys = map[string]struct{}{
	"domain": {},
}

// RetrieveUseCase is the statically ordered retrieval pipeline: route, probe
// the result cache, expand, embed and search per variant, merge, rerank with
// feedback, and cache the cited result.
type RetrieveUseCase struct {
	router   ports.DomainRouter
	expander ports.QueryExpander
	embedder ports.Embedder
	index    ports.VectorIndex
	feedback ports.FeedbackStore
	cache    ports.RetrievalCache
	cfg      RetrieveConfig
	tracer   trace.Tracer
}

// NewRetrieveUseCase wires the pipeline. expander and feedback may be nil.
func NewRetrieveUseCase(
	router ports.DomainRouter,
	expander ports.QueryExpander,
	embedder ports.Embedder,
	index ports.VectorIndex,
	feedback ports.FeedbackStore,
	cache ports.RetrievalCache,
	cfg RetrieveConfig,
) *RetrieveUseCase {
	return &RetrieveUseCase{
		router:   router,
		expander: expander,
		embedder: embedder,
		index:    index,
		feedback: feedback,
		cache:    cache,
		cfg:      cfg.normalize(),
		tracer:   otel.Tracer("retrieval"),
	}
}

func (uc *RetrieveUseCase) Retrieve(ctx context.Context, req domain.RetrievalRequest) (*domain.RetrievalResult, error) {
	ctx, span := uc.tracer.Start(ctx, "retrieve")
	defer span.End()

	query, topK, err := uc.validate(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	candidates, err := uc.resolve(ctx, query, req.DomainHint)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	routed := candidates.Primary()
	fingerprint := queryFingerprint(routed, query, topK, req.Filters)
	span.SetAttributes(
		attribute.String("retrieve.domain", routed.String()),
		attribute.String("retrieve.fingerprint", fingerprint),
		attribute.Int("retrieve.top_k", topK),
	)

	if cached, ok := uc.cachedResult(routed, fingerprint); ok {
		span.SetAttributes(attribute.Bool("retrieve.cache_hit", true))
		return cached, nil
	}

	result := &domain.RetrievalResult{
		QueryFingerprint: fingerprint,
		Domain:           routed,
		Candidates:       candidates,
		Citations:        []domain.Citation{},
		Status:           domain.StatusOK,
	}

	variants, err := uc.expand(ctx, query)
	if err != nil {
		return nil, cancellationError(span, err)
	}

	batch, err := uc.searchVariants(ctx, routed, variants, topK*uc.cfg.OverfetchFactor, req.Filters)
	if err != nil {
		return nil, cancellationError(span, err)
	}
	if batch.fatal != nil {
		return degrade(span, result, batch.fatal.Error()), nil
	}
	if batch.succeeded == 0 {
		return degrade(span, result, fmt.Sprintf("all %d query variants failed: %v", len(variants), batch.firstErr)), nil
	}

	merged := applyRelevanceFloor(mergeVariantHits(batch.hits), uc.cfg.RelevanceFloor)
	if len(merged) == 0 {
		result.Status = domain.StatusNoMatch
	} else {
		ranked, err := uc.rerank(ctx, routed, merged)
		if err != nil {
			return nil, cancellationError(span, err)
		}
		result.Citations = uc.assembleCitations(query, trimCandidates(ranked, topK))
	}

	if batch.failed > 0 {
		return degrade(span, result, fmt.Sprintf("%d of %d query variants failed: %v", batch.failed, len(variants), batch.firstErr)), nil
	}

	if err := ctx.Err(); err != nil {
		return nil, cancellationError(span, err)
	}
	uc.storeResult(ctx, routed, result)
	span.SetAttributes(
		attribute.String("retrieve.status", string(result.Status)),
		attribute.Int("retrieve.citations", len(result.Citations)),
	)
	return result, nil
}

func (uc *RetrieveUseCase) validate(req domain.RetrievalRequest) (string, int, error) {
	query := normalizeQuery(req.Query)
	if query == "" {
		return "", 0, domain.WrapError(domain.ErrValidation, "validate retrieval request", errors.New("query is required"))
	}

	topK := req.TopK
	switch {
	case topK < 0:
		return "", 0, domain.WrapError(domain.ErrValidation, "validate retrieval request", fmt.Errorf("top_k must be >= 0, got %d", topK))
	case topK == 0:
		topK = uc.cfg.DefaultTopK
	case topK > uc.cfg.MaxTopK:
		return "", 0, domain.WrapError(domain.ErrValidation, "validate retrieval request", fmt.Errorf("top_k must be <= %d, got %d", uc.cfg.MaxTopK, topK))
	}

	for key := range req.Filters {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			return "", 0, domain.WrapError(domain.ErrValidation, "validate retrieval request", errors.New("filter key must not be empty"))
		}
		if _, reserved := reservedFilterKeys[strings.ToLower(trimmed)]; reserved || strings.HasPrefix(trimmed, "_") {
			return "", 0, domain.WrapError(domain.ErrValidation, "validate retrieval request", fmt.Errorf("filter key %q is reserved", key))
		}
	}
	return query, topK, nil
}

// resolve routes the query, reusing a cached decision for the same
// case-folded query and hint so repeated queries skip the classifier.
func (uc *RetrieveUseCase) resolve(ctx context.Context, query, hint string) (domain.RankedDomains, error) {
	key := strings.ToLower(strings.TrimSpace(hint)) + "\x1f" + strings.ToLower(query)
	if value, ok := uc.cache.Get(domain.ScopeRoutes, key); ok {
		if cached, ok := value.(domain.RankedDomains); ok && len(cached) > 0 {
			out := make(domain.RankedDomains, len(cached))
			copy(out, cached)
			return out, nil
		}
	}

	candidates, err := uc.router.Resolve(ctx, query, hint)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return candidates, nil
	}
	stored := make(domain.RankedDomains, len(candidates))
	copy(stored, candidates)
	if err := uc.cache.Put(domain.ScopeRoutes, key, stored, uc.cfg.ResultTTL); err != nil {
		slog.Warn("cache_rejected", "scope", domain.ScopeRoutes, "bytes", stored.SizeBytes(), "error", err)
	}
	return candidates, nil
}

func (uc *RetrieveUseCase) cachedResult(d domain.Domain, fingerprint string) (*domain.RetrievalResult, bool) {
	value, ok := uc.cache.Get(d.String(), fingerprint)
	if !ok {
		return nil, false
	}
	cached, ok := value.(*domain.RetrievalResult)
	if !ok {
		return nil, false
	}
	out := cached.Clone()
	out.CacheHit = true
	return out, true
}

func (uc *RetrieveUseCase) storeResult(ctx context.Context, d domain.Domain, result *domain.RetrievalResult) {
	_, span := uc.tracer.Start(ctx, "cache_write")
	defer span.End()

	if err := uc.cache.Put(d.String(), result.QueryFingerprint, result.Clone(), uc.cfg.ResultTTL); err != nil {
		slog.Warn("cache_rejected",
			"scope", d.String(),
			"fingerprint", result.QueryFingerprint,
			"bytes", result.SizeBytes(),
			"error", err,
		)
	}
}

// expand returns the original query followed by distinct paraphrases. Only a
// cancelled context is reported as an error.
func (uc *RetrieveUseCase) expand(ctx context.Context, query string) ([]string, error) {
	variants := []string{query}
	if uc.expander == nil || uc.cfg.MaxVariants <= 1 {
		return variants, nil
	}

	ctx, span := uc.tracer.Start(ctx, "expand")
	defer span.End()

	paraphrases, err := uc.expander.Expand(ctx, query, uc.cfg.MaxVariants-1)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		span.RecordError(err)
		slog.Warn("query_expansion_failed", "error", err)
		return variants, nil
	}

	seen := map[string]struct{}{strings.ToLower(query): {}}
	for _, paraphrase := range paraphrases {
		paraphrase = normalizeQuery(paraphrase)
		key := strings.ToLower(paraphrase)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		variants = append(variants, paraphrase)
		if len(variants) == uc.cfg.MaxVariants {
			break
		}
	}
	span.SetAttributes(attribute.Int("expand.variants", len(variants)))
	return variants, nil
}

type variantBatch struct {
	hits      [][]domain.SearchHit
	succeeded int
	failed    int
	firstErr  error
	fatal     error
}

// searchVariants embeds and searches every variant concurrently. A fatal
// upstream error cancels the remaining variants.
func (uc *RetrieveUseCase) searchVariants(
	ctx context.Context,
	d domain.Domain,
	variants []string,
	limit int,
	filters domain.Filters,
) (variantBatch, error) {
	ctx, span := uc.tracer.Start(ctx, "search_variants", trace.WithAttributes(attribute.Int("variants", len(variants))))
	defer span.End()

	hits := make([][]domain.SearchHit, len(variants))
	errs := make([]error, len(variants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.cfg.VariantConcurrency)
	for i, variant := range variants {
		g.Go(func() error {
			found, err := uc.searchVariant(gctx, d, variant, limit, filters)
			if err != nil {
				errs[i] = err
				if isFatalUpstream(err) {
					return err
				}
				return nil
			}
			hits[i] = found
			return nil
		})
	}
	fatal := g.Wait()
	if err := ctx.Err(); err != nil {
		return variantBatch{}, err
	}

	batch := variantBatch{hits: hits, fatal: fatal}
	for _, err := range errs {
		if err == nil {
			batch.succeeded++
			continue
		}
		batch.failed++
		if batch.firstErr == nil {
			batch.firstErr = err
		}
	}
	if fatal != nil {
		span.RecordError(fatal)
	}
	return batch, nil
}

func (uc *RetrieveUseCase) searchVariant(
	ctx context.Context,
	d domain.Domain,
	variant string,
	limit int,
	filters domain.Filters,
) ([]domain.SearchHit, error) {
	ctx, span := uc.tracer.Start(ctx, "variant")
	defer span.End()

	vector, err := uc.embedQuery(ctx, variant)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embed variant: %w", err)
	}
	hits, err := uc.index.Search(ctx, d, vector, limit, filters)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("search variant: %w", err)
	}
	span.SetAttributes(attribute.Int("variant.hits", len(hits)))
	return hits, nil
}

func (uc *RetrieveUseCase) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if value, ok := uc.cache.Get(domain.ScopeEmbeddings, text); ok {
		if cached, ok := value.(domain.Embedding); ok {
			return cached, nil
		}
	}

	vector, err := uc.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, domain.WrapError(domain.ErrUpstreamFatal, "embed query", errors.New("empty embedding"))
	}

	if ctx.Err() != nil {
		return vector, nil
	}
	stored := make(domain.Embedding, len(vector))
	copy(stored, vector)
	if err := uc.cache.Put(domain.ScopeEmbeddings, text, stored, uc.cfg.EmbeddingTTL); err != nil {
		slog.Warn("cache_rejected", "scope", domain.ScopeEmbeddings, "bytes", stored.SizeBytes(), "error", err)
	}
	return vector, nil
}

// rerank applies feedback adjustments. A failed lookup falls back to zero
// adjustments unless the request itself was cancelled.
func (uc *RetrieveUseCase) rerank(ctx context.Context, d domain.Domain, hits []domain.SearchHit) ([]rankedCandidate, error) {
	ctx, span := uc.tracer.Start(ctx, "rerank")
	defer span.End()

	var aggregates map[string]domain.FeedbackAggregate
	if uc.feedback != nil {
		found, err := uc.feedback.Aggregates(ctx, d, chunkIDs(hits))
		switch {
		case err == nil:
			aggregates = found
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			span.RecordError(err)
			slog.Warn("feedback_lookup_failed", "domain", d.String(), "error", err)
		}
	}
	return rerankWithFeedback(hits, aggregates, uc.cfg.RerankWeight), nil
}

func (uc *RetrieveUseCase) assembleCitations(query string, ranked []rankedCandidate) []domain.Citation {
	tokens := queryTokenSet(query)
	citations := make([]domain.Citation, len(ranked))
	for i, candidate := range ranked {
		citations[i] = domain.Citation{
			ChunkID:            candidate.hit.ChunkID,
			DocumentID:         candidate.hit.DocumentID,
			Title:              candidate.hit.Title,
			SourceURI:          candidate.hit.SourceURI,
			Snippet:            buildSnippet(candidate.hit.Text, tokens, uc.cfg.SnippetMaxChars),
			SimilarityScore:    candidate.hit.Score,
			FeedbackAdjustment: candidate.adjustment,
			FinalScore:         candidate.final,
			Rank:               i + 1,
		}
	}
	return citations
}

func isFatalUpstream(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !domain.IsUpstreamUnavailable(err)
}

func degrade(span trace.Span, result *domain.RetrievalResult, reason string) *domain.RetrievalResult {
	result.Status = domain.StatusDegraded
	result.ErrorReason = reason
	span.SetAttributes(attribute.String("retrieve.status", string(result.Status)))
	span.SetStatus(codes.Error, reason)
	slog.Warn("retrieve_degraded",
		"domain", result.Domain.String(),
		"fingerprint", result.QueryFingerprint,
		"citations", len(result.Citations),
		"reason", reason,
	)
	return result
}

func cancellationError(span trace.Span, err error) error {
	span.SetStatus(codes.Error, err.Error())
	return fmt.Errorf("retrieve: %w", err)
}
