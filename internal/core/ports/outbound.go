package ports

import (
	"context"
	"time"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
)

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ChatCompleter runs a single bounded completion.
type ChatCompleter interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// QueryExpander produces up to n paraphrases of a query.
type QueryExpander interface {
	Expand(ctx context.Context, query string, n int) ([]string, error)
}

// DomainClassifier picks one label from a closed domain set. The returned
// label is raw model output and must be validated by the caller.
type DomainClassifier interface {
	Classify(ctx context.Context, query string, domains []domain.Domain) (string, error)
}

// VectorIndex is a single collection partitioned by the domain payload field.
type VectorIndex interface {
	Search(ctx context.Context, d domain.Domain, vector []float32, limit int, filters domain.Filters) ([]domain.SearchHit, error)
	Upsert(ctx context.Context, chunks []domain.Chunk) error
	// DeleteByDocument removes a document's points except keepIDs.
	DeleteByDocument(ctx context.Context, documentID string, keepIDs []string) error
}

// FeedbackStore persists votes and keeps per-chunk running aggregates.
type FeedbackStore interface {
	RecordVote(ctx context.Context, record domain.FeedbackRecord) error
	Aggregate(ctx context.Context, chunkID string, d domain.Domain) (domain.FeedbackAggregate, error)
	Aggregates(ctx context.Context, d domain.Domain, chunkIDs []string) (map[string]domain.FeedbackAggregate, error)
	PurgeSession(ctx context.Context, sessionID string) (int64, error)
}

// RetrievalCache stores result sets and query embeddings by scope.
type RetrievalCache interface {
	Get(scope, key string) (domain.Sizer, bool)
	Put(scope, key string, value domain.Sizer, ttl time.Duration) error
	Invalidate(scope string) int
	Clear() int
	Stats() domain.CacheStats
}

// DomainInvalidator announces that a domain's indexed content changed.
type DomainInvalidator interface {
	InvalidateDomain(ctx context.Context, d domain.Domain) error
}

// FeedbackPublisher hands votes to an asynchronous writer.
type FeedbackPublisher interface {
	PublishVote(ctx context.Context, record domain.FeedbackRecord) error
}

// Chunker splits text into overlapping segments with rune offsets.
type Chunker interface {
	Split(text string) []domain.Segment
}

// DomainRouter resolves a query, or a caller-supplied hint, to ranked
// candidate domains.
type DomainRouter interface {
	Resolve(ctx context.Context, query, hint string) (domain.RankedDomains, error)
}
