package ports

import (
	"context"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
)

// Retriever is the inbound contract for domain-scoped retrieval.
type Retriever interface {
	Retrieve(ctx context.Context, req domain.RetrievalRequest) (*domain.RetrievalResult, error)
}

// FeedbackRecorder accepts citation votes and session purges.
type FeedbackRecorder interface {
	Submit(ctx context.Context, record domain.FeedbackRecord) error
	PurgeSession(ctx context.Context, sessionID string) (int64, error)
}

// CacheAdmin exposes cache statistics and manual invalidation.
type CacheAdmin interface {
	Stats() domain.CacheStats
	InvalidateDomain(ctx context.Context, rawDomain string) (int, error)
	ClearAll(ctx context.Context) int
}

// DocumentSyncer re-indexes one document after it changed upstream.
type DocumentSyncer interface {
	Sync(ctx context.Context, doc domain.Document) error
}
