package usecase

import (
	"context"
	"log/slog"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
	"github.com/kirillkom/domain-retrieval/internal/core/ports"
)

type CacheAdminUseCase struct {
	cache   ports.RetrievalCache
	domains domain.DomainSet
}

func NewCacheAdminUseCase(cache ports.RetrievalCache, domains domain.DomainSet) *CacheAdminUseCase {
	return &CacheAdminUseCase{cache: cache, domains: domains}
}

func (uc *CacheAdminUseCase) Stats() domain.CacheStats {
	return uc.cache.Stats()
}

// InvalidateDomain drops cached result sets of one domain. Cached embeddings
// are kept.
func (uc *CacheAdminUseCase) InvalidateDomain(_ context.Context, rawDomain string) (int, error) {
	d, err := uc.domains.Validate(rawDomain)
	if err != nil {
		return 0, err
	}
	removed := uc.cache.Invalidate(d.String())
	slog.Info("cache_invalidated", "domain", d.String(), "entries", removed)
	return removed, nil
}

func (uc *CacheAdminUseCase) ClearAll(_ context.Context) int {
	removed := uc.cache.Clear()
	slog.Info("cache_cleared", "entries", removed)
	return removed
}
