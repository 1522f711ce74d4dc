package usecase

import (
	"sort"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
)

type rankedCandidate struct {
	hit        domain.SearchHit
	adjustment float64
	final      float64
}

// rerankWithFeedback scores each hit as similarity plus weight times its
// feedback score. Missing aggregates count as zero. Ties keep input order.
func rerankWithFeedback(hits []domain.SearchHit, aggregates map[string]domain.FeedbackAggregate, weight float64) []rankedCandidate {
	out := make([]rankedCandidate, len(hits))
	for i, hit := range hits {
		adjustment := 0.0
		if agg, ok := aggregates[hit.ChunkID]; ok {
			adjustment = agg.Score
		}
		out[i] = rankedCandidate{
			hit:        hit,
			adjustment: adjustment,
			final:      hit.Score + weight*adjustment,
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].final > out[j].final
	})
	return out
}

func chunkIDs(hits []domain.SearchHit) []string {
	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		if hit.ChunkID != "" {
			ids = append(ids, hit.ChunkID)
		}
	}
	return ids
}
