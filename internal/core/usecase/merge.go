package usecase

import "github.com/kirillkom/domain-retrieval/internal/core/domain"

// mergeVariantHits flattens per-variant results in variant order and keeps
// one hit per document: the highest-similarity chunk, placed where the
// document was first seen.
func mergeVariantHits(lists [][]domain.SearchHit) []domain.SearchHit {
	size := 0
	for _, hits := range lists {
		size += len(hits)
	}

	out := make([]domain.SearchHit, 0, size)
	position := make(map[string]int, size)
	for _, hits := range lists {
		for _, hit := range hits {
			key := documentKey(hit)
			idx, seen := position[key]
			if !seen {
				position[key] = len(out)
				out = append(out, hit)
				continue
			}
			if hit.Score > out[idx].Score {
				out[idx] = hit
			}
		}
	}
	return out
}

func documentKey(hit domain.SearchHit) string {
	if hit.DocumentID != "" {
		return hit.DocumentID
	}
	return "chunk:" + hit.ChunkID
}

func applyRelevanceFloor(hits []domain.SearchHit, floor float64) []domain.SearchHit {
	if floor <= 0 {
		return hits
	}
	out := hits[:0:0]
	for _, hit := range hits {
		if hit.Score >= floor {
			out = append(out, hit)
		}
	}
	return out
}

func trimCandidates[T any](items []T, limit int) []T {
	if limit <= 0 || len(items) <= limit {
		return items
	}
	return items[:limit]
}
