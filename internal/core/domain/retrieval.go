package domain

import "sort"

// Filters are exact-match payload constraints applied on top of the domain
// filter.
type Filters map[string]string

// SortedKeys returns filter keys in a stable order for fingerprinting.
func (f Filters) SortedKeys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type RetrievalRequest struct {
	Query      string  `json:"query"`
	DomainHint string  `json:"domain_hint,omitempty"`
	TopK       int     `json:"top_k"`
	Filters    Filters `json:"filters,omitempty"`
}

// SearchHit is one vector-index match.
type SearchHit struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Domain     Domain  `json:"domain"`
	Title      string  `json:"title"`
	SourceURI  string  `json:"source_uri"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

type Citation struct {
	ChunkID            string  `json:"chunk_id"`
	DocumentID         string  `json:"document_id"`
	Title              string  `json:"title"`
	SourceURI          string  `json:"source_uri,omitempty"`
	Snippet            string  `json:"snippet"`
	SimilarityScore    float64 `json:"similarity_score"`
	FeedbackAdjustment float64 `json:"feedback_adjustment"`
	FinalScore         float64 `json:"final_score"`
	Rank               int     `json:"rank"`
}

type RetrievalStatus string

const (
	StatusOK       RetrievalStatus = "ok"
	StatusNoMatch  RetrievalStatus = "no_match"
	StatusDegraded RetrievalStatus = "degraded"
)

// RetrievalResult is immutable once returned; cached copies are cloned on
// the way out.
type RetrievalResult struct {
	QueryFingerprint string          `json:"query_fingerprint"`
	Domain           Domain          `json:"domain"`
	Candidates       RankedDomains   `json:"candidates"`
	Citations        []Citation      `json:"citations"`
	CacheHit         bool            `json:"cache_hit"`
	Status           RetrievalStatus `json:"status"`
	ErrorReason      string          `json:"error_reason,omitempty"`
}

func (r *RetrievalResult) Clone() *RetrievalResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Citations = make([]Citation, len(r.Citations))
	copy(out.Citations, r.Citations)
	out.Candidates = make(RankedDomains, len(r.Candidates))
	copy(out.Candidates, r.Candidates)
	return &out
}

// SizeBytes approximates the payload size: string bytes plus fixed-width
// numeric fields.
func (r *RetrievalResult) SizeBytes() int64 {
	if r == nil {
		return 0
	}
	size := int64(len(r.QueryFingerprint) + len(r.Domain) + len(r.Status) + len(r.ErrorReason) + 1)
	for _, c := range r.Candidates {
		size += int64(len(c.Domain)) + 8
	}
	for _, c := range r.Citations {
		size += int64(len(c.ChunkID)+len(c.DocumentID)+len(c.Title)+len(c.SourceURI)+len(c.Snippet)) + 4*8
	}
	return size
}

// Embedding is a cached query vector.
type Embedding []float32

func (e Embedding) SizeBytes() int64 {
	return int64(len(e)) * 4
}

type CacheStats struct {
	HitCount    uint64 `json:"hit_count"`
	MissCount   uint64 `json:"miss_count"`
	BytesUsed   int64  `json:"bytes_used"`
	ByteBudget  int64  `json:"byte_budget"`
	EntryCount  int    `json:"entry_count"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Rejected    uint64 `json:"rejected_inserts"`
}

// Sizer reports the payload size used for cache accounting.
type Sizer interface {
	SizeBytes() int64
}
