package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
)

type chunkerFake struct{}

func (chunkerFake) Split(text string) []domain.Segment {
	if text == "" {
		return nil
	}
	var out []domain.Segment
	offset := 0
	for _, part := range strings.Split(text, "|") {
		out = append(out, domain.Segment{Offset: offset, Text: part})
		offset += len([]rune(part)) + 1
	}
	return out
}

type syncIndexFake struct {
	calls     []string
	upserted  []domain.Chunk
	kept      []string
	err       error
	deleteErr error
}

func (f *syncIndexFake) Search(context.Context, domain.Domain, []float32, int, domain.Filters) ([]domain.SearchHit, error) {
	return nil, nil
}
func (f *syncIndexFake) Upsert(_ context.Context, chunks []domain.Chunk) error {
	f.calls = append(f.calls, "upsert")
	f.upserted = chunks
	return f.err
}
func (f *syncIndexFake) DeleteByDocument(_ context.Context, documentID string, keepIDs []string) error {
	f.calls = append(f.calls, "delete:"+documentID)
	f.kept = keepIDs
	return f.deleteErr
}

type invalidatorFake struct {
	domains []domain.Domain
}

func (f *invalidatorFake) InvalidateDomain(_ context.Context, d domain.Domain) error {
	f.domains = append(f.domains, d)
	return nil
}

type mismatchEmbedder struct{}

func (mismatchEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return [][]float32{{1}}, nil
}

func (mismatchEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1}, nil
}

func TestSyncDocumentReplacesChunksAndInvalidates(t *testing.T) {
	index := &syncIndexFake{}
	invalidator := &invalidatorFake{}
	uc := NewSyncDocumentUseCase(domain.NewDomainSet("marketing"), chunkerFake{}, &embedderFake{}, index, invalidator)

	doc := domain.Document{ID: "doc-1", Domain: "Marketing", Title: "Brand", Content: "logo usage|color palette"}
	if err := uc.Sync(context.Background(), doc); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if strings.Join(index.calls, ",") != "upsert,delete:doc-1" {
		t.Fatalf("expected upsert before stale delete, got %v", index.calls)
	}
	if len(index.upserted) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(index.upserted))
	}
	first := index.upserted[0]
	if first.ID != domain.ChunkID("doc-1", 0) || first.Domain != "marketing" || first.TokenCount != 2 || len(first.Embedding) == 0 {
		t.Fatalf("unexpected chunk: %+v", first)
	}
	if index.upserted[1].ID == first.ID {
		t.Fatalf("chunk ids must differ by offset")
	}
	if len(index.kept) != 2 || index.kept[0] != first.ID || index.kept[1] != index.upserted[1].ID {
		t.Fatalf("stale delete must keep the new chunk ids, got %v", index.kept)
	}
	if len(invalidator.domains) != 1 || invalidator.domains[0] != "marketing" {
		t.Fatalf("expected marketing invalidation, got %v", invalidator.domains)
	}

	again := &syncIndexFake{}
	uc = NewSyncDocumentUseCase(domain.NewDomainSet("marketing"), chunkerFake{}, &embedderFake{}, again, invalidator)
	if err := uc.Sync(context.Background(), doc); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if again.upserted[0].ID != first.ID {
		t.Fatalf("re-ingestion must reuse chunk ids")
	}
}

func TestSyncDocumentValidation(t *testing.T) {
	uc := NewSyncDocumentUseCase(domain.NewDomainSet("hr"), chunkerFake{}, &embedderFake{}, &syncIndexFake{}, &invalidatorFake{})
	if err := uc.Sync(context.Background(), domain.Document{Domain: "hr"}); !domain.IsKind(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for missing id, got %v", err)
	}
	if err := uc.Sync(context.Background(), domain.Document{ID: "d", Domain: "sales"}); !domain.IsKind(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unknown domain, got %v", err)
	}
}

func TestSyncDocumentEmbeddingMismatch(t *testing.T) {
	index := &syncIndexFake{}
	invalidator := &invalidatorFake{}
	uc := NewSyncDocumentUseCase(domain.NewDomainSet("hr"), chunkerFake{}, mismatchEmbedder{}, index, invalidator)

	err := uc.Sync(context.Background(), domain.Document{ID: "d", Domain: "hr", Content: "a|b"})
	if !domain.IsKind(err, domain.ErrUpstreamFatal) {
		t.Fatalf("expected fatal mismatch error, got %v", err)
	}
	if len(index.calls) != 0 || len(invalidator.domains) != 0 {
		t.Fatalf("failed sync must not touch index or cache")
	}
}

func TestSyncDocumentUpsertError(t *testing.T) {
	index := &syncIndexFake{err: errors.New("qdrant down")}
	invalidator := &invalidatorFake{}
	uc := NewSyncDocumentUseCase(domain.NewDomainSet("hr"), chunkerFake{}, &embedderFake{}, index, invalidator)

	err := uc.Sync(context.Background(), domain.Document{ID: "d", Domain: "hr", Content: "a"})
	if err == nil {
		t.Fatalf("expected upsert error")
	}
	if strings.Join(index.calls, ",") != "upsert" {
		t.Fatalf("failed upsert must leave previous chunks in place, got %v", index.calls)
	}
	if len(invalidator.domains) != 0 {
		t.Fatalf("invalidation must follow a successful upsert")
	}
}

func TestSyncDocumentEmptyContentRemovesAllChunks(t *testing.T) {
	index := &syncIndexFake{}
	invalidator := &invalidatorFake{}
	uc := NewSyncDocumentUseCase(domain.NewDomainSet("hr"), chunkerFake{}, &embedderFake{}, index, invalidator)

	if err := uc.Sync(context.Background(), domain.Document{ID: "d", Domain: "hr"}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if strings.Join(index.calls, ",") != "delete:d" || len(index.kept) != 0 {
		t.Fatalf("expected full delete, got calls=%v kept=%v", index.calls, index.kept)
	}
	if len(invalidator.domains) != 1 {
		t.Fatalf("expected invalidation, got %v", invalidator.domains)
	}
}

func TestSyncDocumentStaleDeleteErrorStillInvalidates(t *testing.T) {
	index := &syncIndexFake{deleteErr: errors.New("qdrant down")}
	invalidator := &invalidatorFake{}
	uc := NewSyncDocumentUseCase(domain.NewDomainSet("hr"), chunkerFake{}, &embedderFake{}, index, invalidator)

	if err := uc.Sync(context.Background(), domain.Document{ID: "d", Domain: "hr", Content: "a"}); err == nil {
		t.Fatalf("expected stale delete error")
	}
	if len(invalidator.domains) != 1 || invalidator.domains[0] != "hr" {
		t.Fatalf("upserted chunks must invalidate cached results, got %v", invalidator.domains)
	}
}
