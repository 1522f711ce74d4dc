package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
	"github.com/kirillkom/domain-retrieval/internal/core/ports"
)

// SyncDocumentUseCase re-indexes a changed document: chunk with stable ids,
// embed, upsert, drop the document's stale points, then announce the domain
// change. A failed upsert leaves the previous points in place.
type SyncDocumentUseCase struct {
	domains     domain.DomainSet
	chunker     ports.Chunker
	embedder    ports.Embedder
	index       ports.VectorIndex
	invalidator ports.DomainInvalidator
}

func NewSyncDocumentUseCase(
	domains domain.DomainSet,
	chunker ports.Chunker,
	embedder ports.Embedder,
	index ports.VectorIndex,
	invalidator ports.DomainInvalidator,
) *SyncDocumentUseCase {
	return &SyncDocumentUseCase{
		domains:     domains,
		chunker:     chunker,
		embedder:    embedder,
		index:       index,
		invalidator: invalidator,
	}
}

func (uc *SyncDocumentUseCase) Sync(ctx context.Context, doc domain.Document) error {
	d, err := uc.validate(doc)
	if err != nil {
		return err
	}
	doc.Domain = d

	chunks := uc.chunk(doc)
	if len(chunks) > 0 {
		if err := uc.embed(ctx, chunks); err != nil {
			return err
		}
	}

	keep := make([]string, 0, len(chunks))
	if len(chunks) > 0 {
		if err := uc.index.Upsert(ctx, chunks); err != nil {
			return fmt.Errorf("upsert chunks: %w", err)
		}
		for _, chunk := range chunks {
			keep = append(keep, chunk.ID)
		}
	}
	if err := uc.index.DeleteByDocument(ctx, doc.ID, keep); err != nil {
		// New points are live; stale ones may linger until the next sync.
		if invErr := uc.invalidator.InvalidateDomain(ctx, d); invErr != nil {
			return errors.Join(fmt.Errorf("delete stale chunks: %w", err), fmt.Errorf("invalidate domain %s: %w", d, invErr))
		}
		return fmt.Errorf("delete stale chunks: %w", err)
	}

	if err := uc.invalidator.InvalidateDomain(ctx, d); err != nil {
		return fmt.Errorf("invalidate domain %s: %w", d, err)
	}
	return nil
}

func (uc *SyncDocumentUseCase) validate(doc domain.Document) (domain.Domain, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return "", domain.WrapError(domain.ErrValidation, "sync document", errors.New("document id is required"))
	}
	return uc.domains.Validate(string(doc.Domain))
}

func (uc *SyncDocumentUseCase) chunk(doc domain.Document) []domain.Chunk {
	segments := uc.chunker.Split(doc.Content)
	chunks := make([]domain.Chunk, 0, len(segments))
	for _, segment := range segments {
		chunks = append(chunks, domain.Chunk{
			ID:         domain.ChunkID(doc.ID, segment.Offset),
			DocumentID: doc.ID,
			Domain:     doc.Domain,
			Title:      doc.Title,
			SourceURI:  doc.SourceURI,
			Offset:     segment.Offset,
			Text:       segment.Text,
			TokenCount: len(strings.Fields(segment.Text)),
		})
	}
	return chunks
}

func (uc *SyncDocumentUseCase) embed(ctx context.Context, chunks []domain.Chunk) error {
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	vectors, err := uc.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return domain.WrapError(
			domain.ErrUpstreamFatal,
			"embed chunks",
			fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(chunks)),
		)
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}
	return nil
}
