package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
	"github.com/kirillkom/domain-retrieval/internal/core/ports"
)

// FeedbackUseCase validates citation votes and hands them to the store,
// either directly or through a publisher when votes are persisted
// asynchronously. It is never called from the retrieval path.
type FeedbackUseCase struct {
	store     ports.FeedbackStore
	publisher ports.FeedbackPublisher
	domains   domain.DomainSet
	now       func() time.Time
}

// NewFeedbackUseCase builds the use case. A nil publisher writes votes
// synchronously to store.
func NewFeedbackUseCase(store ports.FeedbackStore, publisher ports.FeedbackPublisher, domains domain.DomainSet) *FeedbackUseCase {
	return &FeedbackUseCase{
		store:     store,
		publisher: publisher,
		domains:   domains,
		now:       time.Now,
	}
}

func (uc *FeedbackUseCase) Submit(ctx context.Context, record domain.FeedbackRecord) error {
	record, err := uc.prepare(record)
	if err != nil {
		return err
	}
	if uc.publisher != nil {
		if err := uc.publisher.PublishVote(ctx, record); err != nil {
			return fmt.Errorf("publish vote: %w", err)
		}
		return nil
	}
	if err := uc.store.RecordVote(ctx, record); err != nil {
		return fmt.Errorf("record vote: %w", err)
	}
	return nil
}

// Persist writes a vote received from the queue.
func (uc *FeedbackUseCase) Persist(ctx context.Context, record domain.FeedbackRecord) error {
	record, err := uc.prepare(record)
	if err != nil {
		return err
	}
	if err := uc.store.RecordVote(ctx, record); err != nil {
		return fmt.Errorf("record vote: %w", err)
	}
	return nil
}

func (uc *FeedbackUseCase) PurgeSession(ctx context.Context, sessionID string) (int64, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, domain.WrapError(domain.ErrValidation, "purge feedback session", errors.New("session_id is required"))
	}
	n, err := uc.store.PurgeSession(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("purge feedback session: %w", err)
	}
	return n, nil
}

func (uc *FeedbackUseCase) prepare(record domain.FeedbackRecord) (domain.FeedbackRecord, error) {
	record.SessionID = strings.TrimSpace(record.SessionID)
	record.ChunkID = strings.TrimSpace(record.ChunkID)
	if err := record.Validate(); err != nil {
		return domain.FeedbackRecord{}, err
	}
	d, err := uc.domains.Validate(string(record.Domain))
	if err != nil {
		return domain.FeedbackRecord{}, err
	}
	record.Domain = d
	if record.SubmittedAt.IsZero() {
		record.SubmittedAt = uc.now().UTC()
	}
	return record, nil
}
