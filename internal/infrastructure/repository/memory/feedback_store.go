package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
)

type voteKey struct {
	sessionID string
	chunkID   string
}

type aggregateKey struct {
	chunkID string
	domain  domain.Domain
}

type counters struct {
	up   int64
	down int64
}

// FeedbackStore keeps votes and running aggregates in process memory.
type FeedbackStore struct {
	mu         sync.RWMutex
	votes      map[voteKey]domain.FeedbackRecord
	aggregates map[aggregateKey]counters
}

func NewFeedbackStore() *FeedbackStore {
	return &FeedbackStore{
		votes:      make(map[voteKey]domain.FeedbackRecord),
		aggregates: make(map[aggregateKey]counters),
	}
}

func (s *FeedbackStore) RecordVote(ctx context.Context, record domain.FeedbackRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := record.Validate(); err != nil {
		return err
	}

	key := voteKey{sessionID: record.SessionID, chunkID: record.ChunkID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.votes[key]; ok {
		if prev.Vote == record.Vote && prev.Domain == record.Domain {
			s.votes[key] = record
			return nil
		}
		up, down := domain.VoteDelta(prev.Vote)
		s.adjustLocked(aggregateKey{chunkID: prev.ChunkID, domain: prev.Domain}, -up, -down)
	}
	up, down := domain.VoteDelta(record.Vote)
	s.adjustLocked(aggregateKey{chunkID: record.ChunkID, domain: record.Domain}, up, down)
	s.votes[key] = record
	return nil
}

func (s *FeedbackStore) Aggregate(ctx context.Context, chunkID string, d domain.Domain) (domain.FeedbackAggregate, error) {
	if err := ctx.Err(); err != nil {
		return domain.FeedbackAggregate{}, err
	}
	s.mu.RLock()
	c := s.aggregates[aggregateKey{chunkID: chunkID, domain: d}]
	s.mu.RUnlock()
	return domain.NewFeedbackAggregate(chunkID, d, c.up, c.down), nil
}

func (s *FeedbackStore) Aggregates(ctx context.Context, d domain.Domain, chunkIDs []string) (map[string]domain.FeedbackAggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]domain.FeedbackAggregate, len(chunkIDs))

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range chunkIDs {
		c, ok := s.aggregates[aggregateKey{chunkID: id, domain: d}]
		if !ok {
			continue
		}
		out[id] = domain.NewFeedbackAggregate(id, d, c.up, c.down)
	}
	return out, nil
}

func (s *FeedbackStore) PurgeSession(ctx context.Context, sessionID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if sessionID == "" {
		return 0, domain.WrapError(domain.ErrValidation, "purge session", errors.New("session_id is required"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, record := range s.votes {
		if key.sessionID != sessionID {
			continue
		}
		up, down := domain.VoteDelta(record.Vote)
		s.adjustLocked(aggregateKey{chunkID: record.ChunkID, domain: record.Domain}, -up, -down)
		delete(s.votes, key)
		removed++
	}
	return removed, nil
}

func (s *FeedbackStore) adjustLocked(key aggregateKey, up, down int64) {
	c := s.aggregates[key]
	c.up = max(c.up+up, 0)
	c.down = max(c.down+down, 0)
	if c.up == 0 && c.down == 0 {
		delete(s.aggregates, key)
		return
	}
	s.aggregates[key] = c
}
