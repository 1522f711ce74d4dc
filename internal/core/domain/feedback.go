package domain

import (
	"fmt"
	"time"
)

type Vote int

const (
	VoteDown Vote = -1
	VoteUp   Vote = 1
)

func (v Vote) Valid() bool {
	return v == VoteUp || v == VoteDown
}

// FeedbackRecord is unique per (SessionID, ChunkID); a repeated vote
// replaces the previous one.
type FeedbackRecord struct {
	SessionID   string    `json:"session_id"`
	ChunkID     string    `json:"chunk_id"`
	Domain      Domain    `json:"domain"`
	Vote        Vote      `json:"vote"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (r FeedbackRecord) Validate() error {
	switch {
	case r.SessionID == "":
		return WrapError(ErrValidation, "validate feedback", fmt.Errorf("session_id is required"))
	case r.ChunkID == "":
		return WrapError(ErrValidation, "validate feedback", fmt.Errorf("chunk_id is required"))
	case r.Domain == "":
		return WrapError(ErrValidation, "validate feedback", fmt.Errorf("domain is required"))
	case !r.Vote.Valid():
		return WrapError(ErrValidation, "validate feedback", fmt.Errorf("vote must be +1 or -1, got %d", r.Vote))
	}
	return nil
}

type FeedbackAggregate struct {
	ChunkID   string  `json:"chunk_id"`
	Domain    Domain  `json:"domain"`
	Upvotes   int64   `json:"upvotes"`
	Downvotes int64   `json:"downvotes"`
	Score     float64 `json:"score"`
}

// NewFeedbackAggregate computes score = (up-down)/max(1, up+down).
func NewFeedbackAggregate(chunkID string, d Domain, upvotes, downvotes int64) FeedbackAggregate {
	total := upvotes + downvotes
	if total < 1 {
		total = 1
	}
	return FeedbackAggregate{
		ChunkID:   chunkID,
		Domain:    d,
		Upvotes:   upvotes,
		Downvotes: downvotes,
		Score:     float64(upvotes-downvotes) / float64(total),
	}
}

// VoteDelta returns the counter changes for a vote; zero vote means none.
func VoteDelta(v Vote) (up, down int64) {
	switch v {
	case VoteUp:
		return 1, 0
	case VoteDown:
		return 0, 1
	default:
		return 0, 0
	}
}
