package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/domain-retrieval/internal/core/domain"
)

const schemaLockKey int64 = 2026021001

// FeedbackRepository stores one vote per (session, chunk) and keeps running
// per-(chunk, domain) counters next to the votes.
type FeedbackRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewFeedbackRepository(db *sql.DB) *FeedbackRepository {
	return &FeedbackRepository{db: db, now: time.Now}
}

func (r *FeedbackRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS feedback_votes (
	session_id TEXT NOT NULL,
	chunk_id TEXT NOT NULL,
	domain TEXT NOT NULL,
	vote SMALLINT NOT NULL CHECK (vote IN (-1, 1)),
	submitted_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, chunk_id)
);

CREATE TABLE IF NOT EXISTS feedback_aggregates (
	chunk_id TEXT NOT NULL,
	domain TEXT NOT NULL,
	upvotes BIGINT NOT NULL DEFAULT 0,
	downvotes BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (chunk_id, domain)
);

CREATE INDEX IF NOT EXISTS idx_feedback_votes_chunk ON feedback_votes(chunk_id);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// RecordVote upserts the vote and moves the aggregate counters by the
// difference against any previous vote from the same session.
func (r *FeedbackRepository) RecordVote(ctx context.Context, record domain.FeedbackRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	submittedAt := record.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = r.now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin vote tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, record.SessionID+"/"+record.ChunkID); err != nil {
		return fmt.Errorf("acquire vote lock: %w", err)
	}

	var (
		prevVote   int
		prevDomain string
		hasPrev    = true
	)
	// The row lock makes a concurrent purge either wait for this vote or
	// delete the row before it is read.
	err = tx.QueryRowContext(ctx, `
SELECT vote, domain
FROM feedback_votes
WHERE session_id = $1 AND chunk_id = $2
FOR UPDATE
`, record.SessionID, record.ChunkID).Scan(&prevVote, &prevDomain)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select previous vote: %w", err)
		}
		hasPrev = false
	}

	if hasPrev && domain.Vote(prevVote) == record.Vote && domain.Domain(prevDomain) == record.Domain {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO feedback_votes (session_id, chunk_id, domain, vote, submitted_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session_id, chunk_id) DO UPDATE
SET domain = EXCLUDED.domain, vote = EXCLUDED.vote, submitted_at = EXCLUDED.submitted_at
`, record.SessionID, record.ChunkID, string(record.Domain), int(record.Vote), submittedAt)
	if err != nil {
		return fmt.Errorf("upsert vote: %w", err)
	}

	if hasPrev {
		up, down := domain.VoteDelta(domain.Vote(prevVote))
		if err := adjustAggregate(ctx, tx, record.ChunkID, domain.Domain(prevDomain), -up, -down, submittedAt); err != nil {
			return err
		}
	}
	up, down := domain.VoteDelta(record.Vote)
	if err := adjustAggregate(ctx, tx, record.ChunkID, record.Domain, up, down, submittedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vote tx: %w", err)
	}
	return nil
}

func adjustAggregate(ctx context.Context, tx *sql.Tx, chunkID string, d domain.Domain, up, down int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO feedback_aggregates (chunk_id, domain, upvotes, downvotes, updated_at)
VALUES ($1, $2, GREATEST($3::BIGINT, 0), GREATEST($4::BIGINT, 0), $5)
ON CONFLICT (chunk_id, domain) DO UPDATE
SET upvotes = GREATEST(feedback_aggregates.upvotes + $3::BIGINT, 0),
	downvotes = GREATEST(feedback_aggregates.downvotes + $4::BIGINT, 0),
	updated_at = EXCLUDED.updated_at
`, chunkID, string(d), up, down, at)
	if err != nil {
		return fmt.Errorf("adjust aggregate: %w", err)
	}
	return nil
}

// Aggregate returns a zero-score aggregate for a chunk with no votes.
func (r *FeedbackRepository) Aggregate(ctx context.Context, chunkID string, d domain.Domain) (domain.FeedbackAggregate, error) {
	var up, down int64
	err := r.db.QueryRowContext(ctx, `
SELECT upvotes, downvotes
FROM feedback_aggregates
WHERE chunk_id = $1 AND domain = $2
`, chunkID, string(d)).Scan(&up, &down)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.FeedbackAggregate{}, fmt.Errorf("select aggregate: %w", err)
	}
	return domain.NewFeedbackAggregate(chunkID, d, up, down), nil
}

// Aggregates omits chunks that have never been voted on.
func (r *FeedbackRepository) Aggregates(ctx context.Context, d domain.Domain, chunkIDs []string) (map[string]domain.FeedbackAggregate, error) {
	out := make(map[string]domain.FeedbackAggregate, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT chunk_id, upvotes, downvotes
FROM feedback_aggregates
WHERE domain = $1 AND chunk_id = ANY($2)
`, string(d), chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("query aggregates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			chunkID  string
			up, down int64
		)
		if err := rows.Scan(&chunkID, &up, &down); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		out[chunkID] = domain.NewFeedbackAggregate(chunkID, d, up, down)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregates: %w", err)
	}
	return out, nil
}

// PurgeSession deletes every vote of the session and withdraws them from the
// aggregates in one statement.
func (r *FeedbackRepository) PurgeSession(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, domain.WrapError(domain.ErrValidation, "purge session", fmt.Errorf("session_id is required"))
	}

	var removed int64
	err := r.db.QueryRowContext(ctx, `
WITH removed AS (
	DELETE FROM feedback_votes
	WHERE session_id = $1
	RETURNING chunk_id, domain, vote
), counts AS (
	SELECT chunk_id, domain,
		COUNT(*) FILTER (WHERE vote = 1) AS up,
		COUNT(*) FILTER (WHERE vote = -1) AS down
	FROM removed
	GROUP BY chunk_id, domain
), adjusted AS (
	UPDATE feedback_aggregates a
	SET upvotes = GREATEST(a.upvotes - c.up, 0),
		downvotes = GREATEST(a.downvotes - c.down, 0),
		updated_at = $2
	FROM counts c
	WHERE a.chunk_id = c.chunk_id AND a.domain = c.domain
	RETURNING a.chunk_id
)
SELECT COUNT(*) FROM removed
`, sessionID, r.now().UTC()).Scan(&removed)
	if err != nil {
		return 0, fmt.Errorf("purge session votes: %w", err)
	}
	return removed, nil
}
