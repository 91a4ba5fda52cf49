package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// AnalysisJob is the durable work-queue row backing cmd/analysisworker
// (spec §3, §4.9).
type AnalysisJob struct {
	ID                   uuid.UUID
	ConversationID       uuid.UUID
	BranchID             string
	Status               JobStatus
	Attempts             int
	ProcessingStartedAt  *time.Time
	CompletedAt          *time.Time
	LastError            string
}

// EnqueueAnalysisJob creates a pending job for a conversation, or is a
// no-op if one already exists for (conversation_id, branch_id) — the
// proxy calls this once per persisted inference-class request.
func (s *Store) EnqueueAnalysisJob(ctx context.Context, conversationID uuid.UUID, branchID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analysis_jobs (conversation_id, branch_id, status)
		VALUES ($1, $2, 'pending')
		ON CONFLICT (conversation_id, branch_id) DO NOTHING`,
		conversationID, branchID)
	return err
}

// ClaimNextAnalysisJob performs the exact atomic claim spec §4.9
// specifies: a single UPDATE ... WHERE id = (SELECT ... FOR UPDATE SKIP
// LOCKED LIMIT 1) RETURNING *, the only supported claim mechanism. No
// other code path may transition a job from pending to processing.
func (s *Store) ClaimNextAnalysisJob(ctx context.Context) (*AnalysisJob, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE analysis_jobs SET status='processing', attempts=attempts+1,
		       processing_started_at=now(), updated_at=now()
		WHERE id = (
			SELECT id FROM analysis_jobs
			WHERE status='pending'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED LIMIT 1
		)
		RETURNING id, conversation_id, branch_id, status, attempts, processing_started_at, completed_at, last_error`)

	j := &AnalysisJob{}
	var lastErr *string // NULL for jobs that have never failed
	err := row.Scan(&j.ID, &j.ConversationID, &j.BranchID, &j.Status, &j.Attempts,
		&j.ProcessingStartedAt, &j.CompletedAt, &lastErr)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if lastErr != nil {
		j.LastError = *lastErr
	}
	return j, nil
}

// CompleteAnalysisJob marks a job terminal-completed.
func (s *Store) CompleteAnalysisJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs SET status='completed', completed_at=now(), last_error=NULL
		WHERE id = $1`, id)
	return err
}

// FailAnalysisJob records a transient failure. A job becomes permanently
// failed when attempts >= maxAttempts (spec §4.9: "permanently failed when
// attempts >= 3"); otherwise it reverts to pending for a future claim.
func (s *Store) FailAnalysisJob(ctx context.Context, id uuid.UUID, lastErr string, maxAttempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs SET
			status = CASE WHEN attempts >= $2 THEN 'failed' ELSE 'pending' END,
			last_error = $3
		WHERE id = $1`, id, maxAttempts, lastErr)
	return err
}

// ReapStuckJobs is the watchdog operation (spec §4.9, §8 property 8):
// jobs in processing whose processing_started_at predates the stuck
// timeout are reverted to pending without touching attempts.
func (s *Store) ReapStuckJobs(ctx context.Context, stuckTimeout time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs SET
			status = 'pending',
			last_error = 'Job timed out. Reset by watchdog.'
		WHERE status = 'processing'
		  AND processing_started_at < now() - make_interval(secs => $1)`,
		stuckTimeout.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// LoadConversationMessages loads up to limit api_requests input/response
// bodies for a conversation branch, ascending by timestamp, for the
// analysis worker's prompt construction (spec §4.9 step 1).
func (s *Store) LoadConversationMessages(ctx context.Context, conversationID uuid.UUID, branchID string, limit int) ([]*ApiRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT request_id, input_body, response_body, timestamp
		FROM api_requests
		WHERE conversation_id = $1 AND branch_id = $2
		ORDER BY timestamp ASC
		LIMIT $3`, conversationID, branchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ApiRequest
	for rows.Next() {
		r := &ApiRequest{}
		if err := rows.Scan(&r.RequestID, &r.InputBody, &r.ResponseBody, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
