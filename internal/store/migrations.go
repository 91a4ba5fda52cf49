package store

import "context"

// migrate runs embedded DDL in sequence, the same "ordered list of
// idempotent statements executed on startup" shape as the teacher's
// sqlite.go migrate(), ported to Postgres syntax (CREATE TABLE IF NOT
// EXISTS / CREATE INDEX IF NOT EXISTS are both standard there, unlike the
// sqlite dialect's ALTER TABLE ADD COLUMN workaround the teacher needed).
func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS api_requests (
			request_id              UUID PRIMARY KEY,
			domain                  TEXT NOT NULL,
			timestamp               TIMESTAMPTZ NOT NULL DEFAULT now(),
			account_id              TEXT,
			model                   TEXT,
			request_type            TEXT NOT NULL DEFAULT 'inference',
			input_body              JSONB NOT NULL,
			response_body           JSONB,
			response_status         INTEGER,
			response_streaming      BOOLEAN NOT NULL DEFAULT false,
			input_tokens            BIGINT NOT NULL DEFAULT 0,
			output_tokens           BIGINT NOT NULL DEFAULT 0,
			cache_creation_input_tokens BIGINT NOT NULL DEFAULT 0,
			cache_read_input_tokens BIGINT NOT NULL DEFAULT 0,
			tool_call_count         INTEGER NOT NULL DEFAULT 0,
			message_count           INTEGER NOT NULL DEFAULT 0,
			duration_ms             BIGINT,
			first_token_ms          BIGINT,
			conversation_id         UUID,
			branch_id               TEXT NOT NULL DEFAULT 'main',
			current_message_hash    TEXT,
			parent_message_hash     TEXT,
			system_hash             TEXT,
			parent_request_id       UUID,
			parent_task_request_id  UUID,
			is_subtask              BOOLEAN NOT NULL DEFAULT false,
			task_tool_invocation    JSONB,
			is_compressed           BOOLEAN NOT NULL DEFAULT false,
			CONSTRAINT chk_parent_not_self CHECK (parent_request_id IS NULL OR parent_request_id <> request_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_requests_domain_ts ON api_requests (domain, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_api_requests_conv ON api_requests (conversation_id, branch_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_api_requests_current_hash ON api_requests (current_message_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_api_requests_account ON api_requests (account_id, timestamp DESC)`,

		`CREATE TABLE IF NOT EXISTS streaming_chunks (
			request_id  UUID NOT NULL REFERENCES api_requests(request_id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			data        TEXT NOT NULL,
			PRIMARY KEY (request_id, chunk_index)
		)`,

		`CREATE TABLE IF NOT EXISTS analysis_jobs (
			id                      UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			conversation_id         UUID NOT NULL,
			branch_id               TEXT NOT NULL DEFAULT 'main',
			status                  TEXT NOT NULL DEFAULT 'pending',
			attempts                INTEGER NOT NULL DEFAULT 0,
			processing_started_at   TIMESTAMPTZ,
			completed_at            TIMESTAMPTZ,
			last_error              TEXT,
			created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (conversation_id, branch_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_analysis_jobs_pending
			ON analysis_jobs (created_at) WHERE status IN ('pending','processing')`,

		`CREATE TABLE IF NOT EXISTS conversation_analyses (
			conversation_id TEXT NOT NULL,
			branch_id       TEXT NOT NULL DEFAULT 'main',
			analysis_text   TEXT,
			analysis_json   JSONB,
			input_tokens    BIGINT NOT NULL DEFAULT 0,
			output_tokens   BIGINT NOT NULL DEFAULT 0,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (conversation_id, branch_id)
		)`,

		`CREATE OR REPLACE FUNCTION set_updated_at() RETURNS trigger AS $$
		BEGIN
			NEW.updated_at = now();
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,

		`DROP TRIGGER IF EXISTS trg_analysis_jobs_updated_at ON analysis_jobs`,
		`CREATE TRIGGER trg_analysis_jobs_updated_at
			BEFORE UPDATE ON analysis_jobs
			FOR EACH ROW EXECUTE FUNCTION set_updated_at()`,

		`DROP TRIGGER IF EXISTS trg_conversation_analyses_updated_at ON conversation_analyses`,
		`CREATE TRIGGER trg_conversation_analyses_updated_at
			BEFORE UPDATE ON conversation_analyses
			FOR EACH ROW EXECUTE FUNCTION set_updated_at()`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
