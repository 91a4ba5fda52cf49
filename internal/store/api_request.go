package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/google/uuid"
)

// RequestType classifies an inbound call per spec §4.4.
type RequestType string

const (
	RequestTypeQueryEvaluation RequestType = "query_evaluation"
	RequestTypeInference       RequestType = "inference"
	RequestTypeQuota           RequestType = "quota"
)

// ApiRequest is one row per inbound /v1/messages call (spec §3). Immutable
// after the write completes; the writer is the sole mutator.
type ApiRequest struct {
	RequestID      uuid.UUID
	Domain         string
	Timestamp      time.Time
	AccountID      string
	Model          string
	RequestType    RequestType
	InputBody      json.RawMessage
	ResponseBody   json.RawMessage
	ResponseStatus int
	ResponseStreaming bool

	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
	ToolCallCount            int
	MessageCount             int

	DurationMs   *int64
	FirstTokenMs *int64

	ConversationID      uuid.UUID
	BranchID            string
	CurrentMessageHash  string
	ParentMessageHash   string
	SystemHash          string
	ParentRequestID     *uuid.UUID
	ParentTaskRequestID *uuid.UUID
	IsSubtask           bool
	TaskToolInvocation  json.RawMessage
}

// TotalTokens enforces the spec §3 invariant total_tokens = input+output.
func (r *ApiRequest) TotalTokens() int64 { return r.InputTokens + r.OutputTokens }

// InsertApiRequest performs the at-least-once, crash-safe insert spec §4.7
// and §8 property 4 require: ON CONFLICT (request_id) DO NOTHING.
func (s *Store) InsertApiRequest(ctx context.Context, r *ApiRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_requests (
			request_id, domain, timestamp, account_id, model, request_type,
			input_body, response_body, response_status, response_streaming,
			input_tokens, output_tokens, cache_creation_input_tokens, cache_read_input_tokens,
			tool_call_count, message_count, duration_ms, first_token_ms,
			conversation_id, branch_id, current_message_hash, parent_message_hash,
			system_hash, parent_request_id, parent_task_request_id, is_subtask, task_tool_invocation
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27
		)
		ON CONFLICT (request_id) DO NOTHING`,
		r.RequestID, r.Domain, r.Timestamp, r.AccountID, r.Model, r.RequestType,
		r.InputBody, r.ResponseBody, r.ResponseStatus, r.ResponseStreaming,
		r.InputTokens, r.OutputTokens, r.CacheCreationInputTokens, r.CacheReadInputTokens,
		r.ToolCallCount, r.MessageCount, r.DurationMs, r.FirstTokenMs,
		r.ConversationID, r.BranchID, r.CurrentMessageHash, r.ParentMessageHash,
		r.SystemHash, r.ParentRequestID, r.ParentTaskRequestID, r.IsSubtask, r.TaskToolInvocation,
	)
	return err
}

// FindByCurrentMessageHash supports the conversation linker's lookup
// (spec §4.5 step 1): "look up any prior row with current_message_hash =
// this.parent_message_hash". Ordered by timestamp descending so callers
// can take the most recent match for parent_request_id on a fork.
func (s *Store) FindByCurrentMessageHash(ctx context.Context, hash string) ([]*ApiRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT request_id, conversation_id, branch_id, timestamp, current_message_hash
		FROM api_requests
		WHERE current_message_hash = $1
		ORDER BY timestamp DESC`, hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ApiRequest
	for rows.Next() {
		r := &ApiRequest{}
		if err := rows.Scan(&r.RequestID, &r.ConversationID, &r.BranchID, &r.Timestamp, &r.CurrentMessageHash); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindTaskInvocationByPrompt supports sub-task detection (spec §4.5 step
// 3): exact match on the quoted Task tool-use prompt string, within the
// last 24h, closest by timestamp.
func (s *Store) FindTaskInvocationByPrompt(ctx context.Context, prompt string, since time.Time) (*uuid.UUID, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT request_id
		FROM api_requests, jsonb_array_elements(COALESCE(task_tool_invocation, '[]'::jsonb)) AS inv
		WHERE timestamp >= $2
		  AND inv->'input'->>'prompt' = $1
		ORDER BY timestamp DESC
		LIMIT 1`, prompt, since)

	var id uuid.UUID
	if err := row.Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &id, nil
}

// DomainTokenStat is one row of the spec §6 GET /token-stats response.
type DomainTokenStat struct {
	Domain           string
	RequestCount     int64
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
}

// DomainTokenStats aggregates token counters per domain across all time,
// backing the spec §6 GET /token-stats endpoint.
func (s *Store) DomainTokenStats(ctx context.Context) ([]DomainTokenStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT domain, COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(cache_read_input_tokens),0)
		FROM api_requests
		GROUP BY domain
		ORDER BY domain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DomainTokenStat
	for rows.Next() {
		var d DomainTokenStat
		if err := rows.Scan(&d.Domain, &d.RequestCount, &d.InputTokens, &d.OutputTokens, &d.CacheReadTokens); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ApiRequestFilter narrows ListApiRequests' dashboard-style listing.
type ApiRequestFilter struct {
	Domain    string
	AccountID string
	Model     string
	Page      int
	Limit     int
}

// ApiRequestSummary is the trimmed row shape the dashboard list view
// needs; it omits input_body/response_body since those can be large and
// are fetched individually via GetApiRequest.
type ApiRequestSummary struct {
	RequestID      uuid.UUID
	Domain         string
	Timestamp      time.Time
	AccountID      string
	Model          string
	RequestType    RequestType
	ResponseStatus int
	InputTokens    int64
	OutputTokens   int64
	ConversationID uuid.UUID
	BranchID       string
}

// ListApiRequests is a paginated, filtered listing for a dashboard read
// view, adapted from the teacher's RequestLogsHandler.ListRequestLogs
// pagination/filter shape onto the api_requests schema. No HTTP route
// calls it.
func (s *Store) ListApiRequests(ctx context.Context, f ApiRequestFilter) ([]*ApiRequestSummary, int, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	offset := (f.Page - 1) * f.Limit

	var total int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM api_requests
		WHERE ($1 = '' OR domain = $1)
		  AND ($2 = '' OR account_id = $2)
		  AND ($3 = '' OR model = $3)`,
		f.Domain, f.AccountID, f.Model,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT request_id, domain, timestamp, account_id, model, request_type,
		       response_status, input_tokens, output_tokens, conversation_id, branch_id
		FROM api_requests
		WHERE ($1 = '' OR domain = $1)
		  AND ($2 = '' OR account_id = $2)
		  AND ($3 = '' OR model = $3)
		ORDER BY timestamp DESC
		LIMIT $4 OFFSET $5`,
		f.Domain, f.AccountID, f.Model, f.Limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*ApiRequestSummary
	for rows.Next() {
		r := &ApiRequestSummary{}
		if err := rows.Scan(&r.RequestID, &r.Domain, &r.Timestamp, &r.AccountID, &r.Model, &r.RequestType,
			&r.ResponseStatus, &r.InputTokens, &r.OutputTokens, &r.ConversationID, &r.BranchID); err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// GetApiRequest fetches one full row, including bodies, for the dashboard's
// single-request drill-down.
func (s *Store) GetApiRequest(ctx context.Context, id uuid.UUID) (*ApiRequest, error) {
	r := &ApiRequest{}
	err := s.pool.QueryRow(ctx, `
		SELECT request_id, domain, timestamp, account_id, model, request_type,
		       input_body, response_body, response_status, response_streaming,
		       input_tokens, output_tokens, cache_creation_input_tokens, cache_read_input_tokens,
		       tool_call_count, message_count, duration_ms, first_token_ms,
		       conversation_id, branch_id, current_message_hash, parent_message_hash,
		       system_hash, parent_request_id, parent_task_request_id, is_subtask
		FROM api_requests WHERE request_id = $1`, id,
	).Scan(&r.RequestID, &r.Domain, &r.Timestamp, &r.AccountID, &r.Model, &r.RequestType,
		&r.InputBody, &r.ResponseBody, &r.ResponseStatus, &r.ResponseStreaming,
		&r.InputTokens, &r.OutputTokens, &r.CacheCreationInputTokens, &r.CacheReadInputTokens,
		&r.ToolCallCount, &r.MessageCount, &r.DurationMs, &r.FirstTokenMs,
		&r.ConversationID, &r.BranchID, &r.CurrentMessageHash, &r.ParentMessageHash,
		&r.SystemHash, &r.ParentRequestID, &r.ParentTaskRequestID, &r.IsSubtask)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

// GetConversationRequests loads every request in a conversation across all
// branches, ascending by timestamp, for a dashboard conversation
// drill-down. No HTTP route calls it.
func (s *Store) GetConversationRequests(ctx context.Context, conversationID uuid.UUID) ([]*ApiRequestSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT request_id, domain, timestamp, account_id, model, request_type,
		       response_status, input_tokens, output_tokens, conversation_id, branch_id
		FROM api_requests
		WHERE conversation_id = $1
		ORDER BY timestamp ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ApiRequestSummary
	for rows.Next() {
		r := &ApiRequestSummary{}
		if err := rows.Scan(&r.RequestID, &r.Domain, &r.Timestamp, &r.AccountID, &r.Model, &r.RequestType,
			&r.ResponseStatus, &r.InputTokens, &r.OutputTokens, &r.ConversationID, &r.BranchID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UncompressedApiRequest is the narrow row internal/compactor reads before
// gzip+base64-encoding input_body/response_body in place.
type UncompressedApiRequest struct {
	RequestID    uuid.UUID
	InputBody    json.RawMessage
	ResponseBody json.RawMessage
}

// GetUncompressedApiRequests returns up to limit rows older than olderThan
// that have not yet been compressed, oldest first, for
// internal/compactor's batch loop.
func (s *Store) GetUncompressedApiRequests(ctx context.Context, olderThan time.Duration, limit int) ([]*UncompressedApiRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT request_id, input_body, response_body
		FROM api_requests
		WHERE is_compressed = false AND timestamp < now() - make_interval(secs => $1)
		ORDER BY timestamp ASC
		LIMIT $2`, olderThan.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UncompressedApiRequest
	for rows.Next() {
		r := &UncompressedApiRequest{}
		if err := rows.Scan(&r.RequestID, &r.InputBody, &r.ResponseBody); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CompressApiRequest overwrites a row's bodies with their gzip+base64 form
// (each stored as a bare JSON string, since the columns are JSONB) and
// flips is_compressed, mirroring the teacher's compressConversation
// UPDATE.
func (s *Store) CompressApiRequest(ctx context.Context, id uuid.UUID, compressedInput, compressedResponse string) error {
	inputJSON, err := json.Marshal(compressedInput)
	if err != nil {
		return err
	}
	responseJSON, err := json.Marshal(compressedResponse)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE api_requests SET input_body = $2, response_body = $3, is_compressed = true
		WHERE request_id = $1`,
		id, json.RawMessage(inputJSON), json.RawMessage(responseJSON))
	return err
}

// RollingOutputTokens computes an account's rolling output-token sum over
// the trailing window, backing the pool-selection budget check (spec
// §4.3). This is the writer's "read path" the spec describes — a query
// over the durable store rather than a separate in-memory structure,
// since api_requests already carries everything needed and is indexed by
// (account_id, timestamp).
func (s *Store) RollingOutputTokens(ctx context.Context, accountID string, window time.Duration) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(output_tokens), 0)
		FROM api_requests
		WHERE account_id = $1 AND timestamp >= now() - make_interval(secs => $2)`,
		accountID, window.Seconds(),
	).Scan(&sum)
	return sum, err
}
