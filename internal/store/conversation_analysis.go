package store

import (
	"context"
	"encoding/json"
)

// ConversationAnalysis is the analysis worker's output row, keyed by
// (conversation_id, branch_id) (spec §3). updated_at is maintained by the
// before-update trigger installed in migrations.go.
type ConversationAnalysis struct {
	ConversationID string
	BranchID       string
	AnalysisText   string
	AnalysisJSON   json.RawMessage
	InputTokens    int64
	OutputTokens   int64
}

// UpsertConversationAnalysis writes the analysis worker's result via
// ON CONFLICT DO UPDATE (spec §4.9 step 4), so re-processing a conversation
// (e.g. after a watchdog-reclaimed job) replaces the prior analysis rather
// than erroring.
func (s *Store) UpsertConversationAnalysis(ctx context.Context, a *ConversationAnalysis) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_analyses (conversation_id, branch_id, analysis_text, analysis_json, input_tokens, output_tokens)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, branch_id) DO UPDATE SET
			analysis_text = EXCLUDED.analysis_text,
			analysis_json = EXCLUDED.analysis_json,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens`,
		a.ConversationID, a.BranchID, a.AnalysisText, a.AnalysisJSON, a.InputTokens, a.OutputTokens)
	return err
}

// GetConversationAnalyses returns every branch's analysis for a
// conversation, for a dashboard read view. No HTTP route calls it.
func (s *Store) GetConversationAnalyses(ctx context.Context, conversationID string) ([]*ConversationAnalysis, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id, branch_id, analysis_text, analysis_json, input_tokens, output_tokens
		FROM conversation_analyses
		WHERE conversation_id = $1
		ORDER BY branch_id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ConversationAnalysis
	for rows.Next() {
		a := &ConversationAnalysis{}
		if err := rows.Scan(&a.ConversationID, &a.BranchID, &a.AnalysisText, &a.AnalysisJSON, &a.InputTokens, &a.OutputTokens); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
