package linker

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lookups is the read surface the linker needs, implemented by
// *store.Store. Kept narrow (spec §4.5: "the linker ... does not hold
// locks", i.e. it only ever reads).
type Lookups interface {
	FindByCurrentMessageHash(ctx context.Context, hash string) ([]*PriorRowLike, error)
	FindTaskInvocationByPrompt(ctx context.Context, prompt string, since time.Time) (*uuid.UUID, error)
}

// PriorRowLike mirrors store.ApiRequest's fields the linker reads;
// kept as its own type so this package has no import-time dependency
// on internal/store's full row shape.
type PriorRowLike struct {
	RequestID      uuid.UUID
	ConversationID uuid.UUID
	BranchID       string
	Timestamp      time.Time
}

// Result is everything the linker derives for one request.
type Result struct {
	ConversationID      uuid.UUID
	BranchID            string
	ParentRequestID     *uuid.UUID
	SystemHash          string
	CurrentMessageHash  string
	ParentMessageHash   string
	IsSubtask           bool
	ParentTaskRequestID *uuid.UUID
}

// Link implements spec §4.5's hash derivation and lineage lookup (steps
// 1-2). Sub-task detection (step 3) is DetectSubtask, which the caller
// runs separately after Link. Step 4 (scanning
// the response for Task tool_use blocks) is the caller's job once the
// response is assembled, against the forwarder's already-reconstructed
// tool calls rather than re-decoding the response body here.
func Link(ctx context.Context, lookups Lookups, system interface{}, messages []Message, now time.Time) (*Result, error) {
	systemHash, err := SystemHash(system)
	if err != nil {
		return nil, err
	}
	currentHash, err := CurrentMessageHash(messages)
	if err != nil {
		return nil, err
	}
	parentHash, err := ParentMessageHash(messages)
	if err != nil {
		return nil, err
	}

	res := &Result{
		SystemHash:         systemHash,
		CurrentMessageHash: currentHash,
		ParentMessageHash:  parentHash,
	}

	if parentHash == "" {
		// First turn of a conversation (spec §4.5 step 2).
		res.ConversationID = uuid.New()
		res.BranchID = "main"
		return res, nil
	}

	matches, err := lookups.FindByCurrentMessageHash(ctx, parentHash)
	if err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		res.ConversationID = uuid.New()
		res.BranchID = "main"
	case 1:
		res.ConversationID = matches[0].ConversationID
		res.BranchID = matches[0].BranchID
		id := matches[0].RequestID
		res.ParentRequestID = &id
	default:
		// Fork: inherit conversation_id, mint a stable derivative branch_id,
		// parent is the most recent match (matches are timestamp-desc
		// ordered by the store query).
		res.ConversationID = matches[0].ConversationID
		res.BranchID = "fork_" + currentHash[:8]
		id := matches[0].RequestID
		res.ParentRequestID = &id
	}

	return res, nil
}

// DetectSubtask implements spec §4.5 step 3: only runs for the first
// turn of a new conversation, matching a quoted Task tool-use prompt
// from another conversation within the last 24h, exact string match,
// closest by timestamp.
func DetectSubtask(ctx context.Context, lookups Lookups, res *Result, isFirstTurn bool, quotedTaskPrompt string, now time.Time) error {
	if !isFirstTurn || quotedTaskPrompt == "" {
		return nil
	}
	since := now.Add(-24 * time.Hour)
	id, err := lookups.FindTaskInvocationByPrompt(ctx, quotedTaskPrompt, since)
	if err != nil {
		return err
	}
	if id != nil {
		res.IsSubtask = true
		res.ParentTaskRequestID = id
	}
	return nil
}

