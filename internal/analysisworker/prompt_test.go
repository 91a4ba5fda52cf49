package analysisworker

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"anthraxy/internal/store"
)

func rowWithBody(input, response string) *store.ApiRequest {
	return &store.ApiRequest{
		RequestID:    uuid.New(),
		InputBody:    []byte(input),
		ResponseBody: []byte(response),
	}
}

func TestTruncatedPromptKeepsEverythingUnderLimit(t *testing.T) {
	rows := []*store.ApiRequest{
		rowWithBody(`"hi"`, `"hello"`),
		rowWithBody(`"bye"`, `"goodbye"`),
	}
	out := truncatedPrompt(rows, 5, 20, 100_000, 0.05)
	if strings.Contains(out, truncationMarker) {
		t.Fatalf("did not expect truncation marker for a short conversation")
	}
	if !strings.Contains(out, "hi") || !strings.Contains(out, "goodbye") {
		t.Fatalf("expected all message content preserved, got %q", out)
	}
}

func TestTruncatedPromptInsertsMarkerWhenOverBudget(t *testing.T) {
	var rows []*store.ApiRequest
	for i := 0; i < 30; i++ {
		rows = append(rows, rowWithBody(strings.Repeat("word ", 50), strings.Repeat("reply ", 50)))
	}
	out := truncatedPrompt(rows, 2, 3, 50, 0.05)
	if !strings.Contains(out, truncationMarker) {
		t.Fatalf("expected truncation marker to appear once the budget is exceeded")
	}
}

func TestTruncatedPromptKeepsOversizedSingleMessageWithSuffix(t *testing.T) {
	rows := []*store.ApiRequest{
		rowWithBody(strings.Repeat("x", 10_000), ""),
	}
	out := truncatedPrompt(rows, 5, 20, 10, 0.05)
	if !strings.Contains(out, contentTruncatedSuffix) {
		t.Fatalf("expected oversized single message to carry the content-truncated suffix, got %q", out)
	}
}

func TestBuildMessagesSkipsEmptyResponse(t *testing.T) {
	rows := []*store.ApiRequest{rowWithBody(`"hi"`, "")}
	msgs := buildMessages(rows)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message (no response yet), got %d", len(msgs))
	}
}
