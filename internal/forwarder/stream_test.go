package forwarder

import (
	"encoding/json"
	"testing"
)

func mustEvent(t *testing.T, raw string) anthropicEvent {
	t.Helper()
	var e anthropicEvent
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return e
}

// TestStreamingToolCallReconstruction implements spec §8 S2: a
// message_start/content_block_start(tool_use)/input_json_delta*2/
// content_block_stop/message_delta/message_stop sequence reconstructs
// one Task tool call and the final output token count.
func TestStreamingToolCallReconstruction(t *testing.T) {
	pr := &ProxyResponse{}
	open := map[int]*openToolCall{}

	events := []string{
		`{"type":"message_start","message":{"usage":{"input_tokens":5,"output_tokens":0}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"Task"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"prom"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"pt\":\"do X\"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`,
		`{"type":"message_stop"}`,
	}
	for _, raw := range events {
		e := mustEvent(t, raw)
		applyEvent(pr, open, &e)
	}

	if pr.ToolCallCount != 1 {
		t.Fatalf("expected tool_call_count 1, got %d", pr.ToolCallCount)
	}
	if pr.OutputTokens != 7 {
		t.Fatalf("expected output_tokens 7, got %d", pr.OutputTokens)
	}
	if pr.InputTokens != 5 {
		t.Fatalf("expected input_tokens 5, got %d", pr.InputTokens)
	}
	if len(pr.ToolCalls) != 1 {
		t.Fatalf("expected 1 reconstructed tool call, got %d", len(pr.ToolCalls))
	}
	call := pr.ToolCalls[0]
	if call.Name != "Task" || call.ID != "t1" {
		t.Fatalf("unexpected tool call: %+v", call)
	}
	var input struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(call.Input, &input); err != nil {
		t.Fatalf("tool call input did not parse as JSON: %v (%s)", err, call.Input)
	}
	if input.Prompt != "do X" {
		t.Fatalf("expected prompt %q, got %q", "do X", input.Prompt)
	}
}

func TestStreamingTextDeltaAccumulates(t *testing.T) {
	pr := &ProxyResponse{}
	open := map[int]*openToolCall{}

	for _, raw := range []string{
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}`,
	} {
		e := mustEvent(t, raw)
		applyEvent(pr, open, &e)
	}

	if pr.Content != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", pr.Content)
	}
}

func TestOpenToolCallFinalizeKeepsLiteralOnParseError(t *testing.T) {
	o := &openToolCall{name: "Task", id: "t2", inputText: "{not valid json"}
	call := o.finalize()
	if !json.Valid(call.Input) {
		t.Fatalf("expected finalize to always produce valid JSON, got %s", call.Input)
	}
	var s string
	if err := json.Unmarshal(call.Input, &s); err != nil {
		t.Fatalf("expected literal string fallback, got error: %v", err)
	}
	if s != "{not valid json" {
		t.Fatalf("expected literal text preserved, got %q", s)
	}
}
