// Package forwarder implements spec §4.6's upstream forwarder: shared
// header construction, the buffered non-streaming path, and the SSE
// state machine for the streaming path. Grounded on the teacher's
// internal/handler/sub2api_proxy.go streamAnthropicResponse (byte-for-
// byte io.Copy relay) and internal/httpclient (Chrome-impersonating
// imroc/req/v3 client).
package forwarder

import (
	"encoding/json"
)

// ToolCall is one accumulated content_block of type tool_use.
type ToolCall struct {
	Name  string          `json:"name"`
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

// ProxyResponse is the forwarder's accumulated view of one upstream
// response, populated identically whether the upstream reply was
// buffered JSON or an SSE stream (spec §4.6).
type ProxyResponse struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
	ToolCallCount            int
	ToolCalls                []ToolCall
	Content                  string
	FullUsageData            json.RawMessage
	StopReason               string
}

// openToolCall tracks one in-progress tool_use content block while its
// input_json_delta events are still arriving.
type openToolCall struct {
	name      string
	id        string
	inputText string
}

func (o *openToolCall) finalize() ToolCall {
	raw := json.RawMessage(o.inputText)
	if !json.Valid(raw) {
		// Spec §4.6: "on parse error, keep the literal string" — wrap it
		// as a JSON string so FullUsageData/ToolCalls still marshal cleanly.
		b, _ := json.Marshal(o.inputText)
		raw = b
	}
	return ToolCall{Name: o.name, ID: o.id, Input: raw}
}
