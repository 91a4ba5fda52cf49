package forwarder

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"anthraxy/internal/apperr"
	"anthraxy/internal/credential"
)

// StreamWriter is the minimal surface the streaming path writes to —
// satisfied by gin.ResponseWriter, narrowed so this package stays
// independent of gin.
type StreamWriter interface {
	io.Writer
	Flush()
}

// anthropicEvent is the subset of SSE event fields the state machine
// needs to drive ProxyResponse accounting. Unknown fields are ignored;
// the raw line is relayed to the client unchanged regardless of
// whether it parses here.
type anthropicEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage   json.RawMessage `json:"usage"`
	Message *struct {
		Usage json.RawMessage `json:"usage"`
	} `json:"message"`
}

// ForwardStreaming implements spec §4.6's streaming path: relay the
// upstream SSE body to the client byte-for-byte (grounded on the
// teacher's io.Copy-based relay in sub2api_proxy.go) while driving the
// ProxyResponse state machine from a side-channel parse of each line
// (grounded on proxy.go's streamAPIResponse bufio.Scanner loop — unlike
// the teacher, this implementation never rewrites the event format).
//
// If the client disconnects mid-stream, ctx.Err() is returned alongside
// whatever ProxyResponse state had accumulated so far, so the caller
// can persist a partial record (response_status = 499).
func (f *Forwarder) ForwardStreaming(ctx context.Context, body []byte, auth *credential.AuthMaterial, w StreamWriter) (*ProxyResponse, error) {
	resp, err := f.doWithRetry(ctx, body, buildHeaders(auth))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, &apperr.UpstreamError{Message: string(raw), StatusCode: resp.StatusCode}
	}

	pr := &ProxyResponse{}
	open := map[int]*openToolCall{}

	// Read raw lines with bufio.Reader rather than bufio.Scanner and
	// relay each one's exact bytes (delimiter included) to the client:
	// spec §8 invariant 1 requires the bytes the client receives to be
	// upstream's bytes verbatim, and Scanner.Text() strips the line
	// terminator and normalizes it back to a bare "\n" on write, which
	// would rewrite "\r\n" upstream framing and drop a trailing
	// unterminated line. Event parsing still works off a trimmed copy
	// of each line; only the parse, never the relay, is lossy.
	reader := bufio.NewReaderSize(resp.Body, 64*1024)
	for {
		if ctx.Err() != nil {
			return pr, ctx.Err()
		}

		rawLine, readErr := reader.ReadBytes('\n')
		if len(rawLine) > 0 {
			if _, werr := w.Write(rawLine); werr != nil {
				return pr, werr
			}
			line := strings.TrimRight(string(rawLine), "\r\n")
			if line == "" {
				w.Flush()
			}
			if strings.HasPrefix(line, "data: ") {
				data := strings.TrimPrefix(line, "data: ")
				if data != "[DONE]" {
					var event anthropicEvent
					if jerr := json.Unmarshal([]byte(data), &event); jerr == nil {
						applyEvent(pr, open, &event)
					}
				}
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return pr, &apperr.UpstreamError{Message: "reading upstream stream: " + readErr.Error()}
		}
	}
	w.Flush()

	return pr, nil
}

// applyEvent implements spec §4.6's event-to-state-transition table.
func applyEvent(pr *ProxyResponse, open map[int]*openToolCall, event *anthropicEvent) {
	switch event.Type {
	case "message_start":
		if event.Message != nil && len(event.Message.Usage) > 0 {
			mergeUsage(pr, event.Message.Usage)
		}
	case "content_block_start":
		if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
			pr.ToolCallCount++
			open[event.Index] = &openToolCall{name: event.ContentBlock.Name, id: event.ContentBlock.ID}
		}
	case "content_block_delta":
		if event.Delta == nil {
			return
		}
		switch event.Delta.Type {
		case "text_delta":
			pr.Content += event.Delta.Text
		case "input_json_delta":
			if o, ok := open[event.Index]; ok {
				o.inputText += event.Delta.PartialJSON
			}
		}
	case "content_block_stop":
		if o, ok := open[event.Index]; ok {
			pr.ToolCalls = append(pr.ToolCalls, o.finalize())
			delete(open, event.Index)
		}
	case "message_delta":
		if len(event.Usage) > 0 {
			mergeUsage(pr, event.Usage)
		}
		if event.Delta != nil && event.Delta.StopReason != "" {
			pr.StopReason = event.Delta.StopReason
		}
	case "message_stop":
	}
}

// mergeUsage folds a usage object (present on message_start and
// message_delta events) into the accumulator, keeping the last-seen
// value for each field and the raw bytes as FullUsageData.
func mergeUsage(pr *ProxyResponse, raw json.RawMessage) {
	var usage struct {
		InputTokens              *int64 `json:"input_tokens"`
		OutputTokens             *int64 `json:"output_tokens"`
		CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     *int64 `json:"cache_read_input_tokens"`
	}
	if err := json.Unmarshal(raw, &usage); err != nil {
		return
	}
	if usage.InputTokens != nil {
		pr.InputTokens = *usage.InputTokens
	}
	if usage.OutputTokens != nil {
		pr.OutputTokens = *usage.OutputTokens
	}
	if usage.CacheCreationInputTokens != nil {
		pr.CacheCreationInputTokens = *usage.CacheCreationInputTokens
	}
	if usage.CacheReadInputTokens != nil {
		pr.CacheReadInputTokens = *usage.CacheReadInputTokens
	}
	pr.FullUsageData = raw
}
