// Package analysisworker implements the analysis_jobs queue consumer
// (spec §4.9): claim, truncated-prompt construction, external model call,
// and upsert into conversation_analyses.
package analysisworker

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"anthraxy/internal/store"
)

const truncationMarker = "[…conversation truncated…]"
const contentTruncatedSuffix = "[CONTENT TRUNCATED]"

// tokenCounter wraps tiktoken-go's cl100k_base encoding, the same
// encoding family Anthropic and OpenAI chat models both budget against
// closely enough for a truncation heuristic. Falls back to a byte-length
// estimate if the encoding can't be loaded (e.g. no embedded vocab file
// available), rather than failing prompt construction outright.
type tokenCounter struct {
	enc *tiktoken.Tiktoken
}

func newTokenCounter() *tokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &tokenCounter{}
	}
	return &tokenCounter{enc: enc}
}

func (t *tokenCounter) Count(s string) int {
	if t.enc == nil {
		return len(s) / 4
	}
	return len(t.enc.Encode(s, nil, nil))
}

// promptMessage is one row's worth of conversation content, reduced to
// what the truncation algorithm and final prompt need.
type promptMessage struct {
	requestID string
	text      string
}

// buildMessages projects store rows into flat input/response text pairs,
// in timestamp order — the worker's view of the conversation is exactly
// this: "up to N messages... sorted ascending by timestamp" (spec §4.9
// step 1), request and response each contributing one line.
func buildMessages(rows []*store.ApiRequest) []promptMessage {
	out := make([]promptMessage, 0, len(rows)*2)
	for _, r := range rows {
		out = append(out, promptMessage{requestID: r.RequestID.String(), text: "user: " + string(r.InputBody)})
		if len(r.ResponseBody) > 0 {
			out = append(out, promptMessage{requestID: r.RequestID.String(), text: "assistant: " + string(r.ResponseBody)})
		}
	}
	return out
}

// truncatedPrompt implements spec §4.9 step 2 verbatim: keep the first H
// and last T messages; if the assembled prompt would exceed the
// token budget after a safety margin, splice a single marker message
// between head and tail; if the tail alone still exceeds budget, drop
// from its head; a single message that alone exceeds budget is kept with
// a literal truncation suffix rather than dropped.
func truncatedPrompt(rows []*store.ApiRequest, head, tail, budget int, safetyMargin float64) string {
	counter := newTokenCounter()
	effectiveBudget := int(float64(budget) * (1 - safetyMargin))

	messages := buildMessages(rows)
	if len(messages) <= head+tail {
		return joinMessages(counter, messages, effectiveBudget)
	}
	fullTotal := 0
	for _, m := range messages {
		fullTotal += counter.Count(m.text)
	}
	if fullTotal <= effectiveBudget {
		return joinMessages(counter, messages, effectiveBudget)
	}

	headMsgs := messages[:head]
	tailMsgs := messages[len(messages)-tail:]

	combined := make([]promptMessage, 0, head+tail+1)
	combined = append(combined, headMsgs...)
	combined = append(combined, promptMessage{text: truncationMarker})
	combined = append(combined, tailMsgs...)

	total := 0
	for _, m := range combined {
		total += counter.Count(m.text)
	}
	if total <= effectiveBudget {
		return joinMessages(counter, combined, effectiveBudget)
	}

	// Tail alone still over budget: drop from the tail's head until it
	// fits, keeping the marker and the true tail end.
	for len(tailMsgs) > 1 {
		tailMsgs = tailMsgs[1:]
		total = counter.Count(truncationMarker)
		for _, m := range headMsgs {
			total += counter.Count(m.text)
		}
		for _, m := range tailMsgs {
			total += counter.Count(m.text)
		}
		if total <= effectiveBudget {
			break
		}
	}

	combined = combined[:0]
	combined = append(combined, headMsgs...)
	combined = append(combined, promptMessage{text: truncationMarker})
	combined = append(combined, tailMsgs...)
	return joinMessages(counter, combined, effectiveBudget)
}

func joinMessages(counter *tokenCounter, messages []promptMessage, budget int) string {
	out := ""
	for i, m := range messages {
		text := m.text
		if counter.Count(text) > budget {
			text = text + "\n" + contentTruncatedSuffix
		}
		if i > 0 {
			out += "\n"
		}
		out += text
	}
	return out
}

func analysisPromptHeader(conversationID string, branchID string) string {
	return fmt.Sprintf("Analyze the following conversation (conversation_id=%s, branch_id=%s):\n", conversationID, branchID)
}
