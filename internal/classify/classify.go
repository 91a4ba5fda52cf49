// Package classify implements spec §4.4's request type classification:
// a pure function over the decoded request body, with no side effects.
// New component — the teacher has no analogous classifier — but built
// as a small pure helper in the teacher's style (internal/handler/proxy.go's
// extractTextFromContent/appendToSystem: prefer a standalone function
// over inline handler logic).
package classify

import "strings"

// Type is recorded on the ApiRequest row and gates the notification
// hook (only TypeInference triggers it, spec §4.4/§4.8).
type Type string

const (
	TypeQueryEvaluation Type = "query_evaluation"
	TypeInference       Type = "inference"
	TypeQuota           Type = "quota"
)

// Message is the minimal shape classify needs from a decoded
// /v1/messages request body.
type Message struct {
	Role    string
	Content interface{} // string or []content-block
}

// CountSystemMessages implements spec §4.4's count: "the union of
// entries in the top-level system field (string counts as 1; array
// counts elements) plus messages whose role is system".
func CountSystemMessages(system interface{}, messages []Message) int {
	count := systemFieldCount(system)
	for _, m := range messages {
		if m.Role == "system" {
			count++
		}
	}
	return count
}

func systemFieldCount(system interface{}) int {
	switch v := system.(type) {
	case nil:
		return 0
	case string:
		if v == "" {
			return 0
		}
		return 1
	case []interface{}:
		return len(v)
	default:
		return 0
	}
}

// extractText mirrors the teacher's extractTextFromContent: a content
// field is either a plain string or a list of content blocks, only the
// "text" blocks of which contribute.
func extractText(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case []interface{}:
		var parts []string
		for _, block := range v {
			m, ok := block.(map[string]interface{})
			if !ok {
				continue
			}
			if t, _ := m["type"].(string); t == "text" {
				if text, _ := m["text"].(string); text != "" {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "")
	default:
		return ""
	}
}

// lastUserContent returns the trimmed text of the last user-role
// message, the input spec §4.4's quota short-circuit checks.
func lastUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return strings.TrimSpace(extractText(messages[i].Content))
		}
	}
	return ""
}

// Classify implements spec §4.4 in full: quota short-circuit first,
// then system-message-count threshold.
func Classify(system interface{}, messages []Message) Type {
	if strings.EqualFold(lastUserContent(messages), "quota") {
		return TypeQuota
	}
	if CountSystemMessages(system, messages) < 2 {
		return TypeQueryEvaluation
	}
	return TypeInference
}
