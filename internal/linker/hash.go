// Package linker implements spec §4.5's conversation linker: deriving
// conversation_id, branch_id, and lineage hashes from a request's
// message history so a dashboard can reconstruct a tree. New component
// — the teacher's store/conversation.go full-text-search feature is a
// different concept (see DESIGN.md) — but the hashing idiom reuses the
// teacher's scheduler/sticky.go crypto/sha256+encoding/hex pattern.
package linker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Message is the minimal canonical projection of one input message:
// role plus content, where content is whatever json.RawMessage /
// decoded value came off the wire.
type Message struct {
	Role    string
	Content interface{}
}

// canonicalHash hashes v's canonical JSON encoding: json.Marshal already
// sorts map keys and emits no insignificant whitespace, satisfying spec
// §4.5's "canonical JSON encoding with sorted keys and no insignificant
// whitespace" requirement without a third-party canonical-JSON library.
func canonicalHash(v interface{}) (string, error) {
	normalized, err := normalize(v)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// normalize recursively rewrites content blocks so the hash is stable
// regardless of incidental encoding: image blocks hash by their source
// bytes (not re-embedded base64 padding/whitespace variance) and
// tool_result blocks hash by tool_use_id plus a payload hash, per spec
// §4.5's "message_hash_i" rule.
func normalize(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		if blockType, _ := out["type"].(string); blockType == "image" {
			return normalizeImageBlock(out)
		}
		if blockType, _ := out["type"].(string); blockType == "tool_result" {
			return normalizeToolResultBlock(out)
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return v, nil
	}
}

func normalizeImageBlock(block map[string]interface{}) (interface{}, error) {
	source, _ := block["source"].(map[string]interface{})
	data, _ := source["data"].(string)
	h, err := canonicalHash(data)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"type": "image", "source_hash": h}, nil
}

func normalizeToolResultBlock(block map[string]interface{}) (interface{}, error) {
	toolUseID, _ := block["tool_use_id"].(string)
	payloadHash, err := canonicalHash(block["content"])
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"type":         "tool_result",
		"tool_use_id":  toolUseID,
		"payload_hash": payloadHash,
	}, nil
}

// SystemHash implements spec §4.5's system_hash: "hash of the
// normalized system field (string or array)".
func SystemHash(system interface{}) (string, error) {
	return canonicalHash(system)
}

// projectMessages builds the canonical role+content projection
// message_hash_i describes, for messages[0:n].
func projectMessages(messages []Message, n int) []map[string]interface{} {
	proj := make([]map[string]interface{}, 0, n)
	for i := 0; i < n && i < len(messages); i++ {
		proj = append(proj, map[string]interface{}{
			"role":    messages[i].Role,
			"content": messages[i].Content,
		})
	}
	return proj
}

// CurrentMessageHash implements spec §4.5's current_message_hash: "hash
// over the full input message list".
func CurrentMessageHash(messages []Message) (string, error) {
	return canonicalHash(projectMessages(messages, len(messages)))
}

// ParentMessageHash implements spec §4.5's parent_message_hash: "hash
// over all but the last user/assistant turn (null if the request is
// the conversation's first turn)". A "turn" is the trailing user
// message plus the assistant message that preceded it (if any), so
// this must land back on the previous request's full message list —
// e.g. for [U:a,A:b,U:c] the parent hash equals current_message_hash
// of [U:a], not of [U:a,A:b]. Returns ("", nil) for a first turn.
func ParentMessageHash(messages []Message) (string, error) {
	if len(messages) <= 1 {
		return "", nil
	}
	cut := len(messages)
	if cut > 0 && messages[cut-1].Role == "user" {
		cut--
	}
	if cut > 0 && messages[cut-1].Role == "assistant" {
		cut--
	}
	return canonicalHash(projectMessages(messages, cut))
}

// LastUserText returns the plain-text content of the last user-role
// message, the candidate "quoted Task tool-use prompt" spec §4.5 step 3
// checks sub-task detection against. Mirrors classify.extractText's
// string-or-content-block-array handling.
func LastUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		switch v := messages[i].Content.(type) {
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
		}
	}
	return ""
}
