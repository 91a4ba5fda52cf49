// Package notify implements spec §4.8's notification hook: a
// fire-and-forget webhook call for inference responses, with per-domain
// deduplication. New component — the teacher has no notification
// collaborator — built using the teacher's own HTTP client
// (internal/httpclient) and the same bounded-LRU idiom already used for
// sticky mappings (internal/selection).
package notify

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog/log"

	"anthraxy/internal/httpclient"
)

const (
	callTimeout  = 2 * time.Second
	dedupLRUSize = 1000
)

// Payload is the body posted to the webhook: the final assembled
// response plus the originating request, per spec §4.8.
type Payload struct {
	Domain         string      `json:"domain"`
	ConversationID string      `json:"conversation_id"`
	BranchID       string      `json:"branch_id"`
	RequestBody    interface{} `json:"request"`
	ResponseBody   interface{} `json:"response"`
}

// Notifier posts inference-response payloads to a configured webhook,
// fire-and-forget, suppressing consecutive duplicates per domain.
type Notifier struct {
	webhookURL string
	dedup      *lru.Cache
}

// New builds a Notifier. An empty webhookURL disables delivery (Notify
// becomes a no-op), matching spec's "pluggable webhook" wording — the
// collaborator is optional.
func New(webhookURL string) *Notifier {
	cache, _ := lru.New(dedupLRUSize)
	return &Notifier{webhookURL: webhookURL, dedup: cache}
}

// Notify fires the webhook for one inference response. Call sites must
// not await this for the response path — it is meant to be launched as
// `go notifier.Notify(...)`. dedupKey is the "user content for
// notification" per spec §4.8's extraction rule (see ExtractDedupContent).
func (n *Notifier) Notify(ctx context.Context, domain string, dedupKey string, payload *Payload) {
	if n.webhookURL == "" {
		return
	}
	if prev, ok := n.dedup.Get(domain); ok && prev.(string) == dedupKey {
		return
	}
	n.dedup.Add(domain, dedupKey)

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	r := httpclient.GetClient().R().
		SetContext(cctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload)

	resp, err := r.Post(n.webhookURL)
	if err != nil {
		log.Warn().Err(err).Str("domain", domain).Msg("notification webhook failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		log.Warn().Int("status", resp.StatusCode).Str("domain", domain).Msg("notification webhook returned error status")
	}
}

// TextBlock is the minimal shape ExtractDedupContent needs from a
// decoded content block.
type TextBlock struct {
	Type string
	Text string
}

// ExtractDedupContent implements spec §4.8's "user content for
// notification" rule: text of the last user message; for inference
// requests where that message has more than two text blocks, the first
// and last are stripped (typically system reminders injected around the
// real content) before joining the rest.
func ExtractDedupContent(isInference bool, lastUserTextBlocks []TextBlock) string {
	blocks := lastUserTextBlocks
	if isInference && len(blocks) > 2 {
		blocks = blocks[1 : len(blocks)-1]
	}
	out := ""
	for i, b := range blocks {
		if i > 0 {
			out += "\n"
		}
		out += b.Text
	}
	return out
}
