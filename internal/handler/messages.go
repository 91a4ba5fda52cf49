// Package handler implements the /v1/messages gin endpoint that chains
// every core subsystem in this order: client-auth (middleware, already
// run) → conversation linker → account selection → forwarder → async
// write. Message/system field shapes are grounded on the
// teacher's internal/handler/proxy.go AnthropicRequest/AnthropicMessage.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"anthraxy/internal/apperr"
	"anthraxy/internal/classify"
	"anthraxy/internal/concurrency"
	"anthraxy/internal/credential"
	"anthraxy/internal/forwarder"
	"anthraxy/internal/linker"
	"anthraxy/internal/metrics"
	"anthraxy/internal/middleware"
	"anthraxy/internal/notify"
	"anthraxy/internal/ratelimit"
	"anthraxy/internal/selection"
	"anthraxy/internal/store"
)

// AnthropicRequest mirrors the subset of the /v1/messages body this
// proxy needs to inspect; unknown fields are preserved via InputBody
// (the raw bytes) rather than a round-trip re-marshal.
type AnthropicRequest struct {
	Model    string             `json:"model"`
	Messages []AnthropicMessage `json:"messages"`
	Stream   bool               `json:"stream,omitempty"`
	System   interface{}        `json:"system,omitempty"`
}

type AnthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// MessagesHandler wires the account selector, conversation linker,
// forwarder, notifier, and writer into the single /v1/messages
// operation.
type MessagesHandler struct {
	credentials *credential.Manager
	selector    *selection.Selector
	store       *store.Store
	forwarder   *forwarder.Forwarder
	notifier    *notify.Notifier
	enqueue     func(*store.ApiRequest, []*store.StreamingChunk)
	metrics     *metrics.Metrics
	concurrency concurrency.Manager
	ratelimit   ratelimit.MultiLimiter
}

func NewMessagesHandler(
	credentials *credential.Manager,
	selector *selection.Selector,
	st *store.Store,
	fwd *forwarder.Forwarder,
	notifier *notify.Notifier,
	enqueue func(*store.ApiRequest, []*store.StreamingChunk),
	m *metrics.Metrics,
	concurrencyMgr concurrency.Manager,
	limiter ratelimit.MultiLimiter,
) *MessagesHandler {
	return &MessagesHandler{
		credentials: credentials,
		selector:    selector,
		store:       st,
		forwarder:   fwd,
		notifier:    notifier,
		enqueue:     enqueue,
		metrics:     m,
		concurrency: concurrencyMgr,
		ratelimit:   limiter,
	}
}

// lookupsAdapter satisfies linker.Lookups over *store.Store, translating
// its *store.ApiRequest rows into linker.PriorRowLike — keeping the
// linker package free of any import-time dependency on the store's row
// shape (see internal/linker/link.go).
type lookupsAdapter struct{ st *store.Store }

func (a lookupsAdapter) FindByCurrentMessageHash(ctx context.Context, hash string) ([]*linker.PriorRowLike, error) {
	rows, err := a.st.FindByCurrentMessageHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	out := make([]*linker.PriorRowLike, 0, len(rows))
	for _, r := range rows {
		out = append(out, &linker.PriorRowLike{
			RequestID:      r.RequestID,
			ConversationID: r.ConversationID,
			BranchID:       r.BranchID,
			Timestamp:      r.Timestamp,
		})
	}
	return out, nil
}

func (a lookupsAdapter) FindTaskInvocationByPrompt(ctx context.Context, prompt string, since time.Time) (*uuid.UUID, error) {
	return a.st.FindTaskInvocationByPrompt(ctx, prompt, since)
}

// Handle implements the full pipeline. Client auth (domain/descriptor)
// has already run via middleware.ClientAuth and is read from gin
// context keys.
func (h *MessagesHandler) Handle(c *gin.Context) {
	start := time.Now()
	requestID := uuid.New()

	domain, _ := c.Get(middleware.ContextKeyDomain)
	descAny, _ := c.Get(middleware.ContextKeyDescriptor)
	desc, _ := descAny.(*credential.Descriptor)
	if desc == nil {
		respondErr(c, &apperr.CredentialError{Message: "missing descriptor in request context"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondErr(c, &apperr.ValidationError{Message: "reading request body: " + err.Error()})
		return
	}

	var req AnthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondErr(c, &apperr.ValidationError{Message: "decoding request body: " + err.Error()})
		return
	}

	linkerMessages := make([]linker.Message, len(req.Messages))
	classifyMessages := make([]classify.Message, len(req.Messages))
	for i, m := range req.Messages {
		linkerMessages[i] = linker.Message{Role: m.Role, Content: m.Content}
		classifyMessages[i] = classify.Message{Role: m.Role, Content: m.Content}
	}

	reqType := classify.Classify(req.System, classifyMessages)
	ctx := c.Request.Context()

	// spec §4.4's quota short-circuit: never forwarded, never linked into
	// a conversation, just the caller's current usage.
	if reqType == classify.TypeQuota {
		h.handleQuota(c, ctx, desc, domainString(domain))
		return
	}

	link, err := linker.Link(ctx, lookupsAdapter{h.store}, req.System, linkerMessages, start)
	if err != nil {
		respondErr(c, &apperr.PersistenceError{Message: "conversation linker: " + err.Error()})
		return
	}

	isFirstTurn := link.ParentMessageHash == ""
	if err := linker.DetectSubtask(ctx, lookupsAdapter{h.store}, link, isFirstTurn, linker.LastUserText(linkerMessages), start); err != nil {
		respondErr(c, &apperr.PersistenceError{Message: "sub-task detection: " + err.Error()})
		return
	}

	accountID, memberDesc, err := h.resolveAccount(ctx, desc, link)
	if err != nil {
		respondErr(c, err)
		return
	}

	if err := h.checkRateLimit(ctx, domainString(domain), accountID); err != nil {
		respondErr(c, err)
		return
	}

	release, err := h.acquireConcurrencySlot(ctx, domainString(domain), accountID)
	if err != nil {
		respondErr(c, err)
		return
	}
	defer release()

	auth, err := h.credentials.AuthMaterialFor(ctx, accountID, memberDesc.Kind, memberDesc.APIKey, memberDesc.OAuth)
	if err != nil {
		respondErr(c, err)
		return
	}

	apiReq := &store.ApiRequest{
		RequestID:           requestID,
		Domain:              domainString(domain),
		Timestamp:            start,
		AccountID:            accountID,
		Model:                req.Model,
		RequestType:          store.RequestType(reqType),
		InputBody:            json.RawMessage(body),
		MessageCount:         len(req.Messages),
		ConversationID:       link.ConversationID,
		BranchID:             link.BranchID,
		CurrentMessageHash:   link.CurrentMessageHash,
		ParentMessageHash:    link.ParentMessageHash,
		SystemHash:           link.SystemHash,
		ParentRequestID:      link.ParentRequestID,
		ParentTaskRequestID:  link.ParentTaskRequestID,
		IsSubtask:            link.IsSubtask,
		ResponseStreaming:    req.Stream,
	}

	dedupKey := notify.ExtractDedupContent(reqType == classify.TypeInference, lastUserTextBlocks(req.Messages))

	if req.Stream {
		h.handleStreaming(c, body, auth, apiReq, reqType, dedupKey)
		return
	}
	h.handleBuffered(c, body, auth, apiReq, reqType, dedupKey)
}

// lastUserTextBlocks extracts the text blocks of the last user-role
// message, the input notify.ExtractDedupContent needs for spec §4.8's
// "user content for notification" rule. A plain string content field is
// treated as a single text block.
func lastUserTextBlocks(messages []AnthropicMessage) []notify.TextBlock {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		switch v := messages[i].Content.(type) {
		case string:
			return []notify.TextBlock{{Type: "text", Text: v}}
		case []interface{}:
			var blocks []notify.TextBlock
			for _, block := range v {
				m, ok := block.(map[string]interface{})
				if !ok {
					continue
				}
				if t, _ := m["type"].(string); t == "text" {
					text, _ := m["text"].(string)
					blocks = append(blocks, notify.TextBlock{Type: "text", Text: text})
				}
			}
			return blocks
		}
		return nil
	}
	return nil
}

// quotaWindow mirrors selection.DefaultConfig's rolling-output-token
// window; quota responses describe the same budget the selector itself
// checks.
const quotaWindow = 5 * time.Hour

// handleQuota answers spec §4.4's quota short-circuit: current rolling
// output-token usage for every account this domain can reach, without
// forwarding anything upstream or touching the conversation linker.
func (h *MessagesHandler) handleQuota(c *gin.Context, ctx context.Context, desc *credential.Descriptor, domain string) {
	accountIDs := []string{desc.AccountID}
	if desc.Kind == credential.KindPool && desc.Pool != nil {
		accountIDs = desc.Pool.AccountIDs
	}

	usage := make([]gin.H, 0, len(accountIDs))
	for _, id := range accountIDs {
		tokens, err := h.store.RollingOutputTokens(ctx, id, quotaWindow)
		if err != nil {
			respondErr(c, &apperr.PersistenceError{Message: "quota lookup: " + err.Error()})
			return
		}
		usage = append(usage, gin.H{"account_id": id, "rolling_output_tokens": tokens})
	}

	c.JSON(http.StatusOK, gin.H{
		"domain":        domain,
		"window_seconds": int(quotaWindow.Seconds()),
		"usage":         usage,
	})
}

// checkRateLimit enforces the domain (as "user") and account rate rules
// configured on internal/ratelimit, nil-safe so rate limiting can be
// disabled entirely via configuration.
func (h *MessagesHandler) checkRateLimit(ctx context.Context, domain, accountID string) error {
	if h.ratelimit == nil {
		return nil
	}
	result, err := h.ratelimit.CheckAll(ctx, domain, accountID, "")
	if err != nil {
		return &apperr.PersistenceError{Message: "rate limit check: " + err.Error()}
	}
	if !result.Allowed {
		return &apperr.RateLimitExhaustedError{Message: "rate limit exceeded"}
	}
	return nil
}

// acquireConcurrencySlot bounds in-flight requests per domain and per
// account via internal/concurrency, returning a no-op release when
// concurrency limiting is disabled.
func (h *MessagesHandler) acquireConcurrencySlot(ctx context.Context, domain, accountID string) (func(), error) {
	if h.concurrency == nil {
		return func() {}, nil
	}
	if _, err := h.concurrency.AcquireUserSlot(ctx, domain); err != nil {
		return nil, &apperr.RateLimitExhaustedError{Message: "too many concurrent requests for domain: " + err.Error()}
	}
	if _, err := h.concurrency.AcquireAccountSlot(ctx, accountID); err != nil {
		h.concurrency.ReleaseUserSlot(domain)
		return nil, &apperr.RateLimitExhaustedError{Message: "too many concurrent requests for account: " + err.Error()}
	}
	return func() {
		h.concurrency.ReleaseAccountSlot(accountID)
		h.concurrency.ReleaseUserSlot(domain)
	}, nil
}

func (h *MessagesHandler) resolveAccount(ctx context.Context, desc *credential.Descriptor, link *linker.Result) (string, *credential.Descriptor, error) {
	if desc.Kind != credential.KindPool {
		return desc.AccountID, desc, nil
	}
	if desc.Pool == nil || len(desc.Pool.AccountIDs) == 0 {
		return "", nil, &apperr.CredentialError{Message: "pool descriptor has no member accounts"}
	}
	accountID, err := h.selector.Select(ctx, link.ConversationID.String(), link.BranchID, desc.Pool.AccountIDs)
	if err != nil {
		return "", nil, err
	}
	memberDesc, err := h.credentials.Descriptor(accountID)
	if err != nil {
		return "", nil, err
	}
	return accountID, memberDesc, nil
}

// setLinkageHeaders attaches the spec §6 response headers that let a
// dashboard reconstruct a conversation tree without re-parsing the body.
func setLinkageHeaders(c *gin.Context, apiReq *store.ApiRequest) {
	c.Header("X-Request-Id", apiReq.RequestID.String())
	c.Header("X-Conversation-Id", apiReq.ConversationID.String())
	c.Header("X-Branch-Id", apiReq.BranchID)
	if apiReq.ParentRequestID != nil {
		c.Header("X-Parent-Request-Id", apiReq.ParentRequestID.String())
	}
}

func (h *MessagesHandler) handleBuffered(c *gin.Context, body []byte, auth *credential.AuthMaterial, apiReq *store.ApiRequest, reqType classify.Type, dedupKey string) {
	setLinkageHeaders(c, apiReq)
	raw, status, pr, err := h.forwarder.ForwardBuffered(c.Request.Context(), body, auth)
	if err != nil {
		respondErr(c, err)
		h.finish(apiReq, status, nil, time.Now(), reqType, nil, dedupKey)
		return
	}

	apiReq.ResponseStatus = status
	apiReq.ResponseBody = json.RawMessage(raw)
	if pr != nil {
		applyProxyResponse(apiReq, pr)
	}
	h.finish(apiReq, status, nil, time.Now(), reqType, pr, dedupKey)

	c.Data(status, "application/json", raw)
}

// capturingStreamWriter relays bytes to the gin response writer while
// recording each write as one ordered streaming_chunks row (spec §4.7:
// "the writer preserves chunk_index ordering for streaming_chunks").
type capturingStreamWriter struct {
	c         *gin.Context
	requestID uuid.UUID
	chunks    []*store.StreamingChunk
}

func (g *capturingStreamWriter) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	g.chunks = append(g.chunks, &store.StreamingChunk{
		RequestID:  g.requestID,
		ChunkIndex: len(g.chunks),
		Data:       string(data),
	})
	return g.c.Writer.Write(p)
}

func (g *capturingStreamWriter) Flush() { g.c.Writer.Flush() }

func (h *MessagesHandler) handleStreaming(c *gin.Context, body []byte, auth *credential.AuthMaterial, apiReq *store.ApiRequest, reqType classify.Type, dedupKey string) {
	setLinkageHeaders(c, apiReq)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	sw := &capturingStreamWriter{c: c, requestID: apiReq.RequestID}
	pr, err := h.forwarder.ForwardStreaming(c.Request.Context(), body, auth, sw)
	status := http.StatusOK
	if err != nil {
		if c.Request.Context().Err() != nil {
			status = 499
		} else if uErr, ok := err.(*apperr.UpstreamError); ok {
			status = uErr.HTTPStatus()
		} else {
			status = http.StatusBadGateway
		}
		log.Warn().Err(err).Str("request_id", apiReq.RequestID.String()).Msg("streaming forward ended with error")
	}

	apiReq.ResponseStatus = status
	if pr != nil {
		applyProxyResponse(apiReq, pr)
		apiReq.ResponseBody = assembledStreamingBody(pr)
	}
	h.finish(apiReq, status, sw.chunks, time.Now(), reqType, pr, dedupKey)
}

// assembledStreamingBody builds spec §3's "assembled JSON for
// streaming" response_body from the forwarder's accumulated
// ProxyResponse, rather than persisting only the raw usage object — the
// content and tool calls the state machine already reconstructed are
// cheap to include and the raw SSE bytes alone (in streaming_chunks)
// are not JSON a dashboard can query directly.
func assembledStreamingBody(pr *forwarder.ProxyResponse) json.RawMessage {
	body := struct {
		Content    string               `json:"content"`
		ToolCalls  []forwarder.ToolCall `json:"tool_calls,omitempty"`
		StopReason string               `json:"stop_reason,omitempty"`
		Usage      json.RawMessage      `json:"usage,omitempty"`
	}{
		Content:    pr.Content,
		ToolCalls:  pr.ToolCalls,
		StopReason: pr.StopReason,
		Usage:      pr.FullUsageData,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return pr.FullUsageData
	}
	return b
}

func applyProxyResponse(apiReq *store.ApiRequest, pr *forwarder.ProxyResponse) {
	apiReq.InputTokens = pr.InputTokens
	apiReq.OutputTokens = pr.OutputTokens
	apiReq.CacheCreationInputTokens = pr.CacheCreationInputTokens
	apiReq.CacheReadInputTokens = pr.CacheReadInputTokens
	apiReq.ToolCallCount = pr.ToolCallCount
	apiReq.TaskToolInvocation = taskInvocations(pr.ToolCalls)
}

// taskInvocations implements spec §4.5 step 4: scan the assembled
// response for tool_use blocks named "Task" and preserve them, in
// order, as the row's task_tool_invocation JSON array.
func taskInvocations(calls []forwarder.ToolCall) json.RawMessage {
	type taskInvocation struct {
		Name  string          `json:"name"`
		ID    string          `json:"id"`
		Input json.RawMessage `json:"input"`
	}
	tasks := make([]taskInvocation, 0, len(calls))
	for _, c := range calls {
		if c.Name != "Task" {
			continue
		}
		tasks = append(tasks, taskInvocation{Name: c.Name, ID: c.ID, Input: c.Input})
	}
	if len(tasks) == 0 {
		return nil
	}
	b, err := json.Marshal(tasks)
	if err != nil {
		return nil
	}
	return b
}

// finish stamps duration, enqueues the write, and fires the
// notification hook for inference requests (spec §4.8), all off the
// response path.
func (h *MessagesHandler) finish(apiReq *store.ApiRequest, status int, chunks []*store.StreamingChunk, now time.Time, reqType classify.Type, pr *forwarder.ProxyResponse, dedupKey string) {
	d := now.Sub(apiReq.Timestamp).Milliseconds()
	apiReq.DurationMs = &d

	if h.metrics != nil {
		h.metrics.ObserveRequest(apiReq.Domain, string(reqType), strconv.Itoa(status), float64(d)/1000)
		if pr != nil {
			h.metrics.ObserveTokens(apiReq.Domain, apiReq.AccountID, pr.InputTokens, pr.OutputTokens)
		}
	}

	h.enqueue(apiReq, chunks)

	if reqType == classify.TypeInference && pr != nil {
		go h.notifier.Notify(context.Background(), apiReq.Domain, dedupKey, &notify.Payload{
			Domain:         apiReq.Domain,
			ConversationID: apiReq.ConversationID.String(),
			BranchID:       apiReq.BranchID,
			ResponseBody:   apiReq.ResponseBody,
		})

		go func() {
			if err := h.store.EnqueueAnalysisJob(context.Background(), apiReq.ConversationID, apiReq.BranchID); err != nil {
				log.Warn().Err(err).Str("conversation_id", apiReq.ConversationID.String()).Msg("enqueue analysis job failed")
			}
		}()
	}
}

func domainString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func respondErr(c *gin.Context, err error) {
	if ae, ok := err.(apperr.Error); ok {
		c.JSON(ae.HTTPStatus(), ae.Envelope())
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"type": "api_error", "message": err.Error()}})
}
