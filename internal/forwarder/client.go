package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/imroc/req/v3"

	"anthraxy/internal/apperr"
	"anthraxy/internal/credential"
	"anthraxy/internal/httpclient"
	"anthraxy/internal/retry"
)

// Forwarder issues requests to the upstream Messages API.
type Forwarder struct {
	client      *req.Client
	upstreamURL string
	retryPolicy retry.Policy
}

// Config controls the forwarder's timeouts and retry behavior (spec
// §4.6, §5).
type Config struct {
	UpstreamURL    string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// New builds a Forwarder reusing the teacher's shared
// Chrome-impersonating client (internal/httpclient.GetClient) rather
// than constructing a bespoke transport.
func New(cfg Config) *Forwarder {
	return &Forwarder{
		client:      httpclient.GetClient(),
		upstreamURL: cfg.UpstreamURL,
		retryPolicy: retry.NewPolicy(retry.RetryConfig{MaxAttempts: 2, InitialBackoff: 250 * time.Millisecond, MaxBackoff: time.Second, Jitter: 0}),
	}
}

// buildHeaders implements spec §4.6's header rule: Content-Type,
// anthropic-version, plus AuthMaterial.headers. The client's x-api-key
// is never forwarded — the caller must not have copied it onto body/ctx
// in the first place, since this forwarder only ever sets headers from
// auth, never from inbound request headers.
func buildHeaders(auth *credential.AuthMaterial) map[string]string {
	h := map[string]string{
		"Content-Type":      "application/json",
		"anthropic-version": "2023-06-01",
	}
	for k, v := range auth.Headers {
		h[k] = v
	}
	return h
}

// doWithRetry issues the POST, retrying only pre-first-byte failures —
// connect/DNS errors and 5xx statuses observed before the body is read
// — up to the policy's MaxAttempts, per spec §4.6: "After first
// response byte, no retry." DisableAutoReadResponse means the body is
// never touched here, so a returned *req.Response with a 5xx status is
// still pre-first-byte and eligible for retry; once this function
// returns, the caller reading resp.Body is the only point past which
// no further retry may happen.
func (f *Forwarder) doWithRetry(ctx context.Context, body []byte, headers map[string]string) (*req.Response, error) {
	var lastErr error
	var lastResp *req.Response
	for attempt := 1; attempt <= f.retryPolicy.MaxAttempts(); attempt++ {
		r := f.client.R().
			SetContext(ctx).
			SetBodyBytes(body).
			SetHeaders(headers)
		r.DisableAutoReadResponse()

		resp, err := r.Post(f.upstreamURL + "/v1/messages")
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if err == nil {
			lastResp = resp
			lastErr = fmt.Errorf("upstream returned %d", resp.StatusCode)
		} else {
			lastResp = nil
			lastErr = err
		}
		if attempt < f.retryPolicy.MaxAttempts() {
			if resp != nil {
				resp.Body.Close()
			}
			select {
			case <-time.After(f.retryPolicy.GetBackoff(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
	}
	if lastResp != nil {
		return lastResp, nil
	}
	return nil, &apperr.UpstreamError{Message: fmt.Sprintf("upstream connect failed after retries: %v", lastErr)}
}

// ForwardBuffered implements spec §4.6's non-streaming path: buffer the
// full body, parse once, populate ProxyResponse, and return the raw
// body so the caller can relay it to the client verbatim.
func (f *Forwarder) ForwardBuffered(ctx context.Context, body []byte, auth *credential.AuthMaterial) (rawBody []byte, statusCode int, pr *ProxyResponse, err error) {
	resp, err := f.doWithRetry(ctx, body, buildHeaders(auth))
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, nil, &apperr.UpstreamError{Message: "reading upstream response: " + err.Error(), StatusCode: resp.StatusCode}
	}

	if resp.StatusCode != 200 {
		return raw, resp.StatusCode, nil, nil
	}

	var parsed struct {
		StopReason string `json:"stop_reason"`
		Content    []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
		Usage json.RawMessage `json:"usage"`
	}
	var usage struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return raw, resp.StatusCode, nil, &apperr.UpstreamError{Message: "decoding upstream body: " + err.Error(), StatusCode: resp.StatusCode}
	}
	_ = json.Unmarshal(parsed.Usage, &usage)

	pr = &ProxyResponse{
		InputTokens:              usage.InputTokens,
		OutputTokens:             usage.OutputTokens,
		CacheCreationInputTokens: usage.CacheCreationInputTokens,
		CacheReadInputTokens:     usage.CacheReadInputTokens,
		FullUsageData:            parsed.Usage,
		StopReason:               parsed.StopReason,
	}

	var textParts []string
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "tool_use":
			pr.ToolCallCount++
			pr.ToolCalls = append(pr.ToolCalls, ToolCall{Name: block.Name, ID: block.ID, Input: block.Input})
		}
	}
	pr.Content = joinLines(textParts)

	return raw, resp.StatusCode, pr, nil
}

func joinLines(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}
