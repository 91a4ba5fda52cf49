package analysisworker

import (
	"context"
	"fmt"

	"anthraxy/internal/httpclient"
)

// httpAnalysisClient posts the truncated conversation prompt to the
// configured analysis model endpoint and parses the JSON response,
// reusing the teacher's shared req/v3 client the same way the forwarder
// does rather than constructing a second HTTP client.
type httpAnalysisClient struct {
	endpoint string
}

func NewHTTPClient(endpoint string) AnalysisClient {
	return &httpAnalysisClient{endpoint: endpoint}
}

func (c *httpAnalysisClient) Analyze(ctx context.Context, prompt string) (*AnalysisResult, error) {
	var result AnalysisResult
	resp, err := httpclient.GetClient().R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"prompt": prompt}).
		SetSuccessResult(&result).
		Post(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("analysisworker: call failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("analysisworker: model returned status %d", resp.StatusCode)
	}
	return &result, nil
}
