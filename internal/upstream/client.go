// Package upstream handles communication with the Qwen
// OpenAI-compatible chat API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"
)

// UserAgent identifies the proxy to the upstream API.
var UserAgent = fmt.Sprintf("QwenOpenAIProxy/1.0.0 (%s; %s)", runtime.GOOS, runtime.GOARCH)

// Client posts chat-completion and embedding requests with Bearer auth.
type Client struct {
	httpClient *http.Client
}

// NewClient creates an upstream client with a long timeout to cover
// streaming responses.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// ChatCompletions calls POST {baseURL}/chat/completions. The caller
// owns the response body.
func (c *Client) ChatCompletions(ctx context.Context, baseURL, accessToken string, payload map[string]interface{}) (*http.Response, error) {
	return c.post(ctx, baseURL+"/chat/completions", accessToken, payload)
}

// Embeddings calls POST {baseURL}/embeddings.
func (c *Client) Embeddings(ctx context.Context, baseURL, accessToken string, payload map[string]interface{}) (*http.Response, error) {
	return c.post(ctx, baseURL+"/embeddings", accessToken, payload)
}

func (c *Client) post(ctx context.Context, url, accessToken string, payload map[string]interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// ReadError consumes a non-2xx response into an APIError and closes
// the body.
func ReadError(resp *http.Response) *APIError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return &APIError{StatusCode: resp.StatusCode, Body: body}
}
