// Package qwen routes chat-completion dispatches across the configured
// accounts: selection, on-demand refresh, failover, and accounting.
package qwen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/auth"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/config"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/health"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/upstream"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/usage"
)

// maxFailoverAttempts bounds how many accounts one auto-selected
// request may try.
const maxFailoverAttempts = 2

const (
	chatPath       = "/chat/completions"
	embeddingsPath = "/embeddings"
)

// DefaultAccountKey is the ledger key for the unnamed credential.
const DefaultAccountKey = "default"

// Client is the request router. It orchestrates account selection,
// token refresh, upstream dispatch, failover, and usage accounting.
type Client struct {
	cfg      *config.Config
	store    *auth.Store
	manager  *auth.Manager
	tracker  *health.Tracker
	ledger   *usage.Ledger
	upstream *upstream.Client

	authErrMu  sync.Mutex
	authErrors map[string]int
}

// NewClient wires the router from its collaborators.
func NewClient(cfg *config.Config, store *auth.Store, manager *auth.Manager, tracker *health.Tracker, ledger *usage.Ledger, up *upstream.Client) *Client {
	return &Client{
		cfg:        cfg,
		store:      store,
		manager:    manager,
		tracker:    tracker,
		ledger:     ledger,
		upstream:   up,
		authErrors: make(map[string]int),
	}
}

// StreamResponse is an accepted streaming dispatch. Once the caller
// starts forwarding Body, failover is over: mid-stream errors must
// terminate the client stream instead of rotating accounts.
type StreamResponse struct {
	AccountID string
	Body      io.ReadCloser
}

// ChatCompletions dispatches a non-streaming chat completion and
// returns the raw upstream response body plus the account that served
// it. An explicit accountID pins the request to that account with no
// rotation.
func (c *Client) ChatCompletions(ctx context.Context, payload map[string]interface{}, accountID string) ([]byte, string, error) {
	c.applyDefaultModel(payload)

	resp, acct, err := c.route(ctx, chatPath, payload, accountID)
	if err != nil {
		return nil, acct, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, acct, fmt.Errorf("read upstream response: %w", err)
	}

	c.resetAuthErrors(acct)
	c.ledger.IncrementRequestCount(ledgerKey(acct))
	if in, out, ok := parseUsage(body); ok {
		c.ledger.RecordTokenUsage(ledgerKey(acct), in, out)
	}
	return body, acct, nil
}

// StreamChatCompletions dispatches a streaming chat completion. The
// selection and failover logic matches ChatCompletions; the returned
// body is the raw upstream SSE stream.
func (c *Client) StreamChatCompletions(ctx context.Context, payload map[string]interface{}, accountID string) (*StreamResponse, error) {
	c.applyDefaultModel(payload)
	payload["stream"] = true
	if _, ok := payload["stream_options"]; !ok {
		payload["stream_options"] = map[string]interface{}{"include_usage": true}
	}

	resp, acct, err := c.route(ctx, chatPath, payload, accountID)
	if err != nil {
		return nil, err
	}

	c.resetAuthErrors(acct)
	c.ledger.IncrementRequestCount(ledgerKey(acct))
	return &StreamResponse{AccountID: acct, Body: resp.Body}, nil
}

// Embeddings dispatches an embeddings request on the pinned account or
// the default credential. Embeddings never rotate accounts.
func (c *Client) Embeddings(ctx context.Context, payload map[string]interface{}, accountID string) ([]byte, error) {
	resp, err := c.dispatchPinned(ctx, embeddingsPath, payload, accountID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	c.ledger.IncrementRequestCount(ledgerKey(accountID))
	return body, nil
}

// RecordUsage records token consumption observed by the caller, e.g.
// from the final usage chunk of a relayed stream.
func (c *Client) RecordUsage(accountID string, inputTokens, outputTokens int64) {
	c.ledger.RecordTokenUsage(ledgerKey(accountID), inputTokens, outputTokens)
}

// AuthErrorCount returns the consecutive-auth-error counter for an
// account; it resets on the next successful dispatch.
func (c *Client) AuthErrorCount(accountID string) int {
	c.authErrMu.Lock()
	defer c.authErrMu.Unlock()
	return c.authErrors[accountID]
}

func (c *Client) route(ctx context.Context, path string, payload map[string]interface{}, accountID string) (*http.Response, string, error) {
	if accountID != "" {
		resp, err := c.dispatchPinned(ctx, path, payload, accountID)
		return resp, accountID, err
	}
	return c.dispatchAuto(ctx, path, payload)
}

// dispatchPinned sends the request on one specific account ("" is the
// default credential), refreshing once when the credential is stale.
// Errors propagate directly: no rotation, no health marking.
func (c *Client) dispatchPinned(ctx context.Context, path string, payload map[string]interface{}, accountID string) (*http.Response, error) {
	cred, err := c.store.Load(accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrNoCredentials, err)
	}
	if !auth.IsValid(cred) {
		cred, err = c.manager.Refresh(ctx, accountID)
		if err != nil {
			return nil, err
		}
	}
	return c.dispatch(ctx, path, cred, payload)
}

// dispatchAuto selects the freshest healthy account and fails over
// across up to maxFailoverAttempts accounts. With no named accounts
// configured it falls back to the default credential, pinned-style.
func (c *Client) dispatchAuto(ctx context.Context, path string, payload map[string]interface{}) (*http.Response, string, error) {
	c.tracker.ResetIfNewDay()

	if len(c.store.AccountIDs()) == 0 {
		resp, err := c.dispatchPinned(ctx, path, payload, "")
		return resp, "", err
	}

	tried := make(map[string]struct{})
	var lastErr error

	for attempt := 0; attempt < maxFailoverAttempts; attempt++ {
		sel, err := c.bestAccount(ctx, tried)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}

		resp, err := c.dispatch(ctx, path, sel.cred, payload)
		if err == nil {
			return resp, sel.accountID, nil
		}
		lastErr = err

		var apiErr *upstream.APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.IsQuotaExceeded():
				log.Printf("🚫 Account %q out of quota (status %d), rotating", sel.accountID, apiErr.StatusCode)
				c.tracker.MarkFailed(sel.accountID)
			case apiErr.IsInvalidToken():
				log.Printf("🚫 Account %q has an invalid token, rotating", sel.accountID)
				c.tracker.MarkFailed(sel.accountID)
			case apiErr.IsUnauthorized():
				// Plain 401: one inline refresh, swallow failure and
				// let the next attempt pick another account.
				c.bumpAuthErrors(sel.accountID)
				if _, rerr := c.manager.Refresh(ctx, sel.accountID); rerr != nil {
					log.Printf("⚠️ Inline refresh for account %q failed: %v", sel.accountID, rerr)
				}
			case apiErr.IsTransient():
				log.Printf("⚠️ Transient upstream error on account %q (status %d), rotating", sel.accountID, apiErr.StatusCode)
			default:
				// Other 4xx surfaces as-is, not retried.
				return nil, "", err
			}
		}

		tried[sel.accountID] = struct{}{}
	}

	if lastErr == nil {
		lastErr = ErrNoAccountsAvailable
	}
	if errors.Is(lastErr, ErrNoAccountsAvailable) {
		return nil, "", lastErr
	}
	return nil, "", fmt.Errorf("all accounts failed: %w", lastErr)
}

// dispatch performs the upstream call with the credential's bearer
// token. Non-200 responses come back as *upstream.APIError.
func (c *Client) dispatch(ctx context.Context, path string, cred *auth.Credential, payload map[string]interface{}) (*http.Response, error) {
	baseURL := cred.APIBaseURL(c.cfg.APIBaseURL)

	var resp *http.Response
	var err error
	switch path {
	case embeddingsPath:
		resp, err = c.upstream.Embeddings(ctx, baseURL, cred.AccessToken, payload)
	default:
		resp, err = c.upstream.ChatCompletions(ctx, baseURL, cred.AccessToken, payload)
	}
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstream.ReadError(resp)
	}
	return resp, nil
}

func (c *Client) applyDefaultModel(payload map[string]interface{}) {
	if model, ok := payload["model"].(string); !ok || model == "" {
		payload["model"] = c.cfg.DefaultModel
	}
}

func (c *Client) bumpAuthErrors(accountID string) {
	c.authErrMu.Lock()
	c.authErrors[accountID]++
	c.authErrMu.Unlock()
}

func (c *Client) resetAuthErrors(accountID string) {
	c.authErrMu.Lock()
	delete(c.authErrors, accountID)
	c.authErrMu.Unlock()
}

func ledgerKey(accountID string) string {
	if accountID == "" {
		return DefaultAccountKey
	}
	return accountID
}

func parseUsage(body []byte) (inputTokens, outputTokens int64, ok bool) {
	var resp struct {
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, 0, false
	}
	if resp.Usage.PromptTokens == 0 && resp.Usage.CompletionTokens == 0 {
		return 0, 0, false
	}
	return resp.Usage.PromptTokens, resp.Usage.CompletionTokens, true
}
