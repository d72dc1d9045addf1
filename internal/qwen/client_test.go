package qwen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/auth"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/config"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/health"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/upstream"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/usage"
)

// testEnv is a router wired against a scripted upstream. Accounts are
// told apart by their bearer token.
type testEnv struct {
	client  *Client
	store   *auth.Store
	tracker *health.Tracker
	ledger  *usage.Ledger

	refreshCalls atomic.Int64
}

// upstreamScript maps a bearer token to the response it should receive.
type upstreamScript map[string]func(w http.ResponseWriter, r *http.Request)

func newTestEnv(t *testing.T, script upstreamScript) *testEnv {
	t.Helper()
	env := &testEnv{}

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		handler, ok := script[token]
		if !ok {
			t.Errorf("unexpected bearer token %q", token)
			w.WriteHeader(http.StatusTeapot)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(api.Close)

	tokenEndpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.refreshCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "refreshed-token",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(tokenEndpoint.Close)

	dir := t.TempDir()
	cfg := &config.Config{
		APIBaseURL:   api.URL,
		DefaultModel: "qwen3-coder-plus",
		OAuth:        config.OAuthConfig{ClientID: "c", TokenEndpoint: tokenEndpoint.URL},
	}

	env.store = auth.NewStore(dir)
	manager := auth.NewManager(cfg.OAuth, env.store)
	env.tracker = health.NewTracker(filepath.Join(dir, "failed_accounts.json"))
	env.ledger = usage.NewLedger(filepath.Join(dir, "request_counts.json"))
	env.client = NewClient(cfg, env.store, manager, env.tracker, env.ledger, upstream.NewClient())
	return env
}

func (env *testEnv) addAccount(t *testing.T, id, token string, minutesLeft float64) {
	t.Helper()
	cred := &auth.Credential{
		AccessToken:  token,
		RefreshToken: "rt-" + id,
		TokenType:    "Bearer",
		ExpiryDate:   time.Now().UnixMilli() + int64(minutesLeft*60000),
	}
	if err := env.store.Save(cred, id); err != nil {
		t.Fatal(err)
	}
}

func chatOK(content string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"role": "assistant", "content": content}},
			},
			"usage": map[string]interface{}{
				"prompt_tokens":     int64(12),
				"completion_tokens": int64(7),
			},
		})
	}
}

func chatStatus(status int, body string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func TestChatCompletions_QuotaFailover(t *testing.T) {
	env := newTestEnv(t, upstreamScript{
		"tok-a": chatStatus(429, `{"error":{"message":"quota exceeded"}}`),
		"tok-b": chatOK("hi"),
	})
	env.addAccount(t, "a", "tok-a", 60) // freshest, tried first
	env.addAccount(t, "b", "tok-b", 30)

	body, acct, err := env.client.ChatCompletions(context.Background(), map[string]interface{}{"model": "m"}, "")
	if err != nil {
		t.Fatalf("ChatCompletions() error: %v", err)
	}
	if acct != "b" {
		t.Errorf("served by %q, want b", acct)
	}
	if !strings.Contains(string(body), "hi") {
		t.Errorf("body = %s", body)
	}
	if !env.tracker.IsFailed("a") {
		t.Error("account a should be marked failed after quota error")
	}
	if env.tracker.IsFailed("b") {
		t.Error("account b should stay healthy")
	}
	if got := env.ledger.RequestCount("b"); got != 1 {
		t.Errorf("RequestCount(b) = %d, want 1", got)
	}
	if entries := env.ledger.TokenUsage("b"); len(entries) != 1 || entries[0].InputTokens != 12 || entries[0].OutputTokens != 7 {
		t.Errorf("TokenUsage(b) = %v, want one entry in=12 out=7", entries)
	}
}

func TestChatCompletions_FreshestAccountFirst(t *testing.T) {
	env := newTestEnv(t, upstreamScript{
		"tok-a": chatOK("from a"),
		"tok-b": chatOK("from b"),
	})
	env.addAccount(t, "a", "tok-a", 5)
	env.addAccount(t, "b", "tok-b", 25)

	_, acct, err := env.client.ChatCompletions(context.Background(), map[string]interface{}{"model": "m"}, "")
	if err != nil {
		t.Fatalf("ChatCompletions() error: %v", err)
	}
	if acct != "b" {
		t.Errorf("served by %q, want b (most minutes left)", acct)
	}
}

func TestChatCompletions_TieBreaksByAccountID(t *testing.T) {
	env := newTestEnv(t, upstreamScript{
		"tok-a": chatOK("from a"),
		"tok-b": chatOK("from b"),
	})
	expiry := time.Now().UnixMilli() + 30*60000
	for _, acc := range []struct{ id, tok string }{{"b", "tok-b"}, {"a", "tok-a"}} {
		cred := &auth.Credential{AccessToken: acc.tok, TokenType: "Bearer", ExpiryDate: expiry}
		if err := env.store.Save(cred, acc.id); err != nil {
			t.Fatal(err)
		}
	}

	_, acct, err := env.client.ChatCompletions(context.Background(), map[string]interface{}{"model": "m"}, "")
	if err != nil {
		t.Fatalf("ChatCompletions() error: %v", err)
	}
	if acct != "a" {
		t.Errorf("served by %q, want a (id order on equal expiry)", acct)
	}
}

func TestChatCompletions_PinnedNeverRotates(t *testing.T) {
	env := newTestEnv(t, upstreamScript{
		"tok-a": chatStatus(429, `{"error":{"message":"quota exceeded"}}`),
		"tok-b": chatOK("hi"),
	})
	env.addAccount(t, "a", "tok-a", 60)
	env.addAccount(t, "b", "tok-b", 30)

	_, _, err := env.client.ChatCompletions(context.Background(), map[string]interface{}{"model": "m"}, "a")
	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 429 {
		t.Fatalf("pinned dispatch error = %v, want the 429 APIError", err)
	}
	if env.tracker.IsFailed("a") {
		t.Error("pinned dispatch must not mark accounts failed")
	}
}

func TestChatCompletions_Generic4xxNotRetried(t *testing.T) {
	var bCalls atomic.Int64
	env := newTestEnv(t, upstreamScript{
		"tok-a": chatStatus(400, `{"error":{"message":"model not found"}}`),
		"tok-b": func(w http.ResponseWriter, r *http.Request) {
			bCalls.Add(1)
			chatOK("hi")(w, r)
		},
	})
	env.addAccount(t, "a", "tok-a", 60)
	env.addAccount(t, "b", "tok-b", 30)

	_, _, err := env.client.ChatCompletions(context.Background(), map[string]interface{}{"model": "m"}, "")
	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 400 {
		t.Fatalf("error = %v, want the 400 APIError as-is", err)
	}
	if bCalls.Load() != 0 {
		t.Error("a client error must not trigger failover")
	}
	if env.tracker.IsFailed("a") {
		t.Error("a client error is not a health signal")
	}
}

func TestChatCompletions_TransientRotatesWithoutMarking(t *testing.T) {
	env := newTestEnv(t, upstreamScript{
		"tok-a": chatStatus(500, "internal error"),
		"tok-b": chatOK("hi"),
	})
	env.addAccount(t, "a", "tok-a", 60)
	env.addAccount(t, "b", "tok-b", 30)

	_, acct, err := env.client.ChatCompletions(context.Background(), map[string]interface{}{"model": "m"}, "")
	if err != nil {
		t.Fatalf("ChatCompletions() error: %v", err)
	}
	if acct != "b" {
		t.Errorf("served by %q, want b", acct)
	}
	if env.tracker.IsFailed("a") {
		t.Error("transient errors must not mark the account failed")
	}
}

func TestChatCompletions_Plain401RefreshesInline(t *testing.T) {
	env := newTestEnv(t, upstreamScript{
		"tok-a":           chatStatus(401, `{"error":{"message":"unauthorized"}}`),
		"refreshed-token": chatStatus(401, `{"error":{"message":"unauthorized"}}`),
		"tok-b":           chatOK("hi"),
	})
	env.addAccount(t, "a", "tok-a", 60)
	env.addAccount(t, "b", "tok-b", 30)

	_, acct, err := env.client.ChatCompletions(context.Background(), map[string]interface{}{"model": "m"}, "")
	if err != nil {
		t.Fatalf("ChatCompletions() error: %v", err)
	}
	if acct != "b" {
		t.Errorf("served by %q, want b", acct)
	}
	if env.refreshCalls.Load() == 0 {
		t.Error("a plain 401 should trigger an inline refresh")
	}
	if env.tracker.IsFailed("a") {
		t.Error("a plain 401 must not mark the account failed")
	}
}

func TestChatCompletions_AllAccountsExhausted(t *testing.T) {
	env := newTestEnv(t, upstreamScript{
		"tok-a": chatStatus(429, `{"error":{"message":"quota exceeded"}}`),
		"tok-b": chatStatus(429, `{"error":{"message":"quota exceeded"}}`),
	})
	env.addAccount(t, "a", "tok-a", 60)
	env.addAccount(t, "b", "tok-b", 30)

	_, _, err := env.client.ChatCompletions(context.Background(), map[string]interface{}{"model": "m"}, "")
	if err == nil {
		t.Fatal("ChatCompletions() should fail when every account is exhausted")
	}
	if !strings.Contains(err.Error(), "all accounts failed") {
		t.Errorf("error = %v, want it wrapped as all-accounts-failed", err)
	}
	if !env.tracker.IsFailed("a") || !env.tracker.IsFailed("b") {
		t.Error("both accounts should be marked failed")
	}
}

func TestChatCompletions_NoAccounts(t *testing.T) {
	env := newTestEnv(t, upstreamScript{})
	_, _, err := env.client.ChatCompletions(context.Background(), map[string]interface{}{"model": "m"}, "")
	if err == nil {
		t.Fatal("ChatCompletions() should fail with no credentials at all")
	}
}

func TestChatCompletions_DefaultCredentialFallback(t *testing.T) {
	env := newTestEnv(t, upstreamScript{
		"tok-default": chatOK("hi"),
	})
	env.addAccount(t, "", "tok-default", 60)

	body, acct, err := env.client.ChatCompletions(context.Background(), map[string]interface{}{"model": "m"}, "")
	if err != nil {
		t.Fatalf("ChatCompletions() error: %v", err)
	}
	if acct != "" {
		t.Errorf("served by %q, want the default credential", acct)
	}
	if !strings.Contains(string(body), "hi") {
		t.Errorf("body = %s", body)
	}
	if got := env.ledger.RequestCount(DefaultAccountKey); got != 1 {
		t.Errorf("RequestCount(default) = %d, want 1", got)
	}
}

func TestChatCompletions_AppliesDefaultModel(t *testing.T) {
	var seenModel string
	env := newTestEnv(t, upstreamScript{
		"tok-a": func(w http.ResponseWriter, r *http.Request) {
			var payload map[string]interface{}
			json.NewDecoder(r.Body).Decode(&payload)
			seenModel, _ = payload["model"].(string)
			chatOK("hi")(w, r)
		},
	})
	env.addAccount(t, "a", "tok-a", 60)

	if _, _, err := env.client.ChatCompletions(context.Background(), map[string]interface{}{}, ""); err != nil {
		t.Fatalf("ChatCompletions() error: %v", err)
	}
	if seenModel != "qwen3-coder-plus" {
		t.Errorf("model = %q, want the configured default", seenModel)
	}
}

func TestStreamChatCompletions_SetsStreamOptions(t *testing.T) {
	var payload map[string]interface{}
	env := newTestEnv(t, upstreamScript{
		"tok-a": func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&payload)
			w.Header().Set("Content-Type", "text/event-stream")
			w.Write([]byte("data: {\"choices\":[]}\n\ndata: [DONE]\n\n"))
		},
	})
	env.addAccount(t, "a", "tok-a", 60)

	sr, err := env.client.StreamChatCompletions(context.Background(), map[string]interface{}{"model": "m"}, "")
	if err != nil {
		t.Fatalf("StreamChatCompletions() error: %v", err)
	}
	defer sr.Body.Close()

	if sr.AccountID != "a" {
		t.Errorf("AccountID = %q, want a", sr.AccountID)
	}
	if stream, _ := payload["stream"].(bool); !stream {
		t.Error("stream flag should be forced on")
	}
	opts, _ := payload["stream_options"].(map[string]interface{})
	if inc, _ := opts["include_usage"].(bool); !inc {
		t.Error("stream_options.include_usage should default to true")
	}
	if got := env.ledger.RequestCount("a"); got != 1 {
		t.Errorf("RequestCount(a) = %d, want 1", got)
	}
}

func TestChatCompletions_RefreshesExpiredCandidate(t *testing.T) {
	env := newTestEnv(t, upstreamScript{
		"refreshed-token": chatOK("hi"),
	})
	env.addAccount(t, "a", "stale-token", -5)

	_, acct, err := env.client.ChatCompletions(context.Background(), map[string]interface{}{"model": "m"}, "")
	if err != nil {
		t.Fatalf("ChatCompletions() error: %v", err)
	}
	if acct != "a" {
		t.Errorf("served by %q, want a", acct)
	}
	if got := env.refreshCalls.Load(); got != 1 {
		t.Errorf("refreshCalls = %d, want 1 (on-demand refresh before dispatch)", got)
	}
}

func TestChatCompletions_ExcludesFailedAccounts(t *testing.T) {
	env := newTestEnv(t, upstreamScript{
		"tok-a": chatOK("from a"),
		"tok-b": chatOK("from b"),
	})
	env.addAccount(t, "a", "tok-a", 60)
	env.addAccount(t, "b", "tok-b", 30)
	env.tracker.MarkFailed("a")

	_, acct, err := env.client.ChatCompletions(context.Background(), map[string]interface{}{"model": "m"}, "")
	if err != nil {
		t.Fatalf("ChatCompletions() error: %v", err)
	}
	if acct != "b" {
		t.Errorf("served by %q, want b (a is marked failed)", acct)
	}
}
