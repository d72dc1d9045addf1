package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/config"
	"golang.org/x/sync/singleflight"
)

// Manager drives the OAuth token lifecycle against the Qwen provider:
// device-flow initiation and polling, plus refresh-token renewal with
// per-account de-duplication.
type Manager struct {
	oauth      config.OAuthConfig
	store      *Store
	httpClient *http.Client

	// Refreshes are single-flighted per account id so concurrent
	// callers for the same account share one network call while
	// unrelated accounts refresh independently.
	refreshGroup singleflight.Group

	sessMu   sync.Mutex
	sessions map[string]*DeviceFlowSession

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a Manager over the given store.
func NewManager(oauth config.OAuthConfig, store *Store) *Manager {
	return &Manager{
		oauth:      oauth,
		store:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		sessions:   make(map[string]*DeviceFlowSession),
		now:        time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// GetValidAccessToken returns a usable credential for accountID,
// refreshing it first when it is stale. Concurrent callers for one
// account trigger at most one refresh.
func (m *Manager) GetValidAccessToken(ctx context.Context, accountID string) (*Credential, error) {
	cred, err := m.store.Load(accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCredentials, err)
	}
	if IsValid(cred) {
		return cred, nil
	}
	return m.Refresh(ctx, accountID)
}

// Refresh exchanges the stored refresh token for a new access token and
// persists the merged credential. In-flight refreshes for the same
// account are shared.
func (m *Manager) Refresh(ctx context.Context, accountID string) (*Credential, error) {
	key := accountID
	if key == "" {
		key = "<default>"
	}
	v, err, _ := m.refreshGroup.Do(key, func() (interface{}, error) {
		return m.doRefresh(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

func (m *Manager) doRefresh(ctx context.Context, accountID string) (*Credential, error) {
	cred, err := m.store.Load(accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCredentials, err)
	}
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token for account %q", ErrRefreshFailed, displayID(accountID))
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("client_id", m.oauth.ClientID)

	body, status, err := m.postForm(ctx, m.oauth.TokenEndpoint, form)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrRefreshFailed, status, strings.TrimSpace(string(body)))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrRefreshFailed, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: response missing access_token", ErrRefreshFailed)
	}

	merged := m.credentialFromToken(&tok, cred)
	if err := m.store.Save(merged, accountID); err != nil {
		return nil, err
	}
	log.Printf("🔄 Refreshed token for account %q (expires %s)",
		displayID(accountID), merged.ExpiresAt().Format(time.RFC3339))
	return merged, nil
}

// credentialFromToken builds a credential from a token response,
// carrying over the previous refresh token and resource URL when the
// provider did not issue new ones.
func (m *Manager) credentialFromToken(tok *tokenResponse, prev *Credential) *Credential {
	cred := &Credential{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiryDate:  m.now().UnixMilli() + tok.ExpiresIn*1000,
	}
	if cred.TokenType == "" {
		cred.TokenType = "Bearer"
	}
	cred.RefreshToken = tok.RefreshToken
	cred.ResourceURL = tok.ResourceURL
	if prev != nil {
		if cred.RefreshToken == "" {
			cred.RefreshToken = prev.RefreshToken
		}
		if cred.ResourceURL == "" {
			cred.ResourceURL = prev.ResourceURL
		}
	}
	return cred
}
