package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	pollStartInterval = 5 * time.Second
	pollMaxInterval   = 10 * time.Second
	maxPollAttempts   = 60
)

// DeviceFlowSession is the ephemeral state of one device authorization
// attempt. The verifier stays server-side; it is never returned to HTTP
// callers.
type DeviceFlowSession struct {
	CodeVerifier    string
	DeviceCode      string
	UserCode        string
	VerificationURI string
	Interval        int // seconds, provider-suggested starting interval
	ExpiresIn       int // seconds
}

type deviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	Interval                int    `json:"interval"`
	ExpiresIn               int    `json:"expires_in"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ResourceURL  string `json:"resource_url"`
	ExpiresIn    int64  `json:"expires_in"`
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Poll-loop control errors, never returned to callers.
var (
	errAuthorizationPending = errors.New("authorization_pending")
	errSlowDown             = errors.New("slow_down")
)

// InitiateDeviceFlow generates a PKCE pair, requests a device code, and
// registers the session so PollSession can recover the verifier later.
func (m *Manager) InitiateDeviceFlow(ctx context.Context) (*DeviceFlowSession, error) {
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	form := url.Values{}
	form.Set("client_id", m.oauth.ClientID)
	form.Set("scope", m.oauth.Scope)
	form.Set("code_challenge", challenge)
	form.Set("code_challenge_method", "S256")

	body, status, err := m.postForm(ctx, m.oauth.DeviceCodeEndpoint, form)
	if err != nil {
		return nil, fmt.Errorf("device code request: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("device code request failed: status %d: %s", status, strings.TrimSpace(string(body)))
	}

	var resp deviceCodeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode device code response: %w", err)
	}
	if resp.DeviceCode == "" || resp.UserCode == "" {
		return nil, fmt.Errorf("device code response missing fields")
	}

	verificationURI := resp.VerificationURIComplete
	if verificationURI == "" {
		verificationURI = resp.VerificationURI
	}
	interval := resp.Interval
	if interval < 1 {
		interval = int(pollStartInterval / time.Second)
	}

	session := &DeviceFlowSession{
		CodeVerifier:    verifier,
		DeviceCode:      resp.DeviceCode,
		UserCode:        resp.UserCode,
		VerificationURI: verificationURI,
		Interval:        interval,
		ExpiresIn:       resp.ExpiresIn,
	}

	m.sessMu.Lock()
	m.sessions[resp.DeviceCode] = session
	m.sessMu.Unlock()

	return session, nil
}

// Session returns the pending device-flow session for a device code.
func (m *Manager) Session(deviceCode string) (*DeviceFlowSession, bool) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	s, ok := m.sessions[deviceCode]
	return s, ok
}

func (m *Manager) dropSession(deviceCode string) {
	m.sessMu.Lock()
	delete(m.sessions, deviceCode)
	m.sessMu.Unlock()
}

// PollSession polls using the verifier held in the server-side session.
func (m *Manager) PollSession(ctx context.Context, deviceCode, accountID string) (*Credential, error) {
	session, ok := m.Session(deviceCode)
	if !ok {
		return nil, fmt.Errorf("unknown device code: initiate the device flow first")
	}
	return m.PollForToken(ctx, deviceCode, session.CodeVerifier, accountID)
}

// PollForToken polls the token endpoint until the user approves, a
// terminal error occurs, or the 60-attempt budget is exhausted. On
// success the credential is persisted under accountID ("" for the
// default file) and returned.
func (m *Manager) PollForToken(ctx context.Context, deviceCode, codeVerifier, accountID string) (*Credential, error) {
	interval := pollStartInterval

	for attempt := 1; attempt <= maxPollAttempts; attempt++ {
		tok, err := m.tryDeviceToken(ctx, deviceCode, codeVerifier)
		switch {
		case err == nil:
			m.dropSession(deviceCode)
			cred := m.credentialFromToken(tok, nil)
			if err := m.store.Save(cred, accountID); err != nil {
				return nil, err
			}
			log.Printf("✅ Device flow complete for account %q", displayID(accountID))
			return cred, nil

		case errors.Is(err, errAuthorizationPending):
			// interval unchanged

		case errors.Is(err, errSlowDown):
			interval = interval * 3 / 2
			if interval > pollMaxInterval {
				interval = pollMaxInterval
			}

		default:
			var dfe *DeviceFlowError
			if errors.As(err, &dfe) {
				m.dropSession(deviceCode)
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("⚠️ Device token poll attempt %d failed: %v", attempt, err)
		}

		if err := m.sleep(ctx, interval); err != nil {
			return nil, err
		}
	}

	m.dropSession(deviceCode)
	return nil, ErrAuthTimeout
}

// tryDeviceToken performs one token-endpoint poll.
func (m *Manager) tryDeviceToken(ctx context.Context, deviceCode, codeVerifier string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", deviceGrantType)
	form.Set("client_id", m.oauth.ClientID)
	form.Set("device_code", deviceCode)
	form.Set("code_verifier", codeVerifier)

	body, status, err := m.postForm(ctx, m.oauth.TokenEndpoint, form)
	if err != nil {
		return nil, err
	}

	if status >= 200 && status < 300 {
		var tok tokenResponse
		if err := json.Unmarshal(body, &tok); err != nil {
			return nil, fmt.Errorf("decode token response: %w", err)
		}
		if tok.AccessToken == "" {
			return nil, fmt.Errorf("token response missing access_token")
		}
		return &tok, nil
	}

	var oauthErr tokenErrorResponse
	_ = json.Unmarshal(body, &oauthErr)
	switch oauthErr.Error {
	case "authorization_pending":
		return nil, errAuthorizationPending
	case "slow_down":
		return nil, errSlowDown
	case "expired_token", "access_denied":
		return nil, &DeviceFlowError{Code: oauthErr.Error, Description: oauthErr.ErrorDescription}
	}
	return nil, fmt.Errorf("token poll failed: status %d: %s", status, strings.TrimSpace(string(body)))
}

func (m *Manager) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}
