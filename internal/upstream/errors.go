package upstream

import (
	"fmt"
	"strings"
)

// APIError is a non-2xx response from the upstream API.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 512 {
		body = body[:512] + "...[truncated]"
	}
	return fmt.Sprintf("qwen api error: status %d: %s", e.StatusCode, body)
}

func (e *APIError) bodyContains(markers ...string) bool {
	body := strings.ToLower(string(e.Body))
	for _, m := range markers {
		if strings.Contains(body, m) {
			return true
		}
	}
	return false
}

// IsQuotaExceeded reports a 429 or quota-flavored 4xx: the account is
// out of daily quota and stays unusable until the next UTC day.
func (e *APIError) IsQuotaExceeded() bool {
	if e.StatusCode == 429 {
		return true
	}
	return e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.bodyContains("insufficient_quota", "allocated quota", "quota exceeded", "free allocated quota")
}

// IsInvalidToken reports a 401 carrying an explicit invalid-token
// signal, as opposed to a plain 401 that a refresh may fix.
func (e *APIError) IsInvalidToken() bool {
	return e.StatusCode == 401 &&
		e.bodyContains("invalid access token", "invalid_token", "token expired", "invalid api key")
}

// IsUnauthorized reports any 401.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == 401
}

// IsTransient reports a 5xx (including 504 gateway timeouts): worth
// retrying on another account, not a health signal.
func (e *APIError) IsTransient() bool {
	return e.StatusCode >= 500
}
