package upstream

import (
	"strings"
	"testing"
)

func TestAPIError_Classification(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		quota        bool
		invalidToken bool
		unauthorized bool
		transient    bool
	}{
		{
			name:   "429 is always quota",
			status: 429,
			body:   `{"error":{"message":"rate limited"}}`,
			quota:  true,
		},
		{
			name:   "403 with quota message",
			status: 403,
			body:   `{"error":{"message":"Free allocated quota exceeded"}}`,
			quota:  true,
		},
		{
			name:   "400 insufficient_quota",
			status: 400,
			body:   `{"error":{"code":"insufficient_quota"}}`,
			quota:  true,
		},
		{
			name:         "401 invalid access token",
			status:       401,
			body:         `{"error":{"message":"Invalid access token"}}`,
			invalidToken: true,
			unauthorized: true,
		},
		{
			name:         "plain 401",
			status:       401,
			body:         `{"error":{"message":"unauthorized"}}`,
			unauthorized: true,
		},
		{
			name:      "500 transient",
			status:    500,
			body:      "internal error",
			transient: true,
		},
		{
			name:      "504 transient",
			status:    504,
			body:      "gateway timeout",
			transient: true,
		},
		{
			name:   "plain 400 is none of the above",
			status: 400,
			body:   `{"error":{"message":"model not found"}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &APIError{StatusCode: tt.status, Body: []byte(tt.body)}
			if got := e.IsQuotaExceeded(); got != tt.quota {
				t.Errorf("IsQuotaExceeded() = %v, want %v", got, tt.quota)
			}
			if got := e.IsInvalidToken(); got != tt.invalidToken {
				t.Errorf("IsInvalidToken() = %v, want %v", got, tt.invalidToken)
			}
			if got := e.IsUnauthorized(); got != tt.unauthorized {
				t.Errorf("IsUnauthorized() = %v, want %v", got, tt.unauthorized)
			}
			if got := e.IsTransient(); got != tt.transient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.transient)
			}
		})
	}
}

func TestAPIError_ErrorTruncatesLongBodies(t *testing.T) {
	e := &APIError{StatusCode: 500, Body: []byte(strings.Repeat("x", 2000))}
	msg := e.Error()
	if len(msg) > 600 {
		t.Errorf("Error() length = %d, should be truncated", len(msg))
	}
	if !strings.Contains(msg, "status 500") {
		t.Errorf("Error() = %q, should mention the status", msg)
	}
}
