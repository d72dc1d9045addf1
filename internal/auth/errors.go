package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotFound signals an unknown account id.
	ErrAccountNotFound = errors.New("account not found")

	// ErrNoCredentials signals that no credential exists for the
	// requested account; the user must run the device flow.
	ErrNoCredentials = errors.New("not authenticated with Qwen")

	// ErrRefreshFailed signals a failed refresh-token exchange. The
	// caller must treat it as "re-authenticate".
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrAuthTimeout signals that the device-flow polling budget was
	// exhausted before the user approved the request.
	ErrAuthTimeout = errors.New("device authorization timed out")
)

// DeviceFlowError is a terminal device-flow outcome: the user denied
// the request or the device code expired. No retries follow.
type DeviceFlowError struct {
	Code        string // "access_denied" or "expired_token"
	Description string
}

func (e *DeviceFlowError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("device flow failed: %s (%s)", e.Code, e.Description)
	}
	return fmt.Sprintf("device flow failed: %s", e.Code)
}

// IsAuthError reports whether err is authentication-shaped: the HTTP
// layer maps these to a 401 response.
func IsAuthError(err error) bool {
	var dfe *DeviceFlowError
	return errors.Is(err, ErrNoCredentials) ||
		errors.Is(err, ErrRefreshFailed) ||
		errors.Is(err, ErrAuthTimeout) ||
		errors.As(err, &dfe)
}
