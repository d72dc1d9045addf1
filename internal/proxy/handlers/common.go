// Package handlers exposes the OpenAI-compatible proxy surface over
// HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/auth"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/qwen"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/upstream"
)

// AccountHeader lets a caller pin a request to one named account.
const AccountHeader = "X-Qwen-Account"

func writeError(w http.ResponseWriter, message, errType string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
		},
	})
}

// errorStatus maps a router error onto the response status and
// OpenAI-style error type: upstream errors keep their original status,
// authentication-shaped errors become 401, everything else 500.
func errorStatus(err error) (status int, message, errType string) {
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, err.Error(), "upstream_error"
	}
	if auth.IsAuthError(err) || errors.Is(err, auth.ErrAccountNotFound) {
		return http.StatusUnauthorized, "Not authenticated with Qwen. Please authenticate first.", "authentication_error"
	}
	if errors.Is(err, qwen.ErrNoAccountsAvailable) {
		return http.StatusUnauthorized, "No Qwen accounts available.", "authentication_error"
	}
	return http.StatusInternalServerError, err.Error(), "internal_server_error"
}

// writeDispatchError renders a router error. Upstream error bodies
// pass through untouched when they are already JSON.
func writeDispatchError(w http.ResponseWriter, err error) {
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) && len(apiErr.Body) > 0 && json.Valid(apiErr.Body) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(apiErr.StatusCode)
		w.Write(apiErr.Body)
		return
	}
	status, message, errType := errorStatus(err)
	writeError(w, message, errType, status)
}
