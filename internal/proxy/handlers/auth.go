package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/auth"
)

type initiateRequest struct {
	AccountID string `json:"account_id"`
}

type pollRequest struct {
	DeviceCode string `json:"device_code"`
	AccountID  string `json:"account_id"`
}

// AuthInitiateHandler handles POST /auth/initiate: it starts a device
// authorization flow and returns the user-facing verification details.
// The PKCE verifier stays server-side.
func AuthInitiateHandler(manager *auth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req initiateRequest
		if r.Body != nil {
			// Body is optional; account_id only matters at poll time.
			_ = json.NewDecoder(r.Body).Decode(&req)
		}

		session, err := manager.InitiateDeviceFlow(r.Context())
		if err != nil {
			log.Printf("❌ Device flow initiation failed: %v", err)
			writeError(w, err.Error(), "authentication_error", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"device_code":      session.DeviceCode,
			"user_code":        session.UserCode,
			"verification_uri": session.VerificationURI,
			"interval":         session.Interval,
			"expires_in":       session.ExpiresIn,
		})
	}
}

// AuthPollHandler handles POST /auth/poll: it blocks until the user
// approves the pending device flow, then saves the credential under
// account_id ("" for the default file).
func AuthPollHandler(manager *auth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pollRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "Invalid request body: "+err.Error(), "invalid_request_error", http.StatusBadRequest)
			return
		}
		if req.DeviceCode == "" {
			writeError(w, "device_code is required", "invalid_request_error", http.StatusBadRequest)
			return
		}

		cred, err := manager.PollSession(r.Context(), req.DeviceCode, req.AccountID)
		if err != nil {
			var dfe *auth.DeviceFlowError
			switch {
			case errors.As(err, &dfe):
				writeError(w, dfe.Error(), "authentication_error", http.StatusUnauthorized)
			case errors.Is(err, auth.ErrAuthTimeout):
				writeError(w, err.Error(), "authentication_error", http.StatusRequestTimeout)
			default:
				writeError(w, err.Error(), "authentication_error", http.StatusBadGateway)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     "authenticated",
			"account_id": req.AccountID,
			"expires_at": cred.ExpiresAt().UTC().Format(time.RFC3339),
		})
	}
}
