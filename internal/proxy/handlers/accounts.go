package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/auth"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/health"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/monitor"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/usage"
)

type accountInfo struct {
	AccountID     string  `json:"account_id"`
	Valid         bool    `json:"valid"`
	Failed        bool    `json:"failed"`
	MinutesLeft   float64 `json:"minutes_left"`
	ExpiresAt     string  `json:"expires_at"`
	RequestsToday int64   `json:"requests_today"`
}

// AccountsListHandler handles GET /api/accounts with per-account
// validity, health, and daily request counts.
func AccountsListHandler(store *auth.Store, tracker *health.Tracker, ledger *usage.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := store.LoadAll()
		now := time.Now()

		accounts := make([]accountInfo, 0, len(all))
		for _, id := range store.AccountIDs() {
			cred := all[id]
			if cred == nil {
				continue
			}
			accounts = append(accounts, accountInfo{
				AccountID:     id,
				Valid:         auth.IsValid(cred),
				Failed:        tracker.IsFailed(id),
				MinutesLeft:   cred.MinutesLeft(now),
				ExpiresAt:     cred.ExpiresAt().UTC().Format(time.RFC3339),
				RequestsToday: ledger.RequestCount(id),
			})
		}

		resp := map[string]interface{}{
			"accounts":        accounts,
			"failed_accounts": tracker.FailedAccounts(),
		}
		if cred, ok := all[""]; ok {
			resp["default"] = accountInfo{
				AccountID:     "default",
				Valid:         auth.IsValid(cred),
				MinutesLeft:   cred.MinutesLeft(now),
				ExpiresAt:     cred.ExpiresAt().UTC().Format(time.RFC3339),
				RequestsToday: ledger.RequestCount("default"),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// AccountDeleteHandler handles DELETE /api/accounts/{id}.
func AccountDeleteHandler(store *auth.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := store.Remove(id); err != nil {
			if errors.Is(err, auth.ErrAccountNotFound) {
				writeError(w, fmt.Sprintf("Account %q not found", id), "invalid_request_error", http.StatusNotFound)
				return
			}
			writeError(w, err.Error(), "internal_server_error", http.StatusInternalServerError)
			return
		}
		log.Printf("🗑️ Removed account %q", id)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "removed", "account_id": id})
	}
}

// AccountRefreshHandler handles POST /api/accounts/{id}/refresh with a
// forced token refresh.
func AccountRefreshHandler(manager *auth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		cred, err := manager.Refresh(r.Context(), id)
		if err != nil {
			if errors.Is(err, auth.ErrAccountNotFound) || errors.Is(err, auth.ErrNoCredentials) {
				writeError(w, fmt.Sprintf("Account %q not found", id), "invalid_request_error", http.StatusNotFound)
				return
			}
			writeError(w, err.Error(), "authentication_error", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     "refreshed",
			"account_id": id,
			"expires_at": cred.ExpiresAt().UTC().Format(time.RFC3339),
		})
	}
}

// UsageHandler handles GET /api/usage with the full ledger snapshot.
func UsageHandler(ledger *usage.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lastReset, requests, tokenUsage := ledger.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"lastResetDate": lastReset,
			"requests":      requests,
			"tokenUsage":    tokenUsage,
		})
	}
}

// RequestsHandler handles GET /api/requests with recent proxied
// requests and aggregate counters from the monitor.
func RequestsHandler(pm *monitor.ProxyMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"stats": pm.GetStats(),
			"logs":  pm.GetLogs(limit),
		})
	}
}

// HealthHandler handles GET /health.
func HealthHandler(store *auth.Store, tracker *health.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := store.AccountIDs()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":           "ok",
			"accounts":         len(ids),
			"healthy_accounts": len(tracker.HealthyAccounts(ids)),
		})
	}
}
