package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/monitor"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/qwen"
)

// EmbeddingsHandler handles POST /v1/embeddings. Embeddings go to the
// pinned account or the default credential; they never rotate.
func EmbeddingsHandler(qc *qwen.Client, pm *monitor.ProxyMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, "Failed to read request body", "invalid_request_error", http.StatusBadRequest)
			return
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(bodyBytes, &payload); err != nil {
			writeError(w, "Invalid request body: "+err.Error(), "invalid_request_error", http.StatusBadRequest)
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		accountID := r.Header.Get(AccountHeader)
		model, _ := payload["model"].(string)

		body, err := qc.Embeddings(r.Context(), payload, accountID)
		if err != nil {
			log.Printf("❌ [%s] Embeddings request failed: %v", requestID, err)
			writeDispatchError(w, err)
			status, message, _ := errorStatus(err)
			logRequest(pm, r, requestID, status, start, model, accountID, false, message, 0, 0)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
		in, out := usageFromJSON(body)
		logRequest(pm, r, requestID, http.StatusOK, start, model, accountID, false, "", in, out)
	}
}
