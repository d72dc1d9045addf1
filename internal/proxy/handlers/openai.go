package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/db/models"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/monitor"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/qwen"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/util"
)

// ChatCompletionsHandler handles POST /v1/chat/completions, both
// streaming and non-streaming.
func ChatCompletionsHandler(qc *qwen.Client, pm *monitor.ProxyMonitor) http.HandlerFunc {
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

		if util.IsVerbose() {
			log.Printf("📥 [%s] /v1/chat/completions request:\n%s", requestID, util.TruncateBytes(bodyBytes))
		}

		if stream, _ := payload["stream"].(bool); stream {
			handleStreaming(w, r, qc, pm, payload, accountID, requestID, model, start)
			return
		}
		handleNonStreaming(w, r, qc, pm, payload, accountID, requestID, model, start)
	}
}

func handleNonStreaming(w http.ResponseWriter, r *http.Request, qc *qwen.Client, pm *monitor.ProxyMonitor, payload map[string]interface{}, accountID, requestID, model string, start time.Time) {
	body, acct, err := qc.ChatCompletions(r.Context(), payload, accountID)
	if err != nil {
		log.Printf("❌ [%s] Chat completion failed: %v", requestID, err)
		writeDispatchError(w, err)
		status, message, _ := errorStatus(err)
		logRequest(pm, r, requestID, status, start, model, acct, false, message, 0, 0)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)

	in, out := usageFromJSON(body)
	logRequest(pm, r, requestID, http.StatusOK, start, model, acct, false, "", in, out)
}

func handleStreaming(w http.ResponseWriter, r *http.Request, qc *qwen.Client, pm *monitor.ProxyMonitor, payload map[string]interface{}, accountID, requestID, model string, start time.Time) {
	sr, err := qc.StreamChatCompletions(r.Context(), payload, accountID)
	if err != nil {
		log.Printf("❌ [%s] Streaming chat completion failed: %v", requestID, err)
		writeDispatchError(w, err)
		status, message, _ := errorStatus(err)
		logRequest(pm, r, requestID, status, start, model, accountID, true, message, 0, 0)
		return
	}
	defer sr.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "Streaming not supported", "internal_server_error", http.StatusInternalServerError)
		return
	}

	scanner := bufio.NewScanner(sr.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var inputTokens, outputTokens int64
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			break
		}
		if strings.Contains(data, `"usage"`) {
			if in, out := usageFromJSON([]byte(data)); in != 0 || out != 0 {
				inputTokens, outputTokens = in, out
			}
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	// Once bytes have been forwarded the failover window is closed; a
	// mid-stream upstream failure terminates the client stream with an
	// error event.
	if err := scanner.Err(); err != nil {
		log.Printf("❌ [%s] Stream interrupted: %v", requestID, err)
		event, _ := json.Marshal(map[string]interface{}{
			"error": map[string]interface{}{
				"message": "upstream stream interrupted: " + err.Error(),
				"type":    "upstream_error",
			},
		})
		fmt.Fprintf(w, "data: %s\n\n", event)
		flusher.Flush()
	}

	if inputTokens != 0 || outputTokens != 0 {
		qc.RecordUsage(sr.AccountID, inputTokens, outputTokens)
	}
	logRequest(pm, r, requestID, http.StatusOK, start, model, sr.AccountID, true, "", inputTokens, outputTokens)
}

func logRequest(pm *monitor.ProxyMonitor, r *http.Request, requestID string, status int, start time.Time, model, accountID string, streamed bool, errMsg string, inputTokens, outputTokens int64) {
	pm.LogRequest(models.RequestLog{
		ID:           requestID,
		Method:       r.Method,
		URL:          r.URL.Path,
		Status:       status,
		Duration:     time.Since(start).Milliseconds(),
		Model:        model,
		AccountID:    accountID,
		Streamed:     streamed,
		Error:        errMsg,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
}

func usageFromJSON(body []byte) (inputTokens, outputTokens int64) {
	var resp struct {
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, 0
	}
	return resp.Usage.PromptTokens, resp.Usage.CompletionTokens
}
