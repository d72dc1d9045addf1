package handlers

import (
	"encoding/json"
	"net/http"
)

// modelsCreated matches the release timestamp the provider reports.
const modelsCreated = 1754686206

var modelIDs = []string{
	"qwen3-coder-plus",
	"qwen3-coder-turbo",
	"qwen3-plus",
	"qwen3-turbo",
}

// ModelsHandler handles GET /v1/models with the static Qwen model list.
func ModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models := make([]map[string]interface{}, 0, len(modelIDs))
		for _, id := range modelIDs {
			models = append(models, map[string]interface{}{
				"id":       id,
				"object":   "model",
				"created":  modelsCreated,
				"owned_by": "qwen",
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   models,
		})
	}
}
