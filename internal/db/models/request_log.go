package models

// RequestLog stores one proxied API request for the monitor endpoint.
type RequestLog struct {
	ID           string `gorm:"primaryKey" json:"id"`
	Timestamp    int64  `gorm:"index" json:"timestamp"`
	Method       string `json:"method"`
	URL          string `json:"url"`
	Status       int    `json:"status"`
	Duration     int64  `json:"duration"` // milliseconds
	Model        string `gorm:"index" json:"model,omitempty"`
	AccountID    string `gorm:"index" json:"account_id,omitempty"`
	Streamed     bool   `json:"streamed"`
	Error        string `json:"error,omitempty"`
	InputTokens  int64  `json:"input_tokens,omitempty"`
	OutputTokens int64  `json:"output_tokens,omitempty"`
}

// RequestStats holds aggregated statistics for request logs.
type RequestStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	ErrorCount    int64 `json:"error_count"`
}
