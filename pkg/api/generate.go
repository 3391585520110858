package api

import (
	"encoding/json"
	"time"
)

// GenerateRequest is the body of POST /v1/generate and /v1/generate/stream.
// Profile names a configured provider profile; otherwise the provider fields
// describe one inline. Inline fields override the profile's.
type GenerateRequest struct {
	Profile         string            `json:"profile,omitempty"`
	Provider        string            `json:"provider,omitempty" binding:"required_without=Profile"`
	BaseURL         string            `json:"base_url,omitempty" binding:"omitempty,url"`
	APIKey          string            `json:"api_key,omitempty"`
	MaxOutputTokens int               `json:"max_output_tokens,omitempty" binding:"omitempty,min=1"`
	Options         map[string]string `json:"options,omitempty"`

	Task        string          `json:"task" binding:"required"`
	Prompt      string          `json:"prompt" binding:"required"`
	System      string          `json:"system,omitempty"`
	Model       string          `json:"model,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty" binding:"omitempty,min=1"`
	Temperature *float64        `json:"temperature,omitempty" binding:"omitempty,min=0,max=2"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Usage is the sum of every usage report a request produced.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
	Reports      int `json:"reports"`
}

// GenerateResponse is the body of a successful one-shot generation.
type GenerateResponse struct {
	ID             string          `json:"id"`
	Task           string          `json:"task"`
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	Attempts       int             `json:"attempts"`
	Text           string          `json:"text"`
	Output         json.RawMessage `json:"output,omitempty"`
	RepairStrategy string          `json:"repair_strategy,omitempty"`
	FinishReason   string          `json:"finish_reason,omitempty"`
	Usage          Usage           `json:"usage"`
	LatencyMS      int64           `json:"latency_ms"`
	Cached         bool            `json:"cached,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// StreamEvent is one SSE data frame of /v1/generate/stream. Exactly one field is
// set per frame.
type StreamEvent struct {
	Token string   `json:"token,omitempty"`
	Usage *Usage   `json:"usage,omitempty"`
	Error *Problem `json:"error,omitempty"`
}
