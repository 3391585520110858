package api

import "encoding/json"

// ProviderInfo describes one entry of the endpoint table.
type ProviderInfo struct {
	ID           string `json:"id"`
	Family       string `json:"family"`
	BaseURL      string `json:"base_url,omitempty"`
	DefaultModel string `json:"default_model,omitempty"`
	Moderated    bool   `json:"moderated,omitempty"`
	RequiresKey  bool   `json:"requires_key"`
}

// ProfileInfo describes a configured profile. Keys are never exposed.
type ProfileInfo struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// TaskInfo describes one catalog task.
type TaskInfo struct {
	Kind   string          `json:"kind"`
	Mode   string          `json:"mode"`
	Shape  string          `json:"shape"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

type ProvidersResponse struct {
	Providers []ProviderInfo `json:"providers"`
	Profiles  []ProfileInfo  `json:"profiles"`
	Tasks     []TaskInfo     `json:"tasks"`
}

// DailyUsage is one day of the usage ledger.
type DailyUsage struct {
	Date          string  `json:"date"`
	TotalRequests int     `json:"total_requests"`
	Failed        int     `json:"failed"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	AvgLatencyMS  float64 `json:"avg_latency_ms"`
}

type UsageResponse struct {
	Days  int          `json:"days"`
	Stats []DailyUsage `json:"stats"`
}
