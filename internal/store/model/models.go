package model

import "time"

// GenerationLog is the usage ledger entry for one gateway request. Token counts
// are the sum of every usage report the request produced.
type GenerationLog struct {
	ID             string    `db:"id" json:"id"`
	Profile        string    `db:"profile" json:"profile,omitempty"`
	Provider       string    `db:"provider" json:"provider"`
	Model          string    `db:"model" json:"model"`
	Task           string    `db:"task" json:"task"`
	IsStreamed     bool      `db:"is_streamed" json:"is_streamed"`
	State          string    `db:"state" json:"state"`
	ErrorKind      string    `db:"error_kind" json:"error_kind,omitempty"`
	Attempts       int       `db:"attempts" json:"attempts"`
	InputTokens    int       `db:"input_tokens" json:"input_tokens"`
	OutputTokens   int       `db:"output_tokens" json:"output_tokens"`
	UsageReports   int       `db:"usage_reports" json:"usage_reports"`
	RepairStrategy string    `db:"repair_strategy" json:"repair_strategy,omitempty"`
	FinishReason   string    `db:"finish_reason" json:"finish_reason,omitempty"`
	LatencyMS      int64     `db:"latency_ms" json:"latency_ms"`
	Cached         bool      `db:"cached" json:"cached"`
	IPAddress      string    `db:"ip_address" json:"ip_address,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// DailyStats represents aggregated usage data for a specific day.
type DailyStats struct {
	Date           string  `db:"date" json:"date"`
	TotalRequests  int     `db:"total_requests" json:"total_requests"`
	Failed         int     `db:"failed" json:"failed"`
	InputTokens    int64   `db:"input_tokens" json:"input_tokens"`
	OutputTokens   int64   `db:"output_tokens" json:"output_tokens"`
	AverageLatency float64 `db:"avg_latency" json:"avg_latency"`
}
