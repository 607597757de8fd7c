package models

import "time"

// TraceRecord represents a logged gateway or CLI trace run
type TraceRecord struct {
	Timestamp       time.Time `json:"ts"`
	TraceID         string    `json:"trace_id"`
	Upstream        string    `json:"upstream"`
	RequestPath     string    `json:"request_path"`
	ResponseID      string    `json:"response_id"`
	Model           string    `json:"model"`
	LogPath         string    `json:"log_path"`
	LogOffsetStart  int64     `json:"log_offset_start"`
	LogOffsetEnd    int64     `json:"log_offset_end"`
	Steps           int       `json:"steps"`
	RejectedSteps   int       `json:"rejected_steps"`
	RejectionRate   float64   `json:"rejection_rate"`
	TotalRejections int       `json:"total_rejections"`
	WarningCount    int       `json:"warning_count"`
	ArtifactPath    string    `json:"artifact_path"`
	DurationMs      int64     `json:"dur_ms"`
	Status          string    `json:"status"`
	Error           string    `json:"error"`
	Warnings        []Warning `json:"warnings,omitempty"`
}

const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusPanic     = "panic"
	StatusAbandoned = "abandoned"
)
