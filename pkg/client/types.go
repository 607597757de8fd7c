package client

import "time"

// TraceSummary is the record the gateway publishes for every traced request.
type TraceSummary struct {
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

// Warning is a non-fatal anomaly attached to a trace.
type Warning struct {
	Code    string `json:"code"`
	Index   int    `json:"index"`
	Step    int    `json:"step"`
	Offset  int64  `json:"offset,omitempty"`
	Message string `json:"message"`
}

// LoadReport is a gateway's view of requests waiting for or holding its log.
type LoadReport struct {
	Upstream        string    `json:"upstream"`
	PendingRequests int64     `json:"pending_requests"`
	ActiveRequests  int64     `json:"active_requests"`
	Timestamp       time.Time `json:"timestamp"`
	Status          string    `json:"status"`
}

// HealthStatus represents gateway health information
type HealthStatus struct {
	Upstream     string     `json:"upstream"`
	UpstreamURL  string     `json:"upstream_url"`
	Status       string     `json:"status"`
	RejectionLog string     `json:"rejection_log"`
	Endpoint     string     `json:"endpoint"`
	TraceSubject string     `json:"trace_subject"`
	Load         LoadReport `json:"load"`
	Uptime       string     `json:"uptime"`
	Version      string     `json:"version"`
}
