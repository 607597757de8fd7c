package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aigoflow/grammar-tracer/internal/correlate"
	"github.com/aigoflow/grammar-tracer/internal/models"
	"github.com/aigoflow/grammar-tracer/internal/repository"
	"github.com/aigoflow/grammar-tracer/internal/stats"
	"github.com/aigoflow/grammar-tracer/internal/tracelog"
)

// TraceRequest is one analysis: an event slice plus, optionally, the API
// response it produced.
type TraceRequest struct {
	TraceID     string
	Upstream    string
	RequestPath string
	Started     time.Time
	// Response is the raw API response body; nil derives steps from the log.
	Response []byte
	Events   []models.Event
	// LogWarnings were raised while reading and slicing the log.
	LogWarnings []models.Warning
	Source      models.TraceSource
	// OutputPath receives the dashboard document; empty skips it.
	OutputPath string
	// CombinedPath receives the merged steps in log form; empty skips it.
	CombinedPath string
}

type TraceResult struct {
	Trace    *models.Trace
	Document *stats.DashboardDocument
	Record   *models.TraceRecord
}

// CombinedDocument is the merged trace written in event-log shape, so it can
// be analyzed again without the API response.
type CombinedDocument struct {
	TraceVersion string              `json:"trace_version"`
	Timestamp    string              `json:"timestamp"`
	Events       []models.MergedStep `json:"events"`
	Summary      CombinedSummary     `json:"summary"`
	Warnings     []models.Warning    `json:"warnings"`
	Source       models.TraceSource  `json:"source"`
}

type CombinedSummary struct {
	models.Summary
	FinalOutput string `json:"final_output"`
}

// CombinedVersion is the trace_version of combined documents.
const CombinedVersion = "combined-1"

type TraceService struct {
	repo      repository.Repository
	publisher TracePublisher
	export    stats.ExportOptions
	now       func() time.Time
}

func NewTraceService(repo repository.Repository, publisher TracePublisher, export stats.ExportOptions) *TraceService {
	return &TraceService{
		repo:      repo,
		publisher: publisher,
		export:    export,
		now:       time.Now,
	}
}

// NewTraceID returns a sortable trace id.
func NewTraceID() string {
	return ulid.Make().String()
}

// Analyze merges, summarizes and exports one request. Every outcome,
// including a panic, is recorded as a trace record.
func (s *TraceService) Analyze(ctx context.Context, req TraceRequest) (result *TraceResult, err error) {
	if req.TraceID == "" {
		req.TraceID = NewTraceID()
	}
	if req.Started.IsZero() {
		req.Started = s.now()
	}

	// Add service-level crash recovery
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trace panic: %v", r)
			slog.Error("Trace analysis panicked", "trace_id", req.TraceID, "upstream", req.Upstream, "panic", r)
			s.Fail(ctx, req, models.StatusPanic, err)
			result = nil
		}
	}()

	var apiSteps []models.ApiLogprobStep
	source := req.Source
	if req.Response != nil {
		resp, err := tracelog.ParseResponse(req.Response)
		if err != nil {
			s.Fail(ctx, req, models.StatusError, err)
			return nil, err
		}
		apiSteps = resp.Steps
		source.RequestID = resp.ID
		source.Model = resp.Model
		source.Created = resp.Created
		source.FinalOutput = resp.Content
	} else {
		apiSteps = correlate.StepsFromEvents(req.Events)
	}

	trace := correlate.Merge(apiSteps, req.Events)
	if len(req.LogWarnings) > 0 {
		trace.Warnings = append(append([]models.Warning(nil), req.LogWarnings...), trace.Warnings...)
	}
	source.TraceID = req.TraceID
	source.GeneratedAt = s.now().UTC()
	if source.FinalOutput == "" {
		source.FinalOutput = trace.GeneratedText()
	}
	trace.Source = source

	doc := stats.Export(trace, s.export)
	if req.OutputPath != "" {
		if err := stats.WriteDocument(req.OutputPath, doc); err != nil {
			s.Fail(ctx, req, models.StatusError, err)
			return nil, err
		}
	}
	if req.CombinedPath != "" {
		if err := WriteCombined(req.CombinedPath, trace); err != nil {
			s.Fail(ctx, req, models.StatusError, err)
			return nil, err
		}
	}

	rec := s.record(req, models.StatusOK, nil)
	rec.ResponseID = source.RequestID
	rec.Model = source.Model
	rec.Steps = trace.Summary.TotalSteps
	rec.RejectedSteps = trace.Summary.RejectedSteps
	rec.RejectionRate = trace.Summary.RejectionRate
	rec.TotalRejections = trace.Summary.TotalRejections
	rec.WarningCount = len(trace.Warnings)
	rec.Warnings = trace.Warnings
	s.store(ctx, rec)

	traceSteps.Observe(float64(rec.Steps))
	if rec.Steps > 0 {
		traceRejectionRate.Observe(rec.RejectionRate)
	}
	for _, w := range trace.Warnings {
		traceWarnings.WithLabelValues(req.Upstream, string(w.Code)).Inc()
	}

	slog.Info("Trace analyzed",
		"trace_id", req.TraceID,
		"upstream", req.Upstream,
		"steps", rec.Steps,
		"rejected_steps", rec.RejectedSteps,
		"warnings", rec.WarningCount,
		"artifact", req.OutputPath)

	return &TraceResult{Trace: trace, Document: doc, Record: rec}, nil
}

// Fail records a request that produced no trace.
func (s *TraceService) Fail(ctx context.Context, req TraceRequest, status string, cause error) *models.TraceRecord {
	if req.TraceID == "" {
		req.TraceID = NewTraceID()
	}
	if req.Started.IsZero() {
		req.Started = s.now()
	}
	rec := s.record(req, status, cause)
	rec.ArtifactPath = ""
	rec.Warnings = req.LogWarnings
	rec.WarningCount = len(req.LogWarnings)
	s.store(ctx, rec)
	slog.Warn("Trace not produced", "trace_id", req.TraceID, "upstream", req.Upstream, "status", status, "error", rec.Error)
	return rec
}

func (s *TraceService) record(req TraceRequest, status string, cause error) *models.TraceRecord {
	rec := &models.TraceRecord{
		Timestamp:      req.Started,
		TraceID:        req.TraceID,
		Upstream:       req.Upstream,
		RequestPath:    req.RequestPath,
		LogPath:        req.Source.LogPath,
		LogOffsetStart: req.Source.LogOffsetStart,
		LogOffsetEnd:   req.Source.LogOffsetEnd,
		ArtifactPath:   req.OutputPath,
		DurationMs:     s.now().Sub(req.Started).Milliseconds(),
		Status:         status,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	return rec
}

// store persists and publishes a record. Neither failure affects the caller.
func (s *TraceService) store(ctx context.Context, rec *models.TraceRecord) {
	tracesTotal.WithLabelValues(rec.Upstream, rec.Status).Inc()
	if s.repo != nil {
		// The record outlives a cancelled request.
		if err := s.repo.Trace().LogTrace(context.WithoutCancel(ctx), rec); err != nil {
			slog.Error("Failed to store trace record", "trace_id", rec.TraceID, "error", err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishTrace(rec); err != nil {
			slog.Warn("Failed to publish trace record", "trace_id", rec.TraceID, "error", err)
		}
	}
}

// GetTraceRecords retrieves recent trace records through the repository
func (s *TraceService) GetTraceRecords(ctx context.Context, limit int) ([]*models.TraceRecord, error) {
	if s.repo == nil {
		return nil, errors.New("trace records are not stored")
	}
	return s.repo.Trace().GetTraceRecords(ctx, limit)
}

// GetTraceWarnings returns the warnings stored for one trace
func (s *TraceService) GetTraceWarnings(ctx context.Context, traceID string) ([]models.Warning, error) {
	if s.repo == nil {
		return nil, errors.New("trace records are not stored")
	}
	return s.repo.Trace().GetTraceWarnings(ctx, traceID)
}

// GetRepository returns the repository for use by other services
func (s *TraceService) GetRepository() repository.Repository {
	return s.repo
}

// WriteCombined writes the merged steps in event-log form.
func WriteCombined(path string, trace *models.Trace) error {
	doc := CombinedDocument{
		TraceVersion: CombinedVersion,
		Timestamp:    trace.Source.GeneratedAt.Format(time.RFC3339Nano),
		Events:       trace.Steps,
		Summary:      CombinedSummary{Summary: trace.Summary, FinalOutput: trace.Source.FinalOutput},
		Warnings:     trace.Warnings,
		Source:       trace.Source,
	}
	if doc.Events == nil {
		doc.Events = []models.MergedStep{}
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode combined trace: %w", err)
	}
	return stats.WriteJSONFile(path, raw)
}
