package repository

import (
	"context"

	"github.com/aigoflow/grammar-tracer/internal/models"
)

// Repository aggregates all repository interfaces
type Repository interface {
	Trace() TraceRepositoryInterface
	Event() EventRepositoryInterface
}

// TraceRepositoryInterface defines trace record storage operations
type TraceRepositoryInterface interface {
	LogTrace(ctx context.Context, rec *models.TraceRecord) error
	GetTraceRecords(ctx context.Context, limit int) ([]*models.TraceRecord, error)
	GetTraceWarnings(ctx context.Context, traceID string) ([]models.Warning, error)
}

// EventRepositoryInterface defines event logging operations
type EventRepositoryInterface interface {
	LogEvent(ctx context.Context, level, code, msg string, meta map[string]interface{}) error
}
