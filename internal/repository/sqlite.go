package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aigoflow/grammar-tracer/internal/models"
	"github.com/aigoflow/grammar-tracer/internal/store"
)

// SQLiteRepository implements Repository interface using SQLite
type SQLiteRepository struct {
	db        *store.DB
	traceRepo TraceRepositoryInterface
	eventRepo EventRepositoryInterface
}

func NewSQLiteRepository(db *store.DB) Repository {
	return &SQLiteRepository{
		db:        db,
		traceRepo: &SQLiteTraceRepository{db: db},
		eventRepo: &SQLiteEventRepository{db: db},
	}
}

func (r *SQLiteRepository) Trace() TraceRepositoryInterface {
	return r.traceRepo
}

func (r *SQLiteRepository) Event() EventRepositoryInterface {
	return r.eventRepo
}

// SQLiteTraceRepository handles trace records and their warnings
type SQLiteTraceRepository struct {
	db *store.DB
}

func (r *SQLiteTraceRepository) LogTrace(ctx context.Context, rec *models.TraceRecord) error {
	err := r.db.Trace(ctx,
		rec.Timestamp,
		rec.TraceID,
		rec.Upstream,
		rec.RequestPath,
		rec.ResponseID,
		rec.Model,
		rec.LogPath,
		rec.LogOffsetStart,
		rec.LogOffsetEnd,
		rec.Steps,
		rec.RejectedSteps,
		rec.RejectionRate,
		rec.TotalRejections,
		rec.WarningCount,
		rec.ArtifactPath,
		time.Duration(rec.DurationMs)*time.Millisecond,
		rec.Status,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert trace %s: %w", rec.TraceID, err)
	}
	for _, w := range rec.Warnings {
		if err := r.db.Warning(ctx, rec.TraceID, string(w.Code), w.Index, w.Step, w.Offset, w.Message); err != nil {
			return fmt.Errorf("insert warning for trace %s: %w", rec.TraceID, err)
		}
	}
	return nil
}

func (r *SQLiteTraceRepository) GetTraceRecords(ctx context.Context, limit int) ([]*models.TraceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT ts,trace_id,upstream,request_path,response_id,model,log_path,log_offset_start,log_offset_end,steps,rejected_steps,rejection_rate,total_rejections,warning_count,artifact_path,dur_ms,status,error FROM traces ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.TraceRecord
	for rows.Next() {
		var rec models.TraceRecord
		var tsFloat, durMs float64

		if err := rows.Scan(
			&tsFloat, &rec.TraceID, &rec.Upstream, &rec.RequestPath, &rec.ResponseID,
			&rec.Model, &rec.LogPath, &rec.LogOffsetStart, &rec.LogOffsetEnd,
			&rec.Steps, &rec.RejectedSteps, &rec.RejectionRate, &rec.TotalRejections,
			&rec.WarningCount, &rec.ArtifactPath, &durMs, &rec.Status, &rec.Error,
		); err != nil {
			return nil, err
		}
		rec.Timestamp = time.Unix(0, int64(tsFloat*1e9))
		rec.DurationMs = int64(durMs)
		records = append(records, &rec)
	}

	return records, rows.Err()
}

func (r *SQLiteTraceRepository) GetTraceWarnings(ctx context.Context, traceID string) ([]models.Warning, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT code,event_index,step,byte_offset,msg FROM trace_warnings WHERE trace_id = ? ORDER BY id`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var warnings []models.Warning
	for rows.Next() {
		var w models.Warning
		var code string
		if err := rows.Scan(&code, &w.Index, &w.Step, &w.Offset, &w.Message); err != nil {
			return nil, err
		}
		w.Code = models.WarningCode(code)
		warnings = append(warnings, w)
	}
	return warnings, rows.Err()
}

// SQLiteEventRepository handles event logging
type SQLiteEventRepository struct {
	db *store.DB
}

func (r *SQLiteEventRepository) LogEvent(ctx context.Context, level, code, msg string, meta map[string]interface{}) error {
	r.db.Event(level, code, msg, meta)
	return nil
}
