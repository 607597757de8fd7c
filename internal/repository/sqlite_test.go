package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigoflow/grammar-tracer/internal/models"
	"github.com/aigoflow/grammar-tracer/internal/store"
)

func openRepo(t *testing.T) (Repository, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "tracer.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteRepository(db), db
}

func TestTraceRoundTrip(t *testing.T) {
	repo, _ := openRepo(t)
	ctx := context.Background()

	for i, id := range []string{"01A", "01B"} {
		rec := &models.TraceRecord{
			Timestamp:      time.Unix(1735689600+int64(i), 0),
			TraceID:        id,
			Upstream:       "default",
			RequestPath:    "/v1/chat/completions",
			LogOffsetStart: int64(100 * i),
			LogOffsetEnd:   int64(100*i + 100),
			Steps:          10,
			RejectedSteps:  4,
			RejectionRate:  0.4,
			DurationMs:     250,
			Status:         models.StatusOK,
			WarningCount:   1,
			Warnings: []models.Warning{
				{Code: models.WarnStepGap, Index: 3, Step: 5, Offset: 812, Message: "steps 3..4 missing"},
			},
		}
		require.NoError(t, repo.Trace().LogTrace(ctx, rec))
	}

	records, err := repo.Trace().GetTraceRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "01B", records[0].TraceID, "newest first")
	assert.Equal(t, int64(100), records[0].LogOffsetStart)
	assert.Equal(t, int64(250), records[0].DurationMs)
	assert.InDelta(t, 0.4, records[0].RejectionRate, 1e-9)
	assert.Equal(t, int64(1735689601), records[0].Timestamp.Unix())

	limited, err := repo.Trace().GetTraceRecords(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	warnings, err := repo.Trace().GetTraceWarnings(ctx, "01A")
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, models.WarnStepGap, warnings[0].Code)
	assert.Equal(t, int64(812), warnings[0].Offset)
}

func TestLogTraceRejectsDuplicateID(t *testing.T) {
	repo, _ := openRepo(t)
	ctx := context.Background()
	rec := &models.TraceRecord{TraceID: "01A", Status: models.StatusOK}
	require.NoError(t, repo.Trace().LogTrace(ctx, rec))
	assert.Error(t, repo.Trace().LogTrace(ctx, rec))
}

func TestLogEvent(t *testing.T) {
	repo, db := openRepo(t)
	require.NoError(t, repo.Event().LogEvent(context.Background(), "info", "gateway.start", "started", map[string]interface{}{"upstream": "a"}))

	var code, meta string
	require.NoError(t, db.QueryRow(`SELECT code, meta FROM events`).Scan(&code, &meta))
	assert.Equal(t, "gateway.start", code)
	assert.JSONEq(t, `{"upstream": "a"}`, meta)
}
