package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// Several gateways share one file; sqlite serializes writers anyway.
	db.SetMaxOpenConns(1)

	// Create events table
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL,
		level TEXT,
		code TEXT,
		msg TEXT,
		meta TEXT
	)`); err != nil {
		db.Close()
		return nil, err
	}

	// Create traces table, one row per analyzed request or log
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS traces(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL,
		trace_id TEXT UNIQUE,
		upstream TEXT,
		request_path TEXT,
		response_id TEXT,
		model TEXT,
		log_path TEXT,
		log_offset_start INTEGER,
		log_offset_end INTEGER,
		steps INTEGER,
		rejected_steps INTEGER,
		rejection_rate REAL,
		total_rejections INTEGER,
		warning_count INTEGER,
		artifact_path TEXT,
		dur_ms REAL,
		status TEXT,
		error TEXT
	)`); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS trace_warnings(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT,
		code TEXT,
		event_index INTEGER,
		step INTEGER,
		byte_offset INTEGER,
		msg TEXT
	)`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_trace_warnings_trace ON trace_warnings(trace_id)`); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db}, nil
}

func (db *DB) Event(level, code, msg string, meta map[string]interface{}) {
	m := ""
	if meta != nil {
		b, _ := json.Marshal(meta)
		m = string(b)
	}
	_, _ = db.Exec(`INSERT INTO events(ts,level,code,msg,meta) VALUES(?,?,?,?,?)`,
		float64(time.Now().UnixNano())/1e9, level, code, msg, m)
}

func (db *DB) Trace(ctx context.Context, start time.Time, traceID, upstream, requestPath, responseID, model, logPath string,
	offStart, offEnd int64, steps, rejectedSteps int, rejectionRate float64, totalRejections, warningCount int,
	artifactPath string, dur time.Duration, status, errStr string) error {
	_, err := db.ExecContext(ctx, `INSERT INTO traces(
		ts, trace_id, upstream, request_path, response_id, model, log_path, log_offset_start, log_offset_end,
		steps, rejected_steps, rejection_rate, total_rejections, warning_count, artifact_path, dur_ms, status, error)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		float64(start.UnixNano())/1e9, traceID, upstream, requestPath, responseID, model, logPath, offStart, offEnd,
		steps, rejectedSteps, rejectionRate, totalRejections, warningCount, artifactPath, float64(dur.Milliseconds()), status, errStr)
	return err
}

func (db *DB) Warning(ctx context.Context, traceID, code string, index, step int, offset int64, msg string) error {
	_, err := db.ExecContext(ctx, `INSERT INTO trace_warnings(trace_id, code, event_index, step, byte_offset, msg) VALUES(?,?,?,?,?,?)`,
		traceID, code, index, step, offset, msg)
	return err
}
