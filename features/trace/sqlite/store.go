// Package sqlite persists loop span events to an embedded SQLite database.
//
// Store implements telemetry.Collector: pass it to telemetry.NewRecorder and
// every span of a run is written as one row, inserted when the span opens and
// completed when it closes. ListTrace reads a run back in start order.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/circuitpilot/agentloop/runtime/agent/telemetry"
)

const schema = `
CREATE TABLE IF NOT EXISTS spans (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    trace_id       TEXT NOT NULL,
    span_id        TEXT NOT NULL UNIQUE,
    parent_span_id TEXT,
    name           TEXT NOT NULL,
    phase          TEXT NOT NULL,
    status         TEXT NOT NULL,
    inputs         TEXT,
    outputs        TEXT,
    error          TEXT,
    started_at     INTEGER NOT NULL,
    ended_at       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans(trace_id);
CREATE INDEX IF NOT EXISTS idx_spans_started_at ON spans(started_at);
CREATE INDEX IF NOT EXISTS idx_spans_status ON spans(status);
`

// A close event completes the row its start event created. If the start
// event was dropped the close event creates the row.
const upsertSpan = `
INSERT INTO spans (trace_id, span_id, parent_span_id, name, phase, status, inputs, outputs, error, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(span_id) DO UPDATE SET
    phase    = excluded.phase,
    status   = excluded.status,
    inputs   = COALESCE(spans.inputs, excluded.inputs),
    outputs  = COALESCE(excluded.outputs, spans.outputs),
    error    = COALESCE(excluded.error, spans.error),
    ended_at = COALESCE(excluded.ended_at, spans.ended_at)
`

const selectColumns = `trace_id, span_id, parent_span_id, name, phase, status, inputs, outputs, error, started_at, ended_at`

type (
	// Store is a SQLite-backed span store. It is safe for concurrent use.
	Store struct {
		db *sql.DB
	}

	// TraceSummary describes one stored trace.
	TraceSummary struct {
		TraceID   string
		StartedAt time.Time
		Spans     int
		Errors    int
	}
)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create trace directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open trace database: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize trace schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Collect implements telemetry.Collector.
func (s *Store) Collect(ctx context.Context, ev telemetry.SpanEvent) error {
	if ev.SpanID == "" || ev.TraceID == "" {
		return errors.New("sqlite: span and trace ids are required")
	}
	inputs, err := encode(ev.Input)
	if err != nil {
		return fmt.Errorf("sqlite: encode inputs of %s: %w", ev.Name, err)
	}
	outputs, err := encode(ev.Output)
	if err != nil {
		return fmt.Errorf("sqlite: encode outputs of %s: %w", ev.Name, err)
	}
	var ended sql.NullInt64
	if !ev.EndedAt.IsZero() {
		ended = sql.NullInt64{Int64: ev.EndedAt.UnixNano(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, upsertSpan,
		ev.TraceID, ev.SpanID, nullString(ev.ParentSpanID), ev.Name,
		string(ev.Phase), string(ev.Status), inputs, outputs, nullString(ev.Error),
		ev.StartedAt.UnixNano(), ended,
	)
	if err != nil {
		return fmt.Errorf("sqlite: write span %s: %w", ev.Name, err)
	}
	return nil
}

// ListTrace returns the spans of traceID in start order. Each span appears
// once with its latest phase and status.
func (s *Store) ListTrace(ctx context.Context, traceID string) (spans []telemetry.SpanEvent, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM spans WHERE trace_id = ? ORDER BY started_at ASC, id ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list trace: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for rows.Next() {
		ev, err := scanSpan(rows)
		if err != nil {
			return nil, err
		}
		spans = append(spans, ev)
	}
	return spans, rows.Err()
}

// RecentTraces lists the most recently started traces, newest first.
func (s *Store) RecentTraces(ctx context.Context, limit int) (traces []TraceSummary, err error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT trace_id, MIN(started_at) AS trace_start, COUNT(*),
       SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END)
FROM spans
GROUP BY trace_id
ORDER BY trace_start DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent traces: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for rows.Next() {
		var (
			t       TraceSummary
			started int64
		)
		if err := rows.Scan(&t.TraceID, &started, &t.Spans, &t.Errors); err != nil {
			return nil, fmt.Errorf("sqlite: scan trace: %w", err)
		}
		t.StartedAt = time.Unix(0, started).UTC()
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

// Cleanup deletes spans started before cutoff and returns how many were
// removed.
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM spans WHERE started_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func scanSpan(rows *sql.Rows) (telemetry.SpanEvent, error) {
	var (
		ev                     telemetry.SpanEvent
		parent, inputs, output sql.NullString
		errMsg                 sql.NullString
		phase, status          string
		started                int64
		ended                  sql.NullInt64
	)
	if err := rows.Scan(&ev.TraceID, &ev.SpanID, &parent, &ev.Name, &phase, &status, &inputs, &output, &errMsg, &started, &ended); err != nil {
		return ev, fmt.Errorf("sqlite: scan span: %w", err)
	}
	ev.ParentSpanID = parent.String
	ev.Phase = telemetry.Phase(phase)
	ev.Status = telemetry.SpanStatus(status)
	ev.Error = errMsg.String
	ev.StartedAt = time.Unix(0, started).UTC()
	if ended.Valid {
		ev.EndedAt = time.Unix(0, ended.Int64).UTC()
	}
	if err := decode(inputs, &ev.Input); err != nil {
		return ev, fmt.Errorf("sqlite: decode inputs of %s: %w", ev.SpanID, err)
	}
	if err := decode(output, &ev.Output); err != nil {
		return ev, fmt.Errorf("sqlite: decode outputs of %s: %w", ev.SpanID, err)
	}
	return ev, nil
}

func encode(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decode(s sql.NullString, m *map[string]any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), m)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
