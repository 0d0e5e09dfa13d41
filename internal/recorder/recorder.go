// Package recorder persists monitored node values into SQLite so a
// monitoring session can be analyzed after the fact.
package recorder

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"labkit/internal/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	hub        TEXT NOT NULL,
	note       TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS samples (
	run_id TEXT NOT NULL REFERENCES runs(id),
	path   TEXT NOT NULL,
	ts     INTEGER NOT NULL,
	type   TEXT NOT NULL,
	num    REAL,
	str    TEXT
);
CREATE INDEX IF NOT EXISTS idx_samples_run_path ON samples(run_id, path);
`

// Recorder is a sample store over one SQLite database.
type Recorder struct {
	db     *sql.DB
	logger *zap.Logger
}

// RunSummary describes one recorded run.
type RunSummary struct {
	ID        string
	StartedAt time.Time
	Hub       string
	Note      string
	// CountPerPath maps node paths to the number of stored samples.
	CountPerPath map[string]int64
	First, Last  time.Time
}

// Open opens (or creates) a recorder database. ":memory:" is supported.
func Open(path string, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open recorder db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debug("recorder pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create recorder schema: %w", err)
	}
	return &Recorder{db: db, logger: logger}, nil
}

// Close closes the database.
func (r *Recorder) Close() error { return r.db.Close() }

// BeginRun registers a new recording run and returns its ID.
func (r *Recorder) BeginRun(hub, note string) (string, error) {
	id := uuid.NewString()
	_, err := r.db.Exec(
		"INSERT INTO runs (id, started_at, hub, note) VALUES (?, ?, ?, ?)",
		id, time.Now().UnixNano(), hub, note,
	)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	r.logger.Info("recording run started", zap.String("run", id), zap.String("hub", hub))
	return id, nil
}

// WriteValues stores a batch of values in a single transaction. Scalar
// payloads go into the num column, everything else is stored as text.
func (r *Recorder) WriteValues(runID string, values []protocol.Value) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("write samples: %w", err)
	}
	stmt, err := tx.Prepare(
		"INSERT INTO samples (run_id, path, ts, type, num, str) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("write samples: %w", err)
	}
	defer stmt.Close()

	for _, v := range values {
		num, str := columnsFor(v)
		if _, err := stmt.Exec(runID, v.Path, v.Timestamp, string(v.Type), num, str); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("write sample %s: %w", v.Path, err)
		}
	}
	return tx.Commit()
}

// columnsFor splits a value into the numeric and text sample columns.
func columnsFor(v protocol.Value) (num sql.NullFloat64, str sql.NullString) {
	switch d := v.Data.(type) {
	case int64:
		num = sql.NullFloat64{Float64: float64(d), Valid: true}
	case float64:
		num = sql.NullFloat64{Float64: d, Valid: true}
	case string:
		str = sql.NullString{String: d, Valid: true}
	case protocol.Sample:
		// Demod samples keep their magnitude in num and the raw fields
		// in str for later decoding.
		num = sql.NullFloat64{Float64: sampleMagnitude(d), Valid: true}
		str = sql.NullString{String: encodeSample(d), Valid: true}
	default:
		str = sql.NullString{String: fmt.Sprintf("%v", d), Valid: true}
	}
	return num, str
}

// RunSummary aggregates a run: per-path sample counts and the covered
// time span.
func (r *Recorder) RunSummary(runID string) (*RunSummary, error) {
	summary := &RunSummary{ID: runID, CountPerPath: make(map[string]int64)}

	var startedAt int64
	err := r.db.QueryRow(
		"SELECT started_at, hub, note FROM runs WHERE id = ?", runID,
	).Scan(&startedAt, &summary.Hub, &summary.Note)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	summary.StartedAt = time.Unix(0, startedAt)

	rows, err := r.db.Query(
		"SELECT path, COUNT(*), MIN(ts), MAX(ts) FROM samples WHERE run_id = ? GROUP BY path", runID)
	if err != nil {
		return nil, fmt.Errorf("run %s samples: %w", runID, err)
	}
	defer rows.Close()

	var first, last int64
	for rows.Next() {
		var path string
		var count, lo, hi int64
		if err := rows.Scan(&path, &count, &lo, &hi); err != nil {
			return nil, err
		}
		summary.CountPerPath[path] = count
		if first == 0 || lo < first {
			first = lo
		}
		if hi > last {
			last = hi
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if first != 0 {
		summary.First = time.Unix(0, first)
		summary.Last = time.Unix(0, last)
	}
	return summary, nil
}
