// Package runstore keeps a SQLite history of batch runs and their
// per-tile results.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/terrain.report/internal/batch"
	"github.com/banshee-data/terrain.report/internal/pipeline"
)

// Store is the run history database.
type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the history database at path and
// brings its schema up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run history %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// RunSummary is one row of batch_runs.
type RunSummary struct {
	RunID     string
	InputDir  string
	OutputDir string
	Started   time.Time
	Duration  time.Duration
	Completed int
	Failed    int
	Canceled  bool
}

// TileRecord is one row of tile_results.
type TileRecord struct {
	Seq      int
	Tile     string
	Status   pipeline.Status
	Stage    pipeline.Stage
	Kind     pipeline.ErrorKind
	Error    string
	Duration time.Duration
	Outputs  pipeline.Outputs
	Warnings []string
}

// RecordRun stores report and all its tile results in one transaction.
// It satisfies batch.Recorder.
func (s *Store) RecordRun(ctx context.Context, report *batch.Report) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batch_runs (run_id, input_dir, output_dir, started_at, duration_ms, completed, failed, canceled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		report.RunID, report.InputDir, report.OutputDir, report.Started.UnixNano(),
		report.Duration.Milliseconds(), report.Completed, report.Failed, report.Canceled)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tile_results (run_id, seq, tile, status, stage, kind, error, duration_ms, outputs, warnings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare tile insert: %w", err)
	}
	defer stmt.Close()

	for i, res := range report.Tiles {
		outputs, err := json.Marshal(res.Outputs)
		if err != nil {
			return fmt.Errorf("marshal outputs: %w", err)
		}
		warnings, err := json.Marshal(res.Warnings)
		if err != nil {
			return fmt.Errorf("marshal warnings: %w", err)
		}
		var errText sql.NullString
		if res.Err != nil {
			errText = sql.NullString{String: res.Err.Error(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, report.RunID, i, res.Tile, string(res.Status),
			string(res.Stage), string(res.Kind), errText, res.Duration.Milliseconds(),
			string(outputs), string(warnings)); err != nil {
			return fmt.Errorf("insert tile %s: %w", res.Tile, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.QueryContext(ctx, `
		SELECT run_id, input_dir, output_dir, started_at, duration_ms, completed, failed, canceled
		FROM batch_runs
		ORDER BY started_at DESC, run_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var started, durMs int64
		if err := rows.Scan(&r.RunID, &r.InputDir, &r.OutputDir, &started, &durMs, &r.Completed, &r.Failed, &r.Canceled); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Started = time.Unix(0, started).UTC()
		r.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// TileResults returns the tile rows of one run in run order.
func (s *Store) TileResults(ctx context.Context, runID string) ([]TileRecord, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT seq, tile, status, stage, kind, error, duration_ms, outputs, warnings
		FROM tile_results
		WHERE run_id = ?
		ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("tile results: %w", err)
	}
	defer rows.Close()

	var out []TileRecord
	for rows.Next() {
		var (
			rec                        TileRecord
			status, stage, kind        string
			errText, outputs, warnings sql.NullString
			durMs                      int64
		)
		if err := rows.Scan(&rec.Seq, &rec.Tile, &status, &stage, &kind, &errText, &durMs, &outputs, &warnings); err != nil {
			return nil, fmt.Errorf("scan tile result: %w", err)
		}
		rec.Status = pipeline.Status(status)
		rec.Stage = pipeline.Stage(stage)
		rec.Kind = pipeline.ErrorKind(kind)
		rec.Error = errText.String
		rec.Duration = time.Duration(durMs) * time.Millisecond
		if outputs.Valid {
			if err := json.Unmarshal([]byte(outputs.String), &rec.Outputs); err != nil {
				return nil, fmt.Errorf("decode outputs of %s: %w", rec.Tile, err)
			}
		}
		if warnings.Valid {
			if err := json.Unmarshal([]byte(warnings.String), &rec.Warnings); err != nil {
				return nil, fmt.Errorf("decode warnings of %s: %w", rec.Tile, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
