// Package sqlite persists run manifests and accuracy evaluations in the
// shared sqlite database.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run statuses. A tile job that is cancelled or fails mid-run is never
// marked complete, so a complete manifest row implies a fully written
// tile output file.
const (
	RunStatusRunning  = "running"
	RunStatusComplete = "complete"
	RunStatusFailed   = "failed"
)

// DetectRun is the manifest row for one per-tile detection job.
type DetectRun struct {
	RunID        string `json:"run_id"`
	TileID       string `json:"tile_id"`
	Status       string `json:"status"`
	ParamsJSON   string `json:"params_json,omitempty"`
	PixelCount   int    `json:"pixel_count"`
	SkippedCount int    `json:"skipped_count"`
	BreakCount   int    `json:"break_count"`
	ErrorMessage string `json:"error_message,omitempty"`
	StartedAt    int64  `json:"started_unix_ms"`
	FinishedAt   int64  `json:"finished_unix_ms,omitempty"`
}

// RunStore provides persistence for detection run manifests.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// Begin inserts a running manifest row for a tile job and returns its
// run ID.
func (s *RunStore) Begin(tileID, paramsJSON string) (string, error) {
	runID := uuid.New().String()
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO detect_runs (run_id, tile_id, status, params_json, started_unix_ms)
			VALUES (?, ?, ?, ?, ?)`,
			runID, tileID, RunStatusRunning, paramsJSON, time.Now().UnixMilli(),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to insert run manifest for tile %s: %w", tileID, err)
	}
	return runID, nil
}

// Complete marks a run complete with its output counts.
func (s *RunStore) Complete(runID string, pixels, skipped, breaks int) error {
	return s.finish(runID, RunStatusComplete, "", pixels, skipped, breaks)
}

// Fail marks a run failed with an error message. Counts reflect
// whatever progress was made before the failure.
func (s *RunStore) Fail(runID, errMsg string, pixels, skipped, breaks int) error {
	return s.finish(runID, RunStatusFailed, errMsg, pixels, skipped, breaks)
}

func (s *RunStore) finish(runID, status, errMsg string, pixels, skipped, breaks int) error {
	err := retryOnBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE detect_runs
			SET status = ?, error_message = ?, pixel_count = ?, skipped_count = ?,
			    break_count = ?, finished_unix_ms = ?
			WHERE run_id = ?`,
			status, nullableString(errMsg), pixels, skipped, breaks, time.Now().UnixMilli(), runID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("run %s not found", runID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark run %s %s: %w", runID, status, err)
	}
	return nil
}

// Get returns a run manifest by ID.
func (s *RunStore) Get(runID string) (*DetectRun, error) {
	row := s.db.QueryRow(`
		SELECT run_id, tile_id, status, COALESCE(params_json, ''),
		       pixel_count, skipped_count, break_count,
		       COALESCE(error_message, ''), started_unix_ms,
		       COALESCE(finished_unix_ms, 0)
		FROM detect_runs WHERE run_id = ?`, runID)

	var r DetectRun
	err := row.Scan(&r.RunID, &r.TileID, &r.Status, &r.ParamsJSON,
		&r.PixelCount, &r.SkippedCount, &r.BreakCount,
		&r.ErrorMessage, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return &r, nil
}

// ListByTile returns all runs for a tile, most recent first.
func (s *RunStore) ListByTile(tileID string) ([]*DetectRun, error) {
	rows, err := s.db.Query(`
		SELECT run_id, tile_id, status, COALESCE(params_json, ''),
		       pixel_count, skipped_count, break_count,
		       COALESCE(error_message, ''), started_unix_ms,
		       COALESCE(finished_unix_ms, 0)
		FROM detect_runs WHERE tile_id = ?
		ORDER BY started_unix_ms DESC`, tileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for tile %s: %w", tileID, err)
	}
	defer rows.Close()

	var out []*DetectRun
	for rows.Next() {
		var r DetectRun
		if err := rows.Scan(&r.RunID, &r.TileID, &r.Status, &r.ParamsJSON,
			&r.PixelCount, &r.SkippedCount, &r.BreakCount,
			&r.ErrorMessage, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
