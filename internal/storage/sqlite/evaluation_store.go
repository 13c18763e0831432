package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Evaluation represents a persisted accuracy assessment comparing
// detected breaks against reference change records for a tile.
type Evaluation struct {
	EvaluationID    string  `json:"evaluation_id"`
	TileID          string  `json:"tile_id"`
	RunID           string  `json:"run_id,omitempty"`
	TruePositive    int     `json:"true_positive"`
	FalsePositive   int     `json:"false_positive"`
	FalseNegative   int     `json:"false_negative"`
	Precision       float64 `json:"precision"`
	Recall          float64 `json:"recall"`
	F1              float64 `json:"f1"`
	OmissionError   float64 `json:"omission_error"`
	CommissionError float64 `json:"commission_error"`
	ReferenceCount  int     `json:"reference_count"`
	BreakCount      int     `json:"break_count"`
	SkippedRecords  int     `json:"skipped_records"`
	ParamsJSON      string  `json:"params_json,omitempty"`
	CreatedAt       int64   `json:"created_at"`
}

// EvaluationStore provides persistence for accuracy evaluation results.
type EvaluationStore struct {
	db *sql.DB
}

// NewEvaluationStore creates a new EvaluationStore.
func NewEvaluationStore(db *sql.DB) *EvaluationStore {
	return &EvaluationStore{db: db}
}

// Insert persists a new evaluation result. If EvaluationID is empty, a
// UUID is generated.
func (s *EvaluationStore) Insert(eval *Evaluation) error {
	if eval.EvaluationID == "" {
		eval.EvaluationID = uuid.New().String()
	}
	if eval.CreatedAt == 0 {
		eval.CreatedAt = time.Now().UnixMilli()
	}

	err := retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO evaluations (
				evaluation_id, tile_id, run_id,
				true_positive, false_positive, false_negative,
				precision, recall, f1, omission_error, commission_error,
				reference_count, break_count, skipped_records,
				params_json, created_unix_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			eval.EvaluationID, eval.TileID, nullableString(eval.RunID),
			eval.TruePositive, eval.FalsePositive, eval.FalseNegative,
			eval.Precision, eval.Recall, eval.F1, eval.OmissionError, eval.CommissionError,
			eval.ReferenceCount, eval.BreakCount, eval.SkippedRecords,
			nullableString(eval.ParamsJSON), eval.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert evaluation for tile %s: %w", eval.TileID, err)
	}
	return nil
}

// ListByTile returns all evaluations for a tile, ordered by creation
// time descending.
func (s *EvaluationStore) ListByTile(tileID string) ([]*Evaluation, error) {
	rows, err := s.db.Query(`
		SELECT evaluation_id, tile_id, COALESCE(run_id, ''),
		       true_positive, false_positive, false_negative,
		       precision, recall, f1, omission_error, commission_error,
		       reference_count, break_count, skipped_records,
		       COALESCE(params_json, ''), created_unix_ms
		FROM evaluations WHERE tile_id = ?
		ORDER BY created_unix_ms DESC`, tileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations for tile %s: %w", tileID, err)
	}
	defer rows.Close()

	var out []*Evaluation
	for rows.Next() {
		var e Evaluation
		if err := rows.Scan(&e.EvaluationID, &e.TileID, &e.RunID,
			&e.TruePositive, &e.FalsePositive, &e.FalseNegative,
			&e.Precision, &e.Recall, &e.F1, &e.OmissionError, &e.CommissionError,
			&e.ReferenceCount, &e.BreakCount, &e.SkippedRecords,
			&e.ParamsJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation row: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
