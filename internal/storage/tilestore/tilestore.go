// Package tilestore persists change-detection output as tile-partitioned
// parquet files. Each tile maps to exactly one file which is replaced
// atomically, so a failed or cancelled write never leaves partial rows
// behind.
package tilestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"github.com/banshee-data/landcover.report/internal/ccd"
)

// SegmentRow is the columnar schema for one closed segment. Break
// information rides on the row of the segment the break closed; t_break
// is 0 for stable segments. Times are milliseconds since the Unix epoch
// (UTC), matching the upstream break rasters.
type SegmentRow struct {
	TileID        string  `parquet:"tile_id"`
	PixelID       string  `parquet:"pixel_id"`
	XCoord        float64 `parquet:"x_coord"`
	YCoord        float64 `parquet:"y_coord"`
	SegmentIndex  int32   `parquet:"segment_index"`
	TStart        int64   `parquet:"t_start"`
	TEnd          int64   `parquet:"t_end"`
	TBreak        int64   `parquet:"tBreak"`
	CoefJSON      string  `parquet:"coef_json"`
	RMSEJSON      string  `parquet:"rmse_json"`
	ChangeProb    float64 `parquet:"change_prob"`
	Magnitude     float64 `parquet:"magnitude"`
	Status        string  `parquet:"status"`
	LowConfidence bool    `parquet:"low_confidence"`
	NumObs        int32   `parquet:"num_obs"`
}

// PersistenceWriteError wraps a failed tile write. It is fatal for the
// enclosing tile job only; other tiles are unaffected.
type PersistenceWriteError struct {
	TileID string
	Err    error
}

func (e *PersistenceWriteError) Error() string {
	return fmt.Sprintf("tile %s: output write failed: %v", e.TileID, e.Err)
}

func (e *PersistenceWriteError) Unwrap() error { return e.Err }

// Store reads and writes tile-partitioned segment files under a base
// directory. Writes to distinct tiles may run in parallel; a single
// tile must have a single writer.
type Store struct {
	dir string
	log *zap.SugaredLogger
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string, log *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tile store directory: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

// TilePath returns the output file path for a tile.
func (s *Store) TilePath(tileID string) string {
	return filepath.Join(s.dir, tileID+".parquet")
}

// WriteTile atomically replaces the tile's output file with the given
// rows. The rows are written to a temporary file in the destination
// directory, synced, and renamed over the target; on any failure the
// previous tile file is left untouched.
func (s *Store) WriteTile(tileID string, rows []SegmentRow) error {
	tmp, err := os.CreateTemp(s.dir, tileID+".parquet.tmp-*")
	if err != nil {
		return &PersistenceWriteError{TileID: tileID, Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after successful rename

	w := parquet.NewGenericWriter[SegmentRow](tmp)
	if _, err := w.Write(rows); err != nil {
		tmp.Close()
		return &PersistenceWriteError{TileID: tileID, Err: err}
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return &PersistenceWriteError{TileID: tileID, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &PersistenceWriteError{TileID: tileID, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &PersistenceWriteError{TileID: tileID, Err: err}
	}
	if err := os.Rename(tmpPath, s.TilePath(tileID)); err != nil {
		return &PersistenceWriteError{TileID: tileID, Err: err}
	}

	s.log.Infow("wrote tile output", "tile", tileID, "rows", len(rows))
	return nil
}

// ReadTile returns all segment rows of a tile.
func (s *Store) ReadTile(tileID string) ([]SegmentRow, error) {
	rows, err := parquet.ReadFile[SegmentRow](s.TilePath(tileID))
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", tileID, err)
	}
	return rows, nil
}

// PixelSegments returns a pixel's segments as a complete set ordered by
// segment index (equivalently by start date).
func (s *Store) PixelSegments(tileID, pixelID string) ([]SegmentRow, error) {
	rows, err := s.ReadTile(tileID)
	if err != nil {
		return nil, err
	}
	var out []SegmentRow
	for _, r := range rows {
		if r.PixelID == pixelID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SegmentIndex < out[j].SegmentIndex })
	return out, nil
}

// RowsFromResult converts a detector result into segment rows. Break i
// is attached to segment i, which it closed.
func RowsFromResult(series *ccd.PixelSeries, res *ccd.Result) ([]SegmentRow, error) {
	rows := make([]SegmentRow, 0, len(res.Segments))
	for i, seg := range res.Segments {
		coef := make([][]float64, len(seg.Models))
		rmse := make([]float64, len(seg.Models))
		for b, m := range seg.Models {
			coef[b] = m.Coef
			rmse[b] = m.RMSE
		}
		coefJSON, err := json.Marshal(coef)
		if err != nil {
			return nil, fmt.Errorf("pixel %s segment %d: failed to marshal coefficients: %w", series.PixelID, i, err)
		}
		rmseJSON, err := json.Marshal(rmse)
		if err != nil {
			return nil, fmt.Errorf("pixel %s segment %d: failed to marshal rmse: %w", series.PixelID, i, err)
		}

		row := SegmentRow{
			TileID:        series.TileID,
			PixelID:       series.PixelID,
			XCoord:        series.X,
			YCoord:        series.Y,
			SegmentIndex:  int32(i),
			TStart:        seg.StartDate.UnixMilli(),
			TEnd:          seg.EndDate.UnixMilli(),
			CoefJSON:      string(coefJSON),
			RMSEJSON:      string(rmseJSON),
			Status:        string(seg.Status),
			LowConfidence: seg.LowConfidence,
			NumObs:        int32(seg.NumObs),
		}
		if seg.Status == ccd.SegmentBroken && i < len(res.Breaks) {
			row.TBreak = res.Breaks[i].Date.UnixMilli()
			row.ChangeProb = res.Breaks[i].ChangeProb
			row.Magnitude = res.Breaks[i].Magnitude
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// BreakPoint is a detected break extracted from a tile file.
type BreakPoint struct {
	TileID     string
	PixelID    string
	X, Y       float64
	Date       time.Time
	ChangeProb float64
	Magnitude  float64
}

// Breaks returns every break recorded in a tile, ordered by pixel then
// date.
func (s *Store) Breaks(tileID string) ([]BreakPoint, error) {
	rows, err := s.ReadTile(tileID)
	if err != nil {
		return nil, err
	}
	var out []BreakPoint
	for _, r := range rows {
		if r.TBreak == 0 {
			continue
		}
		out = append(out, BreakPoint{
			TileID:     r.TileID,
			PixelID:    r.PixelID,
			X:          r.XCoord,
			Y:          r.YCoord,
			Date:       time.UnixMilli(r.TBreak).UTC(),
			ChangeProb: r.ChangeProb,
			Magnitude:  r.Magnitude,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PixelID != out[j].PixelID {
			return out[i].PixelID < out[j].PixelID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}
