// Package tile orchestrates per-tile change detection: a worker pool
// over the tile's pixels, cancellation between pixels, and atomic
// persistence of the tile's output with a run manifest.
package tile

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/banshee-data/landcover.report/internal/ccd"
	"github.com/banshee-data/landcover.report/internal/storage/sqlite"
	"github.com/banshee-data/landcover.report/internal/storage/tilestore"
)

// Runner executes detection jobs. Pixels are independent, so the only
// serialisation point is the per-tile output file; distinct tiles may
// be processed by concurrent Runners sharing the same stores.
type Runner struct {
	detector *ccd.Detector
	store    *tilestore.Store
	runs     *sqlite.RunStore
	log      *zap.SugaredLogger
	workers  int
}

// NewRunner creates a Runner. workers <= 0 selects runtime.NumCPU.
func NewRunner(detector *ccd.Detector, store *tilestore.Store, runs *sqlite.RunStore, log *zap.SugaredLogger, workers int) *Runner {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Runner{
		detector: detector,
		store:    store,
		runs:     runs,
		log:      log,
		workers:  workers,
	}
}

// pixelResult is the outcome of one pixel's detection, slotted by the
// pixel's index so workers never share state.
type pixelResult struct {
	rows   []tilestore.SegmentRow
	breaks int
	err    error
}

// ProcessTile runs detection over every series of a tile and atomically
// persists the result. Per-pixel failures are isolated: the pixel is
// skipped with a log entry and the tile proceeds. Cancellation is
// honoured between pixels; a cancelled or failed tile is marked failed
// in the run manifest and its output file is never replaced.
func (r *Runner) ProcessTile(ctx context.Context, tileID string, series []*ccd.PixelSeries, preSkipped []*ccd.InsufficientDataError, paramsJSON string) (string, error) {
	runID, err := r.runs.Begin(tileID, paramsJSON)
	if err != nil {
		return "", err
	}
	r.log.Infow("tile job started", "tile", tileID, "run", runID,
		"pixels", len(series), "skipped_insufficient", len(preSkipped), "workers", r.workers)
	for _, s := range preSkipped {
		r.log.Warnw("pixel skipped", "tile", tileID, "error", s.Error())
	}

	results := make([]pixelResult, len(series))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < r.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = r.processPixel(series[i])
			}
		}()
	}

	cancelled := false
dispatch:
	for i := range series {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		select {
		case <-ctx.Done():
			cancelled = true
			break dispatch
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	skipped := len(preSkipped)
	if cancelled {
		err := ctx.Err()
		if failErr := r.runs.Fail(runID, err.Error(), 0, skipped, 0); failErr != nil {
			r.log.Errorw("failed to mark cancelled run", "run", runID, "error", failErr)
		}
		return runID, fmt.Errorf("tile %s cancelled: %w", tileID, err)
	}

	// Gather in series order so the tile file never depends on
	// scheduling order.
	var rows []tilestore.SegmentRow
	pixels := 0
	breaks := 0
	for i, res := range results {
		if res.err != nil {
			var insufficient *ccd.InsufficientDataError
			if errors.As(res.err, &insufficient) {
				r.log.Warnw("pixel skipped", "tile", tileID, "error", res.err)
				skipped++
				continue
			}
			r.log.Errorw("pixel failed", "tile", tileID, "pixel", series[i].PixelID, "error", res.err)
			skipped++
			continue
		}
		rows = append(rows, res.rows...)
		pixels++
		breaks += res.breaks
	}

	if err := r.store.WriteTile(tileID, rows); err != nil {
		if failErr := r.runs.Fail(runID, err.Error(), pixels, skipped, breaks); failErr != nil {
			r.log.Errorw("failed to mark failed run", "run", runID, "error", failErr)
		}
		return runID, err
	}

	if err := r.runs.Complete(runID, pixels, skipped, breaks); err != nil {
		return runID, err
	}
	r.log.Infow("tile job complete", "tile", tileID, "run", runID,
		"pixels", pixels, "skipped", skipped, "breaks", breaks)
	return runID, nil
}

func (r *Runner) processPixel(s *ccd.PixelSeries) pixelResult {
	res, err := r.detector.Run(s)
	if err != nil {
		return pixelResult{err: err}
	}
	for _, w := range res.FitWarnings {
		r.log.Warnw("fit warning", "tile", s.TileID, "warning", w)
	}
	rows, err := tilestore.RowsFromResult(s, res)
	if err != nil {
		return pixelResult{err: err}
	}
	return pixelResult{rows: rows, breaks: len(res.Breaks)}
}
