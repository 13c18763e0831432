package ccd

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
)

// ObservationRow is the columnar input schema produced by the upstream
// preprocessing pipeline: one row per (pixel, date) with the four
// derived bands and a QA flag.
type ObservationRow struct {
	PixelID string  `parquet:"pixel_id"`
	XCoord  float64 `parquet:"x_coord"`
	YCoord  float64 `parquet:"y_coord"`
	Date    int32   `parquet:"date"` // yyyymmdd
	G       float64 `parquet:"g"`
	R       float64 `parquet:"r"`
	N       float64 `parquet:"n"`
	S       float64 `parquet:"s"`
	QA      int32   `parquet:"qa"`
}

// LoadTileObservations reads a per-tile parquet observation table and
// assembles one clean PixelSeries per pixel. Observations outside
// [start, end] are dropped when the bounds are non-zero. Pixels with
// fewer than minClean usable observations are reported in the second
// return value rather than failing the tile.
//
// The returned series are sorted by pixel identity so downstream output
// never depends on grouping order.
func LoadTileObservations(path, tileID string, start, end time.Time, minClean int) ([]*PixelSeries, []*InsufficientDataError, error) {
	rows, err := parquet.ReadFile[ObservationRow](path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read observation table %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("observation table %s is empty", path)
	}

	type pixelRaw struct {
		x, y float64
		obs  []Observation
	}
	pixels := make(map[string]*pixelRaw)
	for _, r := range rows {
		date, err := ParseCompactDate(int(r.Date))
		if err != nil {
			return nil, nil, fmt.Errorf("pixel %s: %w", r.PixelID, err)
		}
		if !start.IsZero() && date.Before(start) {
			continue
		}
		if !end.IsZero() && date.After(end) {
			continue
		}
		p := pixels[r.PixelID]
		if p == nil {
			p = &pixelRaw{x: r.XCoord, y: r.YCoord}
			pixels[r.PixelID] = p
		}
		p.obs = append(p.obs, Observation{
			Date:  date,
			Bands: []float64{r.G, r.R, r.N, r.S},
			QA:    QAFlag(r.QA),
		})
	}

	ids := make([]string, 0, len(pixels))
	for id := range pixels {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var series []*PixelSeries
	var skipped []*InsufficientDataError
	for _, id := range ids {
		p := pixels[id]
		s, err := NewPixelSeries(tileID, id, p.x, p.y, p.obs, minClean)
		if err != nil {
			var insufficient *InsufficientDataError
			if errors.As(err, &insufficient) {
				skipped = append(skipped, insufficient)
				continue
			}
			return nil, nil, err
		}
		series = append(series, s)
	}
	return series, skipped, nil
}
