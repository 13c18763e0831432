package ccd

import (
	"fmt"
	"sort"
	"time"
)

// QAFlag classifies the usability of a single observation.
type QAFlag int

const (
	QAClear  QAFlag = 0 // usable surface observation
	QACloud  QAFlag = 1
	QAShadow QAFlag = 2
	QASnow   QAFlag = 3
	QAFill   QAFlag = 4 // missing / nodata
)

// FillValue is the sentinel used by the upstream extraction pipeline for
// missing band values. Any observation carrying it in any band is
// treated as fill regardless of its QA flag.
const FillValue = 65535

// Observation is a single dated multi-band reflectance measurement.
// Immutable once loaded into a PixelSeries.
type Observation struct {
	Date  time.Time
	Bands []float64
	QA    QAFlag
}

// Clear reports whether the observation is usable for model fitting.
func (o Observation) Clear() bool {
	if o.QA != QAClear {
		return false
	}
	for _, v := range o.Bands {
		if v == FillValue {
			return false
		}
	}
	return true
}

// PixelSeries is the date-ordered clean observation sequence for one
// spatial location. Invariants: strictly increasing dates, no duplicate
// dates, every observation QA-clear, uniform band count.
type PixelSeries struct {
	TileID  string
	PixelID string
	X, Y    float64

	Obs []Observation
}

// InsufficientDataError reports a pixel whose clean observation count is
// below the configured minimum for model fitting.
type InsufficientDataError struct {
	PixelID string
	Clean   int
	Min     int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("pixel %s: %d clean observations, need at least %d", e.PixelID, e.Clean, e.Min)
}

// NewPixelSeries builds a clean PixelSeries from raw observations.
// Flagged and fill observations are dropped, the remainder is sorted by
// date, and duplicate dates keep only the earliest occurrence. Returns
// *InsufficientDataError when fewer than minClean observations survive.
func NewPixelSeries(tileID, pixelID string, x, y float64, raw []Observation, minClean int) (*PixelSeries, error) {
	clean := make([]Observation, 0, len(raw))
	bands := -1
	for _, o := range raw {
		if !o.Clear() {
			continue
		}
		if bands == -1 {
			bands = len(o.Bands)
		} else if len(o.Bands) != bands {
			return nil, fmt.Errorf("pixel %s: inconsistent band count %d (want %d) at %s",
				pixelID, len(o.Bands), bands, o.Date.Format("2006-01-02"))
		}
		clean = append(clean, o)
	}

	sort.SliceStable(clean, func(i, j int) bool { return clean[i].Date.Before(clean[j].Date) })

	// Deduplicate by date, keeping the first occurrence.
	deduped := clean[:0]
	for _, o := range clean {
		if len(deduped) > 0 && !o.Date.After(deduped[len(deduped)-1].Date) {
			continue
		}
		deduped = append(deduped, o)
	}

	if len(deduped) < minClean {
		return nil, &InsufficientDataError{PixelID: pixelID, Clean: len(deduped), Min: minClean}
	}

	return &PixelSeries{
		TileID:  tileID,
		PixelID: pixelID,
		X:       x,
		Y:       y,
		Obs:     deduped,
	}, nil
}

// NumBands returns the band count of the series.
func (s *PixelSeries) NumBands() int {
	if len(s.Obs) == 0 {
		return 0
	}
	return len(s.Obs[0].Bands)
}

// DateRange returns the first and last observation dates.
func (s *PixelSeries) DateRange() (time.Time, time.Time) {
	if len(s.Obs) == 0 {
		return time.Time{}, time.Time{}
	}
	return s.Obs[0].Date, s.Obs[len(s.Obs)-1].Date
}

// ParseCompactDate converts a yyyymmdd integer into a UTC time.
func ParseCompactDate(d int) (time.Time, error) {
	if d < 10000101 || d > 99991231 {
		return time.Time{}, fmt.Errorf("invalid compact date %d", d)
	}
	year := d / 10000
	month := (d / 100) % 100
	day := d % 100
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// Reject normalisation (e.g. 20230230 -> March 2).
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, fmt.Errorf("invalid compact date %d", d)
	}
	return t, nil
}

// FormatCompactDate converts a time into a yyyymmdd integer.
func FormatCompactDate(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}
