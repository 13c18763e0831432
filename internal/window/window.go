// Package window extracts fixed-width observation windows around
// reference change dates for quality-control datasets, independent of
// the detector's own segmentation.
package window

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/banshee-data/landcover.report/internal/ccd"
)

// Window holds up to N observations on either side of a target date.
//
// Before contains the observations with date <= target, nearest N, in
// chronological order (the nearest observation sits at the highest
// occupied index). After contains the observations with date > target, nearest
// first (the nearest observation is index 1). The slices are never
// padded; padding to the fixed column layout happens at write time.
type Window struct {
	PixelID string
	X, Y    float64
	Date0   time.Time
	Date1   time.Time // zero when the reference has a single date
	Target  time.Time
	Before  []ccd.Observation
	After   []ccd.Observation
	N       int
}

// TargetDate resolves the window target from a one- or two-date
// reference: the midpoint (by whole days) when two distinct dates are
// given, otherwise the first date.
func TargetDate(date0, date1 time.Time) time.Time {
	if date1.IsZero() || date1.Equal(date0) {
		return date0
	}
	half := date1.Sub(date0).Hours() / 24 / 2
	return date0.AddDate(0, 0, int(half))
}

// Extract returns the window of up to n observations before and after
// the reference date(s). An observation dated exactly on the target
// belongs to the before side.
func Extract(series *ccd.PixelSeries, date0, date1 time.Time, n int) Window {
	target := TargetDate(date0, date1)
	w := Window{
		PixelID: series.PixelID,
		X:       series.X,
		Y:       series.Y,
		Date0:   date0,
		Date1:   date1,
		Target:  target,
		N:       n,
	}

	// Series observations are date-ordered, so the split point is the
	// first observation strictly after the target.
	split := sort.Search(len(series.Obs), func(i int) bool {
		return series.Obs[i].Date.After(target)
	})

	lo := split - n
	if lo < 0 {
		lo = 0
	}
	w.Before = append(w.Before, series.Obs[lo:split]...)

	hi := split + n
	if hi > len(series.Obs) {
		hi = len(series.Obs)
	}
	w.After = append(w.After, series.Obs[split:hi]...)

	return w
}

// WriteCSV writes windows in the fixed positional column convention:
// x, y, data_0, data_1, data_mid, dts_a1..aN, dts_d1..dN, then per band
// {band}_a1..aN and {band}_d1..dN. Positions with no observation are
// left empty; values are never fabricated.
func WriteCSV(out io.Writer, windows []Window, bandNames []string, n int) error {
	cw := csv.NewWriter(out)

	header := []string{"x", "y", "data_0", "data_1", "data_mid"}
	for i := 1; i <= n; i++ {
		header = append(header, fmt.Sprintf("dts_a%d", i))
	}
	for i := 1; i <= n; i++ {
		header = append(header, fmt.Sprintf("dts_d%d", i))
	}
	for _, b := range bandNames {
		for i := 1; i <= n; i++ {
			header = append(header, fmt.Sprintf("%s_a%d", b, i))
		}
		for i := 1; i <= n; i++ {
			header = append(header, fmt.Sprintf("%s_d%d", b, i))
		}
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write window header: %w", err)
	}

	for _, w := range windows {
		rec := make([]string, 0, len(header))
		rec = append(rec,
			strconv.FormatFloat(w.X, 'f', -1, 64),
			strconv.FormatFloat(w.Y, 'f', -1, 64),
			strconv.Itoa(ccd.FormatCompactDate(w.Date0)),
			compactOrEmpty(w.Date1),
			strconv.Itoa(ccd.FormatCompactDate(w.Target)),
		)
		rec = appendDates(rec, w.Before, n)
		rec = appendDates(rec, w.After, n)
		for b := range bandNames {
			rec = appendValues(rec, w.Before, b, n)
			rec = appendValues(rec, w.After, b, n)
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("failed to write window row for pixel %s: %w", w.PixelID, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush window csv: %w", err)
	}
	return nil
}

func compactOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.Itoa(ccd.FormatCompactDate(t))
}

func appendDates(rec []string, obs []ccd.Observation, n int) []string {
	for i := 0; i < n; i++ {
		if i < len(obs) {
			rec = append(rec, strconv.Itoa(ccd.FormatCompactDate(obs[i].Date)))
		} else {
			rec = append(rec, "")
		}
	}
	return rec
}

func appendValues(rec []string, obs []ccd.Observation, band, n int) []string {
	for i := 0; i < n; i++ {
		if i < len(obs) && band < len(obs[i].Bands) {
			rec = append(rec, strconv.FormatFloat(obs[i].Bands[band], 'f', -1, 64))
		} else {
			rec = append(rec, "")
		}
	}
	return rec
}
