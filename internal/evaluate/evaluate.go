package evaluate

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/paulmach/orb"

	"github.com/banshee-data/landcover.report/internal/config"
	"github.com/banshee-data/landcover.report/internal/storage/tilestore"
)

// Config holds the spatial and temporal matching tolerances.
type Config struct {
	TemporalToleranceDays int
	PixelResolutionMeters float64
}

// ConfigFromTuning builds an evaluation Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		TemporalToleranceDays: cfg.GetTemporalToleranceDays(),
		PixelResolutionMeters: cfg.GetPixelResolutionMeters(),
	}
}

// MatchRecord pairs a detected break with the reference change it
// matched. Consumed entirely within an evaluation run.
type MatchRecord struct {
	BreakIndex int
	RefIndex   int
	DeltaDays  float64
}

// Report is the accuracy assessment: confusion counts and derived
// metrics.
type Report struct {
	TruePositive  int
	FalsePositive int
	FalseNegative int

	Precision       float64
	Recall          float64
	F1              float64
	OmissionError   float64
	CommissionError float64

	ReferenceCount int // matchable references (no-change excluded)
	BreakCount     int
	SkippedRecords int

	Matches []MatchRecord
}

// Evaluate matches detected breaks against reference changes. A break
// matches a reference when it falls inside the reference's spatial unit
// and within the temporal tolerance of its event date. Each reference
// is matched by at most one break, closest in time first; the earlier
// break date wins exact ties. Unmatched breaks are false positives;
// unmatched references (excluding no-change records) are false
// negatives.
func Evaluate(breaks []tilestore.BreakPoint, refs []ReferenceChange, cfg Config) Report {
	rep := Report{BreakCount: len(breaks)}

	// No-change records can never be matched, so they contribute
	// neither false negatives nor candidates.
	matchable := make([]int, 0, len(refs))
	for i, r := range refs {
		if !r.NoChange {
			matchable = append(matchable, i)
		}
	}
	rep.ReferenceCount = len(matchable)

	type candidate struct {
		refIdx   int
		breakIdx int
		delta    float64 // absolute days between break and event date
	}
	var candidates []candidate
	tolDays := float64(cfg.TemporalToleranceDays)
	for _, ri := range matchable {
		ref := refs[ri]
		event := ref.EventDate()
		for bi, b := range breaks {
			if !spatialMatch(ref, b, cfg.PixelResolutionMeters) {
				continue
			}
			delta := math.Abs(b.Date.Sub(event).Hours() / 24)
			if delta > tolDays {
				continue
			}
			candidates = append(candidates, candidate{refIdx: ri, breakIdx: bi, delta: delta})
		}
	}

	// Closest-in-time pairs first; exact ties favour the earlier break
	// date, then the lower indices for determinism.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.delta != b.delta {
			return a.delta < b.delta
		}
		if !breaks[a.breakIdx].Date.Equal(breaks[b.breakIdx].Date) {
			return breaks[a.breakIdx].Date.Before(breaks[b.breakIdx].Date)
		}
		if a.refIdx != b.refIdx {
			return a.refIdx < b.refIdx
		}
		return a.breakIdx < b.breakIdx
	})

	refMatched := make(map[int]bool)
	breakMatched := make(map[int]bool)
	for _, c := range candidates {
		if refMatched[c.refIdx] || breakMatched[c.breakIdx] {
			continue
		}
		refMatched[c.refIdx] = true
		breakMatched[c.breakIdx] = true
		rep.Matches = append(rep.Matches, MatchRecord{
			BreakIndex: c.breakIdx,
			RefIndex:   c.refIdx,
			DeltaDays:  c.delta,
		})
	}

	rep.TruePositive = len(rep.Matches)
	rep.FalsePositive = len(breaks) - rep.TruePositive
	rep.FalseNegative = rep.ReferenceCount - rep.TruePositive

	if d := rep.TruePositive + rep.FalsePositive; d > 0 {
		rep.Precision = float64(rep.TruePositive) / float64(d)
		rep.CommissionError = float64(rep.FalsePositive) / float64(d)
	}
	if d := rep.TruePositive + rep.FalseNegative; d > 0 {
		rep.Recall = float64(rep.TruePositive) / float64(d)
		rep.OmissionError = float64(rep.FalseNegative) / float64(d)
	}
	if rep.Precision+rep.Recall > 0 {
		rep.F1 = 2 * rep.Precision * rep.Recall / (rep.Precision + rep.Recall)
	}

	return rep
}

// spatialMatch reports whether a break refers to the reference's
// spatial unit: inside a polygonal reference, or within half a pixel of
// a point reference.
func spatialMatch(ref ReferenceChange, b tilestore.BreakPoint, resolution float64) bool {
	p := orb.Point{b.X, b.Y}
	switch g := ref.Geometry.(type) {
	case orb.Point:
		dx := g[0] - p[0]
		dy := g[1] - p[1]
		half := resolution / 2
		return dx*dx+dy*dy <= half*half
	default:
		return tilestore.GeometryContains(ref.Geometry, p)
	}
}

// WriteReportCSV writes the confusion counts and metrics as a simple
// two-column delimited file.
func WriteReportCSV(out io.Writer, rep Report) error {
	cw := csv.NewWriter(out)
	rows := [][]string{
		{"metric", "value"},
		{"true_positive", strconv.Itoa(rep.TruePositive)},
		{"false_positive", strconv.Itoa(rep.FalsePositive)},
		{"false_negative", strconv.Itoa(rep.FalseNegative)},
		{"precision", formatMetric(rep.Precision)},
		{"recall", formatMetric(rep.Recall)},
		{"f1", formatMetric(rep.F1)},
		{"omission_error", formatMetric(rep.OmissionError)},
		{"commission_error", formatMetric(rep.CommissionError)},
		{"reference_count", strconv.Itoa(rep.ReferenceCount)},
		{"break_count", strconv.Itoa(rep.BreakCount)},
		{"skipped_records", strconv.Itoa(rep.SkippedRecords)},
	}
	for _, r := range rows {
		if err := cw.Write(r); err != nil {
			return fmt.Errorf("failed to write report row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush report csv: %w", err)
	}
	return nil
}

func formatMetric(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
