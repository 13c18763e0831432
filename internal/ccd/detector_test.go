package ccd

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testDetectorConfig() DetectorConfig {
	return DetectorConfig{
		MinObservations:   12,
		MinSpanDays:       365,
		Harmonics:         2,
		MaxFitIterations:  30,
		FitConvergenceTol: 1e-6,
		ConsecAnomalies:   5,
		ChiSquareProb:     0.99,
		RefitCadence:      8,
	}
}

// synthSeries builds a biweekly two-band series starting 2020-01-01.
// Each band carries a trend-free annual cycle plus small deterministic
// pseudo-noise. dropFrom (observation index, -1 to disable) applies a
// permanent reflectance drop; spikeAt (-1 to disable) perturbs a single
// observation.
func synthSeries(t *testing.T, n, dropFrom, spikeAt int) *PixelSeries {
	t.Helper()
	start := date(2020, 1, 1)
	raw := make([]Observation, 0, n)
	for i := 0; i < n; i++ {
		d := start.AddDate(0, 0, i*14)
		days := float64(d.Unix()) / 86400.0
		w := 2 * math.Pi * days / annualPeriodDays
		g := 0.35 + 0.05*math.Cos(w) + 0.004*math.Sin(float64(i)*12.9898)
		r := 0.22 + 0.03*math.Sin(w) + 0.004*math.Sin(float64(i)*78.233)
		if dropFrom >= 0 && i >= dropFrom {
			g -= 0.25
			r -= 0.15
		}
		if i == spikeAt {
			g += 0.3
			r += 0.3
		}
		raw = append(raw, Observation{Date: d, Bands: []float64{g, r}, QA: QAClear})
	}
	s, err := NewPixelSeries("T29TME", "px", 500000, 4400000, raw, 1)
	if err != nil {
		t.Fatalf("failed to build synthetic series: %v", err)
	}
	return s
}

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDetector(testDetectorConfig())
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	return d
}

func TestDetector_AbruptDropProducesOneBreak(t *testing.T) {
	// Three years of clean biweekly observations with a permanent drop
	// beginning around month 20 (observation 43).
	const dropIdx = 43
	series := synthSeries(t, 79, dropIdx, -1)
	det := newTestDetector(t)

	res, err := det.Run(series)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(res.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(res.Segments))
	}
	if len(res.Breaks) != 1 {
		t.Fatalf("expected 1 break, got %d", len(res.Breaks))
	}

	// The break is attributed to the earliest anomalous observation.
	wantBreak := series.Obs[dropIdx].Date
	if !res.Breaks[0].Date.Equal(wantBreak) {
		t.Errorf("break dated %v, want %v", res.Breaks[0].Date, wantBreak)
	}
	if res.Segments[0].Status != SegmentBroken {
		t.Errorf("first segment status = %s, want broken", res.Segments[0].Status)
	}
	if res.Segments[1].Status != SegmentStable {
		t.Errorf("second segment status = %s, want stable", res.Segments[1].Status)
	}

	// The closed segment ends at the observation preceding the anomaly
	// run, and the next segment is seeded by the first anomalous one.
	if !res.Segments[0].EndDate.Equal(series.Obs[dropIdx-1].Date) {
		t.Errorf("first segment ends %v, want %v", res.Segments[0].EndDate, series.Obs[dropIdx-1].Date)
	}
	if !res.Segments[1].StartDate.Equal(series.Obs[dropIdx].Date) {
		t.Errorf("second segment starts %v, want %v", res.Segments[1].StartDate, series.Obs[dropIdx].Date)
	}
	if res.Breaks[0].Magnitude <= 0 {
		t.Errorf("break magnitude should be positive, got %f", res.Breaks[0].Magnitude)
	}
}

func TestDetector_IsolatedAnomalyDoesNotBreak(t *testing.T) {
	series := synthSeries(t, 79, -1, 40)
	det := newTestDetector(t)

	res, err := det.Run(series)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Breaks) != 0 {
		t.Fatalf("isolated anomaly must not break: got %d breaks", len(res.Breaks))
	}
	if len(res.Segments) != 1 {
		t.Fatalf("expected a single unbroken segment, got %d", len(res.Segments))
	}
	if res.Segments[0].Status != SegmentStable {
		t.Errorf("segment status = %s, want stable", res.Segments[0].Status)
	}
}

func TestDetector_CleanSeasonalSeriesNoFalseBreak(t *testing.T) {
	// A stable seasonal cycle with only small pseudo-noise must come out
	// as one unbroken segment even though the robust fit on the initial
	// window leaves a very small RMSE.
	series := synthSeries(t, 79, -1, -1)
	det := newTestDetector(t)

	res, err := det.Run(series)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Breaks) != 0 {
		t.Fatalf("clean seasonal series must not break: got %d breaks", len(res.Breaks))
	}
	if len(res.Segments) != 1 {
		t.Fatalf("expected a single segment, got %d", len(res.Segments))
	}
	if res.Segments[0].Status != SegmentStable {
		t.Errorf("segment status = %s, want stable", res.Segments[0].Status)
	}
}

func TestDetector_SingleAnomalyBreaksWhenConsecIsOne(t *testing.T) {
	cfg := testDetectorConfig()
	cfg.ConsecAnomalies = 1
	det, err := NewDetector(cfg)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	const spikeIdx = 40
	series := synthSeries(t, 79, -1, spikeIdx)
	res, err := det.Run(series)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Breaks) != 1 {
		t.Fatalf("expected 1 break with single-anomaly threshold, got %d", len(res.Breaks))
	}
	if !res.Breaks[0].Date.Equal(series.Obs[spikeIdx].Date) {
		t.Errorf("break dated %v, want %v", res.Breaks[0].Date, series.Obs[spikeIdx].Date)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(res.Segments))
	}
}

func TestDetector_ShortSeriesSingleLowConfidenceSegment(t *testing.T) {
	// Shorter than twice the minimum segment length.
	series := synthSeries(t, 20, -1, -1)
	det := newTestDetector(t)

	res, err := det.Run(series)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Segments) != 1 {
		t.Fatalf("expected exactly 1 segment, got %d", len(res.Segments))
	}
	if len(res.Breaks) != 0 {
		t.Fatalf("short series must not break: got %d breaks", len(res.Breaks))
	}
	seg := res.Segments[0]
	if !seg.LowConfidence {
		t.Error("short-series segment must be flagged low-confidence")
	}
	if seg.Status != SegmentStable {
		t.Errorf("segment status = %s, want stable", seg.Status)
	}
}

func TestDetector_ShortSpanSingleLowConfidenceSegment(t *testing.T) {
	// Enough observations by count, but a dense cadence keeps the series
	// well inside two minimum spans.
	start := date(2022, 3, 1)
	raw := make([]Observation, 0, 30)
	for i := 0; i < 30; i++ {
		d := start.AddDate(0, 0, i*4)
		raw = append(raw, Observation{Date: d, Bands: []float64{0.3, 0.2}, QA: QAClear})
	}
	series, err := NewPixelSeries("T29TME", "px", 500000, 4400000, raw, 1)
	if err != nil {
		t.Fatalf("failed to build series: %v", err)
	}

	det := newTestDetector(t)
	res, err := det.Run(series)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Segments) != 1 {
		t.Fatalf("expected exactly 1 segment, got %d", len(res.Segments))
	}
	if len(res.Breaks) != 0 {
		t.Fatalf("short-span series must not break: got %d breaks", len(res.Breaks))
	}
	if !res.Segments[0].LowConfidence {
		t.Error("short-span segment must be flagged low-confidence")
	}
}

func TestAnomalyScales_FloorsCollapsedRMSE(t *testing.T) {
	series := synthSeries(t, 40, -1, -1)
	det := newTestDetector(t)

	// A near-interpolating model must be floored well above its own
	// RMSE; a model whose RMSE dominates the noise estimate keeps it.
	models := []Model{
		{Coef: []float64{0.35}, RMSE: 1e-9},
		{Coef: []float64{0.22}, RMSE: 1.0},
	}
	scales := det.anomalyScales(series, models, 0, len(series.Obs)-1)
	if scales[0] < 1e-6 {
		t.Errorf("collapsed RMSE not floored: scale = %g", scales[0])
	}
	if scales[1] != 1.0 {
		t.Errorf("dominant RMSE should pass through, got %g", scales[1])
	}
}

func TestDetector_SegmentsCoverInputRange(t *testing.T) {
	for name, series := range map[string]*PixelSeries{
		"unbroken": synthSeries(t, 79, -1, -1),
		"broken":   synthSeries(t, 79, 43, -1),
		"short":    synthSeries(t, 15, -1, -1),
	} {
		det := newTestDetector(t)
		res, err := det.Run(series)
		if err != nil {
			t.Fatalf("%s: Run failed: %v", name, err)
		}

		first, last := series.DateRange()
		segs := res.Segments
		if !segs[0].StartDate.Equal(first) {
			t.Errorf("%s: first segment starts %v, want %v", name, segs[0].StartDate, first)
		}
		if !segs[len(segs)-1].EndDate.Equal(last) {
			t.Errorf("%s: last segment ends %v, want %v", name, segs[len(segs)-1].EndDate, last)
		}
		for i := 1; i < len(segs); i++ {
			if !segs[i].StartDate.After(segs[i-1].EndDate) {
				t.Errorf("%s: segment %d overlaps its predecessor", name, i)
			}
			// No observation may be lost between segments.
			for _, o := range series.Obs {
				if o.Date.After(segs[i-1].EndDate) && o.Date.Before(segs[i].StartDate) {
					t.Errorf("%s: observation %v lost between segments %d and %d", name, o.Date, i-1, i)
				}
			}
		}
	}
}

func TestDetector_Deterministic(t *testing.T) {
	series := synthSeries(t, 79, 43, -1)
	det := newTestDetector(t)

	a, err := det.Run(series)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	b, err := det.Run(series)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("re-run output differs (-first +second):\n%s", diff)
	}
}

func TestDetector_EmptySeries(t *testing.T) {
	det := newTestDetector(t)
	if _, err := det.Run(&PixelSeries{PixelID: "empty"}); err == nil {
		t.Fatal("expected error for empty series")
	}
}

func TestNewDetector_RejectsInvalidConfig(t *testing.T) {
	cases := map[string]func(*DetectorConfig){
		"min obs below coefficients": func(c *DetectorConfig) { c.MinObservations = 3 },
		"zero consec anomalies":      func(c *DetectorConfig) { c.ConsecAnomalies = 0 },
		"probability out of range":   func(c *DetectorConfig) { c.ChiSquareProb = 1.5 },
		"zero refit cadence":         func(c *DetectorConfig) { c.RefitCadence = 0 },
		"zero fit iterations":        func(c *DetectorConfig) { c.MaxFitIterations = 0 },
	}
	for name, mutate := range cases {
		cfg := testDetectorConfig()
		mutate(&cfg)
		if _, err := NewDetector(cfg); err == nil {
			t.Errorf("%s: expected config rejection", name)
		}
	}
}

func TestDetectorConfigFromTuning_Defaults(t *testing.T) {
	cfg := DefaultDetectorConfig()
	if cfg.MinObservations < NumCoef(cfg.Harmonics) {
		t.Errorf("default min observations %d below coefficient count %d",
			cfg.MinObservations, NumCoef(cfg.Harmonics))
	}
	if cfg.ConsecAnomalies < 1 {
		t.Errorf("default consecutive anomaly count must be positive, got %d", cfg.ConsecAnomalies)
	}
	if cfg.ChiSquareProb <= 0 || cfg.ChiSquareProb >= 1 {
		t.Errorf("default chi-square probability out of range: %f", cfg.ChiSquareProb)
	}
	if _, err := NewDetector(cfg); err != nil {
		t.Errorf("default config must construct a detector: %v", err)
	}
}

// Guards against future drift in the epoch-days conversion the model
// time axis depends on.
func TestDateToDays(t *testing.T) {
	if got := dateToDays(time.Unix(0, 0).UTC()); got != 0 {
		t.Errorf("epoch should map to 0, got %f", got)
	}
	if got := dateToDays(date(1970, 1, 2)); got != 1 {
		t.Errorf("1970-01-02 should map to 1, got %f", got)
	}
}
