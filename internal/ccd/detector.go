package ccd

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/landcover.report/internal/config"
)

// DetectorState is the per-pixel lifecycle state of the detector.
type DetectorState string

const (
	StateAccumulating DetectorState = "accumulating" // building an initial segment
	StateMonitoring   DetectorState = "monitoring"   // testing new observations against a fitted model
	StateClosing      DetectorState = "closing"      // an anomaly run is accumulating toward the break threshold
	StateDone         DetectorState = "done"         // series exhausted
)

// SegmentStatus describes how a segment was closed.
type SegmentStatus string

const (
	SegmentStable SegmentStatus = "stable" // closed by end of series, no break
	SegmentBroken SegmentStatus = "broken" // closed by a detected break
)

// Segment is a maximal date range over which one fitted model per band
// is considered valid. Closed segments are immutable.
type Segment struct {
	StartDate time.Time
	EndDate   time.Time
	Models    []Model // one per band; nil when too short to fit
	Status    SegmentStatus
	NumObs    int

	// LowConfidence marks degenerate segments: too short to fit, or
	// fitted by a non-converged robust fit.
	LowConfidence bool
}

// Break marks the earliest date of a sustained departure from the
// preceding segment's model.
type Break struct {
	Date       time.Time
	Magnitude  float64 // mean combined normalised residual over the anomaly run
	ChangeProb float64
}

// DetectorConfig holds the break-decision parameters.
type DetectorConfig struct {
	MinObservations   int     // minimum observation count per segment
	MinSpanDays       int     // minimum segment time span
	Harmonics         int     // harmonic pair count in the model
	MaxFitIterations  int     // robust fit iteration cap
	FitConvergenceTol float64 // robust fit convergence tolerance
	ConsecAnomalies   int     // consecutive anomalies required for a break
	ChiSquareProb     float64 // significance level for the anomaly threshold
	RefitCadence      int     // in-range observations between model re-fits
}

// DefaultDetectorConfig returns detector configuration loaded from the
// canonical tuning defaults file (config/tuning.defaults.json).
// Panics if the file cannot be found, intended for tests and binaries
// that have already validated config availability.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfigFromTuning(config.MustLoadDefaultConfig())
}

// DetectorConfigFromTuning builds a DetectorConfig from a loaded TuningConfig.
// Use this in production code where the TuningConfig is already loaded.
func DetectorConfigFromTuning(cfg *config.TuningConfig) DetectorConfig {
	return DetectorConfig{
		MinObservations:   cfg.GetMinSegmentObservations(),
		MinSpanDays:       cfg.GetMinSegmentSpanDays(),
		Harmonics:         cfg.GetHarmonicTerms(),
		MaxFitIterations:  cfg.GetMaxFitIterations(),
		FitConvergenceTol: cfg.GetFitConvergenceTol(),
		ConsecAnomalies:   cfg.GetConsecAnomalies(),
		ChiSquareProb:     cfg.GetChiSquareProb(),
		RefitCadence:      cfg.GetRefitCadence(),
	}
}

// Result is the complete segmentation of one pixel series.
type Result struct {
	Segments []Segment
	Breaks   []Break

	// FitWarnings collects non-fatal fit diagnostics (non-convergence).
	FitWarnings []string
}

// Detector segments pixel series against the configured break decision
// parameters. A single Detector is safe for concurrent use: Run carries
// all per-pixel state on its own stack.
type Detector struct {
	cfg DetectorConfig
}

// NewDetector validates the configuration and returns a Detector.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if cfg.MinObservations < NumCoef(cfg.Harmonics) {
		return nil, fmt.Errorf("min observations %d below coefficient count %d",
			cfg.MinObservations, NumCoef(cfg.Harmonics))
	}
	if cfg.ConsecAnomalies < 1 {
		return nil, fmt.Errorf("consecutive anomaly count must be at least 1, got %d", cfg.ConsecAnomalies)
	}
	if cfg.ChiSquareProb <= 0 || cfg.ChiSquareProb >= 1 {
		return nil, fmt.Errorf("chi-square probability must be in (0, 1), got %f", cfg.ChiSquareProb)
	}
	if cfg.RefitCadence < 1 {
		return nil, fmt.Errorf("refit cadence must be at least 1, got %d", cfg.RefitCadence)
	}
	if cfg.MaxFitIterations < 1 {
		return nil, fmt.Errorf("fit iteration cap must be at least 1, got %d", cfg.MaxFitIterations)
	}
	return &Detector{cfg: cfg}, nil
}

// dateToDays converts a date to fractional days since the Unix epoch,
// the time axis used by the regression model.
func dateToDays(t time.Time) float64 {
	return float64(t.Unix()) / 86400.0
}

// Run segments the series. The output is deterministic for identical
// input and configuration: segments are date-ordered, non-overlapping,
// and their union covers the full input date range.
func (d *Detector) Run(series *PixelSeries) (*Result, error) {
	if series == nil || len(series.Obs) == 0 {
		return nil, &InsufficientDataError{PixelID: pixelID(series), Clean: 0, Min: d.cfg.MinObservations}
	}

	obs := series.Obs
	bands := series.NumBands()
	threshold := AnomalyThreshold(d.cfg.ChiSquareProb, bands)
	times := make([]float64, len(obs))
	for i, o := range obs {
		times[i] = dateToDays(o.Date)
	}

	res := &Result{}

	// Degenerate short series: one stable low-confidence segment. A
	// series shorter than two minimum segments, by observation count
	// or by time span, can never close one segment and open another.
	minSpan := time.Duration(d.cfg.MinSpanDays) * 24 * time.Hour
	if len(obs) < 2*d.cfg.MinObservations || obs[len(obs)-1].Date.Sub(obs[0].Date) < 2*minSpan {
		seg := d.closeSegment(series, times, 0, len(obs)-1, SegmentStable, res)
		seg.LowConfidence = true
		res.Segments = append(res.Segments, seg)
		return res, nil
	}

	state := StateAccumulating
	segStart := 0        // index of the first observation in the open segment
	var models []Model   // fitted models for the open segment
	var scales []float64 // per-band anomaly scales, refreshed with each fit
	lowConfidence := false
	runStart := -1 // index of the first observation in the current anomaly run
	runLen := 0
	runScore := 0.0 // accumulated sqrt(combined residual) over the run
	sinceRefit := 0

	fit := func(from, to int) {
		models, lowConfidence = d.fitBands(series, times, from, to, res)
		scales = d.anomalyScales(series, models, from, to)
	}

	anomalous := func(i int, score float64) {
		if runLen == 0 {
			runStart = i
			runScore = 0
		}
		runLen++
		runScore += math.Sqrt(score)
		state = StateClosing
		if runLen < d.cfg.ConsecAnomalies {
			return
		}
		// Close the segment at the observation preceding the run; the
		// break is attributed to the earliest anomalous date, which
		// also seeds the next segment.
		seg := d.closeSegmentWithModels(obs, segStart, runStart-1, SegmentBroken, models, lowConfidence)
		res.Segments = append(res.Segments, seg)
		res.Breaks = append(res.Breaks, Break{
			Date:       obs[runStart].Date,
			Magnitude:  runScore / float64(runLen),
			ChangeProb: 1.0,
		})
		segStart = runStart
		models = nil
		scales = nil
		lowConfidence = false
		runLen = 0
		runStart = -1
		state = StateAccumulating
	}

	inRange := func(i int) {
		// An in-range observation resets the anomaly run and extends
		// the fit window at the refit cadence.
		runLen = 0
		runStart = -1
		state = StateMonitoring
		sinceRefit++
		if sinceRefit >= d.cfg.RefitCadence {
			fit(segStart, i)
			sinceRefit = 0
		}
	}

	for i := 0; state != StateDone; i++ {
		if i == len(obs) {
			state = StateDone
			continue
		}
		switch state {
		case StateAccumulating:
			count := i - segStart + 1
			span := obs[i].Date.Sub(obs[segStart].Date)
			if count < d.cfg.MinObservations || span < minSpan {
				continue
			}
			fit(segStart, i)
			state = StateMonitoring
			runLen = 0
			sinceRefit = 0

		case StateMonitoring, StateClosing:
			score := d.combinedScore(series, times, models, scales, i)
			if score > threshold {
				anomalous(i, score)
			} else {
				inRange(i)
			}
		}
	}

	// Series exhausted: the open segment closes as stable.
	last := len(obs) - 1
	if models == nil {
		seg := d.closeSegment(series, times, segStart, last, SegmentStable, res)
		if last-segStart+1 < d.cfg.MinObservations {
			seg.LowConfidence = true
		}
		res.Segments = append(res.Segments, seg)
	} else {
		res.Segments = append(res.Segments, d.closeSegmentWithModels(obs, segStart, last, SegmentStable, models, lowConfidence))
	}

	return res, nil
}

// fitBands fits all bands over obs[from..to] inclusive. Non-convergence
// is recorded as a warning and flags the result low-confidence; the
// models remain usable.
func (d *Detector) fitBands(series *PixelSeries, times []float64, from, to int, res *Result) ([]Model, bool) {
	bands := series.NumBands()
	n := to - from + 1
	models := make([]Model, bands)
	lowConfidence := false
	values := make([]float64, n)
	for b := 0; b < bands; b++ {
		for i := 0; i < n; i++ {
			values[i] = series.Obs[from+i].Bands[b]
		}
		m, err := FitRobust(times[from:to+1], values, d.cfg.Harmonics, d.cfg.MaxFitIterations, d.cfg.FitConvergenceTol)
		if err != nil {
			if nc, ok := err.(*FitNonConvergence); ok {
				nc.Band = b
				res.FitWarnings = append(res.FitWarnings, fmt.Sprintf("pixel %s: %s", series.PixelID, nc.Error()))
				lowConfidence = true
			} else {
				// Underdetermined or singular fits leave the band
				// without a model; the segment is flagged instead
				// of dropped.
				res.FitWarnings = append(res.FitWarnings, fmt.Sprintf("pixel %s band %d: %v", series.PixelID, b, err))
				lowConfidence = true
				continue
			}
		}
		models[b] = m
	}
	return models, lowConfidence
}

// combinedScore sums the squared normalised residual across bands for
// observation i using the per-band anomaly scales.
func (d *Detector) combinedScore(series *PixelSeries, times []float64, models []Model, scales []float64, i int) float64 {
	var score float64
	for b, m := range models {
		if m.Coef == nil {
			continue
		}
		r := (series.Obs[i].Bands[b] - m.Predict(times[i], d.cfg.Harmonics)) / scales[b]
		score += r * r
	}
	return score
}

// anomalyScales returns the per-band residual scale used to normalise
// monitoring residuals: the fitted RMSE floored by a model-free noise
// estimate from adjacent-date first differences over the fit window,
// so a near-interpolating fit cannot shrink the anomaly test below
// the band's short-term variability.
func (d *Detector) anomalyScales(series *PixelSeries, models []Model, from, to int) []float64 {
	bands := series.NumBands()
	scales := make([]float64, bands)
	n := to - from
	diffs := make([]float64, n)
	for b := 0; b < bands; b++ {
		for i := 0; i < n; i++ {
			diffs[i] = series.Obs[from+i+1].Bands[b] - series.Obs[from+i].Bands[b]
		}
		floor := 0.0
		if n > 0 {
			floor = madScale * medianAbs(diffs) / math.Sqrt2
		}
		scales[b] = models[b].RMSE
		if floor > scales[b] {
			scales[b] = floor
		}
		if scales[b] < minResidualScale {
			scales[b] = minResidualScale
		}
	}
	return scales
}

// closeSegment fits and closes obs[from..to] in one step, used for
// degenerate and trailing segments that were never promoted to
// monitoring.
func (d *Detector) closeSegment(series *PixelSeries, times []float64, from, to int, status SegmentStatus, res *Result) Segment {
	var models []Model
	lowConfidence := false
	if to-from+1 >= NumCoef(d.cfg.Harmonics) {
		models, lowConfidence = d.fitBands(series, times, from, to, res)
	} else {
		lowConfidence = true
	}
	return d.closeSegmentWithModels(series.Obs, from, to, status, models, lowConfidence)
}

func (d *Detector) closeSegmentWithModels(obs []Observation, from, to int, status SegmentStatus, models []Model, lowConfidence bool) Segment {
	return Segment{
		StartDate:     obs[from].Date,
		EndDate:       obs[to].Date,
		Models:        models,
		Status:        status,
		NumObs:        to - from + 1,
		LowConfidence: lowConfidence,
	}
}

func pixelID(s *PixelSeries) string {
	if s == nil {
		return ""
	}
	return s.PixelID
}
