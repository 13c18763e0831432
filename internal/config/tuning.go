package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for the change-detection
// algorithm parameters. The same JSON schema is used for the defaults file
// and for per-run parameter overrides, so a run's params_json can be fed
// back in unchanged to reproduce it.
type TuningConfig struct {
	// Segment model params
	MinSegmentObservations *int     `json:"min_segment_observations,omitempty"`
	MinSegmentSpanDays     *int     `json:"min_segment_span_days,omitempty"`
	HarmonicTerms          *int     `json:"harmonic_terms,omitempty"`
	MaxFitIterations       *int     `json:"max_fit_iterations,omitempty"`
	FitConvergenceTol      *float64 `json:"fit_convergence_tol,omitempty"`

	// Break decision params
	ConsecAnomalies *int     `json:"consec_anomalies,omitempty"`
	ChiSquareProb   *float64 `json:"chi_square_prob,omitempty"`
	RefitCadence    *int     `json:"refit_cadence,omitempty"`

	// Loader params
	MinCleanObservations *int      `json:"min_clean_observations,omitempty"`
	BandNames            *[]string `json:"band_names,omitempty"`

	// Window extraction params
	WindowHalfWidth *int `json:"window_half_width,omitempty"`

	// Evaluation params
	TemporalToleranceDays *int     `json:"temporal_tolerance_days,omitempty"`
	PixelResolutionMeters *float64 `json:"pixel_resolution_meters,omitempty"`

	// Execution params
	Workers *int `json:"workers,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/storage/tilestore/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.MinSegmentObservations != nil && *c.MinSegmentObservations < 3 {
		return fmt.Errorf("min_segment_observations must be at least 3, got %d", *c.MinSegmentObservations)
	}
	if c.MinSegmentSpanDays != nil && *c.MinSegmentSpanDays < 0 {
		return fmt.Errorf("min_segment_span_days must be non-negative, got %d", *c.MinSegmentSpanDays)
	}
	if c.HarmonicTerms != nil && (*c.HarmonicTerms < 0 || *c.HarmonicTerms > 4) {
		return fmt.Errorf("harmonic_terms must be in [0, 4], got %d", *c.HarmonicTerms)
	}
	if c.MaxFitIterations != nil && *c.MaxFitIterations < 1 {
		return fmt.Errorf("max_fit_iterations must be positive, got %d", *c.MaxFitIterations)
	}
	if c.FitConvergenceTol != nil && *c.FitConvergenceTol <= 0 {
		return fmt.Errorf("fit_convergence_tol must be positive, got %g", *c.FitConvergenceTol)
	}
	if c.ConsecAnomalies != nil && *c.ConsecAnomalies < 1 {
		return fmt.Errorf("consec_anomalies must be at least 1, got %d", *c.ConsecAnomalies)
	}
	if c.ChiSquareProb != nil && (*c.ChiSquareProb <= 0 || *c.ChiSquareProb >= 1) {
		return fmt.Errorf("chi_square_prob must be in (0, 1), got %f", *c.ChiSquareProb)
	}
	if c.RefitCadence != nil && *c.RefitCadence < 1 {
		return fmt.Errorf("refit_cadence must be at least 1, got %d", *c.RefitCadence)
	}
	if c.MinCleanObservations != nil && *c.MinCleanObservations < 1 {
		return fmt.Errorf("min_clean_observations must be at least 1, got %d", *c.MinCleanObservations)
	}
	if c.BandNames != nil && len(*c.BandNames) == 0 {
		return fmt.Errorf("band_names must not be empty when set")
	}
	if c.WindowHalfWidth != nil && *c.WindowHalfWidth < 1 {
		return fmt.Errorf("window_half_width must be at least 1, got %d", *c.WindowHalfWidth)
	}
	if c.TemporalToleranceDays != nil && *c.TemporalToleranceDays < 0 {
		return fmt.Errorf("temporal_tolerance_days must be non-negative, got %d", *c.TemporalToleranceDays)
	}
	if c.PixelResolutionMeters != nil && *c.PixelResolutionMeters <= 0 {
		return fmt.Errorf("pixel_resolution_meters must be positive, got %f", *c.PixelResolutionMeters)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	return nil
}

// GetMinSegmentObservations returns the min_segment_observations value or the default.
func (c *TuningConfig) GetMinSegmentObservations() int {
	if c.MinSegmentObservations == nil {
		return 12 // default
	}
	return *c.MinSegmentObservations
}

// GetMinSegmentSpanDays returns the min_segment_span_days value or the default.
func (c *TuningConfig) GetMinSegmentSpanDays() int {
	if c.MinSegmentSpanDays == nil {
		return 365 // default
	}
	return *c.MinSegmentSpanDays
}

// GetHarmonicTerms returns the harmonic_terms value or the default.
func (c *TuningConfig) GetHarmonicTerms() int {
	if c.HarmonicTerms == nil {
		return 2 // default
	}
	return *c.HarmonicTerms
}

// GetMaxFitIterations returns the max_fit_iterations value or the default.
func (c *TuningConfig) GetMaxFitIterations() int {
	if c.MaxFitIterations == nil {
		return 30 // default
	}
	return *c.MaxFitIterations
}

// GetFitConvergenceTol returns the fit_convergence_tol value or the default.
func (c *TuningConfig) GetFitConvergenceTol() float64 {
	if c.FitConvergenceTol == nil {
		return 1e-6 // default
	}
	return *c.FitConvergenceTol
}

// GetConsecAnomalies returns the consec_anomalies value or the default.
func (c *TuningConfig) GetConsecAnomalies() int {
	if c.ConsecAnomalies == nil {
		return 5 // default
	}
	return *c.ConsecAnomalies
}

// GetChiSquareProb returns the chi_square_prob value or the default.
func (c *TuningConfig) GetChiSquareProb() float64 {
	if c.ChiSquareProb == nil {
		return 0.99 // default
	}
	return *c.ChiSquareProb
}

// GetRefitCadence returns the refit_cadence value or the default.
func (c *TuningConfig) GetRefitCadence() int {
	if c.RefitCadence == nil {
		return 8 // default
	}
	return *c.RefitCadence
}

// GetMinCleanObservations returns the min_clean_observations value or the default.
func (c *TuningConfig) GetMinCleanObservations() int {
	if c.MinCleanObservations == nil {
		return 12 // default
	}
	return *c.MinCleanObservations
}

// GetBandNames returns the band_names value or the default.
// The defaults are the Sentinel-2 derived bands used by the upstream
// extraction pipeline: green, red, NIR, SWIR.
func (c *TuningConfig) GetBandNames() []string {
	if c.BandNames == nil {
		return []string{"g", "r", "n", "s"} // default
	}
	return *c.BandNames
}

// GetWindowHalfWidth returns the window_half_width value or the default.
func (c *TuningConfig) GetWindowHalfWidth() int {
	if c.WindowHalfWidth == nil {
		return 10 // default
	}
	return *c.WindowHalfWidth
}

// GetTemporalToleranceDays returns the temporal_tolerance_days value or the default.
func (c *TuningConfig) GetTemporalToleranceDays() int {
	if c.TemporalToleranceDays == nil {
		return 60 // default
	}
	return *c.TemporalToleranceDays
}

// GetPixelResolutionMeters returns the pixel_resolution_meters value or the default.
func (c *TuningConfig) GetPixelResolutionMeters() float64 {
	if c.PixelResolutionMeters == nil {
		return 10.0 // default
	}
	return *c.PixelResolutionMeters
}

// GetWorkers returns the workers value or the default (0 = runtime.NumCPU).
func (c *TuningConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0 // default: sized by the runner
	}
	return *c.Workers
}

// ToJSON serialises the config for storage in a run manifest.
func (c *TuningConfig) ToJSON() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tuning config: %w", err)
	}
	return string(data), nil
}
