package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/neutron-data/powder.report/internal/powder"
	"github.com/neutron-data/powder.report/internal/powder/masking"
)

// DefaultConfigPath is the path to the canonical reduction defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/reduction.defaults.json"

// ReductionConfig represents the tuning parameters of a reduction. Fields
// omitted from the JSON fall back to the Get* defaults, so partial files
// that override a handful of values are fine.
type ReductionConfig struct {
	// Output binning
	DspacingMin  *float64 `json:"dspacing_min,omitempty"`
	DspacingMax  *float64 `json:"dspacing_max,omitempty"`
	DspacingBins *int     `json:"dspacing_bins,omitempty"`
	TwoThetaMin  *float64 `json:"two_theta_min,omitempty"`
	TwoThetaMax  *float64 `json:"two_theta_max,omitempty"`
	TwoThetaBins *int     `json:"two_theta_bins,omitempty"`

	// Masks, comma-separated "lo:hi" intervals per coordinate
	TofMasks        *string `json:"tof_masks,omitempty"`
	WavelengthMasks *string `json:"wavelength_masks,omitempty"`
	TwoThetaMasks   *string `json:"two_theta_masks,omitempty"`

	// Normalization params
	Normalization       *string  `json:"normalization,omitempty"`
	Uncertainty         *string  `json:"uncertainty,omitempty"`
	MonitorSmoothCutoff *float64 `json:"monitor_smooth_cutoff,omitempty"`

	// Pulse filtering params
	BadPulseThreshold *float64 `json:"bad_pulse_threshold,omitempty"`

	// Vanadium params
	StripPeaks           *bool    `json:"strip_peaks,omitempty"`
	PeakHalfWidth        *float64 `json:"peak_half_width,omitempty"`
	VanadiumSmoothCutoff *float64 `json:"vanadium_smooth_cutoff,omitempty"`

	// Worker pool size for multi-bank reductions (0 sizes from CPU count)
	Workers *int `json:"workers,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyReductionConfig returns a ReductionConfig with all fields set to nil.
// Use LoadReductionConfig to load actual values from a file.
func EmptyReductionConfig() *ReductionConfig {
	return &ReductionConfig{}
}

// DefaultReductionConfig returns a ReductionConfig with every field set to
// its default. Values mirror DefaultConfigPath without touching the disk.
func DefaultReductionConfig() *ReductionConfig {
	return &ReductionConfig{
		DspacingMin:          ptrFloat64(0.0),
		DspacingMax:          ptrFloat64(2.3434),
		DspacingBins:         ptrInt(200),
		TwoThetaMin:          ptrFloat64(0.8),
		TwoThetaMax:          ptrFloat64(2.4),
		TwoThetaBins:         ptrInt(0),
		TofMasks:             ptrString(""),
		WavelengthMasks:      ptrString(""),
		TwoThetaMasks:        ptrString(""),
		Normalization:        ptrString(string(powder.NormProtonCharge)),
		Uncertainty:          ptrString(string(powder.UncertaintyUpperBound)),
		MonitorSmoothCutoff:  ptrFloat64(0.25),
		BadPulseThreshold:    ptrFloat64(0),
		StripPeaks:           ptrBool(true),
		PeakHalfWidth:        ptrFloat64(0.02),
		VanadiumSmoothCutoff: ptrFloat64(0),
		Workers:              ptrInt(0),
	}
}

// LoadReductionConfig loads a ReductionConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadReductionConfig(path string) (*ReductionConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyReductionConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical reduction defaults from
// DefaultConfigPath. It searches for the file in the current directory and
// common parent directories. Panics if the file cannot be loaded, intended
// for test setup.
func MustLoadDefaultConfig() *ReductionConfig {
	// Try paths from current dir up to repo root
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadReductionConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *ReductionConfig) Validate() error {
	if c.DspacingBins != nil && *c.DspacingBins < 1 {
		return fmt.Errorf("dspacing_bins must be at least 1, got %d", *c.DspacingBins)
	}
	if c.DspacingMin != nil && c.DspacingMax != nil && *c.DspacingMin >= *c.DspacingMax {
		return fmt.Errorf("dspacing_min %g must be below dspacing_max %g", *c.DspacingMin, *c.DspacingMax)
	}
	if c.TwoThetaBins != nil && *c.TwoThetaBins < 0 {
		return fmt.Errorf("two_theta_bins must be non-negative, got %d", *c.TwoThetaBins)
	}
	if c.TwoThetaMin != nil && c.TwoThetaMax != nil && *c.TwoThetaMin >= *c.TwoThetaMax {
		return fmt.Errorf("two_theta_min %g must be below two_theta_max %g", *c.TwoThetaMin, *c.TwoThetaMax)
	}

	for _, m := range []struct{ name, value string }{
		{"tof_masks", strOrEmpty(c.TofMasks)},
		{"wavelength_masks", strOrEmpty(c.WavelengthMasks)},
		{"two_theta_masks", strOrEmpty(c.TwoThetaMasks)},
	} {
		if _, err := masking.ParseIntervals(m.value); err != nil {
			return fmt.Errorf("invalid %s: %w", m.name, err)
		}
	}

	if c.Normalization != nil {
		if _, err := powder.ParseNormalizationMode(*c.Normalization); err != nil {
			return err
		}
	}
	if c.Uncertainty != nil {
		if _, err := powder.ParseUncertaintyMode(*c.Uncertainty); err != nil {
			return err
		}
	}

	if c.MonitorSmoothCutoff != nil && (*c.MonitorSmoothCutoff < 0 || *c.MonitorSmoothCutoff > 1) {
		return fmt.Errorf("monitor_smooth_cutoff must be between 0 and 1, got %g", *c.MonitorSmoothCutoff)
	}
	if c.VanadiumSmoothCutoff != nil && (*c.VanadiumSmoothCutoff < 0 || *c.VanadiumSmoothCutoff > 1) {
		return fmt.Errorf("vanadium_smooth_cutoff must be between 0 and 1, got %g", *c.VanadiumSmoothCutoff)
	}
	if c.BadPulseThreshold != nil && *c.BadPulseThreshold < 0 {
		return fmt.Errorf("bad_pulse_threshold must be non-negative, got %g", *c.BadPulseThreshold)
	}
	if c.PeakHalfWidth != nil && *c.PeakHalfWidth <= 0 {
		return fmt.Errorf("peak_half_width must be positive, got %g", *c.PeakHalfWidth)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}

	return nil
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// GetDspacingMin returns the dspacing_min value or the default.
func (c *ReductionConfig) GetDspacingMin() float64 {
	if c.DspacingMin == nil {
		return 0.0
	}
	return *c.DspacingMin
}

// GetDspacingMax returns the dspacing_max value or the default.
func (c *ReductionConfig) GetDspacingMax() float64 {
	if c.DspacingMax == nil {
		return 2.3434
	}
	return *c.DspacingMax
}

// GetDspacingBins returns the dspacing_bins value or the default.
func (c *ReductionConfig) GetDspacingBins() int {
	if c.DspacingBins == nil {
		return 200
	}
	return *c.DspacingBins
}

// GetTwoThetaMin returns the two_theta_min value or the default.
func (c *ReductionConfig) GetTwoThetaMin() float64 {
	if c.TwoThetaMin == nil {
		return 0.8
	}
	return *c.TwoThetaMin
}

// GetTwoThetaMax returns the two_theta_max value or the default.
func (c *ReductionConfig) GetTwoThetaMax() float64 {
	if c.TwoThetaMax == nil {
		return 2.4
	}
	return *c.TwoThetaMax
}

// GetTwoThetaBins returns the two_theta_bins value or the default. Zero
// disables the angle-resolved map.
func (c *ReductionConfig) GetTwoThetaBins() int {
	if c.TwoThetaBins == nil {
		return 0
	}
	return *c.TwoThetaBins
}

// GetNormalization returns the normalization mode or the default.
func (c *ReductionConfig) GetNormalization() powder.NormalizationMode {
	if c.Normalization == nil {
		return powder.NormProtonCharge
	}
	return powder.NormalizationMode(*c.Normalization)
}

// GetUncertainty returns the uncertainty broadcast mode or the default.
func (c *ReductionConfig) GetUncertainty() powder.UncertaintyMode {
	if c.Uncertainty == nil {
		return powder.UncertaintyUpperBound
	}
	return powder.UncertaintyMode(*c.Uncertainty)
}

// GetMonitorSmoothCutoff returns the monitor_smooth_cutoff value or the
// default, as a fraction of the Nyquist frequency.
func (c *ReductionConfig) GetMonitorSmoothCutoff() float64 {
	if c.MonitorSmoothCutoff == nil {
		return 0.25
	}
	return *c.MonitorSmoothCutoff
}

// GetBadPulseThreshold returns the bad_pulse_threshold value or the
// default. Zero disables pulse filtering.
func (c *ReductionConfig) GetBadPulseThreshold() float64 {
	if c.BadPulseThreshold == nil {
		return 0
	}
	return *c.BadPulseThreshold
}

// GetStripPeaks returns the strip_peaks value or the default.
func (c *ReductionConfig) GetStripPeaks() bool {
	if c.StripPeaks == nil {
		return true
	}
	return *c.StripPeaks
}

// GetPeakHalfWidth returns the peak_half_width value or the default.
func (c *ReductionConfig) GetPeakHalfWidth() float64 {
	if c.PeakHalfWidth == nil {
		return 0.02
	}
	return *c.PeakHalfWidth
}

// GetVanadiumSmoothCutoff returns the vanadium_smooth_cutoff value or the
// default. Zero disables smoothing.
func (c *ReductionConfig) GetVanadiumSmoothCutoff() float64 {
	if c.VanadiumSmoothCutoff == nil {
		return 0
	}
	return *c.VanadiumSmoothCutoff
}

// GetWorkers returns the workers value or the default. Zero lets the
// reduction size the pool from the CPU count.
func (c *ReductionConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0
	}
	return *c.Workers
}

// GetMasks parses the configured mask intervals into a set. Call Validate
// first; malformed intervals come back empty here.
func (c *ReductionConfig) GetMasks() masking.Set {
	tof, _ := masking.ParseIntervals(strOrEmpty(c.TofMasks))
	wavelength, _ := masking.ParseIntervals(strOrEmpty(c.WavelengthMasks))
	twoTheta, _ := masking.ParseIntervals(strOrEmpty(c.TwoThetaMasks))
	return masking.Set{Tof: tof, Wavelength: wavelength, TwoTheta: twoTheta}
}

// DspacingEdges builds the output bin edges from the configured range.
func (c *ReductionConfig) DspacingEdges() (powder.Edges, error) {
	return powder.LinspaceEdges("dspacing", powder.UnitAngstrom, c.GetDspacingMin(), c.GetDspacingMax(), c.GetDspacingBins())
}

// TwoThetaEdges builds the scattering-angle bands for the angle-resolved
// map, or nil when the map is disabled.
func (c *ReductionConfig) TwoThetaEdges() (*powder.Edges, error) {
	n := c.GetTwoThetaBins()
	if n == 0 {
		return nil, nil
	}
	edges, err := powder.LinspaceEdges("two_theta", powder.UnitRadians, c.GetTwoThetaMin(), c.GetTwoThetaMax(), n)
	if err != nil {
		return nil, err
	}
	return &edges, nil
}
