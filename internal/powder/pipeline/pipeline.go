// Package pipeline composes the reduction stages into eager,
// per-instrument workflows. Each workflow is a Config struct whose
// Reduce method walks the stages in order, logging event counts as it
// goes. There is no deferred graph: what runs is what you read.
package pipeline

import (
	"github.com/neutron-data/powder.report/internal/instrument/beer"
	"github.com/neutron-data/powder.report/internal/monitoring"
	"github.com/neutron-data/powder.report/internal/powder"
	"github.com/neutron-data/powder.report/internal/powder/calibration"
	"github.com/neutron-data/powder.report/internal/powder/peaks"
)

// RunRecorder receives progress notes so a caller can persist
// provenance alongside the reduction. Implementations live outside
// this package (the run database); a nil recorder is tolerated and
// notes then go to the log only.
type RunRecorder interface {
	Note(format string, args ...any)
}

// Stats counts what happened to the events of one reduction.
type Stats struct {
	EventsLoaded  int
	PulsesRemoved int // events dropped by the bad-pulse filter
	EventsMasked  int // dropped by pixel or coordinate masks
	EventsDropped int // dropped during conversion or normalization
	EventsReduced int // events contributing to the final pattern
}

// Result is the product of one reduction.
type Result struct {
	Instrument string

	// Reduced is the focused pattern of the first configured bank;
	// Banks carries every bank for multi-bank instruments.
	Reduced *powder.Histogram
	Banks   map[string]*powder.Histogram

	// Groups is the optional two-theta resolved pattern.
	Groups *powder.Histogram2D

	// Calibration carries the mean d-to-tof coefficients for CIF
	// output, when the workflow had a calibration to merge.
	Calibration *calibration.OutputCalibration

	// VanadiumFits holds the per-window peak fits of the vanadium
	// stripping stage, and Vanadium the histogram they were fitted
	// against, kept for diagnostics.
	VanadiumFits []peaks.FitResult
	Vanadium     *powder.Histogram

	// Streaks holds the fitted modulation lines per BEER bank and
	// Tables the event tables they were fitted on.
	Streaks map[string]*beer.StreakFit
	Tables  map[string]*beer.EventTable

	Stats Stats
}

// note logs a progress line and forwards it to the recorder.
func note(rec RunRecorder, format string, args ...any) {
	monitoring.Logf(format, args...)
	if rec != nil {
		rec.Note(format, args...)
	}
}
