package pipeline

import (
	"fmt"

	"github.com/neutron-data/powder.report/internal/powder"
	"github.com/neutron-data/powder.report/internal/powder/calibration"
	"github.com/neutron-data/powder.report/internal/powder/conversion"
	"github.com/neutron-data/powder.report/internal/powder/correction"
	"github.com/neutron-data/powder.report/internal/powder/filtering"
	"github.com/neutron-data/powder.report/internal/powder/grouping"
	"github.com/neutron-data/powder.report/internal/powder/masking"
	"github.com/neutron-data/powder.report/internal/powder/peaks"
	"github.com/neutron-data/powder.report/internal/powder/smoothing"
)

// defaultPeakHalfWidth is the half width in Angstrom of the fit windows
// around the expected vanadium peak positions.
const defaultPeakHalfWidth = 0.02

// PowgenConfig drives one POWGEN powder reduction. Events, Geometry and
// DspacingEdges are required.
type PowgenConfig struct {
	// Events is the loaded sample run.
	Events *powder.EventList

	// Geometry is the detector geometry of the run. Merging a
	// calibration writes the constants into it.
	Geometry *powder.Geometry

	// Calibration, when set, is merged into the geometry and selects
	// the calibrated d-spacing route. Without it the geometry route is
	// used.
	Calibration *calibration.Table

	// ChargeLog is the proton-charge log of the sample run, used for
	// both pulse filtering and charge normalization. Empty skips both.
	ChargeLog filtering.ChargeLog

	// BadPulseThreshold drops pulses below this factor times the mean
	// charge. Zero or negative skips pulse filtering.
	BadPulseThreshold float64

	// Vanadium, when set, supplies the detector efficiency reference;
	// the sample histogram is divided by the vanadium histogram.
	Vanadium *powder.EventList

	// VanadiumChargeLog normalizes the vanadium run by its own charge
	// so the division corrects for the exposure difference.
	VanadiumChargeLog filtering.ChargeLog

	// StripPeaks removes the coherent vanadium Bragg peaks from the
	// vanadium histogram before the division.
	StripPeaks bool

	// PeakHalfWidth is the fit window half width in Angstrom around each
	// expected vanadium peak. Zero selects the default.
	PeakHalfWidth float64

	// SmoothCutoff lowpass-smooths the vanadium histogram after peak
	// stripping when positive.
	SmoothCutoff float64

	// Masks drops events by tof, wavelength or scattering angle.
	Masks masking.Set

	// DspacingEdges is the output binning. The axis name must be
	// "dspacing".
	DspacingEdges powder.Edges

	// Uncertainty controls how variances of normalization terms are
	// broadcast onto events.
	Uncertainty powder.UncertaintyMode

	// Recorder receives progress notes. May be nil.
	Recorder RunRecorder
}

// Reduce runs the POWGEN workflow: pulse filtering, calibration merge,
// masking, conversion to d-spacing over the calibration constants,
// charge normalization, histogramming and vanadium division with peak
// stripping.
func (cfg *PowgenConfig) Reduce() (*Result, error) {
	if cfg.Events == nil {
		return nil, fmt.Errorf("powgen reduction: no sample run loaded")
	}
	if cfg.Geometry == nil {
		return nil, fmt.Errorf("powgen reduction: no detector geometry loaded")
	}
	if err := cfg.DspacingEdges.Validate(); err != nil {
		return nil, fmt.Errorf("powgen reduction: %w", err)
	}

	res := &Result{Instrument: "powgen"}
	res.Stats.EventsLoaded = cfg.Events.Len()

	// Stage 1: merge the calibration constants and mask flags into the
	// pixel table before anything looks pixels up.
	if cfg.Calibration != nil {
		if err := cfg.Calibration.MergeInto(cfg.Geometry); err != nil {
			return nil, fmt.Errorf("powgen reduction: %w", err)
		}
		note(cfg.Recorder, "[powgen] merged calibration for %d detectors", len(cfg.Calibration.Entries))
	}

	events, err := cfg.prepare(cfg.Events, cfg.ChargeLog, &res.Stats)
	if err != nil {
		return nil, fmt.Errorf("powgen reduction: %w", err)
	}
	note(cfg.Recorder, "[powgen] %d of %d sample events survive filtering and masking", events.Len(), cfg.Events.Len())

	hist, outside, err := grouping.Histogram(events, cfg.DspacingEdges)
	if err != nil {
		return nil, fmt.Errorf("powgen reduction: %w", err)
	}
	res.Stats.EventsDropped += outside
	res.Stats.EventsReduced = events.Len() - outside

	// Stage 5: vanadium division at histogram level, with the coherent
	// vanadium Bragg peaks stripped first so they do not imprint on the
	// sample pattern.
	if cfg.Vanadium != nil {
		van, err := cfg.prepare(cfg.Vanadium, cfg.VanadiumChargeLog, nil)
		if err != nil {
			return nil, fmt.Errorf("powgen reduction: vanadium run: %w", err)
		}
		vanHist, _, err := grouping.Histogram(van, cfg.DspacingEdges)
		if err != nil {
			return nil, fmt.Errorf("powgen reduction: vanadium run: %w", err)
		}
		res.Vanadium = vanHist
		if cfg.StripPeaks {
			vanHist, res.VanadiumFits, err = cfg.stripVanadiumPeaks(vanHist)
			if err != nil {
				return nil, fmt.Errorf("powgen reduction: %w", err)
			}
		}
		if cfg.SmoothCutoff > 0 {
			vanHist, err = smoothing.Lowpass(vanHist, cfg.SmoothCutoff)
			if err != nil {
				return nil, fmt.Errorf("powgen reduction: vanadium run: %w", err)
			}
		}
		hist, err = hist.Divide(vanHist, powder.UnitOne)
		if err != nil {
			return nil, fmt.Errorf("powgen reduction: vanadium division: %w", err)
		}
		note(cfg.Recorder, "[powgen] divided by vanadium run with %d events", van.Len())
	}
	res.Reduced = hist

	// Stage 6: mean d-to-tof coefficients for the CIF calibration block.
	if cfg.Calibration != nil {
		out, err := calibration.MeanOverPixels(cfg.Geometry)
		if err != nil {
			return nil, fmt.Errorf("powgen reduction: %w", err)
		}
		res.Calibration = out
	}
	note(cfg.Recorder, "[powgen] reduced %d events into %d bins", res.Stats.EventsReduced, hist.Edges.NBins())
	return res, nil
}

// prepare takes one run through pulse filtering, masking and the
// conversion to d-spacing, then normalizes by the accumulated charge of
// its log. stats may be nil for the vanadium run.
func (cfg *PowgenConfig) prepare(raw *powder.EventList, charge filtering.ChargeLog, stats *Stats) (*powder.EventList, error) {
	events := raw

	// Stage 2: drop events recorded during weak pulses.
	if cfg.BadPulseThreshold > 0 && len(charge.Charge) > 0 {
		kept, removed, err := filtering.RemoveBadPulses(events, charge, cfg.BadPulseThreshold)
		if err != nil {
			return nil, err
		}
		if stats != nil {
			stats.PulsesRemoved += removed
		}
		events = kept
	}

	// Stage 3: masking and conversion. Wavelength masks need the
	// wavelength coordinate, which the calibrated route does not fill,
	// so it is computed from the geometry on demand.
	events, maskedPixels := masking.MaskedPixels(events, cfg.Geometry)
	if len(cfg.Masks.Wavelength) > 0 && events.Wavelength == nil {
		if err := conversion.EventsToWavelength(events, cfg.Geometry); err != nil {
			return nil, err
		}
	}
	kept, maskedIntervals, err := masking.ApplyToEvents(events, cfg.Geometry, cfg.Masks)
	if err != nil {
		return nil, err
	}
	if stats != nil {
		stats.EventsMasked += maskedPixels + maskedIntervals
	}
	events = kept

	if cfg.Calibration != nil {
		err = conversion.EventsToDspacingCalibrated(events, cfg.Geometry)
	} else {
		err = conversion.EventsToDspacingGeometric(events, cfg.Geometry)
	}
	if err != nil {
		return nil, err
	}

	// Stage 4: normalize by the accumulated charge of the run.
	if len(charge.Charge) > 0 {
		total := charge.Accumulate()
		norm, err := correction.NormalizeByProtonCharge(events, total, charge.Unit)
		if err != nil {
			return nil, err
		}
		events = norm
	}
	return events, nil
}

// stripVanadiumPeaks fits and subtracts the coherent vanadium Bragg
// peaks. Failed fits leave their window untouched; the per-window
// results are returned for diagnostics.
func (cfg *PowgenConfig) stripVanadiumPeaks(vanHist *powder.Histogram) (*powder.Histogram, []peaks.FitResult, error) {
	halfWidth := cfg.PeakHalfWidth
	if halfWidth <= 0 {
		halfWidth = defaultPeakHalfWidth
	}
	lo := cfg.DspacingEdges.Values[0]
	hi := cfg.DspacingEdges.Values[len(cfg.DspacingEdges.Values)-1]
	windows, err := peaks.FitWindows(peaks.VanadiumDspacings(), halfWidth, lo, hi)
	if err != nil {
		return nil, nil, fmt.Errorf("vanadium peak windows: %w", err)
	}
	fits := peaks.FitPeaks(vanHist, windows)
	nOK := 0
	for _, f := range fits {
		if f.Success {
			nOK++
		}
	}
	note(cfg.Recorder, "[powgen] stripped %d of %d vanadium peaks", nOK, len(fits))
	return peaks.RemovePeaks(vanHist, fits), fits, nil
}
