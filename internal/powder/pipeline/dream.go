package pipeline

import (
	"fmt"

	"github.com/neutron-data/powder.report/internal/instrument/dream"
	"github.com/neutron-data/powder.report/internal/powder"
	"github.com/neutron-data/powder.report/internal/powder/conversion"
	"github.com/neutron-data/powder.report/internal/powder/correction"
	"github.com/neutron-data/powder.report/internal/powder/grouping"
	"github.com/neutron-data/powder.report/internal/powder/masking"
)

// DreamConfig drives one DREAM powder reduction. Sample and DspacingEdges
// are required; the remaining inputs are optional and their stages are
// skipped when absent.
type DreamConfig struct {
	// Sample is the loaded sample run.
	Sample *dream.Instrument

	// Vanadium, when set, supplies the detector efficiency reference the
	// focussed sample pattern is divided by.
	Vanadium *dream.Instrument

	// EmptyCan, when set, is subtracted from the sample events before
	// normalization. The two runs are assumed to share the exposure.
	EmptyCan *dream.Instrument

	// Monitor is the cave beam monitor of the sample run on a tof or
	// wavelength axis. Required for the monitor normalization modes.
	Monitor *powder.Histogram

	// MonitorSmoothCutoff lowpass-smooths the monitor before histogram
	// normalization when positive.
	MonitorSmoothCutoff float64

	// Configuration names the chopper settings the run was recorded
	// with. The high-resolution settings have no reduction support yet.
	Configuration dream.InstrumentConfiguration

	// Normalization selects the flux normalization. Empty selects
	// proton charge.
	Normalization powder.NormalizationMode

	// ProtonCharge is the accumulated charge of the run in uAh. Zero
	// selects the nominal simulation charge.
	ProtonCharge float64

	// Banks restricts the reduction to the named detector banks. Empty
	// reduces every loaded bank in canonical order.
	Banks []string

	// Masks drops events by tof, wavelength or scattering angle.
	Masks masking.Set

	// DspacingEdges is the output binning. The axis name must be
	// "dspacing".
	DspacingEdges powder.Edges

	// TwoThetaEdges, when set, additionally resolves the first bank by
	// scattering angle into a 2-D pattern.
	TwoThetaEdges *powder.Edges

	// Uncertainty controls how variances of normalization terms are
	// broadcast onto events.
	Uncertainty powder.UncertaintyMode

	// Recorder receives progress notes. May be nil.
	Recorder RunRecorder
}

// Reduce runs the DREAM workflow: per-bank masking, conversion to
// d-spacing over the geometry route, empty-can subtraction, flux
// normalization, vanadium division and histogramming.
func (cfg *DreamConfig) Reduce() (*Result, error) {
	if cfg.Sample == nil {
		return nil, fmt.Errorf("dream reduction: no sample run loaded")
	}
	if cfg.Configuration == dream.HighResolution {
		return nil, fmt.Errorf("dream reduction: the high_resolution configuration is not supported yet")
	}
	if err := cfg.DspacingEdges.Validate(); err != nil {
		return nil, fmt.Errorf("dream reduction: %w", err)
	}

	banks := cfg.Banks
	if len(banks) == 0 {
		banks = cfg.Sample.Names()
	}
	if len(banks) == 0 {
		return nil, fmt.Errorf("dream reduction: sample run has no detector banks")
	}

	mode := cfg.Normalization
	if mode == "" {
		mode = powder.NormProtonCharge
	}

	// Stage 1: bring the monitor onto a wavelength axis once; every bank
	// shares it. The monitor sits in the unscattered beam so its flight
	// path is the straight source-to-monitor distance.
	var monitor *powder.Histogram
	if mode == powder.NormMonitorHistogram || mode == powder.NormMonitorIntegrated {
		if cfg.Monitor == nil {
			return nil, fmt.Errorf("dream reduction: normalization %q needs a monitor histogram", mode)
		}
		flightPath := dream.DefaultCaveMonitorPosition.Sub(dream.DefaultSourcePosition).Norm()
		m, err := conversion.MonitorToWavelength(cfg.Monitor, flightPath)
		if err != nil {
			return nil, fmt.Errorf("dream reduction: %w", err)
		}
		monitor = m
	}

	res := &Result{
		Instrument: "dream",
		Banks:      make(map[string]*powder.Histogram, len(banks)),
	}

	for i, name := range banks {
		events, geom, err := cfg.reduceBank(name, mode, monitor, &res.Stats)
		if err != nil {
			return nil, fmt.Errorf("dream reduction: bank %s: %w", name, err)
		}

		hist, outside, err := grouping.Histogram(events, cfg.DspacingEdges)
		if err != nil {
			return nil, fmt.Errorf("dream reduction: bank %s: %w", name, err)
		}
		res.Stats.EventsDropped += outside
		res.Stats.EventsReduced += events.Len() - outside
		res.Banks[name] = hist
		if res.Reduced == nil {
			res.Reduced = hist
		}
		note(cfg.Recorder, "[dream] bank %s: reduced %d events into %d bins", name, events.Len()-outside, hist.Edges.NBins())

		// Stage 5: two-theta resolved pattern of the first bank only;
		// mixing angles across banks would fold unrelated resolutions
		// into one map.
		if i == 0 && cfg.TwoThetaEdges != nil {
			groups, outsideBand, err := grouping.ByTwoTheta(events, geom, *cfg.TwoThetaEdges)
			if err != nil {
				return nil, fmt.Errorf("dream reduction: bank %s: %w", name, err)
			}
			h2, outside2, err := grouping.Histogram2D(groups, *cfg.TwoThetaEdges, cfg.DspacingEdges)
			if err != nil {
				return nil, fmt.Errorf("dream reduction: bank %s: %w", name, err)
			}
			res.Groups = h2
			note(cfg.Recorder, "[dream] bank %s: two_theta map %d x %d bins, %d events outside",
				name, cfg.TwoThetaEdges.NBins(), cfg.DspacingEdges.NBins(), outsideBand+outside2)
		}
	}
	return res, nil
}

// reduceBank takes one bank through masking, conversion, empty-can
// subtraction, normalization and vanadium division, returning the final
// event list on the dspacing coordinate together with the bank geometry.
func (cfg *DreamConfig) reduceBank(name string, mode powder.NormalizationMode, monitor *powder.Histogram, stats *Stats) (*powder.EventList, *powder.Geometry, error) {
	bank, ok := cfg.Sample.Banks[name]
	if !ok {
		return nil, nil, fmt.Errorf("not present in the sample run")
	}

	// Stage 2: masking and coordinate conversion.
	events, err := cfg.prepare(bank, stats)
	if err != nil {
		return nil, nil, err
	}
	note(cfg.Recorder, "[dream] bank %s: %d of %d events after masking", name, events.Len(), bank.Events.Len())

	// Stage 3: empty-can subtraction before normalization, so the can
	// background cancels at matched exposure.
	if cfg.EmptyCan != nil {
		canBank, ok := cfg.EmptyCan.Banks[name]
		if !ok {
			return nil, nil, fmt.Errorf("not present in the empty-can run")
		}
		can, err := cfg.prepare(canBank, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("empty-can run: %w", err)
		}
		can.Scale(-1)
		if err := events.Merge(can); err != nil {
			return nil, nil, fmt.Errorf("empty-can subtraction: %w", err)
		}
		note(cfg.Recorder, "[dream] bank %s: subtracted %d empty-can events", name, can.Len())
	}

	// Stage 4: flux normalization.
	switch mode {
	case powder.NormProtonCharge:
		charge := cfg.ProtonCharge
		if charge == 0 {
			charge = dream.DefaultProtonCharge
		}
		norm, err := correction.NormalizeByProtonCharge(events, charge, powder.UnitMicroampHour)
		if err != nil {
			return nil, nil, err
		}
		events = norm
	case powder.NormMonitorHistogram:
		norm, dropped, err := correction.NormalizeByMonitorHistogram(events, monitor, correction.MonitorOptions{
			SmoothCutoff: cfg.MonitorSmoothCutoff,
			Mode:         cfg.Uncertainty,
		})
		if err != nil {
			return nil, nil, err
		}
		if stats != nil {
			stats.EventsDropped += dropped
		}
		events = norm
	case powder.NormMonitorIntegrated:
		norm, err := correction.NormalizeByMonitorIntegrated(events, monitor, cfg.Uncertainty)
		if err != nil {
			return nil, nil, err
		}
		events = norm
	default:
		return nil, nil, fmt.Errorf("unknown normalization mode %q", mode)
	}

	// Stage 4b: vanadium division. The vanadium run is masked and
	// converted like the sample but not flux-normalized; the ratio is
	// dimensionless either way and the vanadium exposure only sets the
	// overall scale.
	if cfg.Vanadium != nil {
		vanBank, ok := cfg.Vanadium.Banks[name]
		if !ok {
			return nil, nil, fmt.Errorf("not present in the vanadium run")
		}
		van, err := cfg.prepare(vanBank, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("vanadium run: %w", err)
		}
		norm, dropped, err := correction.NormalizeByVanadium(events, van, cfg.DspacingEdges, cfg.Uncertainty)
		if err != nil {
			return nil, nil, err
		}
		if stats != nil {
			stats.EventsDropped += dropped
		}
		events = norm
	}
	return events, bank.Geometry, nil
}

// prepare drops masked pixels and mask intervals from one bank's events
// and fills the wavelength and dspacing coordinates. stats may be nil
// for auxiliary runs so their counts stay out of the sample bookkeeping.
func (cfg *DreamConfig) prepare(bank *dream.Bank, stats *Stats) (*powder.EventList, error) {
	events, maskedPixels := masking.MaskedPixels(bank.Events, bank.Geometry)
	if err := conversion.EventsToWavelength(events, bank.Geometry); err != nil {
		return nil, err
	}
	kept, maskedIntervals, err := masking.ApplyToEvents(events, bank.Geometry, cfg.Masks)
	if err != nil {
		return nil, err
	}
	if err := conversion.EventsToDspacingGeometric(kept, bank.Geometry); err != nil {
		return nil, err
	}
	if stats != nil {
		stats.EventsLoaded += bank.Events.Len()
		stats.EventsMasked += maskedPixels + maskedIntervals
	}
	return kept, nil
}
