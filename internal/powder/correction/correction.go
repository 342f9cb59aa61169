// Package correction implements the intensity corrections of powder
// reduction: normalization by proton charge, monitor or vanadium, the
// Lorentz factor, and sample self-attenuation.
package correction

import (
	"fmt"
	"math"

	"github.com/neutron-data/powder.report/internal/monitoring"
	"github.com/neutron-data/powder.report/internal/powder"
	"github.com/neutron-data/powder.report/internal/powder/smoothing"
)

// NormalizeByProtonCharge divides event weights by the accumulated proton
// charge of the run. The returned list carries a compound weight unit.
func NormalizeByProtonCharge(events *powder.EventList, charge float64, chargeUnit string) (*powder.EventList, error) {
	if charge <= 0 {
		return nil, fmt.Errorf("proton charge normalization: charge must be positive, got %g", charge)
	}
	out := events.Clone()
	out.Scale(1 / charge)
	out.WeightUnit = events.WeightUnit + "/" + chargeUnit
	return out, nil
}

// MonitorOptions configures monitor normalization.
type MonitorOptions struct {
	// WavelengthEdges, when set, rebins the monitor before the division.
	WavelengthEdges *powder.Edges
	// SmoothCutoff, when positive, lowpass-smooths the monitor first.
	SmoothCutoff float64
	// Mode controls broadcast of monitor variances onto events.
	Mode powder.UncertaintyMode
}

// NormalizeByMonitorHistogram divides event weights by the monitor
// intensity at the event wavelength. The monitor must be on a wavelength
// axis (see conversion.MonitorToWavelength); events must carry the
// wavelength coordinate. Events falling into empty monitor bins cannot be
// normalized and are dropped; the count is returned.
func NormalizeByMonitorHistogram(events *powder.EventList, monitor *powder.Histogram, opts MonitorOptions) (*powder.EventList, int, error) {
	if events.Wavelength == nil {
		return nil, 0, fmt.Errorf("monitor normalization: events carry no wavelength coordinate")
	}
	if monitor.Edges.Name != "wavelength" {
		return nil, 0, fmt.Errorf("monitor normalization: monitor axis is %q, want wavelength", monitor.Edges.Name)
	}

	mon := monitor
	if opts.WavelengthEdges != nil {
		rebinned, err := mon.Rebin(*opts.WavelengthEdges)
		if err != nil {
			return nil, 0, fmt.Errorf("monitor normalization: %w", err)
		}
		mon = rebinned
	}
	if opts.SmoothCutoff > 0 {
		monitoring.Logf("Smoothing monitor for normalization with lowpass cutoff %g", opts.SmoothCutoff)
		smoothed, err := smoothing.Lowpass(mon, opts.SmoothCutoff)
		if err != nil {
			return nil, 0, fmt.Errorf("monitor normalization: %w", err)
		}
		mon = smoothed
	}

	mode := opts.Mode
	if mode == "" {
		mode = powder.UncertaintyFail
	}
	den, err := powder.BroadcastDenominator(mon, mode, events.Len(), func(i int) float64 { return events.Wavelength[i] })
	if err != nil {
		return nil, 0, fmt.Errorf("monitor normalization: %w", err)
	}

	kept := events.Filter(func(i int) bool {
		m, _, ok := den.Lookup(events.Wavelength[i])
		return ok && m != 0
	})
	dropped := events.Len() - kept.Len()
	for i := range kept.Weights {
		m, mv, _ := den.Lookup(kept.Wavelength[i])
		w := kept.Weights[i]
		kept.Weights[i] = w / m
		kept.Variances[i] = kept.Variances[i]/(m*m) + (w*w)*mv/(m*m*m*m)
	}
	kept.WeightUnit = powder.UnitOne
	return kept, dropped, nil
}

// NormalizeByMonitorIntegrated divides event weights by the integrated
// monitor counts. Variances of the integral are broadcast to every event
// under the configured mode.
func NormalizeByMonitorIntegrated(events *powder.EventList, monitor *powder.Histogram, mode powder.UncertaintyMode) (*powder.EventList, error) {
	sum, sumVar := monitor.Integrate()
	if sum <= 0 {
		return nil, fmt.Errorf("monitor normalization: integrated monitor counts %g not positive", sum)
	}
	if mode == "" {
		mode = powder.UncertaintyFail
	}
	if sumVar > 0 {
		switch mode {
		case powder.UncertaintyFail:
			return nil, fmt.Errorf("monitor normalization: integrated monitor carries variance that would be broadcast; pass mode %q or %q",
				powder.UncertaintyDrop, powder.UncertaintyUpperBound)
		case powder.UncertaintyDrop:
			sumVar = 0
		case powder.UncertaintyUpperBound:
			sumVar *= float64(events.Len())
		default:
			return nil, fmt.Errorf("unknown uncertainty mode %q", mode)
		}
	}

	out := events.Clone()
	for i := range out.Weights {
		w := out.Weights[i]
		out.Weights[i] = w / sum
		out.Variances[i] = out.Variances[i]/(sum*sum) + (w*w)*sumVar/(sum*sum*sum*sum)
	}
	out.WeightUnit = powder.UnitOne
	return out, nil
}

// NormalizeByVanadium divides sample events by a vanadium run histogrammed
// into the output d-spacing bins. Both event lists must carry the dspacing
// coordinate. Sample events landing in empty vanadium bins are dropped and
// counted. The result weight unit is forced to "one": the division of two
// runs normalized with different charge units would otherwise leave a unit
// with a large hidden scale.
func NormalizeByVanadium(sample, vanadium *powder.EventList, edges powder.Edges, mode powder.UncertaintyMode) (*powder.EventList, int, error) {
	if sample.Dspacing == nil || vanadium.Dspacing == nil {
		return nil, 0, fmt.Errorf("vanadium normalization: both runs need the dspacing coordinate")
	}
	if edges.Name != "dspacing" {
		return nil, 0, fmt.Errorf("vanadium normalization: edges axis is %q, want dspacing", edges.Name)
	}

	norm := powder.NewHistogram(edges)
	for i := range vanadium.Dspacing {
		norm.Fill(vanadium.Dspacing[i], vanadium.Weights[i], vanadium.Variances[i])
	}

	if mode == "" {
		mode = powder.UncertaintyFail
	}
	den, err := powder.BroadcastDenominator(norm, mode, sample.Len(), func(i int) float64 { return sample.Dspacing[i] })
	if err != nil {
		return nil, 0, fmt.Errorf("vanadium normalization: %w", err)
	}

	kept := sample.Filter(func(i int) bool {
		v, _, ok := den.Lookup(sample.Dspacing[i])
		return ok && v != 0
	})
	dropped := sample.Len() - kept.Len()
	for i := range kept.Weights {
		v, vv, _ := den.Lookup(kept.Dspacing[i])
		w := kept.Weights[i]
		kept.Weights[i] = w / v
		kept.Variances[i] = kept.Variances[i]/(v*v) + (w*w)*vv/(v*v*v*v)
	}
	kept.WeightUnit = powder.UnitOne
	return kept, dropped, nil
}

// LorentzCorrection scales event weights by d^4 sin(theta), the standard
// factor for time-of-flight powder diffraction. Requires the dspacing
// coordinate and pixel scattering angles.
func LorentzCorrection(events *powder.EventList, geom *powder.Geometry) error {
	if events.Dspacing == nil {
		return fmt.Errorf("lorentz correction: events carry no dspacing coordinate")
	}
	for i := range events.Weights {
		p, ok := geom.Pixel(events.Pixel[i])
		if !ok {
			return fmt.Errorf("lorentz correction: event %d references unknown pixel %d", i, events.Pixel[i])
		}
		d := events.Dspacing[i]
		f := d * d * d * d * math.Sin(p.TwoTheta/2)
		events.Weights[i] *= f
		events.Variances[i] *= f * f
	}
	return nil
}
