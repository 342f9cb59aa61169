// Package conversion implements the coordinate transforms of powder
// diffraction: time-of-flight to wavelength, wavelength to d-spacing via
// Bragg's law, and the calibrated route that maps time-of-flight straight
// to d-spacing through per-pixel diffractometer constants.
package conversion

import (
	"fmt"
	"math"

	"github.com/neutron-data/powder.report/internal/powder"
)

// tofToWavelength converts a time-of-flight in microseconds over a flight
// path in metres to a wavelength in angstrom: lambda = (h/m_n) * t / L.
// The 1e4 collects the us->s and m->angstrom unit factors.
func tofToWavelength(tofUs, ltotalM float64) float64 {
	return powder.PlanckConstant / powder.NeutronMass * 1e4 * tofUs / ltotalM
}

// wavelengthToTof is the inverse of tofToWavelength.
func wavelengthToTof(lambda, ltotalM float64) float64 {
	return lambda * ltotalM / (powder.PlanckConstant / powder.NeutronMass * 1e4)
}

// dspacingFromWavelength applies Bragg's law: d = lambda / (2 sin(theta))
// with theta half the scattering angle.
func dspacingFromWavelength(lambda, twoTheta float64) float64 {
	return lambda / (2 * math.Sin(twoTheta/2))
}

// DifcFromGeometry computes the linear diffractometer constant of a pixel
// from its flight path and scattering angle, in us/angstrom:
// difc = 2 (m_n/h) Ltotal sin(theta). For typical beamline dimensions this
// comes out near 505.556 * Ltotal * sin(theta).
func DifcFromGeometry(ltotalM, twoTheta float64) float64 {
	return 2 * powder.NeutronMass / powder.PlanckConstant * 1e-4 * ltotalM * math.Sin(twoTheta/2)
}

// DspacingFromCalibration solves tof = difa*d^2 + difc*d + tzero for d,
// taking the positive root. difa may be zero (the common case) or negative.
func DspacingFromCalibration(tofUs, difa, difc, tzero float64) (float64, error) {
	if difc <= 0 {
		return 0, fmt.Errorf("calibration: difc must be positive, got %g", difc)
	}
	if difa == 0 {
		return (tofUs - tzero) / difc, nil
	}
	// Positive-root form that stays stable for small and negative difa:
	// with x = difc^2/(4 difa), d = (sqrt((x - tzero + tof)/x) - 1) * difc/(2 difa).
	x := difc * difc / (4 * difa)
	arg := (x - tzero + tofUs) / x
	if arg < 0 {
		return 0, fmt.Errorf("calibration: no real d-spacing for tof=%g (difa=%g difc=%g tzero=%g)", tofUs, difa, difc, tzero)
	}
	return (math.Sqrt(arg) - 1) * difc / (2 * difa), nil
}

// TofFromCalibration evaluates the calibration polynomial at d.
func TofFromCalibration(d, difa, difc, tzero float64) float64 {
	return difa*d*d + difc*d + tzero
}

// EventsToWavelength fills the Wavelength coordinate of an event list from
// its time-of-flight and the per-pixel total flight path.
func EventsToWavelength(events *powder.EventList, geom *powder.Geometry) error {
	out := make([]float64, events.Len())
	for i := range out {
		lt, ok := geom.Ltotal(events.Pixel[i])
		if !ok {
			return fmt.Errorf("wavelength conversion: event %d references unknown pixel %d", i, events.Pixel[i])
		}
		out[i] = tofToWavelength(events.Tof[i], lt)
	}
	events.Wavelength = out
	return nil
}

// EventsToDspacingGeometric fills the Dspacing coordinate of an event list
// using the geometry route (wavelength + Bragg's law). The Wavelength
// coordinate is filled as a side effect when absent.
func EventsToDspacingGeometric(events *powder.EventList, geom *powder.Geometry) error {
	if events.Wavelength == nil {
		if err := EventsToWavelength(events, geom); err != nil {
			return err
		}
	}
	out := make([]float64, events.Len())
	for i := range out {
		p, ok := geom.Pixel(events.Pixel[i])
		if !ok {
			return fmt.Errorf("dspacing conversion: event %d references unknown pixel %d", i, events.Pixel[i])
		}
		if p.TwoTheta <= 0 || p.TwoTheta >= math.Pi {
			return fmt.Errorf("dspacing conversion: pixel %d has unusable scattering angle %g", p.ID, p.TwoTheta)
		}
		out[i] = dspacingFromWavelength(events.Wavelength[i], p.TwoTheta)
	}
	events.Dspacing = out
	return nil
}

// EventsToDspacingCalibrated fills the Dspacing coordinate using per-pixel
// DIFA/DIFC/TZERO constants. Every referenced pixel must carry a merged
// calibration.
func EventsToDspacingCalibrated(events *powder.EventList, geom *powder.Geometry) error {
	out := make([]float64, events.Len())
	for i := range out {
		p, ok := geom.Pixel(events.Pixel[i])
		if !ok {
			return fmt.Errorf("calibrated conversion: event %d references unknown pixel %d", i, events.Pixel[i])
		}
		if !p.HasCalibration {
			return fmt.Errorf("calibrated conversion: pixel %d has no calibration constants", p.ID)
		}
		d, err := powderDspacing(events.Tof[i], p)
		if err != nil {
			return err
		}
		out[i] = d
	}
	events.Dspacing = out
	return nil
}

func powderDspacing(tof float64, p *powder.Pixel) (float64, error) {
	return DspacingFromCalibration(tof, p.Difa, p.Difc, p.Tzero)
}

// MonitorToWavelength converts a time-of-flight monitor histogram to
// wavelength using the straight-line (unscattered) flight path to the
// monitor. Time-of-flight maps linearly onto wavelength so bin contents
// carry over unchanged.
func MonitorToWavelength(mon *powder.Histogram, flightPathM float64) (*powder.Histogram, error) {
	if mon.Edges.Name == "wavelength" {
		return mon.Clone(), nil
	}
	if mon.Edges.Name != "tof" {
		return nil, fmt.Errorf("monitor conversion: unsupported axis %q", mon.Edges.Name)
	}
	if flightPathM <= 0 {
		return nil, fmt.Errorf("monitor conversion: flight path must be positive, got %g", flightPathM)
	}
	out := mon.Clone()
	edges := make([]float64, len(mon.Edges.Values))
	for i, t := range mon.Edges.Values {
		edges[i] = tofToWavelength(t, flightPathM)
	}
	out.Edges = powder.Edges{Name: "wavelength", Unit: powder.UnitAngstrom, Values: edges}
	return out, nil
}

// WavelengthEdgesFromTof maps time-of-flight bin boundaries to wavelength
// boundaries for a given flight path.
func WavelengthEdgesFromTof(tofEdges []float64, flightPathM float64) []float64 {
	out := make([]float64, len(tofEdges))
	for i, t := range tofEdges {
		out[i] = tofToWavelength(t, flightPathM)
	}
	return out
}

// TofFromWavelength is the inverse transform, exposed for synthetic data
// generation and tests.
func TofFromWavelength(lambda, ltotalM float64) float64 {
	return wavelengthToTof(lambda, ltotalM)
}
