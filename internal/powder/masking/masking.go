// Package masking builds and applies coordinate masks. Masks exclude
// regions of time-of-flight, wavelength or scattering angle that carry
// known artefacts, e.g. prompt-pulse windows or shadowed detector areas.
package masking

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/neutron-data/powder.report/internal/powder"
)

// Interval is a half-open [Lo, Hi) masked region on one coordinate.
type Interval struct {
	Lo float64
	Hi float64
}

// Contains reports whether x falls inside the interval.
func (iv Interval) Contains(x float64) bool { return x >= iv.Lo && x < iv.Hi }

// ParseInterval parses a "lo:hi" string into an Interval.
// Returns an error if the format is invalid or values cannot be parsed.
func ParseInterval(s string) (Interval, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return Interval{}, fmt.Errorf("invalid interval format %q: expected lo:hi", s)
	}

	lo, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Interval{}, fmt.Errorf("invalid lower bound %q: %w", parts[0], err)
	}

	hi, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Interval{}, fmt.Errorf("invalid upper bound %q: %w", parts[1], err)
	}

	if hi <= lo {
		return Interval{}, fmt.Errorf("interval upper bound %g not above lower bound %g", hi, lo)
	}

	return Interval{Lo: lo, Hi: hi}, nil
}

// ParseIntervals parses a comma-separated list of "lo:hi" intervals.
func ParseIntervals(s string) ([]Interval, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []Interval
	for _, part := range strings.Split(s, ",") {
		iv, err := ParseInterval(part)
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, nil
}

// Set collects the masks of one reduction. A nil or empty slice means the
// coordinate is unmasked.
type Set struct {
	Tof        []Interval
	Wavelength []Interval
	TwoTheta   []Interval
}

// Empty reports whether no mask is configured.
func (m Set) Empty() bool {
	return len(m.Tof) == 0 && len(m.Wavelength) == 0 && len(m.TwoTheta) == 0
}

func anyContains(ivs []Interval, x float64) bool {
	for _, iv := range ivs {
		if iv.Contains(x) {
			return true
		}
	}
	return false
}

// ApplyToEvents drops masked events and returns the surviving list with
// the dropped count. The input list is not modified. Wavelength masks
// require the wavelength coordinate to be present; two_theta masks look
// the angle up through the geometry.
func ApplyToEvents(events *powder.EventList, geom *powder.Geometry, masks Set) (*powder.EventList, int, error) {
	if masks.Empty() {
		return events.Clone(), 0, nil
	}
	if len(masks.Wavelength) > 0 && events.Wavelength == nil {
		return nil, 0, fmt.Errorf("masking: wavelength mask configured but events carry no wavelength coordinate")
	}
	if len(masks.TwoTheta) > 0 && geom == nil {
		return nil, 0, fmt.Errorf("masking: two_theta mask configured but no geometry given")
	}

	out := events.Filter(func(i int) bool {
		if anyContains(masks.Tof, events.Tof[i]) {
			return false
		}
		if len(masks.Wavelength) > 0 && anyContains(masks.Wavelength, events.Wavelength[i]) {
			return false
		}
		if len(masks.TwoTheta) > 0 {
			p, ok := geom.Pixel(events.Pixel[i])
			if !ok || anyContains(masks.TwoTheta, p.TwoTheta) {
				return false
			}
		}
		return true
	})
	return out, events.Len() - out.Len(), nil
}

// ApplyToHistogram masks every bin whose center falls inside one of the
// intervals. The histogram is modified in place.
func ApplyToHistogram(h *powder.Histogram, intervals []Interval) int {
	var masked int
	for i, c := range h.Edges.Centers() {
		if anyContains(intervals, c) {
			h.SetMasked(i)
			masked++
		}
	}
	return masked
}

// MaskedPixels drops all events recorded in pixels flagged as masked by
// the calibration. Returns the surviving events and the drop count.
func MaskedPixels(events *powder.EventList, geom *powder.Geometry) (*powder.EventList, int) {
	out := events.Filter(func(i int) bool {
		p, ok := geom.Pixel(events.Pixel[i])
		return ok && !p.Masked
	})
	return out, events.Len() - out.Len()
}
