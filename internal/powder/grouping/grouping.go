// Package grouping focusses detector events into output spectra: merging
// all pixels into a single spectrum, grouping by scattering angle for 2-D
// output, and histogramming event coordinates into bin edges.
package grouping

import (
	"fmt"

	"github.com/neutron-data/powder.report/internal/powder"
)

// Group is one two_theta band with the events assigned to it.
type Group struct {
	Index      int
	TwoThetaLo float64
	TwoThetaHi float64
	Events     *powder.EventList
}

// ByTwoTheta splits events into scattering-angle bands. Events whose pixel
// angle lies outside the edges are counted in outside and dropped. The
// band assignment uses the pixel angle, not a per-event angle, matching
// the two-step grouping of focussed powder reduction.
func ByTwoTheta(events *powder.EventList, geom *powder.Geometry, edges powder.Edges) ([]Group, int, error) {
	if err := edges.Validate(); err != nil {
		return nil, 0, err
	}
	if edges.Name != "two_theta" {
		return nil, 0, fmt.Errorf("grouping: expected two_theta edges, got %q", edges.Name)
	}

	groups := make([]Group, edges.NBins())
	for i := range groups {
		groups[i] = Group{
			Index:      i,
			TwoThetaLo: edges.Values[i],
			TwoThetaHi: edges.Values[i+1],
			Events:     &powder.EventList{WeightUnit: events.WeightUnit},
		}
	}

	// Pixel angle lookup is done once per pixel, then events stream into
	// their band.
	bandOf := make(map[int32]int, geom.NPixels())
	for i := range geom.Pixels {
		p := &geom.Pixels[i]
		if band, ok := edges.Index(p.TwoTheta); ok {
			bandOf[p.ID] = band
		} else {
			bandOf[p.ID] = -1
		}
	}

	outside := 0
	for i := 0; i < events.Len(); i++ {
		band, known := bandOf[events.Pixel[i]]
		if !known || band < 0 {
			outside++
			continue
		}
		g := groups[band].Events
		g.Weights = append(g.Weights, events.Weights[i])
		g.Variances = append(g.Variances, events.Variances[i])
		g.Tof = append(g.Tof, events.Tof[i])
		g.PulseTime = append(g.PulseTime, events.PulseTime[i])
		g.Pixel = append(g.Pixel, events.Pixel[i])
		if events.Wavelength != nil {
			g.Wavelength = append(g.Wavelength, events.Wavelength[i])
		}
		if events.Dspacing != nil {
			g.Dspacing = append(g.Dspacing, events.Dspacing[i])
		}
	}
	return groups, outside, nil
}

// eventCoord selects the per-event coordinate slice matching the axis name.
func eventCoord(events *powder.EventList, axis string) ([]float64, error) {
	switch axis {
	case "tof":
		return events.Tof, nil
	case "wavelength":
		if events.Wavelength == nil {
			return nil, fmt.Errorf("grouping: events carry no wavelength coordinate")
		}
		return events.Wavelength, nil
	case "dspacing":
		if events.Dspacing == nil {
			return nil, fmt.Errorf("grouping: events carry no dspacing coordinate")
		}
		return events.Dspacing, nil
	}
	return nil, fmt.Errorf("grouping: unknown axis %q", axis)
}

// Histogram bins one event coordinate (chosen by the edges' axis name)
// into a 1-D histogram. Returns the histogram and the number of events
// falling outside the edges.
func Histogram(events *powder.EventList, edges powder.Edges) (*powder.Histogram, int, error) {
	if err := edges.Validate(); err != nil {
		return nil, 0, err
	}
	coord, err := eventCoord(events, edges.Name)
	if err != nil {
		return nil, 0, err
	}
	h := powder.NewHistogram(edges)
	h.Unit = events.WeightUnit
	outside := 0
	for i := range coord {
		if !h.Fill(coord[i], events.Weights[i], events.Variances[i]) {
			outside++
		}
	}
	return h, outside, nil
}

// Histogram2D bins grouped events into a two_theta x dspacing histogram.
func Histogram2D(groups []Group, row, col powder.Edges) (*powder.Histogram2D, int, error) {
	if err := row.Validate(); err != nil {
		return nil, 0, err
	}
	if err := col.Validate(); err != nil {
		return nil, 0, err
	}
	h := powder.NewHistogram2D(row, col)
	outside := 0
	for _, g := range groups {
		if g.Events.Len() == 0 {
			continue
		}
		h.Unit = g.Events.WeightUnit
		coord, err := eventCoord(g.Events, col.Name)
		if err != nil {
			return nil, 0, err
		}
		center := 0.5 * (g.TwoThetaLo + g.TwoThetaHi)
		for i := range coord {
			if !h.Fill(center, coord[i], g.Events.Weights[i], g.Events.Variances[i]) {
				outside++
			}
		}
	}
	return h, outside, nil
}
