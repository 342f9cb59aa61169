package powgen

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"

	"github.com/neutron-data/powder.report/internal/powder"
	"github.com/neutron-data/powder.report/internal/powder/conversion"
)

// Synthetic generates a matched set of POWGEN run extracts for tests
// and demos: a columnar event file, the pixel geometry table it refers
// to, and a proton charge log covering the event pulse times. Events
// scatter off a powder with the configured reflections; a background
// fraction draws its wavelength from a flat band instead. The last
// WeakPulses pulses of the charge log carry a fraction of the nominal
// charge, so pulse filtering has something to remove.
type Synthetic struct {
	Events       int
	Pixels       int
	Pulses       int
	WeakPulses   int
	Reflections  []float64 // d-spacings of the sample, in angstrom
	Background   float64   // fraction of events on a flat wavelength band
	WavelengthLo float64   // background band in angstrom
	WavelengthHi float64
	StartTime    int64 // first pulse time in ns since the epoch

	rng *rand.Rand
}

// Accelerator pulse spacing at 60 Hz, in nanoseconds.
const pulsePeriodNs = 16_666_667

// NewSynthetic creates a generator for a three-reflection powder on a
// small pixel arc.
func NewSynthetic(seed int64) *Synthetic {
	return &Synthetic{
		Events:       20000,
		Pixels:       64,
		Pulses:       360,
		WeakPulses:   4,
		Reflections:  []float64{0.95, 1.26, 1.54},
		Background:   0.1,
		WavelengthLo: 0.35,
		WavelengthHi: 3.5,
		StartTime:    1_600_000_000_000_000_000,
		rng:          rand.New(rand.NewSource(seed)),
	}
}

// pixelTable lays the pixels on an arc through the scattering angles
// the instrument covers, with a little spread in path length and out
// of the scattering plane.
func (s *Synthetic) pixelTable() []powder.Pixel {
	pixels := make([]powder.Pixel, s.Pixels)
	for i := range pixels {
		twoTheta := 0.35 + (2.6-0.35)*float64(i)/float64(s.Pixels)
		phi := -0.2 + 0.1*float64(i%5)
		l2 := 2.2 + 0.06*float64(i%5)
		pixels[i] = powder.Pixel{
			ID: int32(1000 + i),
			Position: powder.Vec3{
				X: l2 * math.Sin(twoTheta) * math.Cos(phi),
				Y: l2 * math.Sin(twoTheta) * math.Sin(phi),
				Z: l2 * math.Cos(twoTheta),
			},
		}
	}
	return pixels
}

// Geometry assembles the generated pixel table on the beamline
// defaults, exactly as LoadGeometry would return it.
func (s *Synthetic) Geometry() (*powder.Geometry, error) {
	return powder.NewGeometry(DefaultSourcePosition, DefaultSamplePosition, s.pixelTable())
}

// EventList draws the synthetic events against the generated geometry.
func (s *Synthetic) EventList() (*powder.EventList, error) {
	if s.Pixels < 1 || s.Pulses < 1 {
		return nil, fmt.Errorf("powgen: need at least one pixel and one pulse")
	}
	geom, err := s.Geometry()
	if err != nil {
		return nil, err
	}
	events := powder.NewEventList(s.Events)
	for i := 0; i < s.Events; i++ {
		px := &geom.Pixels[s.rng.Intn(s.Pixels)]
		var lambda float64
		if len(s.Reflections) == 0 || s.rng.Float64() < s.Background {
			lambda = s.WavelengthLo + (s.WavelengthHi-s.WavelengthLo)*s.rng.Float64()
		} else {
			d := s.Reflections[s.rng.Intn(len(s.Reflections))]
			lambda = 2*d*math.Sin(px.TwoTheta/2) + 0.003*s.rng.NormFloat64()
			if lambda < 0.05 {
				lambda = 0.05
			}
		}
		tof := conversion.TofFromWavelength(lambda, geom.L1+px.L2)
		pulse := s.StartTime + pulsePeriodNs*int64(s.rng.Intn(s.Pulses))
		events.Append(1, 1, tof, pulse, px.ID)
	}
	return events, nil
}

// WriteEventsFile writes the synthetic events as a columnar extract.
func (s *Synthetic) WriteEventsFile(path string) error {
	events, err := s.EventList()
	if err != nil {
		return err
	}
	return WriteEvents(path, events)
}

// WriteGeometry writes the pixel geometry table in CSV form.
func (s *Synthetic) WriteGeometry(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprint(bw, "pixel,x,y,z\n")
	for _, px := range s.pixelTable() {
		fmt.Fprintf(bw, "%d,%.6g,%.6g,%.6g\n", px.ID, px.Position.X, px.Position.Y, px.Position.Z)
	}
	return bw.Flush()
}

// WriteChargeLog writes the per-pulse proton charge log. Healthy
// pulses scatter around the nominal charge; the trailing WeakPulses
// pulses deliver a twentieth of it.
func (s *Synthetic) WriteChargeLog(w io.Writer) error {
	if s.WeakPulses > s.Pulses {
		return fmt.Errorf("powgen: %d weak pulses exceed the %d pulses of the log", s.WeakPulses, s.Pulses)
	}
	bw := bufio.NewWriter(w)
	fmt.Fprint(bw, "pulse_time,charge\n")
	for i := 0; i < s.Pulses; i++ {
		charge := 17.0 + 0.4*s.rng.NormFloat64()
		if i >= s.Pulses-s.WeakPulses {
			charge = 0.85
		}
		fmt.Fprintf(bw, "%d,%.4f\n", s.StartTime+pulsePeriodNs*int64(i), charge)
	}
	return bw.Flush()
}

// WriteGeometryFile writes the geometry table to disk.
func (s *Synthetic) WriteGeometryFile(path string) error {
	return s.writeFile(path, s.WriteGeometry)
}

// WriteChargeLogFile writes the charge log to disk.
func (s *Synthetic) WriteChargeLogFile(path string) error {
	return s.writeFile(path, s.WriteChargeLog)
}

func (s *Synthetic) writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("powgen: %w", err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
