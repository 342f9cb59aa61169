// Package beer loads event dumps of the BEER modulation instrument and
// recovers per-event time of flight from the streak structure the pulse
// modulation chopper imprints on the data.
package beer

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/neutron-data/powder.report/internal/monitoring"
	"github.com/neutron-data/powder.report/internal/powder"
)

// EventTable is one detector bank of a BEER simulation dump. The dump
// carries weighted events with their impact coordinates on the bank and
// the absolute arrival time; the flight path is reconstructed from the
// sample, detector and modulation chopper positions.
//
// The file format is a comment header followed by a tab-separated table:
//
//	# bank: 1
//	# mode: 7
//	# sample_position: 0 0 0
//	# detector_position: 2 0 0.1
//	# chopper_position: 0 0 -6.65
//	p	x	y	id	t
//	0.5	-1.2	0.1	101	0.012
//
// Positions are in metres, t in seconds.
type EventTable struct {
	Bank int
	Mode string

	SamplePos   powder.Vec3
	DetectorPos powder.Vec3
	ChopperPos  powder.Vec3

	Weight   []float64
	Variance []float64
	X        []float64
	Y        []float64
	T        []float64 // arrival time in seconds
	ID       []int32

	// Derived per event on load.
	TwoTheta []float64
	Ltotal   []float64
	// L1 is the chopper-to-sample flight path in metres; the modulation
	// chopper defines the time origin, not the source.
	L1 float64
}

// Len returns the number of events.
func (t *EventTable) Len() int { return len(t.Weight) }

var eventColumns = []string{"p", "x", "y", "id", "t"}

// LoadEventTable reads one bank dump and derives the per-event scattering
// angle and flight path.
func LoadEventTable(r io.Reader) (*EventTable, error) {
	t := &EventTable{Bank: -1}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)

	var sawHeader bool
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			if err := t.parseHeaderLine(strings.TrimSpace(strings.TrimPrefix(text, "#"))); err != nil {
				return nil, fmt.Errorf("beer: line %d: %w", line, err)
			}
			continue
		}
		fields := strings.Split(text, "\t")
		if !sawHeader {
			if len(fields) != len(eventColumns) {
				return nil, fmt.Errorf("beer: line %d: column header has %d fields, want %d", line, len(fields), len(eventColumns))
			}
			for i, name := range eventColumns {
				if strings.TrimSpace(fields[i]) != name {
					return nil, fmt.Errorf("beer: line %d: column %d is %q, want %q", line, i, fields[i], name)
				}
			}
			sawHeader = true
			continue
		}
		if len(fields) != len(eventColumns) {
			return nil, fmt.Errorf("beer: line %d: event row has %d fields, want %d", line, len(fields), len(eventColumns))
		}
		p, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("beer: line %d: invalid weight: %w", line, err)
		}
		x, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("beer: line %d: invalid x: %w", line, err)
		}
		y, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("beer: line %d: invalid y: %w", line, err)
		}
		id, err := strconv.ParseInt(fields[3], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("beer: line %d: invalid id: %w", line, err)
		}
		tt, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, fmt.Errorf("beer: line %d: invalid t: %w", line, err)
		}
		t.Weight = append(t.Weight, p)
		t.Variance = append(t.Variance, p*p)
		t.X = append(t.X, x)
		t.Y = append(t.Y, y)
		t.ID = append(t.ID, int32(id))
		t.T = append(t.T, tt)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("beer: %w", err)
	}
	if t.Bank < 0 {
		return nil, fmt.Errorf("beer: dump carries no bank header")
	}
	if t.Mode == "" {
		return nil, fmt.Errorf("beer: dump carries no mode header")
	}
	if t.Len() == 0 {
		return nil, fmt.Errorf("beer: dump carries no events")
	}
	t.deriveCoords()
	monitoring.Logf("Loaded %d BEER events from bank %d (mode %s)", t.Len(), t.Bank, t.Mode)
	return t, nil
}

// LoadEventTableFile reads one bank dump from disk.
func LoadEventTableFile(path string) (*EventTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("beer: %w", err)
	}
	defer f.Close()
	return LoadEventTable(f)
}

func (t *EventTable) parseHeaderLine(text string) error {
	key, value, ok := strings.Cut(text, ":")
	if !ok {
		// Free-form comment.
		return nil
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	switch key {
	case "bank":
		bank, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid bank: %w", err)
		}
		t.Bank = bank
	case "mode":
		t.Mode = value
	case "sample_position":
		return parseVec3(value, &t.SamplePos)
	case "detector_position":
		return parseVec3(value, &t.DetectorPos)
	case "chopper_position":
		return parseVec3(value, &t.ChopperPos)
	}
	return nil
}

func parseVec3(value string, v *powder.Vec3) error {
	fields := strings.Fields(value)
	if len(fields) != 3 {
		return fmt.Errorf("position %q has %d components, want 3", value, len(fields))
	}
	out := make([]float64, 3)
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return fmt.Errorf("position component %q: %w", f, err)
		}
		out[i] = x
	}
	v.X, v.Y, v.Z = out[0], out[1], out[2]
	return nil
}

// deriveCoords fills TwoTheta, Ltotal and L1. The bank plane sits at
// distance |detector - sample| from the sample; each event's secondary
// path follows from its impact coordinates on that plane. Bank 1 views
// the beam from the other side, so its x axis is mirrored.
func (t *EventTable) deriveCoords() {
	z := t.DetectorPos.Sub(t.SamplePos).Norm()
	t.L1 = t.SamplePos.Sub(t.ChopperPos).Norm()
	t.TwoTheta = make([]float64, t.Len())
	t.Ltotal = make([]float64, t.Len())
	for i := range t.Weight {
		l2 := math.Sqrt(t.X[i]*t.X[i] + t.Y[i]*t.Y[i] + z*z)
		x := t.X[i]
		if t.Bank == 1 {
			x = -x
		}
		t.TwoTheta[i] = math.Acos(x / l2)
		t.Ltotal[i] = t.L1 + l2
	}
}
