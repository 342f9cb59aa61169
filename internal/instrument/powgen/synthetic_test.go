package powgen

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/neutron-data/powder.report/internal/powder/conversion"
)

func TestSyntheticRunFiles(t *testing.T) {
	gen := NewSynthetic(11)
	gen.Events = 4000
	dir := t.TempDir()
	eventsPath := filepath.Join(dir, "events.parquet")
	geomPath := filepath.Join(dir, "geometry.csv")
	chargePath := filepath.Join(dir, "chargelog.csv")
	if err := gen.WriteEventsFile(eventsPath); err != nil {
		t.Fatalf("WriteEventsFile: %v", err)
	}
	if err := gen.WriteGeometryFile(geomPath); err != nil {
		t.Fatalf("WriteGeometryFile: %v", err)
	}
	if err := gen.WriteChargeLogFile(chargePath); err != nil {
		t.Fatalf("WriteChargeLogFile: %v", err)
	}

	events, err := LoadEvents(eventsPath)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	geom, err := LoadGeometryFile(geomPath)
	if err != nil {
		t.Fatalf("LoadGeometryFile: %v", err)
	}
	charge, err := LoadChargeLogFile(chargePath)
	if err != nil {
		t.Fatalf("LoadChargeLogFile: %v", err)
	}

	if events.Len() != gen.Events {
		t.Fatalf("loaded %d events, want %d", events.Len(), gen.Events)
	}
	if geom.NPixels() != gen.Pixels {
		t.Fatalf("geometry has %d pixels, want %d", geom.NPixels(), gen.Pixels)
	}
	if len(charge.Charge) != gen.Pulses {
		t.Fatalf("charge log has %d pulses, want %d", len(charge.Charge), gen.Pulses)
	}
	for i := 0; i < events.Len(); i++ {
		if _, ok := geom.Pixel(events.Pixel[i]); !ok {
			t.Fatalf("event %d references pixel %d outside the geometry", i, events.Pixel[i])
		}
		if events.PulseTime[i] < charge.PulseTime[0] ||
			events.PulseTime[i] > charge.PulseTime[len(charge.PulseTime)-1] {
			t.Fatalf("event %d pulse time %d outside the charge log", i, events.PulseTime[i])
		}
	}

	if err := conversion.EventsToDspacingGeometric(events, geom); err != nil {
		t.Fatalf("EventsToDspacingGeometric: %v", err)
	}
	var near int
	for _, d := range events.Dspacing {
		for _, r := range gen.Reflections {
			if math.Abs(d-r) < 0.04 {
				near++
				break
			}
		}
	}
	if frac := float64(near) / float64(events.Len()); frac < 0.75 {
		t.Errorf("%.0f%% of events sit on a reflection, want at least 75%%", 100*frac)
	}
}

func TestSyntheticWeakPulses(t *testing.T) {
	gen := NewSynthetic(31)
	gen.Events = 3000
	dir := t.TempDir()
	eventsPath := filepath.Join(dir, "events.parquet")
	chargePath := filepath.Join(dir, "chargelog.csv")
	if err := gen.WriteEventsFile(eventsPath); err != nil {
		t.Fatalf("WriteEventsFile: %v", err)
	}
	if err := gen.WriteChargeLogFile(chargePath); err != nil {
		t.Fatalf("WriteChargeLogFile: %v", err)
	}
	events, err := LoadEvents(eventsPath)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	charge, err := LoadChargeLogFile(chargePath)
	if err != nil {
		t.Fatalf("LoadChargeLogFile: %v", err)
	}

	var weak int
	threshold := 0.5 * charge.Mean()
	for _, c := range charge.Charge {
		if c < threshold {
			weak++
		}
	}
	if weak != gen.WeakPulses {
		t.Fatalf("%d pulses below half the mean charge, want %d", weak, gen.WeakPulses)
	}

	// Events drawn uniformly over the pulses, so the weak share of the
	// events is close to the weak share of the pulses.
	cut := charge.PulseTime[gen.Pulses-gen.WeakPulses]
	var inWeak int
	for _, pt := range events.PulseTime {
		if pt >= cut {
			inWeak++
		}
	}
	if inWeak == 0 {
		t.Fatal("no events landed in the weak pulses")
	}
	if limit := 3 * gen.Events * gen.WeakPulses / gen.Pulses; inWeak > limit {
		t.Fatalf("%d events in weak pulses, want at most %d", inWeak, limit)
	}
}

func TestSyntheticNeedsPixels(t *testing.T) {
	gen := NewSynthetic(1)
	gen.Pixels = 0
	if _, err := gen.EventList(); err == nil {
		t.Error("want error for zero pixels, got nil")
	}
}

func TestSyntheticChargeLogRejectsExcessWeak(t *testing.T) {
	gen := NewSynthetic(1)
	gen.Pulses = 3
	gen.WeakPulses = 4
	if err := gen.WriteChargeLogFile(filepath.Join(t.TempDir(), "chargelog.csv")); err == nil {
		t.Error("want error when weak pulses exceed the log, got nil")
	}
}
