package correction

import (
	"math"
	"testing"

	"github.com/neutron-data/powder.report/internal/powder"
)

func simpleGeometry(t *testing.T) *powder.Geometry {
	t.Helper()
	geom, err := powder.NewGeometry(
		powder.Vec3{Z: -10},
		powder.Vec3{},
		[]powder.Pixel{
			{ID: 1, Position: powder.Vec3{X: 1, Z: 1}},
			{ID: 2, Position: powder.Vec3{X: 1}},
		},
	)
	if err != nil {
		t.Fatalf("NewGeometry: %v", err)
	}
	return geom
}

func TestNormalizeByProtonCharge(t *testing.T) {
	ev := powder.NewEventList(2)
	ev.Append(1, 1, 1000, 0, 1)
	ev.Append(2, 4, 2000, 0, 2)

	out, err := NormalizeByProtonCharge(ev, 4.0, powder.UnitMicroampHour)
	if err != nil {
		t.Fatalf("NormalizeByProtonCharge: %v", err)
	}
	if got := out.Weights[0]; math.Abs(got-0.25) > 1e-12 {
		t.Errorf("weight = %v, want 0.25", got)
	}
	if got := out.Variances[0]; math.Abs(got-1.0/16.0) > 1e-12 {
		t.Errorf("variance = %v, want 1/16", got)
	}
	want := powder.UnitCounts + "/" + powder.UnitMicroampHour
	if out.WeightUnit != want {
		t.Errorf("unit = %q, want %q", out.WeightUnit, want)
	}
	if ev.Weights[0] != 1 {
		t.Errorf("input modified: weight = %v", ev.Weights[0])
	}

	if _, err := NormalizeByProtonCharge(ev, 0, powder.UnitMicroampHour); err == nil {
		t.Error("expected error for zero charge")
	}
}

func monitorOverBins(t *testing.T, counts []float64) *powder.Histogram {
	t.Helper()
	edges, err := powder.LinspaceEdges("wavelength", powder.UnitAngstrom, 0, float64(len(counts)), len(counts))
	if err != nil {
		t.Fatalf("LinspaceEdges: %v", err)
	}
	h := powder.NewHistogram(edges)
	copy(h.Counts, counts)
	copy(h.Variances, counts)
	return h
}

func TestNormalizeByMonitorHistogram(t *testing.T) {
	mon := monitorOverBins(t, []float64{2, 4, 0, 8})

	ev := powder.NewEventList(4)
	for i := 0; i < 4; i++ {
		ev.Append(1, 1, 1000, 0, 1)
	}
	ev.Wavelength = []float64{0.5, 1.5, 2.5, 3.5}

	out, dropped, err := NormalizeByMonitorHistogram(ev, mon, MonitorOptions{Mode: powder.UncertaintyDrop})
	if err != nil {
		t.Fatalf("NormalizeByMonitorHistogram: %v", err)
	}
	// The event at 2.5 angstrom lands in the empty monitor bin.
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if out.Len() != 3 {
		t.Fatalf("survivors = %d, want 3", out.Len())
	}
	if got := out.Weights[0]; math.Abs(got-0.5) > 1e-12 {
		t.Errorf("weight[0] = %v, want 0.5", got)
	}
	if got := out.Weights[1]; math.Abs(got-0.25) > 1e-12 {
		t.Errorf("weight[1] = %v, want 0.25", got)
	}
	if out.WeightUnit != powder.UnitOne {
		t.Errorf("unit = %q, want %q", out.WeightUnit, powder.UnitOne)
	}
	// Drop mode discards monitor variances, leaving only the event term.
	if got := out.Variances[0]; math.Abs(got-0.25) > 1e-12 {
		t.Errorf("variance[0] = %v, want 0.25", got)
	}
}

func TestNormalizeByMonitorHistogramFailMode(t *testing.T) {
	mon := monitorOverBins(t, []float64{2, 4, 1, 8})

	ev := powder.NewEventList(1)
	ev.Append(1, 1, 1000, 0, 1)
	ev.Wavelength = []float64{0.5}

	if _, _, err := NormalizeByMonitorHistogram(ev, mon, MonitorOptions{}); err == nil {
		t.Error("expected fail-mode error for monitor with variances")
	}
}

func TestNormalizeByMonitorHistogramRejectsWrongAxis(t *testing.T) {
	edges, err := powder.LinspaceEdges("tof", powder.UnitMicroseconds, 0, 4, 4)
	if err != nil {
		t.Fatalf("LinspaceEdges: %v", err)
	}
	mon := powder.NewHistogram(edges)

	ev := powder.NewEventList(1)
	ev.Append(1, 1, 1000, 0, 1)
	ev.Wavelength = []float64{0.5}

	if _, _, err := NormalizeByMonitorHistogram(ev, mon, MonitorOptions{}); err == nil {
		t.Error("expected error for tof-axis monitor")
	}
}

func TestNormalizeByMonitorIntegrated(t *testing.T) {
	mon := monitorOverBins(t, []float64{1, 2, 3, 4})

	ev := powder.NewEventList(2)
	ev.Append(1, 1, 10, 0, 1)
	ev.Append(2, 4, 20, 0, 2)

	out, err := NormalizeByMonitorIntegrated(ev, mon, powder.UncertaintyDrop)
	if err != nil {
		t.Fatalf("NormalizeByMonitorIntegrated: %v", err)
	}
	if got := out.Weights[0]; math.Abs(got-0.1) > 1e-12 {
		t.Errorf("weight = %v, want 0.1", got)
	}
	if out.WeightUnit != powder.UnitOne {
		t.Errorf("unit = %q, want %q", out.WeightUnit, powder.UnitOne)
	}

	if _, err := NormalizeByMonitorIntegrated(ev, mon, powder.UncertaintyFail); err == nil {
		t.Error("expected fail-mode error")
	}

	empty := monitorOverBins(t, []float64{0, 0, 0, 0})
	if _, err := NormalizeByMonitorIntegrated(ev, empty, powder.UncertaintyDrop); err == nil {
		t.Error("expected error for empty monitor")
	}
}

func TestNormalizeByVanadium(t *testing.T) {
	edges, err := powder.LinspaceEdges("dspacing", powder.UnitAngstrom, 0, 3, 3)
	if err != nil {
		t.Fatalf("LinspaceEdges: %v", err)
	}

	sample := powder.NewEventList(3)
	for i := 0; i < 3; i++ {
		sample.Append(1, 1, 1000, 0, 1)
	}
	sample.Dspacing = []float64{0.5, 1.5, 2.5}

	vana := powder.NewEventList(4)
	for i := 0; i < 4; i++ {
		vana.Append(1, 1, 1000, 0, 1)
	}
	vana.Dspacing = []float64{0.5, 0.5, 1.5, 1.5}

	out, dropped, err := NormalizeByVanadium(sample, vana, edges, powder.UncertaintyDrop)
	if err != nil {
		t.Fatalf("NormalizeByVanadium: %v", err)
	}
	// The sample event at 2.5 angstrom has no vanadium counts under it.
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if out.Len() != 2 {
		t.Fatalf("survivors = %d, want 2", out.Len())
	}
	if got := out.Weights[0]; math.Abs(got-0.5) > 1e-12 {
		t.Errorf("weight = %v, want 0.5", got)
	}
	if out.WeightUnit != powder.UnitOne {
		t.Errorf("unit = %q, want %q", out.WeightUnit, powder.UnitOne)
	}
}

func TestLorentzCorrection(t *testing.T) {
	geom := simpleGeometry(t)

	ev := powder.NewEventList(1)
	ev.Append(1, 1, 1000, 0, 2)
	ev.Dspacing = []float64{2.0}

	if err := LorentzCorrection(ev, geom); err != nil {
		t.Fatalf("LorentzCorrection: %v", err)
	}
	// Pixel 2 sits at two_theta = pi/2, so the factor is d^4 sin(pi/4).
	want := 16.0 * math.Sin(math.Pi/4)
	if got := ev.Weights[0]; math.Abs(got-want) > 1e-9 {
		t.Errorf("weight = %v, want %v", got, want)
	}
	if got := ev.Variances[0]; math.Abs(got-want*want) > 1e-6 {
		t.Errorf("variance = %v, want %v", got, want*want)
	}

	ev.Pixel[0] = 99
	if err := LorentzCorrection(ev, geom); err == nil {
		t.Error("expected error for unknown pixel")
	}
}

func TestTransmissionFraction(t *testing.T) {
	p := DefaultVanadiumCylinder()

	prev := 1.1
	for _, lam := range []float64{0.5, 1.0, 2.0, 4.0} {
		f := TransmissionFraction(p, math.Pi/2, lam, 32)
		if f <= 0 || f >= 1 {
			t.Errorf("transmission at %g angstrom = %v, want in (0, 1)", lam, f)
		}
		if f >= prev {
			t.Errorf("transmission not decreasing with wavelength: %v at %g", f, lam)
		}
		prev = f
	}

	// A vanishing cylinder transmits everything.
	thin := p
	thin.RadiusCm = 1e-6
	if f := TransmissionFraction(thin, math.Pi/2, 1.8, 32); f < 0.999 {
		t.Errorf("thin cylinder transmission = %v, want ~1", f)
	}
}

func TestApplyAbsorption(t *testing.T) {
	geom := simpleGeometry(t)
	p := DefaultVanadiumCylinder()

	table, err := BuildAbsorptionTable(p, []float64{math.Pi / 4, math.Pi / 2}, 0.3, 5.0, 16, 24)
	if err != nil {
		t.Fatalf("BuildAbsorptionTable: %v", err)
	}

	ev := powder.NewEventList(1)
	ev.Append(1, 1, 1000, 0, 2)
	ev.Wavelength = []float64{1.8}

	if err := ApplyAbsorption(ev, geom, table); err != nil {
		t.Fatalf("ApplyAbsorption: %v", err)
	}
	// Dividing by a transmission below one inflates the weight.
	if ev.Weights[0] <= 1 {
		t.Errorf("weight = %v, want > 1 after correction", ev.Weights[0])
	}

	bare := powder.NewEventList(1)
	bare.Append(1, 1, 1000, 0, 2)
	if err := ApplyAbsorption(bare, geom, table); err == nil {
		t.Error("expected error for events without wavelength")
	}
}
