package beer

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/neutron-data/powder.report/internal/powder"
)

const sampleDump = `# BEER bank dump
# bank: 1
# mode: 7
# sample_position: 0 0 0
# detector_position: 0 0 2
# chopper_position: 0 0 -6.5
p	x	y	id	t
0.5	-0.6	0	101	0.0052
2	-1.4	0	205	0.0061
`

func TestLoadEventTable(t *testing.T) {
	tab, err := LoadEventTable(strings.NewReader(sampleDump))
	if err != nil {
		t.Fatalf("LoadEventTable: %v", err)
	}
	if tab.Bank != 1 || tab.Mode != "7" {
		t.Errorf("bank/mode = %d/%q, want 1/\"7\"", tab.Bank, tab.Mode)
	}
	if tab.Len() != 2 {
		t.Fatalf("Len = %d, want 2", tab.Len())
	}
	if tab.Weight[0] != 0.5 || tab.Variance[0] != 0.25 {
		t.Errorf("event 0 weight/variance = %g/%g, want 0.5/0.25", tab.Weight[0], tab.Variance[0])
	}
	if tab.Variance[1] != 4 {
		t.Errorf("event 1 variance = %g, want 4", tab.Variance[1])
	}
	if tab.ID[0] != 101 || tab.ID[1] != 205 {
		t.Errorf("ids = %d, %d", tab.ID[0], tab.ID[1])
	}
	if tab.L1 != 6.5 {
		t.Errorf("L1 = %g, want 6.5", tab.L1)
	}
	// Bank 1 mirrors x, so x = -0.6 scatters to positive angle cosine.
	l2 := math.Sqrt(0.6*0.6 + 4)
	if got, want := tab.TwoTheta[0], math.Acos(0.6/l2); math.Abs(got-want) > 1e-12 {
		t.Errorf("TwoTheta[0] = %g, want %g", got, want)
	}
	if got, want := tab.Ltotal[0], 6.5+l2; math.Abs(got-want) > 1e-12 {
		t.Errorf("Ltotal[0] = %g, want %g", got, want)
	}
}

func TestLoadEventTableErrors(t *testing.T) {
	cases := []struct {
		name string
		dump string
	}{
		{"no bank", "# mode: 7\np\tx\ty\tid\tt\n1\t0\t0\t1\t0.01\n"},
		{"no mode", "# bank: 1\np\tx\ty\tid\tt\n1\t0\t0\t1\t0.01\n"},
		{"no events", "# bank: 1\n# mode: 7\np\tx\ty\tid\tt\n"},
		{"bad column", "# bank: 1\n# mode: 7\np\tx\tq\tid\tt\n1\t0\t0\t1\t0.01\n"},
		{"short row", "# bank: 1\n# mode: 7\np\tx\ty\tid\tt\n1\t0\t0\t1\n"},
		{"bad weight", "# bank: 1\n# mode: 7\np\tx\ty\tid\tt\nnope\t0\t0\t1\t0.01\n"},
		{"bad position", "# bank: 1\n# mode: 7\n# sample_position: 0 0\np\tx\ty\tid\tt\n1\t0\t0\t1\t0.01\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadEventTable(strings.NewReader(tc.dump)); err == nil {
				t.Error("want error, got nil")
			}
		})
	}
}

func TestChopperSettings(t *testing.T) {
	delays := map[string]float64{
		"7":  0.00245635,
		"8":  0.00245635,
		"9":  0.0033730158730158727,
		"10": 0.0033730158730158727,
		"16": 0.000876984126984127,
	}
	periods := map[string]float64{
		"7":  1.0 / (8 * 70),
		"8":  1.0 / (8 * 70),
		"9":  1.0 / (8 * 140),
		"10": 1.0 / (8 * 280),
		"16": 1.0 / (4 * 280),
	}
	for mode, want := range delays {
		got, err := ChopperDelay(mode)
		if err != nil || got != want {
			t.Errorf("ChopperDelay(%q) = %g, %v, want %g", mode, got, err, want)
		}
	}
	for mode, want := range periods {
		got, err := ModulationPeriod(mode)
		if err != nil || got != want {
			t.Errorf("ModulationPeriod(%q) = %g, %v, want %g", mode, got, err, want)
		}
	}
	if _, err := ChopperDelay("3"); err == nil {
		t.Error("ChopperDelay(3): want error, got nil")
	}
	if _, err := ModulationPeriod("3"); err == nil {
		t.Error("ModulationPeriod(3): want error, got nil")
	}
}

func TestFindPeaks(t *testing.T) {
	cases := []struct {
		name     string
		values   []float64
		height   float64
		distance int
		want     []int
	}{
		{"two maxima", []float64{0, 1, 3, 1, 0, 2, 5, 2, 0}, 2, 1, []int{2, 6}},
		{"height filter", []float64{0, 1, 3, 1, 0, 2, 5, 2, 0}, 4, 1, []int{6}},
		{"plateau middle", []float64{0, 4, 4, 4, 0}, 1, 1, []int{2}},
		{"boundary plateau ignored", []float64{5, 5, 0, 3, 0}, 1, 1, []int{3}},
		{"distance keeps tallest", []float64{0, 3, 0, 5, 0, 3, 0}, 1, 3, []int{3}},
		{"distance satisfied", []float64{0, 3, 0, 5, 0, 3, 0}, 1, 2, []int{1, 3, 5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := findPeaks(tc.values, tc.height, tc.distance)
			if len(got) != len(tc.want) {
				t.Fatalf("findPeaks = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("findPeaks = %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestIntervalIndex(t *testing.T) {
	bounds := []float64{0, 1, 2}
	cases := []struct {
		x    float64
		want int
	}{
		{-0.1, -1}, {0, 0}, {0.5, 0}, {1, 1}, {1.5, 1}, {2, 1}, {2.1, -1},
	}
	for _, tc := range cases {
		if got := intervalIndex(bounds, tc.x); got != tc.want {
			t.Errorf("intervalIndex(%g) = %d, want %d", tc.x, got, tc.want)
		}
	}
}

// buildStreakTable simulates four reflections seen through the mode 7
// modulation chopper on bank 1. The outer two land outside the valley
// boundaries of the coarse d-spacing histogram and must be dropped by
// the clustering.
func buildStreakTable(t *testing.T) (*EventTable, float64) {
	t.Helper()
	ds := []float64{1.2, 1.5, 2.1, 2.5}
	delay, err := ChopperDelay("7")
	if err != nil {
		t.Fatalf("ChopperDelay: %v", err)
	}
	tab := &EventTable{
		Bank:        1,
		Mode:        "7",
		DetectorPos: powder.Vec3{Z: 2},
		ChopperPos:  powder.Vec3{Z: -6.5},
	}
	rng := rand.New(rand.NewSource(65501))
	for _, d := range ds {
		slope := 2 * d * 1e-10 / dspacingFactorSI
		for i := 0; i < 400; i++ {
			x := -(0.6 + 0.8*rng.Float64())
			l2 := math.Sqrt(x*x + 4)
			flight := (6.5 + l2) * math.Sin(math.Acos(-x/l2)/2)
			jitter := 5e-6 * (rng.Float64() + rng.Float64() - 1)
			tab.Weight = append(tab.Weight, 1)
			tab.Variance = append(tab.Variance, 1)
			tab.X = append(tab.X, x)
			tab.Y = append(tab.Y, 0)
			tab.ID = append(tab.ID, int32(i%64))
			tab.T = append(tab.T, delay+slope*flight+jitter)
		}
	}
	tab.deriveCoords()
	return tab, delay
}

func TestClusterByStreak(t *testing.T) {
	tab, delay := buildStreakTable(t)
	streaks, err := ClusterByStreak(tab, delay)
	if err != nil {
		t.Fatalf("ClusterByStreak: %v", err)
	}
	if len(streaks) != 2 {
		t.Fatalf("got %d streaks, want 2", len(streaks))
	}
	coarse := coarseDspacing(tab, delay)
	want := []float64{1.5, 2.1}
	for k, st := range streaks {
		if n := len(st.Indices); n < 380 || n > 400 {
			t.Errorf("streak %d has %d events, want close to 400", k, n)
		}
		var mean float64
		for _, i := range st.Indices {
			mean += coarse[i]
		}
		mean /= float64(len(st.Indices))
		if math.Abs(mean-want[k]) > 0.01 {
			t.Errorf("streak %d mean coarse d = %g, want %g", k, mean, want[k])
		}
	}
}

func TestClusterByStreakDegenerate(t *testing.T) {
	tab := &EventTable{
		Bank: 0, Mode: "7",
		DetectorPos: powder.Vec3{Z: 2},
		Weight:      []float64{1, 1},
		Variance:    []float64{1, 1},
		X:           []float64{1, 1},
		Y:           []float64{0, 0},
		ID:          []int32{1, 2},
		T:           []float64{0.005, 0.005},
	}
	tab.deriveCoords()
	if _, err := ClusterByStreak(tab, 0.001); err == nil {
		t.Error("want error for degenerate d-spacing range, got nil")
	}
}

func TestFitStreakLines(t *testing.T) {
	tab, delay := buildStreakTable(t)
	streaks, err := ClusterByStreak(tab, delay)
	if err != nil {
		t.Fatalf("ClusterByStreak: %v", err)
	}
	fit := FitStreakLines(tab, streaks)
	wantSlopes := []float64{2 * 1.5e-10 / dspacingFactorSI, 2 * 2.1e-10 / dspacingFactorSI}
	for k, st := range fit.Streaks {
		if math.Abs(st.T0-delay) > 1e-5 {
			t.Errorf("streak %d T0 = %g, want %g", k, st.T0, delay)
		}
		if math.Abs(st.Slope-wantSlopes[k])/wantSlopes[k] > 0.01 {
			t.Errorf("streak %d slope = %g, want %g", k, st.Slope, wantSlopes[k])
		}
	}
	// The two fitted lines sit well apart, so nothing should be masked.
	var masked int
	for _, st := range fit.Streaks {
		for _, i := range st.Indices {
			if fit.Masked[i] {
				masked++
			}
		}
	}
	if masked != 0 {
		t.Errorf("%d events masked, want 0", masked)
	}
}

func TestDspacingEvents(t *testing.T) {
	tab, delay := buildStreakTable(t)
	streaks, err := ClusterByStreak(tab, delay)
	if err != nil {
		t.Fatalf("ClusterByStreak: %v", err)
	}
	fit := FitStreakLines(tab, streaks)
	ev, err := fit.DspacingEvents(tab)
	if err != nil {
		t.Fatalf("DspacingEvents: %v", err)
	}
	if ev.WeightUnit != powder.UnitCounts {
		t.Errorf("weight unit = %q, want %q", ev.WeightUnit, powder.UnitCounts)
	}
	if len(ev.Dspacing) != ev.Len() {
		t.Fatalf("Dspacing has %d entries for %d events", len(ev.Dspacing), ev.Len())
	}
	var n15, n21 int
	for i, d := range ev.Dspacing {
		switch {
		case math.Abs(d-1.5) < 0.05:
			n15++
		case math.Abs(d-2.1) < 0.05:
			n21++
		default:
			t.Fatalf("event %d has d = %g, far from both reflections", i, d)
		}
		if ev.Tof[i] < 3000 || ev.Tof[i] > 5600 {
			t.Errorf("event %d tof = %g us, outside expected range", i, ev.Tof[i])
		}
	}
	if n15 < 380 || n21 < 380 {
		t.Errorf("recovered %d and %d events per reflection, want close to 400", n15, n21)
	}
}
