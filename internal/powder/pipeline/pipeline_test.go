package pipeline

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutron-data/powder.report/internal/instrument/beer"
	"github.com/neutron-data/powder.report/internal/instrument/dream"
	"github.com/neutron-data/powder.report/internal/powder"
	"github.com/neutron-data/powder.report/internal/powder/calibration"
	"github.com/neutron-data/powder.report/internal/powder/conversion"
	"github.com/neutron-data/powder.report/internal/powder/filtering"
	"github.com/neutron-data/powder.report/internal/powder/masking"
)

type fakeRecorder struct {
	mu    sync.Mutex
	notes []string
}

func (r *fakeRecorder) Note(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, fmt.Sprintf(format, args...))
}

func (r *fakeRecorder) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.notes, "\n")
}

// dreamBank builds a bank with two pixels off the beam axis and one
// event per requested d-spacing, alternating between the pixels. Event
// times are engineered so the geometry route recovers the d-spacings
// exactly.
func dreamBank(t *testing.T, name string, ds []float64, weight float64) *dream.Bank {
	t.Helper()
	geom, err := powder.NewGeometry(dream.DefaultSourcePosition, dream.DefaultSamplePosition, []powder.Pixel{
		{ID: 1, Position: powder.Vec3{X: 1.2, Z: 0.9}},
		{ID: 2, Position: powder.Vec3{X: -0.8, Z: 1.4}},
	})
	require.NoError(t, err)

	ev := powder.NewEventList(len(ds))
	for i, d := range ds {
		id := int32(1 + i%2)
		p, ok := geom.Pixel(id)
		require.True(t, ok)
		lambda := 2 * d * math.Sin(p.TwoTheta/2)
		tof := conversion.TofFromWavelength(lambda, geom.L1+p.L2)
		ev.Append(weight, weight, tof, 0, id)
	}
	return &dream.Bank{Name: name, Events: ev, Geometry: geom}
}

func dreamRun(t *testing.T, ds []float64, weight float64) *dream.Instrument {
	t.Helper()
	return &dream.Instrument{Banks: map[string]*dream.Bank{
		dream.BankMantle: dreamBank(t, dream.BankMantle, ds, weight),
	}}
}

func repeat(d float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = d
	}
	return out
}

func dspacingEdges(t *testing.T) powder.Edges {
	t.Helper()
	edges, err := powder.LinspaceEdges("dspacing", powder.UnitAngstrom, 0.5, 3.0, 50)
	require.NoError(t, err)
	return edges
}

func TestDreamReduceProtonCharge(t *testing.T) {
	t.Parallel()

	ds := append(repeat(1.13, 12), repeat(2.31, 12)...)
	rec := &fakeRecorder{}
	cfg := DreamConfig{
		Sample:        dreamRun(t, ds, 1),
		ProtonCharge:  2,
		DspacingEdges: dspacingEdges(t),
		Recorder:      rec,
	}
	res, err := cfg.Reduce()
	require.NoError(t, err)

	assert.Equal(t, "dream", res.Instrument)
	require.NotNil(t, res.Reduced)
	assert.Same(t, res.Banks[dream.BankMantle], res.Reduced)
	assert.Equal(t, powder.UnitCounts+"/"+powder.UnitMicroampHour, res.Reduced.Unit)

	sum, _ := res.Reduced.Integrate()
	assert.InDelta(t, 12.0, sum, 1e-9, "24 unit weights over charge 2")

	i, ok := res.Reduced.Edges.Index(1.13)
	require.True(t, ok)
	assert.InDelta(t, 6.0, res.Reduced.Counts[i], 1e-9)

	assert.Equal(t, 24, res.Stats.EventsLoaded)
	assert.Equal(t, 24, res.Stats.EventsReduced)
	assert.Zero(t, res.Stats.EventsMasked)
	assert.Contains(t, rec.joined(), "bank mantle")
}

func TestDreamHighResolutionUnsupported(t *testing.T) {
	t.Parallel()

	cfg := DreamConfig{
		Sample:        dreamRun(t, repeat(1.5, 4), 1),
		Configuration: dream.HighResolution,
		DspacingEdges: dspacingEdges(t),
	}
	_, err := cfg.Reduce()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "high_resolution")
}

func TestDreamMissingBank(t *testing.T) {
	t.Parallel()

	cfg := DreamConfig{
		Sample:        dreamRun(t, repeat(1.5, 4), 1),
		Banks:         []string{dream.BankSans},
		DspacingEdges: dspacingEdges(t),
	}
	_, err := cfg.Reduce()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not present in the sample run")
}

func TestDreamMonitorNormalization(t *testing.T) {
	t.Parallel()

	monEdges, err := powder.LinspaceEdges("wavelength", powder.UnitAngstrom, 0.2, 8, 20)
	require.NoError(t, err)
	monitor := powder.NewHistogram(monEdges)
	for i := range monitor.Counts {
		monitor.Counts[i] = 4
	}

	cfg := DreamConfig{
		Sample:        dreamRun(t, append(repeat(1.13, 12), repeat(2.31, 12)...), 1),
		Monitor:       monitor,
		Normalization: powder.NormMonitorHistogram,
		DspacingEdges: dspacingEdges(t),
	}
	res, err := cfg.Reduce()
	require.NoError(t, err)

	assert.Equal(t, powder.UnitOne, res.Reduced.Unit)
	sum, _ := res.Reduced.Integrate()
	assert.InDelta(t, 6.0, sum, 1e-9, "24 unit weights over flat monitor intensity 4")
}

func TestDreamMonitorNormalizationNeedsMonitor(t *testing.T) {
	t.Parallel()

	cfg := DreamConfig{
		Sample:        dreamRun(t, repeat(1.5, 4), 1),
		Normalization: powder.NormMonitorIntegrated,
		DspacingEdges: dspacingEdges(t),
	}
	_, err := cfg.Reduce()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a monitor histogram")
}

func TestDreamEmptyCanSubtraction(t *testing.T) {
	t.Parallel()

	cfg := DreamConfig{
		Sample:        dreamRun(t, repeat(1.5, 20), 1),
		EmptyCan:      dreamRun(t, repeat(1.5, 8), 1),
		ProtonCharge:  dream.DefaultProtonCharge,
		DspacingEdges: dspacingEdges(t),
	}
	res, err := cfg.Reduce()
	require.NoError(t, err)

	sum, _ := res.Reduced.Integrate()
	assert.InDelta(t, 12.0, sum, 1e-9, "20 sample minus 8 can events")
	assert.Equal(t, 20, res.Stats.EventsLoaded, "auxiliary runs stay out of the stats")
}

func TestDreamVanadiumDivision(t *testing.T) {
	t.Parallel()

	cfg := DreamConfig{
		Sample:        dreamRun(t, repeat(1.7, 30), 1),
		Vanadium:      dreamRun(t, repeat(1.7, 10), 1),
		DspacingEdges: dspacingEdges(t),
		Uncertainty:   powder.UncertaintyDrop,
	}
	res, err := cfg.Reduce()
	require.NoError(t, err)

	assert.Equal(t, powder.UnitOne, res.Reduced.Unit)
	sum, _ := res.Reduced.Integrate()
	assert.InDelta(t, 3.0, sum, 1e-9, "30 sample weights over 10 vanadium counts")
	assert.Zero(t, res.Stats.EventsDropped)

	// The vanadium run's own variances would be broadcast onto every
	// sample event; the default mode refuses that.
	cfg.Uncertainty = ""
	_, err = cfg.Reduce()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vanadium normalization")
}

func TestDreamTwoThetaMap(t *testing.T) {
	t.Parallel()

	sample := dreamRun(t, append(repeat(1.13, 12), repeat(2.31, 12)...), 1)
	geom := sample.Banks[dream.BankMantle].Geometry
	p1, _ := geom.Pixel(1)
	p2, _ := geom.Pixel(2)
	lo, hi := p1.TwoTheta, p2.TwoTheta
	if lo > hi {
		lo, hi = hi, lo
	}
	bands := powder.Edges{
		Name:   "two_theta",
		Unit:   powder.UnitRadians,
		Values: []float64{lo - 0.01, (lo + hi) / 2, hi + 0.01},
	}

	cfg := DreamConfig{
		Sample:        sample,
		TwoThetaEdges: &bands,
		DspacingEdges: dspacingEdges(t),
	}
	res, err := cfg.Reduce()
	require.NoError(t, err)

	require.NotNil(t, res.Groups)
	assert.Equal(t, 2, res.Groups.Row.NBins())
	var total float64
	for _, c := range res.Groups.Counts {
		total += c
	}
	assert.InDelta(t, 24.0, total, 1e-9, "default charge 1 keeps unit weights")
}

func TestDreamTwoThetaMask(t *testing.T) {
	t.Parallel()

	sample := dreamRun(t, append(repeat(1.13, 12), repeat(2.31, 12)...), 1)
	geom := sample.Banks[dream.BankMantle].Geometry
	p2, _ := geom.Pixel(2)

	cfg := DreamConfig{
		Sample: sample,
		Masks: masking.Set{
			TwoTheta: []masking.Interval{{Lo: p2.TwoTheta - 1e-6, Hi: p2.TwoTheta + 1e-6}},
		},
		DspacingEdges: dspacingEdges(t),
	}
	res, err := cfg.Reduce()
	require.NoError(t, err)

	assert.Equal(t, 12, res.Stats.EventsMasked)
	assert.Equal(t, 12, res.Stats.EventsReduced)
}

// powgenGeometry builds three pixels; pixel 3 is flagged masked by the
// calibration table below.
func powgenGeometry(t *testing.T) *powder.Geometry {
	t.Helper()
	geom, err := powder.NewGeometry(powder.Vec3{Z: -10}, powder.Vec3{}, []powder.Pixel{
		{ID: 1, Position: powder.Vec3{X: 1, Z: 1}},
		{ID: 2, Position: powder.Vec3{X: -1, Z: 1}},
		{ID: 3, Position: powder.Vec3{Y: 1, Z: 1}},
	})
	require.NoError(t, err)
	return geom
}

const powgenCalCSV = `detector,difa,difc,tzero,mask
1,0,5000,0,0
2,0,4000,0,0
3,0,4500,0,1
`

func powgenCalibration(t *testing.T) *calibration.Table {
	t.Helper()
	tab, err := calibration.Load(strings.NewReader(powgenCalCSV))
	require.NoError(t, err)
	return tab
}

func TestPowgenReduceCalibrated(t *testing.T) {
	t.Parallel()

	// Charge samples cover [0,1000), [1000,2000) and [2000,inf) ns; the
	// middle pulse falls below 0.5 * mean(21/3) and is bad.
	charge := filtering.ChargeLog{
		PulseTime: []int64{0, 1000, 2000},
		Charge:    []float64{10, 2, 9},
		Unit:      powder.UnitPicocoulomb,
	}

	ev := powder.NewEventList(5)
	ev.Append(1, 1, 5000*1.2, 100, 1)  // good pulse, d = 1.2
	ev.Append(1, 1, 5000*1.2, 1100, 1) // bad pulse
	ev.Append(1, 1, 4000*2.0, 2100, 2) // good pulse, d = 2.0
	ev.Append(1, 1, 4000*2.0, 150, 2)  // good pulse, d = 2.0
	ev.Append(1, 1, 4500*1.5, 100, 3)  // masked pixel

	cfg := PowgenConfig{
		Events:            ev,
		Geometry:          powgenGeometry(t),
		Calibration:       powgenCalibration(t),
		ChargeLog:         charge,
		BadPulseThreshold: 0.5,
		DspacingEdges:     dspacingEdges(t),
	}
	res, err := cfg.Reduce()
	require.NoError(t, err)

	assert.Equal(t, 5, res.Stats.EventsLoaded)
	assert.Equal(t, 1, res.Stats.PulsesRemoved)
	assert.Equal(t, 1, res.Stats.EventsMasked)
	assert.Equal(t, 3, res.Stats.EventsReduced)

	require.NotNil(t, res.Reduced)
	assert.Equal(t, powder.UnitCounts+"/"+powder.UnitPicocoulomb, res.Reduced.Unit)
	sum, _ := res.Reduced.Integrate()
	assert.InDelta(t, 3.0/21.0, sum, 1e-12, "3 unit weights over 21 pC")

	i12, ok := res.Reduced.Edges.Index(1.2)
	require.True(t, ok)
	assert.InDelta(t, 1.0/21.0, res.Reduced.Counts[i12], 1e-12)
	i20, ok := res.Reduced.Edges.Index(2.0)
	require.True(t, ok)
	assert.InDelta(t, 2.0/21.0, res.Reduced.Counts[i20], 1e-12)

	require.NotNil(t, res.Calibration)
	rows := res.Calibration.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, "DIFC", rows[1].Name)
	assert.InDelta(t, 4500.0, rows[1].Value, 1e-9, "mean of the two unmasked detectors")
}

func TestPowgenVanadiumDivision(t *testing.T) {
	t.Parallel()

	sample := powder.NewEventList(8)
	for i := 0; i < 8; i++ {
		sample.Append(1, 1, 5000*1.2, 100, 1)
	}
	van := powder.NewEventList(4)
	for i := 0; i < 4; i++ {
		van.Append(1, 1, 5000*1.2, 100, 1)
	}

	cfg := PowgenConfig{
		Events:      sample,
		Geometry:    powgenGeometry(t),
		Calibration: powgenCalibration(t),
		ChargeLog: filtering.ChargeLog{
			PulseTime: []int64{0},
			Charge:    []float64{21},
			Unit:      powder.UnitPicocoulomb,
		},
		Vanadium: van,
		VanadiumChargeLog: filtering.ChargeLog{
			PulseTime: []int64{0},
			Charge:    []float64{10.5},
			Unit:      powder.UnitPicocoulomb,
		},
		DspacingEdges: dspacingEdges(t),
	}
	res, err := cfg.Reduce()
	require.NoError(t, err)

	assert.Equal(t, powder.UnitOne, res.Reduced.Unit)
	i12, ok := res.Reduced.Edges.Index(1.2)
	require.True(t, ok)
	assert.InDelta(t, 1.0, res.Reduced.Counts[i12], 1e-12, "(8/21) / (4/10.5)")
	assert.True(t, res.Reduced.IsMasked(0), "empty vanadium bins mask the ratio")
}

func TestPowgenStripPeaks(t *testing.T) {
	t.Parallel()

	edges, err := powder.LinspaceEdges("dspacing", powder.UnitAngstrom, 2.04, 2.24, 50)
	require.NoError(t, err)

	// One event per bin center so the vanadium histogram reproduces a
	// clean gaussian at the vanadium 110 reflection over a flat base.
	const center, sigma = 2.1406, 0.006
	van := powder.NewEventList(50)
	sample := powder.NewEventList(50)
	for _, c := range edges.Centers() {
		w := 100*math.Exp(-(c-center)*(c-center)/(2*sigma*sigma)) + 20
		van.Append(w, w, 5000*c, 100, 1)
		sample.Append(50, 50, 5000*c, 100, 1)
	}

	cfg := PowgenConfig{
		Events:        sample,
		Geometry:      powgenGeometry(t),
		Calibration:   powgenCalibration(t),
		Vanadium:      van,
		StripPeaks:    true,
		PeakHalfWidth: 0.05,
		DspacingEdges: edges,
	}
	res, err := cfg.Reduce()
	require.NoError(t, err)

	require.Len(t, res.VanadiumFits, 1)
	require.True(t, res.VanadiumFits[0].Success, res.VanadiumFits[0].Message)
	assert.InDelta(t, center, res.VanadiumFits[0].Peak.Center, 0.01)

	iPeak, ok := edges.Index(center)
	require.True(t, ok)
	assert.Greater(t, res.Reduced.Counts[iPeak], 1.0, "stripping removes the dip the peak would leave")
	assert.InDelta(t, 2.5, res.Reduced.Counts[0], 1e-6, "bins outside the window divide by the bare base")
}

func TestPowgenGeometricRoute(t *testing.T) {
	t.Parallel()

	geom := powgenGeometry(t)
	p, ok := geom.Pixel(1)
	require.True(t, ok)

	const d = 1.4
	lambda := 2 * d * math.Sin(p.TwoTheta/2)
	tof := conversion.TofFromWavelength(lambda, geom.L1+p.L2)
	ev := powder.NewEventList(6)
	for i := 0; i < 6; i++ {
		ev.Append(1, 1, tof, 100, 1)
	}

	cfg := PowgenConfig{
		Events:        ev,
		Geometry:      geom,
		DspacingEdges: dspacingEdges(t),
	}
	res, err := cfg.Reduce()
	require.NoError(t, err)

	assert.Nil(t, res.Calibration)
	assert.Equal(t, powder.UnitCounts, res.Reduced.Unit)
	i, ok := res.Reduced.Edges.Index(d)
	require.True(t, ok)
	assert.InDelta(t, 6.0, res.Reduced.Counts[i], 1e-9)
}

// beerDump writes a synthetic bank dump: four reflections seen through
// the mode 7 modulation chopper. The clustering keeps the middle two.
func beerDump(t *testing.T, bank int) string {
	t.Helper()
	const delay = 0.00245635
	factor := powder.PlanckConstant / powder.NeutronMass

	var sb strings.Builder
	fmt.Fprintf(&sb, "# bank: %d\n# mode: 7\n", bank)
	sb.WriteString("# sample_position: 0 0 0\n# detector_position: 0 0 2\n# chopper_position: 0 0 -6.5\n")
	sb.WriteString("p\tx\ty\tid\tt\n")

	rng := rand.New(rand.NewSource(65501))
	for _, d := range []float64{1.2, 1.5, 2.1, 2.5} {
		slope := 2 * d * 1e-10 / factor
		for i := 0; i < 400; i++ {
			xm := 0.6 + 0.8*rng.Float64()
			x := xm
			if bank == 1 {
				x = -xm
			}
			l2 := math.Sqrt(xm*xm + 4)
			flight := (6.5 + l2) * math.Sin(math.Acos(xm/l2)/2)
			jitter := 5e-6 * (rng.Float64() + rng.Float64() - 1)
			fmt.Fprintf(&sb, "1\t%s\t0\t%d\t%s\n",
				strconv.FormatFloat(x, 'g', -1, 64), i%64,
				strconv.FormatFloat(delay+slope*flight+jitter, 'g', -1, 64))
		}
	}
	return sb.String()
}

func loadBeerTable(t *testing.T, bank int) *beer.EventTable {
	t.Helper()
	tab, err := beer.LoadEventTable(strings.NewReader(beerDump(t, bank)))
	require.NoError(t, err)
	return tab
}

func sumRange(h *powder.Histogram, lo, hi float64) float64 {
	var sum float64
	for i, c := range h.Edges.Centers() {
		if c > lo && c < hi {
			sum += h.Counts[i]
		}
	}
	return sum
}

func TestBeerReduce(t *testing.T) {
	t.Parallel()

	edges, err := powder.LinspaceEdges("dspacing", powder.UnitAngstrom, 1.0, 2.6, 32)
	require.NoError(t, err)

	cfg := BeerConfig{
		Tables:        []*beer.EventTable{loadBeerTable(t, 1)},
		DspacingEdges: edges,
	}
	res, err := cfg.Reduce()
	require.NoError(t, err)

	assert.Equal(t, "beer", res.Instrument)
	require.Contains(t, res.Banks, "bank_1")
	assert.Same(t, res.Banks["bank_1"], res.Reduced)

	fit := res.Streaks["bank_1"]
	require.NotNil(t, fit)
	assert.Len(t, fit.Streaks, 2, "outer reflections fall outside the valley bounds")

	assert.Equal(t, 1600, res.Stats.EventsLoaded)
	assert.Equal(t, res.Stats.EventsLoaded, res.Stats.EventsReduced+res.Stats.EventsMasked+res.Stats.EventsDropped)
	assert.Greater(t, res.Stats.EventsReduced, 700)

	assert.Greater(t, sumRange(res.Reduced, 1.45, 1.55), 300.0)
	assert.Greater(t, sumRange(res.Reduced, 2.05, 2.15), 300.0)
	assert.Less(t, sumRange(res.Reduced, 1.7, 1.9), 20.0, "between the streaks the pattern is empty")
}

func TestBeerReduceTwoBanks(t *testing.T) {
	t.Parallel()

	edges, err := powder.LinspaceEdges("dspacing", powder.UnitAngstrom, 1.0, 2.6, 32)
	require.NoError(t, err)

	cfg := BeerConfig{
		Tables:        []*beer.EventTable{loadBeerTable(t, 1), loadBeerTable(t, 2)},
		DspacingEdges: edges,
		Workers:       2,
	}
	res, err := cfg.Reduce()
	require.NoError(t, err)

	require.Contains(t, res.Banks, "bank_1")
	require.Contains(t, res.Banks, "bank_2")
	assert.Same(t, res.Banks["bank_1"], res.Reduced, "first table defines the headline pattern")
	assert.Len(t, res.Streaks["bank_2"].Streaks, 2)
	assert.Equal(t, 3200, res.Stats.EventsLoaded)
}

func TestBeerUnknownMode(t *testing.T) {
	t.Parallel()

	dump := "# bank: 4\n# mode: 3\np\tx\ty\tid\tt\n1\t0.8\t0\t1\t0.005\n"
	tab, err := beer.LoadEventTable(strings.NewReader(dump))
	require.NoError(t, err)

	edges, err := powder.LinspaceEdges("dspacing", powder.UnitAngstrom, 1.0, 2.6, 32)
	require.NoError(t, err)

	cfg := BeerConfig{Tables: []*beer.EventTable{tab}, DspacingEdges: edges}
	_, err = cfg.Reduce()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bank_4")
	assert.Contains(t, err.Error(), "is not known")
}

func TestBeerNoTables(t *testing.T) {
	t.Parallel()

	cfg := BeerConfig{DspacingEdges: dspacingEdges(t)}
	_, err := cfg.Reduce()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no event tables")
}
