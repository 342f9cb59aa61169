package beer

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/neutron-data/powder.report/internal/monitoring"
	"github.com/neutron-data/powder.report/internal/powder"
)

// dspacingFactorSI is h/m_n in m^2/s; together with metersToAngstrom it
// converts (t * lambda-speed) products between SI and angstrom.
const (
	dspacingFactorSI = powder.PlanckConstant / powder.NeutronMass
	metersToAngstrom = 1e10
)

const (
	coarseBins     = 1000
	peakMinHeight  = 40.0
	peakMinSpacing = 3
	fitIterations  = 5
	// Events farther than this from their own streak line, in seconds,
	// belong to another streak or the background.
	maxDistanceToOwnLine = 3e-4
	// Events whose streak line runs closer than this to a neighbouring
	// line cannot be attributed unambiguously.
	minDistanceToNeighbour = 8e-4
)

// Streak is one cluster of events sharing a time-of-flight origin: one
// Bragg reflection seen through one opening of the modulation chopper.
type Streak struct {
	// Indices into the event table.
	Indices []int
	// T0 is the fitted time origin in seconds and Slope the fitted
	// dependence of arrival time on L*sin(theta).
	T0    float64
	Slope float64
}

// findPeaks locates local maxima of at least minHeight, with plateaus
// resolved to their middle sample. When two maxima sit closer than
// distance bins, the smaller one is discarded.
func findPeaks(values []float64, minHeight float64, distance int) []int {
	var cand []int
	n := len(values)
	i := 1
	for i < n-1 {
		if values[i] > values[i-1] {
			j := i
			for j < n-1 && values[j+1] == values[i] {
				j++
			}
			if j < n-1 && values[j+1] < values[i] && values[i] >= minHeight {
				cand = append(cand, (i+j)/2)
			}
			i = j + 1
			continue
		}
		i++
	}

	if distance > 1 && len(cand) > 1 {
		order := append([]int(nil), cand...)
		sort.SliceStable(order, func(a, b int) bool { return values[order[a]] > values[order[b]] })
		var keep []int
		for _, p := range order {
			ok := true
			for _, k := range keep {
				if abs(p-k) < distance {
					ok = false
					break
				}
			}
			if ok {
				keep = append(keep, p)
			}
		}
		sort.Ints(keep)
		cand = keep
	}
	return cand
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// coarseDspacing estimates each event's d-spacing in angstrom from the
// approximate time origin; the streaks of the modulation chopper show up
// as separated clusters on this axis.
func coarseDspacing(tab *EventTable, approxT0 float64) []float64 {
	out := make([]float64, tab.Len())
	for i := range out {
		out[i] = dspacingFactorSI * (tab.T[i] - approxT0) /
			(2 * tab.Ltotal[i] * math.Sin(tab.TwoTheta[i]/2)) * metersToAngstrom
	}
	return out
}

// intervalIndex returns the index of the interval of bounds containing x,
// or -1 when x falls outside. The last interval includes its upper bound.
func intervalIndex(bounds []float64, x float64) int {
	if x < bounds[0] || x > bounds[len(bounds)-1] {
		return -1
	}
	i := sort.SearchFloat64s(bounds, x)
	if i > 0 && x < bounds[i] {
		i--
	}
	if i == len(bounds)-1 {
		i--
	}
	return i
}

// ClusterByStreak groups events into streaks. The coarse d-spacing
// estimate is histogrammed; maxima locate the streaks and the valleys
// between them become cluster boundaries. Boundary intervals holding
// anything other than exactly one maximum are discarded, as are events
// outside the outermost valleys.
func ClusterByStreak(tab *EventTable, approxT0 float64) ([]Streak, error) {
	coarse := coarseDspacing(tab, approxT0)
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, d := range coarse {
		lo = math.Min(lo, d)
		hi = math.Max(hi, d)
	}
	if !(hi > lo) {
		return nil, fmt.Errorf("beer: degenerate coarse d-spacing range [%g, %g]", lo, hi)
	}

	edges, err := powder.LinspaceEdges("coarse_d", powder.UnitAngstrom, lo, hi, coarseBins)
	if err != nil {
		return nil, fmt.Errorf("beer: %w", err)
	}
	counts := make([]float64, coarseBins)
	for i, d := range coarse {
		if bin, ok := edges.Index(d); ok {
			counts[bin] += tab.Weight[i]
		}
	}

	peaks := findPeaks(counts, peakMinHeight, peakMinSpacing)
	if len(peaks) == 0 {
		return nil, fmt.Errorf("beer: no streak maxima found (threshold %g)", peakMinHeight)
	}
	var maxCount float64
	for _, c := range counts {
		maxCount = math.Max(maxCount, c)
	}
	inverted := make([]float64, len(counts))
	for i, c := range counts {
		inverted[i] = maxCount - c
	}
	valleys := findPeaks(inverted, maxCount/2, peakMinSpacing)
	if len(valleys) < 2 {
		return nil, fmt.Errorf("beer: found %d streak boundaries, need at least 2", len(valleys))
	}

	valueAt := func(bins []int) []float64 {
		out := make([]float64, len(bins))
		for i, b := range bins {
			out[i] = edges.Values[b]
		}
		return out
	}
	peakD := valueAt(peaks)
	valleyD := valueAt(valleys)

	// Keep only valleys that border an interval holding a maximum.
	hasPeak := make([]bool, len(valleyD)-1)
	for _, p := range peakD {
		if k := intervalIndex(valleyD, p); k >= 0 {
			hasPeak[k] = true
		}
	}
	var bounds []float64
	for k, v := range valleyD {
		left := k > 0 && hasPeak[k-1]
		right := k < len(hasPeak) && hasPeak[k]
		if left || right {
			bounds = append(bounds, v)
		}
	}
	if len(bounds) < 2 {
		return nil, fmt.Errorf("beer: no streak intervals contain a maximum")
	}

	// A valid streak interval contains exactly one maximum.
	nPeaks := make([]int, len(bounds)-1)
	for _, p := range peakD {
		if k := intervalIndex(bounds, p); k >= 0 {
			nPeaks[k]++
		}
	}
	streakOf := make(map[int]int)
	streaks := make([]Streak, 0, len(nPeaks))
	for k, n := range nPeaks {
		if n != 1 {
			continue
		}
		streakOf[k] = len(streaks)
		streaks = append(streaks, Streak{})
	}
	if len(streaks) == 0 {
		return nil, fmt.Errorf("beer: all streak intervals are ambiguous")
	}

	var dropped int
	for i, d := range coarse {
		k := intervalIndex(bounds, d)
		if k < 0 {
			dropped++
			continue
		}
		s, ok := streakOf[k]
		if !ok {
			dropped++
			continue
		}
		streaks[s].Indices = append(streaks[s].Indices, i)
	}
	monitoring.Logf("Clustered %d events into %d streaks (%d outside or ambiguous)",
		tab.Len()-dropped, len(streaks), dropped)
	return streaks, nil
}

// StreakFit carries the fitted streak lines and the per-event outlier
// mask, indexed like the event table.
type StreakFit struct {
	Streaks []Streak
	Masked  []bool
}

// FitStreakLines fits t = t0 + slope*(L*sin(theta)) through each streak
// by weighted least squares, iterating a fixed number of rounds with
// outlier masking: events too far from their own line, or whose line
// runs too close to a neighbouring streak's line, are excluded from the
// next round.
func FitStreakLines(tab *EventTable, streaks []Streak) *StreakFit {
	fit := &StreakFit{
		Streaks: make([]Streak, len(streaks)),
		Masked:  make([]bool, tab.Len()),
	}
	copy(fit.Streaks, streaks)

	x := make([]float64, tab.Len())
	for i := range x {
		x[i] = math.Sin(tab.TwoTheta[i]/2) * tab.Ltotal[i]
	}

	for iter := 0; iter < fitIterations; iter++ {
		for k := range fit.Streaks {
			st := &fit.Streaks[k]
			xs := make([]float64, 0, len(st.Indices))
			ys := make([]float64, 0, len(st.Indices))
			ws := make([]float64, 0, len(st.Indices))
			var wsum float64
			for _, i := range st.Indices {
				w := tab.Weight[i]
				if fit.Masked[i] {
					w = 0
				}
				xs = append(xs, x[i])
				ys = append(ys, tab.T[i])
				ws = append(ws, w)
				wsum += w
			}
			if wsum == 0 {
				continue
			}
			alpha, beta := stat.LinearRegression(xs, ys, ws, false)
			st.T0, st.Slope = alpha, beta
		}

		n := len(fit.Streaks)
		for k := range fit.Streaks {
			st := &fit.Streaks[k]
			left := fit.Streaks[(k-1+n)%n]
			right := fit.Streaks[(k+1)%n]
			for _, i := range st.Indices {
				self := st.T0 + st.Slope*x[i]
				tooFar := math.Abs(self-tab.T[i]) > maxDistanceToOwnLine
				tooClose := math.Abs(left.T0+left.Slope*x[i]-self) < minDistanceToNeighbour ||
					math.Abs(right.T0+right.Slope*x[i]-self) < minDistanceToNeighbour
				fit.Masked[i] = tooFar || tooClose
			}
		}
	}
	return fit
}

// DspacingEvents converts the unmasked clustered events into a d-spacing
// event list, taking each event's time of flight relative to its
// streak's fitted origin.
func (f *StreakFit) DspacingEvents(tab *EventTable) (*powder.EventList, error) {
	out := &powder.EventList{WeightUnit: powder.UnitCounts}
	var unphysical int
	for _, st := range f.Streaks {
		for _, i := range st.Indices {
			if f.Masked[i] {
				continue
			}
			dt := tab.T[i] - st.T0
			if dt <= 0 {
				unphysical++
				continue
			}
			d := dspacingFactorSI * dt / (2 * tab.Ltotal[i] * math.Sin(tab.TwoTheta[i]/2)) * metersToAngstrom
			out.Weights = append(out.Weights, tab.Weight[i])
			out.Variances = append(out.Variances, tab.Variance[i])
			out.Tof = append(out.Tof, dt*1e6)
			out.PulseTime = append(out.PulseTime, 0)
			out.Pixel = append(out.Pixel, tab.ID[i])
			out.Dspacing = append(out.Dspacing, d)
		}
	}
	if unphysical > 0 {
		monitoring.Logf("Dropped %d events with non-positive time of flight", unphysical)
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("beer: no events survived streak fitting")
	}
	return out, nil
}
