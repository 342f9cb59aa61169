// Package peaks predicts the coherent-scattering peak positions of
// vanadium and strips them from histogrammed data by fitting a gaussian
// plus polynomial background per peak window.
package peaks

import (
	"fmt"
	"math"
	"sort"
)

// VanadiumLatticeConstant is the bcc lattice constant of vanadium in
// angstrom.
const VanadiumLatticeConstant = 3.0272

// TheoreticalDspacings enumerates the Bragg d-spacings of a bcc lattice:
// d = a/sqrt(h^2+k^2+l^2) over Miller indices up to hklMax with even
// h+k+l (the bcc reflection condition). The list is deduplicated,
// restricted to d >= minD and sorted descending.
func TheoreticalDspacings(lattice float64, hklMax int, minD float64) []float64 {
	seen := make(map[int]bool)
	var out []float64
	for h := 0; h <= hklMax; h++ {
		for k := 0; k <= hklMax; k++ {
			for l := 0; l <= hklMax; l++ {
				s := h*h + k*k + l*l
				if s == 0 || (h+k+l)%2 != 0 {
					continue
				}
				if seen[s] {
					continue
				}
				seen[s] = true
				if d := lattice / math.Sqrt(float64(s)); d >= minD {
					out = append(out, d)
				}
			}
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(out)))
	return out
}

// VanadiumDspacings returns the standard peak list for vanadium
// normalization runs.
func VanadiumDspacings() []float64 {
	return TheoreticalDspacings(VanadiumLatticeConstant, 10, 0.41)
}

// Window is one fit interval [Lo, Hi] on the histogram coordinate.
type Window struct {
	Lo, Hi float64
}

// FitWindows builds intervals of +-halfWidth around the expected peak
// positions, clips them to the data range [lo, hi], drops windows falling
// entirely outside and merges overlapping ones. A merged window covers
// several expected peaks; its single-peak fit will usually fail
// validation and surface in the diagnostics for manual review.
func FitWindows(centers []float64, halfWidth, lo, hi float64) ([]Window, error) {
	if halfWidth <= 0 {
		return nil, fmt.Errorf("peak windows: half width must be positive, got %g", halfWidth)
	}
	if !(hi > lo) {
		return nil, fmt.Errorf("peak windows: bad data range [%g, %g]", lo, hi)
	}
	var ws []Window
	for _, c := range centers {
		w := Window{Lo: c - halfWidth, Hi: c + halfWidth}
		if w.Hi < lo || w.Lo > hi {
			continue
		}
		if w.Lo < lo {
			w.Lo = lo
		}
		if w.Hi > hi {
			w.Hi = hi
		}
		ws = append(ws, w)
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].Lo < ws[j].Lo })

	var merged []Window
	for _, w := range ws {
		if n := len(merged); n > 0 && w.Lo <= merged[n-1].Hi {
			if w.Hi > merged[n-1].Hi {
				merged[n-1].Hi = w.Hi
			}
			continue
		}
		merged = append(merged, w)
	}
	return merged, nil
}
