package peaks

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/neutron-data/powder.report/internal/monitoring"
	"github.com/neutron-data/powder.report/internal/powder"
)

// GaussianParams are the fitted peak parameters.
type GaussianParams struct {
	Amplitude float64
	Center    float64
	Width     float64
}

// Eval evaluates the gaussian at x.
func (g GaussianParams) Eval(x float64) float64 {
	dx := x - g.Center
	return g.Amplitude * math.Exp(-dx*dx/(2*g.Width*g.Width))
}

// FitResult reports the fit of one window. A failed fit carries a short
// reason in Message; FitPeaks never aborts on non-convergence.
type FitResult struct {
	Window     Window
	Peak       GaussianParams
	Background []float64 // polynomial coefficients, ascending power
	Success    bool
	Message    string
}

// minWindowBins is the smallest number of bins a window must cover to
// determine the five-parameter gaussian-plus-linear model.
const minWindowBins = 6

// FitPeaks fits a gaussian plus polynomial background in every window of
// the histogram. The background starts linear; when the linear fit fails
// validation it is retried quadratic. Failures are reported per window,
// never panicked on.
func FitPeaks(h *powder.Histogram, windows []Window) []FitResult {
	centers := h.Edges.Centers()
	results := make([]FitResult, 0, len(windows))
	var failed int
	for _, w := range windows {
		r := fitWindow(h, centers, w)
		if !r.Success {
			failed++
		}
		results = append(results, r)
	}
	monitoring.Logf("Fitted %d peak windows (%d failed)", len(results), failed)
	return results
}

func fitWindow(h *powder.Histogram, centers []float64, w Window) FitResult {
	var xs, ys, vars []float64
	for i, c := range centers {
		if c < w.Lo || c > w.Hi || h.IsMasked(i) {
			continue
		}
		xs = append(xs, c)
		ys = append(ys, h.Counts[i])
		if h.Variances != nil {
			vars = append(vars, h.Variances[i])
		} else {
			vars = append(vars, 1)
		}
	}
	if len(xs) < minWindowBins {
		return FitResult{Window: w, Message: fmt.Sprintf("window covers %d bins, need at least %d", len(xs), minWindowBins)}
	}

	r := fitModel(w, xs, ys, vars, 1)
	if r.Success {
		return r
	}
	return fitModel(w, xs, ys, vars, 2)
}

func fitModel(w Window, xs, ys, vars []float64, degree int) FitResult {
	if len(xs) < 3+degree+1 {
		return FitResult{Window: w, Message: fmt.Sprintf("window covers %d bins, need at least %d for degree %d", len(xs), 3+degree+1, degree)}
	}

	bg, err := seedBackground(w, xs, ys, degree)
	if err != nil {
		return FitResult{Window: w, Message: err.Error()}
	}

	// Seed the gaussian from the largest residual over the background.
	var amp, center float64
	for i, x := range xs {
		if r := ys[i] - polyEval(bg, x); r > amp {
			amp, center = r, x
		}
	}
	if amp <= 0 {
		return FitResult{Window: w, Message: "no peak above background in window"}
	}
	width := (w.Hi - w.Lo) / 8

	p0 := append([]float64{amp, center, width}, bg...)
	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			var chi2 float64
			for i, x := range xs {
				dx := x - p[1]
				m := p[0]*math.Exp(-dx*dx/(2*p[2]*p[2])) + polyEval(p[3:], x)
				r := m - ys[i]
				chi2 += r * r / math.Max(vars[i], 1)
			}
			return chi2
		},
	}
	result, err := optimize.Minimize(problem, p0, nil, &optimize.NelderMead{})
	if err != nil {
		return FitResult{Window: w, Message: fmt.Sprintf("fit did not converge: %v", err)}
	}
	if err := result.Status.Err(); err != nil {
		return FitResult{Window: w, Message: fmt.Sprintf("fit did not converge: %v", err)}
	}

	fr := FitResult{
		Window: w,
		Peak: GaussianParams{
			Amplitude: result.X[0],
			Center:    result.X[1],
			Width:     math.Abs(result.X[2]),
		},
		Background: append([]float64(nil), result.X[3:]...),
	}
	switch {
	case fr.Peak.Amplitude <= 0:
		fr.Message = "non-positive amplitude"
	case fr.Peak.Center < w.Lo || fr.Peak.Center > w.Hi:
		fr.Message = "center outside window"
	case fr.Peak.Width <= 0 || fr.Peak.Width >= w.Hi-w.Lo:
		fr.Message = "width out of range"
	default:
		fr.Success = true
	}
	return fr
}

// seedBackground least-squares fits the polynomial on the window edges,
// where the data is background dominated. Falls back to the full window
// when the edges hold too few points.
func seedBackground(w Window, xs, ys []float64, degree int) ([]float64, error) {
	margin := (w.Hi - w.Lo) / 4
	var ex, ey []float64
	for i, x := range xs {
		if x <= w.Lo+margin || x >= w.Hi-margin {
			ex = append(ex, x)
			ey = append(ey, ys[i])
		}
	}
	if len(ex) < degree+1 {
		ex, ey = xs, ys
	}
	return polyFit(ex, ey, degree)
}

func polyFit(xs, ys []float64, degree int) ([]float64, error) {
	a := mat.NewDense(len(xs), degree+1, nil)
	for i, x := range xs {
		v := 1.0
		for j := 0; j <= degree; j++ {
			a.Set(i, j, v)
			v *= x
		}
	}
	b := mat.NewVecDense(len(ys), ys)
	var coef mat.VecDense
	if err := coef.SolveVec(a, b); err != nil {
		return nil, fmt.Errorf("background seed failed: %v", err)
	}
	out := make([]float64, degree+1)
	for j := range out {
		out[j] = coef.AtVec(j)
	}
	return out, nil
}

func polyEval(coeffs []float64, x float64) float64 {
	var y, v float64
	v = 1
	for _, c := range coeffs {
		y += c * v
		v *= x
	}
	return y
}

// RemovePeaks subtracts the fitted gaussians of successful fits from the
// histogram, leaving the background component in place. Variances are
// unchanged: the subtracted model is treated as exact.
func RemovePeaks(h *powder.Histogram, fits []FitResult) *powder.Histogram {
	out := h.Clone()
	centers := h.Edges.Centers()
	for _, fr := range fits {
		if !fr.Success {
			continue
		}
		for i, c := range centers {
			if c < fr.Window.Lo || c > fr.Window.Hi {
				continue
			}
			out.Counts[i] -= fr.Peak.Eval(c)
		}
	}
	return out
}
