// Package transform converts reduced spectra between representations,
// currently from the structure factor S(Q) to the pair distribution
// function G(r).
package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/neutron-data/powder.report/internal/powder"
)

// pdfKernel evaluates the discretized sine-transform kernel on midpoint
// Q values: row i, column j holds
//
//	(2 / (pi * dr_i)) * (cos(Qm_j*r_i) - cos(Qm_j*r_{i+1})) * dQ_j
//
// so that G = kernel * (S - 1).
func pdfKernel(q, r []float64) *mat.Dense {
	nQ := len(q) - 1
	nR := len(r) - 1
	a := mat.NewDense(nR, nQ, nil)
	for i := 0; i < nR; i++ {
		c := 2 / (math.Pi * (r[i+1] - r[i]))
		for j := 0; j < nQ; j++ {
			qm := (q[j] + q[j+1]) / 2
			dq := q[j+1] - q[j]
			a.Set(i, j, c*(math.Cos(qm*r[i])-math.Cos(qm*r[i+1]))*dq)
		}
	}
	return a
}

func validatePDFInputs(s *powder.Histogram, redges powder.Edges) error {
	if s.Edges.Name != "Q" {
		return fmt.Errorf("pdf transform: structure factor axis is %q, want Q", s.Edges.Name)
	}
	if err := redges.Validate(); err != nil {
		return fmt.Errorf("pdf transform: output grid: %w", err)
	}
	if redges.Name != "r" {
		return fmt.Errorf("pdf transform: output axis is %q, want r", redges.Name)
	}
	return nil
}

// PDFFromStructureFactor computes the pair distribution function G(r)
// from a histogrammed structure factor S(Q) on the given r bin edges:
//
//	G_i = 2/(pi*dr_i) * sum_j (S_j - 1) * (cos(Qm_j*r_i) - cos(Qm_j*r_{i+1})) * dQ_j
//
// S(Q) variances are broadcast over all output bins by the kernel, which
// correlates them; mode controls whether that is an error, the variances
// are dropped, or inflated to an upper bound.
func PDFFromStructureFactor(s *powder.Histogram, redges powder.Edges, mode powder.UncertaintyMode) (*powder.Histogram, error) {
	if err := validatePDFInputs(s, redges); err != nil {
		return nil, err
	}
	nR := redges.NBins()

	variances := s.Variances
	if mode == "" {
		mode = powder.UncertaintyFail
	}
	var anyVar bool
	for _, v := range variances {
		if v != 0 {
			anyVar = true
			break
		}
	}
	if anyVar {
		switch mode {
		case powder.UncertaintyFail:
			return nil, fmt.Errorf("pdf transform: broadcasting S(Q) variances onto G(r) introduces correlations; pass mode %q or %q",
				powder.UncertaintyDrop, powder.UncertaintyUpperBound)
		case powder.UncertaintyDrop:
			variances = nil
		case powder.UncertaintyUpperBound:
			scaled := make([]float64, len(variances))
			for j, v := range variances {
				scaled[j] = v * float64(nR)
			}
			variances = scaled
		default:
			return nil, fmt.Errorf("unknown uncertainty mode %q", mode)
		}
	}

	kernel := pdfKernel(s.Edges.Values, redges.Values)
	out := powder.NewHistogram(redges)
	out.Unit = powder.UnitInverseAngstromSqrd
	if variances == nil {
		out.DropVariances()
	}
	for i := 0; i < redges.NBins(); i++ {
		var g, gv float64
		for j := range s.Counts {
			a := kernel.At(i, j)
			g += a * (s.Counts[j] - 1)
			if variances != nil {
				gv += a * a * variances[j]
			}
		}
		out.Counts[i] = g
		if variances != nil {
			out.Variances[i] = gv
		}
	}
	return out, nil
}

// PDFWithCovariance computes G(r) like PDFFromStructureFactor and also
// the full covariance matrix of the output bins, cov = A diag(var) A^T
// with A the transform kernel. The covariance always uses the original
// S(Q) variances; the mode only shapes the per-bin variances of G.
func PDFWithCovariance(s *powder.Histogram, redges powder.Edges, mode powder.UncertaintyMode) (*powder.Histogram, *mat.Dense, error) {
	if s.Variances == nil {
		return nil, nil, fmt.Errorf("pdf transform: structure factor carries no variances for a covariance matrix")
	}
	g, err := PDFFromStructureFactor(s, redges, mode)
	if err != nil {
		return nil, nil, err
	}

	kernel := pdfKernel(s.Edges.Values, redges.Values)
	nR, nQ := kernel.Dims()
	b := mat.NewDense(nR, nQ, nil)
	for i := 0; i < nR; i++ {
		for j := 0; j < nQ; j++ {
			b.Set(i, j, kernel.At(i, j)*math.Sqrt(s.Variances[j]))
		}
	}
	var cov mat.Dense
	cov.Mul(b, b.T())
	return g, &cov, nil
}
