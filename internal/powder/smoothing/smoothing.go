// Package smoothing provides lowpass filtering of histograms. Monitor
// spectra are smoothed before they are divided into event data so counting
// noise in the monitor does not imprint onto the normalized pattern.
package smoothing

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/neutron-data/powder.report/internal/monitoring"
	"github.com/neutron-data/powder.report/internal/powder"
)

// LowpassCounts applies an FFT lowpass to a raw sample slice: coefficients
// above cutoff (a fraction of the Nyquist frequency in (0, 1]) are zeroed
// and the sequence is transformed back. The input is not modified.
func LowpassCounts(samples []float64, cutoff float64) ([]float64, error) {
	n := len(samples)
	if n < 4 {
		return nil, fmt.Errorf("lowpass: need at least 4 samples, got %d", n)
	}
	if cutoff <= 0 || cutoff > 1 {
		return nil, fmt.Errorf("lowpass: cutoff must be in (0, 1], got %g", cutoff)
	}

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, samples)

	// Coefficient index i corresponds to normalized frequency i/n; the
	// Nyquist index is len(coeffs)-1.
	keep := int(cutoff * float64(len(coeffs)-1))
	if keep < 1 {
		keep = 1
	}
	for i := keep + 1; i < len(coeffs); i++ {
		coeffs[i] = 0
	}

	out := fft.Sequence(nil, coeffs)
	// Coefficients followed by Sequence scales by n.
	for i := range out {
		out[i] /= float64(n)
	}
	return out, nil
}

// Lowpass smooths a histogram's counts. Variances do not survive
// smoothing: the filter correlates neighbouring bins in a way plain
// per-bin variances cannot express, so they are dropped with a warning.
func Lowpass(h *powder.Histogram, cutoff float64) (*powder.Histogram, error) {
	smoothed, err := LowpassCounts(h.Counts, cutoff)
	if err != nil {
		return nil, err
	}
	out := h.Clone()
	out.Counts = smoothed
	if out.Variances != nil {
		monitoring.Logf("Lowpass smoothing %s histogram with cutoff %g; variances are dropped because smoothing invalidates them", h.Edges.Name, cutoff)
		out.DropVariances()
	}
	return out, nil
}
