// Package xye writes histograms as plain-text XYE files: one line per
// bin with the coordinate midpoint, the intensity and its standard
// uncertainty.
package xye

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/neutron-data/powder.report/internal/monitoring"
	"github.com/neutron-data/powder.report/internal/powder"
)

// Write renders a histogram. The header line names the columns and
// units; masked bins are skipped. Histograms without variances get zero
// uncertainties.
func Write(w io.Writer, hist *powder.Histogram) error {
	if err := hist.Edges.Validate(); err != nil {
		return fmt.Errorf("xye: %w", err)
	}
	var out strings.Builder
	fmt.Fprintf(&out, "# %s [%s] intensity [%s] sigma [%s]\n",
		hist.Edges.Name, hist.Edges.Unit, hist.Unit, hist.Unit)
	centers := hist.Edges.Centers()
	for i, c := range hist.Counts {
		if hist.IsMasked(i) {
			continue
		}
		var su float64
		if hist.Variances != nil {
			su = math.Sqrt(hist.Variances[i])
		}
		fmt.Fprintf(&out, "%g %g %g\n", centers[i], c, su)
	}
	if _, err := io.WriteString(w, out.String()); err != nil {
		return fmt.Errorf("xye: %w", err)
	}
	return nil
}

// WriteFile writes a histogram to disk.
func WriteFile(path string, hist *powder.Histogram) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("xye: %w", err)
	}
	if err := Write(f, hist); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("xye: %w", err)
	}
	monitoring.Logf("Wrote %d-bin profile to %s", hist.Edges.NBins(), path)
	return nil
}
