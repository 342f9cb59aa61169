package dream

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/neutron-data/powder.report/internal/monitoring"
	"github.com/neutron-data/powder.report/internal/powder"
)

// LoadMonitor reads a McStas 1-D TOF monitor file. These are plain-text
// histograms with `#`-prefixed metadata and a `# variables:` line naming
// the columns, typically `t I I_err N`:
//
//	# xvar: t
//	# xlimits: 0.01 0.1
//	# variables: t I I_err N
//	0.0105 12.5 0.3 1700
//
// Times are seconds at the monitor position; the returned histogram is
// on a tof axis in microseconds, with the intensity errors squared into
// variances. Bin edges are reconstructed from the bin centres.
func LoadMonitor(r io.Reader) (*powder.Histogram, error) {
	sc := bufio.NewScanner(r)
	var names []string
	var centers, counts, errs []float64
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			meta := strings.TrimSpace(strings.TrimPrefix(text, "#"))
			if rest, ok := strings.CutPrefix(meta, "variables:"); ok {
				names = strings.Fields(rest)
			}
			continue
		}
		if names == nil {
			return nil, fmt.Errorf("dream: line %d: data before the variables header", line)
		}
		fields := strings.Fields(text)
		if len(fields) != len(names) {
			return nil, fmt.Errorf("dream: line %d: %d fields for %d variables", line, len(fields), len(names))
		}
		row := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("dream: line %d: %w", line, err)
			}
			row[i] = v
		}
		centers = append(centers, row[0])
		counts = append(counts, row[1])
		if len(row) > 2 {
			errs = append(errs, row[2])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dream: %w", err)
	}
	if names == nil {
		return nil, fmt.Errorf("dream: no variables header found")
	}
	if len(names) < 2 {
		return nil, fmt.Errorf("dream: monitor needs at least time and intensity columns, got %v", names)
	}
	if len(centers) < 2 {
		return nil, fmt.Errorf("dream: monitor has %d rows, need at least 2", len(centers))
	}

	edges, err := edgesFromCenters(centers)
	if err != nil {
		return nil, fmt.Errorf("dream: %w", err)
	}
	for i := range edges {
		edges[i] *= 1e6
	}
	hist := powder.NewHistogram(powder.Edges{
		Name:   "tof",
		Unit:   powder.UnitMicroseconds,
		Values: edges,
	})
	copy(hist.Counts, counts)
	if errs != nil {
		for i, e := range errs {
			hist.Variances[i] = e * e
		}
	} else {
		hist.Variances = nil
	}
	monitoring.Logf("Loaded monitor histogram with %d bins over [%g, %g] us",
		hist.Edges.NBins(), edges[0], edges[len(edges)-1])
	return hist, nil
}

// edgesFromCenters reconstructs bin edges as the midpoints between
// neighbouring centres, extrapolating half a bin at either end.
func edgesFromCenters(centers []float64) ([]float64, error) {
	for i := 1; i < len(centers); i++ {
		if centers[i] <= centers[i-1] {
			return nil, fmt.Errorf("bin centres not increasing at index %d", i)
		}
	}
	n := len(centers)
	edges := make([]float64, n+1)
	edges[0] = centers[0] - (centers[1]-centers[0])/2
	for i := 1; i < n; i++ {
		edges[i] = (centers[i-1] + centers[i]) / 2
	}
	edges[n] = centers[n-1] + (centers[n-1]-centers[n-2])/2
	return edges, nil
}

// LoadMonitorFile reads a McStas monitor histogram from disk.
func LoadMonitorFile(path string) (*powder.Histogram, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dream: %w", err)
	}
	defer f.Close()
	return LoadMonitor(f)
}
