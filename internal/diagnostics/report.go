package diagnostics

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/neutron-data/powder.report/internal/powder/pipeline"
	"github.com/neutron-data/powder.report/internal/security"
)

// WriteRunPlots renders the standard PNG set for a finished reduction
// into dir and returns the written paths. The set depends on what the
// workflow produced: the focused pattern always, per-bank patterns for
// multi-bank results, and the vanadium fit windows when peaks were
// stripped.
func WriteRunPlots(dir string, res *pipeline.Result) ([]string, error) {
	var written []string

	if res.Reduced != nil {
		p := filepath.Join(dir, "pattern.png")
		if err := PatternPlot(res.Reduced, fmt.Sprintf("%s reduced pattern", res.Instrument), p); err != nil {
			return written, err
		}
		written = append(written, p)
	}

	if len(res.Banks) > 1 {
		names := make([]string, 0, len(res.Banks))
		for name := range res.Banks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p := filepath.Join(dir, fmt.Sprintf("pattern_%s.png", security.SanitizeFilename(name)))
			if err := PatternPlot(res.Banks[name], fmt.Sprintf("%s %s", res.Instrument, name), p); err != nil {
				return written, err
			}
			written = append(written, p)
		}
	}

	if res.Vanadium != nil && len(res.VanadiumFits) > 0 {
		p := filepath.Join(dir, "vanadium_fits.png")
		if err := FitPlot(res.Vanadium, res.VanadiumFits, fmt.Sprintf("%s vanadium peak fits", res.Instrument), p); err != nil {
			return written, err
		}
		written = append(written, p)
	}

	return written, nil
}
