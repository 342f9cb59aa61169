package powder

import "fmt"

// RunType identifies the role of a measurement session in a reduction.
// A reduction typically combines a sample run with a vanadium run and
// optionally a background (empty can or empty beam) run.
type RunType string

const (
	RunSample     RunType = "sample"
	RunVanadium   RunType = "vanadium"
	RunBackground RunType = "background"
	RunEmptyBeam  RunType = "empty_beam"
	RunEmptyCan   RunType = "empty_can"
)

// ParseRunType validates a run type string from config or CLI flags.
func ParseRunType(s string) (RunType, error) {
	switch RunType(s) {
	case RunSample, RunVanadium, RunBackground, RunEmptyBeam, RunEmptyCan:
		return RunType(s), nil
	}
	return "", fmt.Errorf("unknown run type %q", s)
}

// NormalizationMode selects how a run is normalized to the incident flux.
type NormalizationMode string

const (
	// NormProtonCharge divides by the accumulated proton charge of the run.
	NormProtonCharge NormalizationMode = "proton_charge"
	// NormMonitorHistogram divides event weights by a wavelength-dependent
	// monitor histogram lookup.
	NormMonitorHistogram NormalizationMode = "monitor_histogram"
	// NormMonitorIntegrated divides by the integrated monitor counts.
	NormMonitorIntegrated NormalizationMode = "monitor_integrated"
)

// ParseNormalizationMode validates a normalization mode string.
func ParseNormalizationMode(s string) (NormalizationMode, error) {
	switch NormalizationMode(s) {
	case NormProtonCharge, NormMonitorHistogram, NormMonitorIntegrated:
		return NormalizationMode(s), nil
	}
	return "", fmt.Errorf("unknown normalization mode %q", s)
}
