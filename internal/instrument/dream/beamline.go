// Package dream loads DREAM simulation data: Geant4 event dumps in CSV
// form and McStas monitor histograms, organized into the instrument's
// detector banks.
package dream

import (
	"fmt"

	"github.com/neutron-data/powder.report/internal/powder"
)

// Beamline positions of the simulated instrument, in metres. The
// simulation files carry detector voxel positions but no source or
// sample, so reductions fall back to these.
var (
	DefaultSamplePosition      = powder.Vec3{}
	DefaultSourcePosition      = powder.Vec3{X: -3.478e-3, Z: -76.550}
	DefaultCaveMonitorPosition = powder.Vec3{Z: -4.220}
)

// DefaultProtonCharge is the accumulated charge assumed for simulated
// runs, in microampere hours.
const DefaultProtonCharge = 1.0

// Bank names produced by the Geant4 loader.
const (
	BankMantle         = "mantle"
	BankEndcapBackward = "endcap_backward"
	BankEndcapForward  = "endcap_forward"
	BankHighResolution = "high_resolution"
	BankSans           = "sans"
)

// bankShapesDay1 holds the logical pixel layout of each bank in the
// day-1 configuration. The high-resolution and SANS detectors follow an
// irregular numbering and only their strip count is regular.
var bankShapesDay1 = map[string]map[string]int{
	BankEndcapBackward: {"strip": 16, "wire": 16, "module": 11, "segment": 28, "counter": 2},
	BankEndcapForward:  {"strip": 16, "wire": 16, "module": 5, "segment": 28, "counter": 2},
	BankMantle:         {"wire": 32, "module": 5, "segment": 6, "strip": 256, "counter": 2},
	BankHighResolution: {"strip": 32},
	BankSans:           {"strip": 32},
}

// BankShapesDay1 returns the logical dimension sizes of a detector bank
// in the day-1 configuration.
func BankShapesDay1(bank string) (map[string]int, error) {
	shape, ok := bankShapesDay1[bank]
	if !ok {
		return nil, fmt.Errorf("dream: unknown detector bank %q", bank)
	}
	out := make(map[string]int, len(shape))
	for k, v := range shape {
		out[k] = v
	}
	return out, nil
}

// InstrumentConfiguration selects the chopper cascade settings a run was
// recorded with.
type InstrumentConfiguration int

const (
	HighFluxBC215 InstrumentConfiguration = iota
	HighFluxBC240
	HighResolution
)

func (c InstrumentConfiguration) String() string {
	switch c {
	case HighFluxBC215:
		return "high_flux_BC215"
	case HighFluxBC240:
		return "high_flux_BC240"
	case HighResolution:
		return "high_resolution"
	}
	return fmt.Sprintf("InstrumentConfiguration(%d)", int(c))
}

// ParseInstrumentConfiguration maps a configuration name to its value.
func ParseInstrumentConfiguration(s string) (InstrumentConfiguration, error) {
	switch s {
	case "high_flux_BC215":
		return HighFluxBC215, nil
	case "high_flux_BC240":
		return HighFluxBC240, nil
	case "high_resolution":
		return HighResolution, nil
	}
	return 0, fmt.Errorf("dream: unknown instrument configuration %q", s)
}
