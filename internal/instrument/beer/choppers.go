package beer

import "fmt"

// ChopperDelay returns the wavelength-definition chopper delay relative
// to the source pulse in seconds for an instrument mode.
func ChopperDelay(mode string) (float64, error) {
	switch mode {
	case "7", "8":
		return 0.00245635, nil
	case "9", "10":
		return 0.0033730158730158727, nil
	case "16":
		return 0.000876984126984127, nil
	}
	return 0, fmt.Errorf("beer: mode %q is not known", mode)
}

// ModulationPeriod returns the effective period of the modulation
// chopper in seconds, 1/(K*F) with K openings at frequency F.
func ModulationPeriod(mode string) (float64, error) {
	switch mode {
	case "7", "8":
		return 1.0 / (8 * 70), nil
	case "9":
		return 1.0 / (8 * 140), nil
	case "10":
		return 1.0 / (8 * 280), nil
	case "16":
		return 1.0 / (4 * 280), nil
	}
	return 0, fmt.Errorf("beer: mode %q is not known", mode)
}
