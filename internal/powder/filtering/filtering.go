// Package filtering removes events recorded during bad source pulses.
// Accelerator glitches show up as pulses with abnormally low proton
// charge; events from those pulses carry a distorted incident spectrum
// and are dropped before normalization.
package filtering

import (
	"fmt"
	"sort"

	"github.com/neutron-data/powder.report/internal/monitoring"
	"github.com/neutron-data/powder.report/internal/powder"
)

// ChargeLog is the per-pulse proton charge time series of a run. Sample i
// covers the interval [PulseTime[i], PulseTime[i+1]); the last sample
// covers everything from its own timestamp on.
type ChargeLog struct {
	PulseTime []int64
	Charge    []float64
	Unit      string
}

// Validate checks lengths and time ordering.
func (c ChargeLog) Validate() error {
	if len(c.PulseTime) != len(c.Charge) {
		return fmt.Errorf("charge log: %d pulse times but %d charge samples", len(c.PulseTime), len(c.Charge))
	}
	if len(c.Charge) == 0 {
		return fmt.Errorf("charge log: empty")
	}
	for i := 1; i < len(c.PulseTime); i++ {
		if c.PulseTime[i] < c.PulseTime[i-1] {
			return fmt.Errorf("charge log: pulse times not sorted at index %d", i)
		}
	}
	return nil
}

// Mean returns the mean charge sample.
func (c ChargeLog) Mean() float64 {
	var sum float64
	for _, v := range c.Charge {
		sum += v
	}
	return sum / float64(len(c.Charge))
}

// Accumulate returns the summed charge of all samples.
func (c ChargeLog) Accumulate() float64 {
	var sum float64
	for _, v := range c.Charge {
		sum += v
	}
	return sum
}

// sampleIndex returns the charge sample covering pulse time t, or -1 when
// t precedes the log.
func (c ChargeLog) sampleIndex(t int64) int {
	// sort.Search finds the first sample after t; the covering sample is
	// one to the left.
	i := sort.Search(len(c.PulseTime), func(i int) bool { return c.PulseTime[i] > t })
	return i - 1
}

// RemoveBadPulses drops all events recorded during pulses whose charge is
// below thresholdFactor times the mean charge. Events outside the covered
// time range are dropped too. The input list is never modified.
func RemoveBadPulses(events *powder.EventList, charge ChargeLog, thresholdFactor float64) (*powder.EventList, int, error) {
	if err := charge.Validate(); err != nil {
		return nil, 0, err
	}
	threshold := thresholdFactor * charge.Mean()
	good := make([]bool, len(charge.Charge))
	nBad := 0
	for i, v := range charge.Charge {
		good[i] = v >= threshold
		if !good[i] {
			nBad++
		}
	}
	if nBad > 0 {
		monitoring.Logf("Pulse filter: %d of %d pulses below threshold %g %s", nBad, len(good), threshold, charge.Unit)
	}

	out := events.Filter(func(i int) bool {
		s := charge.sampleIndex(events.PulseTime[i])
		return s >= 0 && good[s]
	})
	return out, events.Len() - out.Len(), nil
}
