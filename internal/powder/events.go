package powder

import "fmt"

// EventList holds detector events in struct-of-slices form. All per-event
// slices have the same length; derived coordinate slices (Wavelength,
// Dspacing) are nil until a conversion fills them in.
//
// Weights carry the event weight (simulated data uses fractional weights,
// measured data starts at 1 count per event) and Variances the squared
// uncertainty of that weight. Tof is the time-of-flight in microseconds,
// PulseTime the absolute source pulse timestamp in nanoseconds since the
// epoch, and Pixel the detector pixel ID the event was recorded in.
type EventList struct {
	Weights   []float64
	Variances []float64
	Tof       []float64
	PulseTime []int64
	Pixel     []int32

	Wavelength []float64
	Dspacing   []float64

	// WeightUnit is the unit of Weights, usually "counts". Normalization
	// steps change it, e.g. dividing by a vanadium histogram yields "one".
	WeightUnit string
}

// NewEventList returns an empty event list with capacity n.
func NewEventList(n int) *EventList {
	return &EventList{
		Weights:    make([]float64, 0, n),
		Variances:  make([]float64, 0, n),
		Tof:        make([]float64, 0, n),
		PulseTime:  make([]int64, 0, n),
		Pixel:      make([]int32, 0, n),
		WeightUnit: UnitCounts,
	}
}

// Len returns the number of events.
func (e *EventList) Len() int { return len(e.Weights) }

// Append adds one event. Derived coordinates of existing events are
// invalidated because the new event has none.
func (e *EventList) Append(weight, variance, tof float64, pulseTime int64, pixel int32) {
	e.Weights = append(e.Weights, weight)
	e.Variances = append(e.Variances, variance)
	e.Tof = append(e.Tof, tof)
	e.PulseTime = append(e.PulseTime, pulseTime)
	e.Pixel = append(e.Pixel, pixel)
	e.Wavelength = nil
	e.Dspacing = nil
}

// Validate checks that all populated slices agree in length.
func (e *EventList) Validate() error {
	n := len(e.Weights)
	check := func(name string, l int) error {
		if l != n {
			return fmt.Errorf("event list slice %s has length %d, want %d", name, l, n)
		}
		return nil
	}
	if err := check("variances", len(e.Variances)); err != nil {
		return err
	}
	if err := check("tof", len(e.Tof)); err != nil {
		return err
	}
	if err := check("pulse_time", len(e.PulseTime)); err != nil {
		return err
	}
	if err := check("pixel", len(e.Pixel)); err != nil {
		return err
	}
	if e.Wavelength != nil {
		if err := check("wavelength", len(e.Wavelength)); err != nil {
			return err
		}
	}
	if e.Dspacing != nil {
		if err := check("dspacing", len(e.Dspacing)); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy.
func (e *EventList) Clone() *EventList {
	out := &EventList{
		Weights:    append([]float64(nil), e.Weights...),
		Variances:  append([]float64(nil), e.Variances...),
		Tof:        append([]float64(nil), e.Tof...),
		PulseTime:  append([]int64(nil), e.PulseTime...),
		Pixel:      append([]int32(nil), e.Pixel...),
		WeightUnit: e.WeightUnit,
	}
	if e.Wavelength != nil {
		out.Wavelength = append([]float64(nil), e.Wavelength...)
	}
	if e.Dspacing != nil {
		out.Dspacing = append([]float64(nil), e.Dspacing...)
	}
	return out
}

// Filter returns a new event list containing only events for which keep
// returns true. The receiver is not modified.
func (e *EventList) Filter(keep func(i int) bool) *EventList {
	out := &EventList{WeightUnit: e.WeightUnit}
	if e.Wavelength != nil {
		out.Wavelength = []float64{}
	}
	if e.Dspacing != nil {
		out.Dspacing = []float64{}
	}
	for i := range e.Weights {
		if !keep(i) {
			continue
		}
		out.Weights = append(out.Weights, e.Weights[i])
		out.Variances = append(out.Variances, e.Variances[i])
		out.Tof = append(out.Tof, e.Tof[i])
		out.PulseTime = append(out.PulseTime, e.PulseTime[i])
		out.Pixel = append(out.Pixel, e.Pixel[i])
		if e.Wavelength != nil {
			out.Wavelength = append(out.Wavelength, e.Wavelength[i])
		}
		if e.Dspacing != nil {
			out.Dspacing = append(out.Dspacing, e.Dspacing[i])
		}
	}
	return out
}

// Scale multiplies all weights by f in place, propagating variances.
func (e *EventList) Scale(f float64) {
	for i := range e.Weights {
		e.Weights[i] *= f
		e.Variances[i] *= f * f
	}
}

// TotalWeight sums the event weights.
func (e *EventList) TotalWeight() float64 {
	var sum float64
	for _, w := range e.Weights {
		sum += w
	}
	return sum
}

// Merge appends all events of other onto e. Derived coordinates survive
// only if both lists carry them. The weight units must agree.
func (e *EventList) Merge(other *EventList) error {
	if e.WeightUnit != other.WeightUnit {
		return fmt.Errorf("cannot merge event lists with units %q and %q", e.WeightUnit, other.WeightUnit)
	}
	e.Weights = append(e.Weights, other.Weights...)
	e.Variances = append(e.Variances, other.Variances...)
	e.Tof = append(e.Tof, other.Tof...)
	e.PulseTime = append(e.PulseTime, other.PulseTime...)
	e.Pixel = append(e.Pixel, other.Pixel...)
	if e.Wavelength != nil && other.Wavelength != nil {
		e.Wavelength = append(e.Wavelength, other.Wavelength...)
	} else {
		e.Wavelength = nil
	}
	if e.Dspacing != nil && other.Dspacing != nil {
		e.Dspacing = append(e.Dspacing, other.Dspacing...)
	} else {
		e.Dspacing = nil
	}
	return nil
}
