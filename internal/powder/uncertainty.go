package powder

import "fmt"

// UncertaintyMode controls how variances of a denominator are treated when
// it is broadcast across many events in a division, e.g. normalizing a
// binned sample run by a vanadium histogram. Reusing one bin's variance
// for every event in the bin introduces correlations that plain error
// propagation cannot represent, so the caller must choose a policy.
type UncertaintyMode string

const (
	// UncertaintyFail rejects the operation when the denominator carries
	// variances that would need broadcasting.
	UncertaintyFail UncertaintyMode = "fail"
	// UncertaintyDrop discards the denominator variances.
	UncertaintyDrop UncertaintyMode = "drop"
	// UncertaintyUpperBound scales the denominator variances by the number
	// of events consuming each bin, treating the broadcast copies as fully
	// correlated. The propagated uncertainties are an upper bound.
	UncertaintyUpperBound UncertaintyMode = "upper-bound"
)

// ParseUncertaintyMode validates a mode string from config or flags.
func ParseUncertaintyMode(s string) (UncertaintyMode, error) {
	switch UncertaintyMode(s) {
	case UncertaintyFail, UncertaintyDrop, UncertaintyUpperBound:
		return UncertaintyMode(s), nil
	}
	return "", fmt.Errorf("unknown uncertainty mode %q (want fail, drop or upper-bound)", s)
}

// BroadcastDenominator prepares a histogram for event-wise division under
// the given mode. coordOf yields the lookup coordinate of event i in the
// numerator list; it is consulted only for the upper-bound mode, which
// needs the per-bin consumer counts. The returned histogram is a copy;
// the input is never modified.
func BroadcastDenominator(h *Histogram, mode UncertaintyMode, nEvents int, coordOf func(i int) float64) (*Histogram, error) {
	hasVariance := false
	if h.Variances != nil {
		for _, v := range h.Variances {
			if v != 0 {
				hasVariance = true
				break
			}
		}
	}
	if !hasVariance {
		return h.Clone(), nil
	}
	switch mode {
	case UncertaintyFail:
		return nil, fmt.Errorf("denominator carries variances that would be broadcast; pass mode %q or %q to proceed",
			UncertaintyDrop, UncertaintyUpperBound)
	case UncertaintyDrop:
		out := h.Clone()
		out.DropVariances()
		return out, nil
	case UncertaintyUpperBound:
		out := h.Clone()
		consumers := make([]float64, len(out.Counts))
		for i := 0; i < nEvents; i++ {
			if bin, ok := out.Edges.Index(coordOf(i)); ok {
				consumers[bin]++
			}
		}
		for i := range out.Variances {
			if consumers[i] > 1 {
				out.Variances[i] *= consumers[i]
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown uncertainty mode %q", mode)
}
