package powder

import (
	"fmt"
	"math"
	"sort"
)

// Edges describes one binning axis: a name such as "dspacing" or "tof",
// a unit tag, and len(Values) = nbins+1 strictly ascending bin boundaries.
type Edges struct {
	Name   string
	Unit   string
	Values []float64
}

// LinspaceEdges builds n equally spaced bins covering [lo, hi].
func LinspaceEdges(name, unit string, lo, hi float64, n int) (Edges, error) {
	if n < 1 {
		return Edges{}, fmt.Errorf("edges %s: need at least 1 bin, got %d", name, n)
	}
	if !(hi > lo) {
		return Edges{}, fmt.Errorf("edges %s: upper bound %g not above lower bound %g", name, hi, lo)
	}
	vals := make([]float64, n+1)
	step := (hi - lo) / float64(n)
	for i := range vals {
		vals[i] = lo + float64(i)*step
	}
	vals[n] = hi
	return Edges{Name: name, Unit: unit, Values: vals}, nil
}

// NBins returns the number of bins.
func (e Edges) NBins() int { return len(e.Values) - 1 }

// Validate checks the edge values are strictly ascending.
func (e Edges) Validate() error {
	if len(e.Values) < 2 {
		return fmt.Errorf("edges %s: need at least 2 boundaries, got %d", e.Name, len(e.Values))
	}
	for i := 1; i < len(e.Values); i++ {
		if !(e.Values[i] > e.Values[i-1]) {
			return fmt.Errorf("edges %s: boundaries not strictly ascending at index %d", e.Name, i)
		}
	}
	return nil
}

// Index returns the bin index containing x, or false when x lies outside
// the covered range. The last bin is closed on the right so the upper
// boundary itself still belongs to a bin.
func (e Edges) Index(x float64) (int, bool) {
	v := e.Values
	if x < v[0] || x > v[len(v)-1] {
		return 0, false
	}
	if x == v[len(v)-1] {
		return len(v) - 2, true
	}
	// sort.SearchFloat64s returns the insertion point; the bin is one left.
	i := sort.SearchFloat64s(v, x)
	if i < len(v) && v[i] == x {
		return i, true
	}
	return i - 1, true
}

// Centers returns the bin midpoints.
func (e Edges) Centers() []float64 {
	out := make([]float64, e.NBins())
	for i := range out {
		out[i] = 0.5 * (e.Values[i] + e.Values[i+1])
	}
	return out
}

// Widths returns the bin widths.
func (e Edges) Widths() []float64 {
	out := make([]float64, e.NBins())
	for i := range out {
		out[i] = e.Values[i+1] - e.Values[i]
	}
	return out
}

// Clone returns a deep copy of the edges.
func (e Edges) Clone() Edges {
	return Edges{Name: e.Name, Unit: e.Unit, Values: append([]float64(nil), e.Values...)}
}

// Histogram is 1-D binned data: counts and (optionally) variances per bin,
// with a unit tag on the counts. Masked marks bins excluded from output
// and fits; a nil Masked slice means nothing is masked.
type Histogram struct {
	Edges     Edges
	Counts    []float64
	Variances []float64
	Unit      string
	Masked    []bool
}

// NewHistogram returns a zeroed histogram with variances allocated.
func NewHistogram(edges Edges) *Histogram {
	n := edges.NBins()
	return &Histogram{
		Edges:     edges,
		Counts:    make([]float64, n),
		Variances: make([]float64, n),
		Unit:      UnitCounts,
	}
}

// Fill adds weight w with variance v at coordinate x. Out-of-range values
// are dropped; the return reports whether the value landed in a bin.
func (h *Histogram) Fill(x, w, v float64) bool {
	i, ok := h.Edges.Index(x)
	if !ok {
		return false
	}
	h.Counts[i] += w
	if h.Variances != nil {
		h.Variances[i] += v
	}
	return true
}

// Lookup returns the bin content at coordinate x.
func (h *Histogram) Lookup(x float64) (value, variance float64, ok bool) {
	i, iok := h.Edges.Index(x)
	if !iok {
		return 0, 0, false
	}
	value = h.Counts[i]
	if h.Variances != nil {
		variance = h.Variances[i]
	}
	return value, variance, true
}

// Clone returns a deep copy.
func (h *Histogram) Clone() *Histogram {
	out := &Histogram{
		Edges:  h.Edges.Clone(),
		Counts: append([]float64(nil), h.Counts...),
		Unit:   h.Unit,
	}
	if h.Variances != nil {
		out.Variances = append([]float64(nil), h.Variances...)
	}
	if h.Masked != nil {
		out.Masked = append([]bool(nil), h.Masked...)
	}
	return out
}

// DropVariances removes the variance information.
func (h *Histogram) DropVariances() { h.Variances = nil }

// Scale multiplies all counts by f, propagating variances.
func (h *Histogram) Scale(f float64) {
	for i := range h.Counts {
		h.Counts[i] *= f
	}
	if h.Variances != nil {
		for i := range h.Variances {
			h.Variances[i] *= f * f
		}
	}
}

// Integrate sums counts and variances over all unmasked bins.
func (h *Histogram) Integrate() (sum, variance float64) {
	for i, c := range h.Counts {
		if h.IsMasked(i) {
			continue
		}
		sum += c
		if h.Variances != nil {
			variance += h.Variances[i]
		}
	}
	return sum, variance
}

// IsMasked reports whether bin i is masked.
func (h *Histogram) IsMasked(i int) bool {
	return h.Masked != nil && h.Masked[i]
}

// SetMasked marks bin i as masked, allocating the mask on first use.
func (h *Histogram) SetMasked(i int) {
	if h.Masked == nil {
		h.Masked = make([]bool, len(h.Counts))
	}
	h.Masked[i] = true
}

// Rebin redistributes the histogram onto new edges, splitting bin content
// by fractional overlap. Counts are conserved over the intersection of the
// old and new ranges.
func (h *Histogram) Rebin(edges Edges) (*Histogram, error) {
	if err := edges.Validate(); err != nil {
		return nil, err
	}
	if edges.Unit != h.Edges.Unit {
		return nil, fmt.Errorf("rebin: edge unit %q does not match histogram axis unit %q", edges.Unit, h.Edges.Unit)
	}
	out := NewHistogram(edges)
	out.Unit = h.Unit
	if h.Variances == nil {
		out.Variances = nil
	}
	old := h.Edges.Values
	nw := edges.Values
	for i := 0; i < len(old)-1; i++ {
		lo, hi := old[i], old[i+1]
		width := hi - lo
		if width <= 0 {
			continue
		}
		for j := 0; j < len(nw)-1; j++ {
			a := math.Max(lo, nw[j])
			b := math.Min(hi, nw[j+1])
			if b <= a {
				continue
			}
			frac := (b - a) / width
			out.Counts[j] += h.Counts[i] * frac
			if h.Variances != nil && out.Variances != nil {
				out.Variances[j] += h.Variances[i] * frac * frac
			}
		}
	}
	return out, nil
}

// Divide divides h by other bin-wise. Both histograms must share edges.
// Division by an empty bin masks the result bin instead of producing an
// infinity. The result unit must be supplied by the caller since unit
// algebra is out of scope.
func (h *Histogram) Divide(other *Histogram, resultUnit string) (*Histogram, error) {
	if len(h.Counts) != len(other.Counts) {
		return nil, fmt.Errorf("divide: bin counts differ (%d vs %d)", len(h.Counts), len(other.Counts))
	}
	for i, v := range h.Edges.Values {
		if other.Edges.Values[i] != v {
			return nil, fmt.Errorf("divide: edge mismatch at boundary %d", i)
		}
	}
	out := h.Clone()
	out.Unit = resultUnit
	for i := range out.Counts {
		den := other.Counts[i]
		if den == 0 {
			out.Counts[i] = 0
			if out.Variances != nil {
				out.Variances[i] = 0
			}
			out.SetMasked(i)
			continue
		}
		num := h.Counts[i]
		out.Counts[i] = num / den
		if out.Variances != nil {
			var numVar, denVar float64
			if h.Variances != nil {
				numVar = h.Variances[i]
			}
			if other.Variances != nil {
				denVar = other.Variances[i]
			}
			out.Variances[i] = numVar/(den*den) + (num*num)*denVar/(den*den*den*den)
		}
		if other.IsMasked(i) {
			out.SetMasked(i)
		}
	}
	return out, nil
}

// StdDevs returns per-bin standard deviations, zero where variances are
// absent.
func (h *Histogram) StdDevs() []float64 {
	out := make([]float64, len(h.Counts))
	if h.Variances == nil {
		return out
	}
	for i, v := range h.Variances {
		out[i] = math.Sqrt(v)
	}
	return out
}

// Histogram2D is row-major 2-D binned data over an outer (row) and inner
// (column) axis, used for two_theta x dspacing output.
type Histogram2D struct {
	Row       Edges
	Col       Edges
	Counts    []float64
	Variances []float64
	Unit      string
}

// NewHistogram2D returns a zeroed 2-D histogram.
func NewHistogram2D(row, col Edges) *Histogram2D {
	n := row.NBins() * col.NBins()
	return &Histogram2D{
		Row:       row,
		Col:       col,
		Counts:    make([]float64, n),
		Variances: make([]float64, n),
		Unit:      UnitCounts,
	}
}

// Fill adds weight w with variance v at (rowVal, colVal).
func (h *Histogram2D) Fill(rowVal, colVal, w, v float64) bool {
	r, ok := h.Row.Index(rowVal)
	if !ok {
		return false
	}
	c, ok := h.Col.Index(colVal)
	if !ok {
		return false
	}
	i := r*h.Col.NBins() + c
	h.Counts[i] += w
	h.Variances[i] += v
	return true
}

// At returns the content of bin (r, c).
func (h *Histogram2D) At(r, c int) (value, variance float64) {
	i := r*h.Col.NBins() + c
	return h.Counts[i], h.Variances[i]
}

// RowSlice returns row r as a 1-D histogram sharing no storage.
func (h *Histogram2D) RowSlice(r int) *Histogram {
	n := h.Col.NBins()
	out := NewHistogram(h.Col.Clone())
	out.Unit = h.Unit
	copy(out.Counts, h.Counts[r*n:(r+1)*n])
	copy(out.Variances, h.Variances[r*n:(r+1)*n])
	return out
}
