package powder

import (
	"fmt"
	"math"
)

// Vec3 is a position in metres in the beamline frame.
type Vec3 struct {
	X, Y, Z float64
}

// Sub returns v - w.
func (v Vec3) Sub(w Vec3) Vec3 { return Vec3{v.X - w.X, v.Y - w.Y, v.Z - w.Z} }

// Norm returns the Euclidean length.
func (v Vec3) Norm() float64 { return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z) }

// Dot returns the dot product.
func (v Vec3) Dot(w Vec3) float64 { return v.X*w.X + v.Y*w.Y + v.Z*w.Z }

// Pixel is one detector pixel with its beamline geometry and, after a
// calibration merge, its diffractometer constants.
type Pixel struct {
	ID       int32
	Position Vec3
	// L2 is the sample-to-pixel flight path in metres and TwoTheta the
	// scattering angle in radians. Both are derived from positions when a
	// geometry is assembled and may be overridden by a loader that ships
	// precomputed values.
	L2       float64
	TwoTheta float64

	// Calibration constants: tof = Difa*d^2 + Difc*d + Tzero, with tof in
	// microseconds and d in angstrom. HasCalibration reports whether a
	// calibration table provided them.
	Difa           float64
	Difc           float64
	Tzero          float64
	HasCalibration bool

	// Masked pixels are excluded from reduction; calibration files flag
	// dead or unreliable detectors this way.
	Masked bool
}

// Geometry holds the source and sample positions and the pixel table of
// one detector arrangement.
type Geometry struct {
	Source Vec3
	Sample Vec3
	// L1 is the source-to-sample flight path in metres.
	L1 float64

	Pixels []Pixel
	byID   map[int32]int
}

// NewGeometry assembles a geometry, computing L1 and filling any zero
// per-pixel L2/TwoTheta from positions.
func NewGeometry(source, sample Vec3, pixels []Pixel) (*Geometry, error) {
	g := &Geometry{
		Source: source,
		Sample: sample,
		L1:     sample.Sub(source).Norm(),
		Pixels: pixels,
		byID:   make(map[int32]int, len(pixels)),
	}
	beam := sample.Sub(source)
	beamNorm := beam.Norm()
	if beamNorm == 0 {
		return nil, fmt.Errorf("geometry: source and sample positions coincide")
	}
	for i := range g.Pixels {
		p := &g.Pixels[i]
		if _, dup := g.byID[p.ID]; dup {
			return nil, fmt.Errorf("geometry: duplicate pixel ID %d", p.ID)
		}
		g.byID[p.ID] = i
		scattered := p.Position.Sub(sample)
		if p.L2 == 0 {
			p.L2 = scattered.Norm()
		}
		if p.TwoTheta == 0 {
			if p.L2 == 0 {
				return nil, fmt.Errorf("geometry: pixel %d sits on the sample position", p.ID)
			}
			cos := beam.Dot(scattered) / (beamNorm * scattered.Norm())
			// Clamp against rounding before acos.
			cos = math.Max(-1, math.Min(1, cos))
			p.TwoTheta = math.Acos(cos)
		}
	}
	return g, nil
}

// Pixel returns the pixel with the given ID.
func (g *Geometry) Pixel(id int32) (*Pixel, bool) {
	i, ok := g.byID[id]
	if !ok {
		return nil, false
	}
	return &g.Pixels[i], true
}

// Ltotal returns L1 + L2 for the given pixel in metres.
func (g *Geometry) Ltotal(id int32) (float64, bool) {
	p, ok := g.Pixel(id)
	if !ok {
		return 0, false
	}
	return g.L1 + p.L2, true
}

// NPixels returns the pixel count.
func (g *Geometry) NPixels() int { return len(g.Pixels) }

// MaskedCount returns the number of masked pixels.
func (g *Geometry) MaskedCount() int {
	var n int
	for i := range g.Pixels {
		if g.Pixels[i].Masked {
			n++
		}
	}
	return n
}
