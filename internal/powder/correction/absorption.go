package correction

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"

	"github.com/neutron-data/powder.report/internal/powder"
)

// CylinderParams describes a cylindrical sample for the self-attenuation
// correction. The cylinder axis is vertical; the beam travels horizontally
// through it. Cross sections follow the usual 1/v law for absorption with
// the reference wavelength of 2200 m/s neutrons.
type CylinderParams struct {
	RadiusCm        float64
	HeightCm        float64
	NumberDensity   float64 // atoms per cubic angstrom
	SigmaScattering float64 // barn, wavelength independent
	SigmaAbsorption float64 // barn at the reference wavelength
}

// referenceWavelength is the wavelength of 2200 m/s neutrons in angstrom,
// where tabulated absorption cross sections are quoted.
const referenceWavelength = 1.7982

// DefaultVanadiumCylinder returns the standard vanadium rod used for
// normalization runs: radius 1 cm, height 5 cm, vanadium number density
// with its scattering and absorption cross sections.
func DefaultVanadiumCylinder() CylinderParams {
	return CylinderParams{
		RadiusCm:        1.0,
		HeightCm:        5.0,
		NumberDensity:   0.07192,
		SigmaScattering: 5.10,
		SigmaAbsorption: 5.08,
	}
}

// attenuationCoefficient returns mu in 1/cm at the given wavelength.
// NumberDensity in 1/angstrom^3 times sigma in barn collapses to
// atoms/cm^3 * cm^2 via 1e24 * 1e-24.
func (p CylinderParams) attenuationCoefficient(lambda float64) float64 {
	sigma := p.SigmaScattering + p.SigmaAbsorption*lambda/referenceWavelength
	return p.NumberDensity * sigma
}

// TransmissionFraction computes the attenuation-weighted transmission of a
// cylinder at one scattering angle and wavelength by quadrature over the
// illuminated cross section: for each interior point the incident path in
// and the scattered path out are attenuated with exp(-mu*(Lin+Lout)).
// nGrid controls the quadrature resolution per axis.
func TransmissionFraction(p CylinderParams, twoTheta, lambda float64, nGrid int) float64 {
	if nGrid < 2 {
		nGrid = 2
	}
	mu := p.attenuationCoefficient(lambda)
	r := p.RadiusCm
	sin2t, cos2t := math.Sin(twoTheta), math.Cos(twoTheta)

	var sum float64
	var count int
	step := 2 * r / float64(nGrid)
	// Scan the horizontal section; the vertical coordinate drops out for a
	// beam wider than the cylinder.
	for ix := 0; ix < nGrid; ix++ {
		x := -r + (float64(ix)+0.5)*step
		halfChord := r*r - x*x
		if halfChord <= 0 {
			continue
		}
		zEdge := math.Sqrt(halfChord)
		for iz := 0; iz < nGrid; iz++ {
			z := -zEdge + (float64(iz)+0.5)*2*zEdge/float64(nGrid)
			// Incident beam along +z enters the circle at -zEdge.
			lin := z + zEdge
			// Scattered ray from (x, z) along (sin2t, cos2t) exits where
			// (x+t*sx)^2+(z+t*cz)^2 = r^2.
			b := x*sin2t + z*cos2t
			disc := b*b - (x*x + z*z - r*r)
			lout := -b + math.Sqrt(math.Max(disc, 0))
			sum += math.Exp(-mu * (lin + lout))
			count++
		}
	}
	if count == 0 {
		return 1
	}
	return sum / float64(count)
}

// AbsorptionTable caches transmission fractions on a wavelength grid per
// scattering angle band so per-event application reduces to interpolation.
type AbsorptionTable struct {
	params    CylinderParams
	twoThetas []float64
	interps   []*interp.AkimaSpline
	lambdaLo  float64
	lambdaHi  float64
}

// BuildAbsorptionTable evaluates the transmission on nLambda wavelength
// samples spanning [lambdaLo, lambdaHi] for each given scattering angle.
func BuildAbsorptionTable(p CylinderParams, twoThetas []float64, lambdaLo, lambdaHi float64, nLambda, nGrid int) (*AbsorptionTable, error) {
	if len(twoThetas) == 0 {
		return nil, fmt.Errorf("absorption table: no scattering angles given")
	}
	if nLambda < 4 {
		nLambda = 4
	}
	if !(lambdaHi > lambdaLo) {
		return nil, fmt.Errorf("absorption table: bad wavelength range [%g, %g]", lambdaLo, lambdaHi)
	}
	lambdas := make([]float64, nLambda)
	for i := range lambdas {
		lambdas[i] = lambdaLo + (lambdaHi-lambdaLo)*float64(i)/float64(nLambda-1)
	}

	t := &AbsorptionTable{
		params:    p,
		twoThetas: append([]float64(nil), twoThetas...),
		interps:   make([]*interp.AkimaSpline, len(twoThetas)),
		lambdaLo:  lambdaLo,
		lambdaHi:  lambdaHi,
	}
	for j, tt := range twoThetas {
		fractions := make([]float64, nLambda)
		for i, lam := range lambdas {
			fractions[i] = TransmissionFraction(p, tt, lam, nGrid)
		}
		var spline interp.AkimaSpline
		if err := spline.Fit(lambdas, fractions); err != nil {
			return nil, fmt.Errorf("absorption table: fitting wavelength spline for angle %g: %w", tt, err)
		}
		t.interps[j] = &spline
	}
	return t, nil
}

// fraction interpolates the transmission at (twoTheta, lambda), clamping
// to the table bounds and picking the nearest tabulated angle.
func (t *AbsorptionTable) fraction(twoTheta, lambda float64) float64 {
	best := 0
	bestDist := math.Abs(twoTheta - t.twoThetas[0])
	for j := 1; j < len(t.twoThetas); j++ {
		if d := math.Abs(twoTheta - t.twoThetas[j]); d < bestDist {
			best, bestDist = j, d
		}
	}
	lam := math.Min(math.Max(lambda, t.lambdaLo), t.lambdaHi)
	return t.interps[best].Predict(lam)
}

// ApplyAbsorption divides event weights by the interpolated transmission
// fraction. Events need the wavelength coordinate.
func ApplyAbsorption(events *powder.EventList, geom *powder.Geometry, table *AbsorptionTable) error {
	if events.Wavelength == nil {
		return fmt.Errorf("absorption correction: events carry no wavelength coordinate")
	}
	for i := range events.Weights {
		p, ok := geom.Pixel(events.Pixel[i])
		if !ok {
			return fmt.Errorf("absorption correction: event %d references unknown pixel %d", i, events.Pixel[i])
		}
		f := table.fraction(p.TwoTheta, events.Wavelength[i])
		if f <= 0 || f > 1 {
			return fmt.Errorf("absorption correction: unphysical transmission %g at two_theta=%g lambda=%g", f, p.TwoTheta, events.Wavelength[i])
		}
		events.Weights[i] /= f
		events.Variances[i] /= f * f
	}
	return nil
}
