package beer

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"

	"github.com/neutron-data/powder.report/internal/powder"
)

// Synthetic generates bank dumps for tests and demos. Events land on
// the streak lines of the configured reflections: arrival time is the
// chopper delay of the mode plus the Bragg slope of the reflection
// times the event's L*sin(theta), with a little jitter. The clustering
// anchors its window at the valleys of the coarse d-spacing histogram,
// so the outermost two reflections fall outside it and only the inner
// ones survive a reduction.
type Synthetic struct {
	Bank        int
	Mode        string
	Events      int       // events per reflection
	Reflections []float64 // d-spacings in angstrom, at least 2
	Jitter      float64   // arrival time jitter half-width in seconds

	SamplePos   powder.Vec3
	DetectorPos powder.Vec3
	ChopperPos  powder.Vec3

	rng *rand.Rand
}

// NewSynthetic creates a generator for a five-reflection powder in
// mode 7, on the bank geometry of the commissioning dumps.
func NewSynthetic(seed int64) *Synthetic {
	return &Synthetic{
		Bank:        1,
		Mode:        "7",
		Events:      400,
		Reflections: []float64{1.2, 1.5, 2.1, 2.7, 3.0},
		Jitter:      5e-6,
		DetectorPos: powder.Vec3{X: 2, Z: 0.1},
		ChopperPos:  powder.Vec3{Z: -6.65},
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// WriteTable writes one bank dump: the comment header carrying bank,
// mode and positions, then the tab-separated event table.
func (s *Synthetic) WriteTable(w io.Writer) error {
	if len(s.Reflections) < 2 {
		return fmt.Errorf("beer: need at least 2 reflections, got %d", len(s.Reflections))
	}
	delay, err := ChopperDelay(s.Mode)
	if err != nil {
		return err
	}
	z := s.DetectorPos.Sub(s.SamplePos).Norm()
	l1 := s.SamplePos.Sub(s.ChopperPos).Norm()

	bw := bufio.NewWriter(w)
	fmt.Fprint(bw, "# BEER bank dump\n")
	fmt.Fprintf(bw, "# bank: %d\n", s.Bank)
	fmt.Fprintf(bw, "# mode: %s\n", s.Mode)
	fmt.Fprintf(bw, "# sample_position: %g %g %g\n", s.SamplePos.X, s.SamplePos.Y, s.SamplePos.Z)
	fmt.Fprintf(bw, "# detector_position: %g %g %g\n", s.DetectorPos.X, s.DetectorPos.Y, s.DetectorPos.Z)
	fmt.Fprintf(bw, "# chopper_position: %g %g %g\n", s.ChopperPos.X, s.ChopperPos.Y, s.ChopperPos.Z)
	fmt.Fprint(bw, "p\tx\ty\tid\tt\n")

	for _, d := range s.Reflections {
		slope := 2 * d * 1e-10 / dspacingFactorSI
		for i := 0; i < s.Events; i++ {
			// Impact coordinates on the bank plane. Bank 1 views the
			// beam from the other side, matching the loader's mirror.
			mag := 0.6 + 0.8*s.rng.Float64()
			x := mag
			if s.Bank == 1 {
				x = -mag
			}
			y := -0.3 + 0.6*s.rng.Float64()
			l2 := math.Sqrt(x*x + y*y + z*z)
			flight := (l1 + l2) * math.Sin(math.Acos(mag/l2)/2)
			jitter := s.Jitter * (s.rng.Float64() + s.rng.Float64() - 1)
			weight := 0.25 + 1.5*s.rng.Float64()
			fmt.Fprintf(bw, "%.4g\t%.6g\t%.6g\t%d\t%.8g\n",
				weight, x, y, i%512, delay+slope*flight+jitter)
		}
	}
	return bw.Flush()
}

// WriteTableFile writes one bank dump to disk.
func (s *Synthetic) WriteTableFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("beer: %w", err)
	}
	if err := s.WriteTable(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
