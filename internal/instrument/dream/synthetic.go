package dream

import (
	"archive/zip"
	"bufio"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/neutron-data/powder.report/internal/powder"
	"github.com/neutron-data/powder.report/internal/powder/conversion"
)

// Synthetic generates Geant4-style event dumps and monitor histograms
// for tests and demos. Events scatter off a powder with the configured
// reflections: each event picks a detector voxel, takes the wavelength
// Bragg's law demands at that voxel's scattering angle, and carries the
// time of flight of that wavelength over the voxel's full flight path.
// A background fraction draws its wavelength from a flat band instead.
type Synthetic struct {
	Events       int       // total number of events, spread round-robin over Banks
	Banks        []string  // banks to populate
	Reflections  []float64 // d-spacings of the sample, in angstrom
	Background   float64   // fraction of events on a flat wavelength band
	WavelengthLo float64   // background band in angstrom
	WavelengthHi float64
	MonitorBins  int

	rng *rand.Rand
}

// NewSynthetic creates a generator for a three-reflection powder seen
// by the day-1 mantle and endcap banks.
func NewSynthetic(seed int64) *Synthetic {
	return &Synthetic{
		Events:       20000,
		Banks:        []string{BankMantle, BankEndcapBackward, BankEndcapForward},
		Reflections:  []float64{1.26, 1.54, 2.18},
		Background:   0.1,
		WavelengthLo: 0.5,
		WavelengthHi: 4.5,
		MonitorBins:  120,
		rng:          rand.New(rand.NewSource(seed)),
	}
}

// voxel is one randomly drawn detector position with the logical
// indices that address it in the Geant4 dump.
type voxel struct {
	detID, module, segment, counter, wire, strip int
	sector, sumo                                 int
	pos                                          powder.Vec3
}

// mantleVoxel draws a voxel on a cylindrical shell around the beam
// axis. Wires stack radially, strips run along the axis, the remaining
// indices tile the azimuth.
func (s *Synthetic) mantleVoxel() voxel {
	v := voxel{
		detID:   mantleDetectorID,
		module:  1 + s.rng.Intn(5),
		segment: 1 + s.rng.Intn(6),
		counter: 1 + s.rng.Intn(2),
		wire:    1 + s.rng.Intn(32),
		strip:   1 + s.rng.Intn(256),
	}
	phi := 2 * math.Pi * float64((v.module-1)*12+(v.segment-1)*2+(v.counter-1)) / 60
	r := 1.1 + 0.005*float64(v.wire-1)
	z := -0.75 + 1.5*float64(v.strip-1)/255
	v.pos = powder.Vec3{X: r * math.Cos(phi), Y: r * math.Sin(phi), Z: z}
	return v
}

// endcapVoxel draws a voxel on a disc facing the sample. The four
// detector identifiers of an endcap are its sumo sizes.
func (s *Synthetic) endcapVoxel(bank string) voxel {
	modules := 5
	z := 1.1
	if bank == BankEndcapBackward {
		modules = 11
		z = -1.1
	}
	v := voxel{
		detID:   3 + s.rng.Intn(4),
		module:  1 + s.rng.Intn(modules),
		segment: 1 + s.rng.Intn(28),
		counter: 1 + s.rng.Intn(2),
		wire:    1 + s.rng.Intn(16),
		strip:   1 + s.rng.Intn(16),
	}
	v.sumo = v.detID
	phi := 2 * math.Pi * float64((v.module-1)*56+(v.segment-1)*2+(v.counter-1)) / float64(modules*56)
	rho := 0.35 + 0.6*(float64(v.wire-1)+float64(v.strip-1)/16)/16
	v.pos = powder.Vec3{X: rho * math.Cos(phi), Y: rho * math.Sin(phi), Z: z}
	return v
}

// smallBankVoxel draws a voxel for the high-resolution or SANS
// detector, which the day-1 layout only constrains in strip count.
func (s *Synthetic) smallBankVoxel(bank string) voxel {
	detID := highResDetectorID
	z := -2.5
	if bank == BankSans {
		detID = sansDetectorID
		z = 3.0
	}
	v := voxel{
		detID:   detID,
		module:  1 + s.rng.Intn(4),
		segment: 1 + s.rng.Intn(16),
		counter: 1 + s.rng.Intn(2),
		wire:    1 + s.rng.Intn(8),
		strip:   1 + s.rng.Intn(32),
		sector:  1 + s.rng.Intn(4),
	}
	phi := 2 * math.Pi * float64((v.sector-1)*16+v.segment-1) / 64
	rho := 0.15 + 0.3*float64(v.wire-1)/8
	v.pos = powder.Vec3{X: rho * math.Cos(phi), Y: rho * math.Sin(phi), Z: z}
	return v
}

func (s *Synthetic) drawVoxel(bank string) (voxel, error) {
	switch bank {
	case BankMantle:
		return s.mantleVoxel(), nil
	case BankEndcapBackward, BankEndcapForward:
		return s.endcapVoxel(bank), nil
	case BankHighResolution, BankSans:
		return s.smallBankVoxel(bank), nil
	}
	return voxel{}, fmt.Errorf("dream: unknown detector bank %q", bank)
}

// wavelengthAt picks an event wavelength for a voxel at the given
// scattering angle: a jittered Bragg wavelength of one reflection, or a
// flat background draw.
func (s *Synthetic) wavelengthAt(twoTheta float64) float64 {
	if len(s.Reflections) == 0 || s.rng.Float64() < s.Background {
		return s.WavelengthLo + (s.WavelengthHi-s.WavelengthLo)*s.rng.Float64()
	}
	d := s.Reflections[s.rng.Intn(len(s.Reflections))]
	lambda := 2*d*math.Sin(twoTheta/2) + 0.004*s.rng.NormFloat64()
	if lambda < 0.05 {
		lambda = 0.05
	}
	return lambda
}

// WriteGeant4CSV writes a tab-separated event dump in the layout the
// simulation pipeline produces: positions in mm, times of flight in
// seconds, wavelengths in angstrom.
func (s *Synthetic) WriteGeant4CSV(w io.Writer) error {
	if len(s.Banks) == 0 {
		return fmt.Errorf("dream: no banks to generate")
	}
	bw := bufio.NewWriter(w)
	fmt.Fprint(bw, "det ID\tmodule\tsegment\tcounter\twire\tstrip\tsector\tsumo\t"+
		"x_pos [mm]\ty_pos [mm]\tz_pos [mm]\ttof [s]\tlambda [angstrom]\n")

	beam := DefaultSamplePosition.Sub(DefaultSourcePosition)
	l1 := beam.Norm()
	for i := 0; i < s.Events; i++ {
		v, err := s.drawVoxel(s.Banks[i%len(s.Banks)])
		if err != nil {
			return err
		}
		scattered := v.pos.Sub(DefaultSamplePosition)
		l2 := scattered.Norm()
		cos := beam.Dot(scattered) / (l1 * l2)
		twoTheta := math.Acos(math.Max(-1, math.Min(1, cos)))

		lambda := s.wavelengthAt(twoTheta)
		tofS := conversion.TofFromWavelength(lambda, l1+l2) * 1e-6
		fmt.Fprintf(bw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%.3f\t%.3f\t%.3f\t%.8g\t%.6g\n",
			v.detID, v.module, v.segment, v.counter, v.wire, v.strip, v.sector, v.sumo,
			v.pos.X*1e3, v.pos.Y*1e3, v.pos.Z*1e3, tofS, lambda)
	}
	return bw.Flush()
}

// WriteGeant4CSVFile writes an event dump to disk. Paths ending in
// .zip produce an archive with the dump as its only member, mirroring
// what LoadGeant4CSVFile unpacks.
func (s *Synthetic) WriteGeant4CSVFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dream: %w", err)
	}
	if !strings.HasSuffix(path, ".zip") {
		if err := s.WriteGeant4CSV(f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
	zw := zip.NewWriter(f)
	member, err := zw.Create(strings.TrimSuffix(filepath.Base(path), ".zip"))
	if err != nil {
		f.Close()
		return fmt.Errorf("dream: %w", err)
	}
	if err := s.WriteGeant4CSV(member); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("dream: %w", err)
	}
	return f.Close()
}

// Monitor time band in seconds, covering the flight times of the
// generated wavelength band to the cave monitor.
const monitorLo, monitorHi = 0.008, 0.092

// WriteMonitor writes a McStas-style cave monitor histogram: a broad
// intensity bump over the time band the generated events occupy, with
// counting noise and square-root errors.
func (s *Synthetic) WriteMonitor(w io.Writer) error {
	if s.MonitorBins < 2 {
		return fmt.Errorf("dream: monitor needs at least 2 bins, got %d", s.MonitorBins)
	}
	bw := bufio.NewWriter(w)
	fmt.Fprint(bw, "# Instrument: DREAM simulation\n")
	fmt.Fprint(bw, "# component: cave_monitor\n")
	fmt.Fprint(bw, "# xvar: t\n")
	fmt.Fprintf(bw, "# xlimits: %g %g\n", monitorLo, monitorHi)
	fmt.Fprint(bw, "# variables: t I I_err N\n")
	width := (monitorHi - monitorLo) / float64(s.MonitorBins)
	for i := 0; i < s.MonitorBins; i++ {
		t := monitorLo + width*(float64(i)+0.5)
		base := 50 + 800*math.Exp(-0.5*math.Pow((t-0.045)/0.02, 2))
		intensity := base + math.Sqrt(base)*s.rng.NormFloat64()
		if intensity < 1 {
			intensity = 1
		}
		fmt.Fprintf(bw, "%.6g %.6g %.6g %.6g\n", t, intensity, math.Sqrt(intensity), intensity)
	}
	return bw.Flush()
}

// WriteMonitorFile writes the monitor histogram to disk.
func (s *Synthetic) WriteMonitorFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dream: %w", err)
	}
	if err := s.WriteMonitor(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
