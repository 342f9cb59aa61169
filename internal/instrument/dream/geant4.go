package dream

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/neutron-data/powder.report/internal/monitoring"
	"github.com/neutron-data/powder.report/internal/powder"
)

// Bank is one detector bank of a loaded simulation: its events, the
// pixel geometry reconstructed from the event impact positions, and the
// logical layout when the day-1 configuration defines one.
type Bank struct {
	Name     string
	Events   *powder.EventList
	Geometry *powder.Geometry
	Shape    map[string]int
}

// Instrument holds the detector banks of one simulation file. Banks
// without events are absent.
type Instrument struct {
	Banks map[string]*Bank
}

// Names returns the loaded bank names in canonical order.
func (ins *Instrument) Names() []string {
	var out []string
	for _, name := range bankOrder {
		if _, ok := ins.Banks[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

var bankOrder = []string{
	BankMantle,
	BankEndcapBackward,
	BankEndcapForward,
	BankHighResolution,
	BankSans,
}

// Synthetic pixel identifiers are the interned logical index within a
// bank plus a per-bank base, so identifiers stay unique when banks are
// reduced together.
var bankBase = map[string]int32{
	BankMantle:         1 << 20,
	BankEndcapBackward: 2 << 20,
	BankEndcapForward:  3 << 20,
	BankHighResolution: 4 << 20,
	BankSans:           5 << 20,
}

// Detector identifiers in the simulation output. The four endcap
// detectors are one logical pair of banks, split by the sign of z.
const (
	mantleDetectorID  = 7
	highResDetectorID = 8
	sansDetectorID    = 9
)

func bankForDetector(detID int, zPos float64) string {
	switch detID {
	case mantleDetectorID:
		return BankMantle
	case highResDetectorID:
		return BankHighResolution
	case sansDetectorID:
		return BankSans
	case 3, 4, 5, 6:
		if zPos < 0 {
			return BankEndcapBackward
		}
		return BankEndcapForward
	}
	return ""
}

// logicalKey identifies a detector voxel within a bank. The mantle has
// no sector or sumo, the endcaps carry the sumo, the high-resolution and
// SANS detectors the sector.
type logicalKey struct {
	sector  int
	sumo    int
	module  int
	segment int
	counter int
	wire    int
	strip   int
}

type bankBuilder struct {
	name   string
	base   int32
	intern map[logicalKey]int32
	pixels []powder.Pixel

	weights    []float64
	variances  []float64
	tof        []float64
	wavelength []float64
	pulse      []int64
	pixel      []int32
}

func newBankBuilder(name string) *bankBuilder {
	return &bankBuilder{name: name, base: bankBase[name], intern: make(map[logicalKey]int32)}
}

func (b *bankBuilder) add(key logicalKey, pos powder.Vec3, tofUs, lambda float64) {
	idx, ok := b.intern[key]
	if !ok {
		idx = int32(len(b.pixels))
		b.intern[key] = idx
		b.pixels = append(b.pixels, powder.Pixel{ID: b.base + idx, Position: pos})
	}
	// Simulation weights are discarded: every recorded hit counts once.
	b.weights = append(b.weights, 1)
	b.variances = append(b.variances, 1)
	b.tof = append(b.tof, tofUs)
	b.wavelength = append(b.wavelength, lambda)
	b.pulse = append(b.pulse, 0)
	b.pixel = append(b.pixel, b.base+idx)
}

func (b *bankBuilder) build() (*Bank, error) {
	geom, err := powder.NewGeometry(DefaultSourcePosition, DefaultSamplePosition, b.pixels)
	if err != nil {
		return nil, fmt.Errorf("dream: bank %s: %w", b.name, err)
	}
	ev := &powder.EventList{
		Weights:    b.weights,
		Variances:  b.variances,
		Tof:        b.tof,
		PulseTime:  b.pulse,
		Pixel:      b.pixel,
		Wavelength: b.wavelength,
		WeightUnit: powder.UnitCounts,
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("dream: bank %s: %w", b.name, err)
	}
	var shape map[string]int
	if s, err := BankShapesDay1(b.name); err == nil {
		shape = s
	}
	return &Bank{Name: b.name, Events: ev, Geometry: geom, Shape: shape}, nil
}

// splitColumnName splits a header field like "x_pos [mm]" into name and
// unit.
func splitColumnName(field string) (name, unit string) {
	field = strings.TrimSpace(field)
	if i := strings.Index(field, "["); i >= 0 {
		name = strings.TrimSpace(field[:i])
		unit = strings.TrimSpace(strings.TrimSuffix(field[i+1:], "]"))
		return name, unit
	}
	return field, ""
}

func positionScale(unit string) (float64, error) {
	switch unit {
	case "", "mm":
		return 1e-3, nil
	case "m":
		return 1, nil
	}
	return 0, fmt.Errorf("unsupported position unit %q", unit)
}

func tofScale(unit string) (float64, error) {
	switch unit {
	case "", "s":
		return 1e6, nil
	case "ms":
		return 1e3, nil
	case "us":
		return 1, nil
	}
	return 0, fmt.Errorf("unsupported time-of-flight unit %q", unit)
}

type geant4Columns struct {
	detID, module, segment, counter, wire, strip int
	sector, sumo                                 int // -1 when absent
	xPos, yPos, zPos                             int
	tof, lambda                                  int

	posScale, tofScale float64
}

func parseGeant4Header(fields []string) (*geant4Columns, error) {
	cols := &geant4Columns{
		detID: -1, module: -1, segment: -1, counter: -1, wire: -1, strip: -1,
		sector: -1, sumo: -1, xPos: -1, yPos: -1, zPos: -1, tof: -1, lambda: -1,
		posScale: 1e-3, tofScale: 1e6,
	}
	for i, field := range fields {
		name, unit := splitColumnName(field)
		var err error
		switch name {
		case "det ID":
			cols.detID = i
		case "module":
			cols.module = i
		case "segment":
			cols.segment = i
		case "counter":
			cols.counter = i
		case "wire":
			cols.wire = i
		case "strip":
			cols.strip = i
		case "sector":
			cols.sector = i
		case "sumo":
			cols.sumo = i
		case "x_pos":
			cols.xPos = i
			cols.posScale, err = positionScale(unit)
		case "y_pos", "z_pos":
			if name == "y_pos" {
				cols.yPos = i
			} else {
				cols.zPos = i
			}
		case "tof":
			cols.tof = i
			cols.tofScale, err = tofScale(unit)
		case "lambda":
			// Unit forced to angstrom; simulation headers are unreliable.
			cols.lambda = i
		}
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", field, err)
		}
	}
	required := map[string]int{
		"det ID": cols.detID, "module": cols.module, "segment": cols.segment,
		"counter": cols.counter, "wire": cols.wire, "strip": cols.strip,
		"x_pos": cols.xPos, "y_pos": cols.yPos, "z_pos": cols.zPos,
		"tof": cols.tof, "lambda": cols.lambda,
	}
	for name, idx := range required {
		if idx < 0 {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}
	return cols, nil
}

// LoadGeant4CSV reads a tab-separated Geant4 event dump and splits the
// events into detector banks. Recorded simulation weights are replaced
// by unit counts and wavelengths are taken as angstrom.
func LoadGeant4CSV(r io.Reader) (*Instrument, error) {
	rd := csv.NewReader(r)
	rd.Comma = '\t'
	header, err := rd.Read()
	if err != nil {
		return nil, fmt.Errorf("dream: reading header: %w", err)
	}
	cols, err := parseGeant4Header(header)
	if err != nil {
		return nil, fmt.Errorf("dream: %w", err)
	}

	builders := make(map[string]*bankBuilder)
	var skipped, row int
	for {
		record, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dream: %w", err)
		}
		row++
		intAt := func(idx int, name string) (int, error) {
			// Simulation output prints indices as floats.
			v, err := strconv.ParseFloat(strings.TrimSpace(record[idx]), 64)
			if err != nil {
				return 0, fmt.Errorf("dream: row %d: invalid %s: %w", row+1, name, err)
			}
			return int(v), nil
		}
		floatAt := func(idx int, name string) (float64, error) {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[idx]), 64)
			if err != nil {
				return 0, fmt.Errorf("dream: row %d: invalid %s: %w", row+1, name, err)
			}
			return v, nil
		}

		detID, err := intAt(cols.detID, "det ID")
		if err != nil {
			return nil, err
		}
		z, err := floatAt(cols.zPos, "z_pos")
		if err != nil {
			return nil, err
		}
		bank := bankForDetector(detID, z)
		if bank == "" {
			skipped++
			continue
		}

		key := logicalKey{}
		if key.module, err = intAt(cols.module, "module"); err != nil {
			return nil, err
		}
		if key.segment, err = intAt(cols.segment, "segment"); err != nil {
			return nil, err
		}
		if key.counter, err = intAt(cols.counter, "counter"); err != nil {
			return nil, err
		}
		if key.wire, err = intAt(cols.wire, "wire"); err != nil {
			return nil, err
		}
		if key.strip, err = intAt(cols.strip, "strip"); err != nil {
			return nil, err
		}
		switch bank {
		case BankEndcapBackward, BankEndcapForward:
			if cols.sumo >= 0 {
				if key.sumo, err = intAt(cols.sumo, "sumo"); err != nil {
					return nil, err
				}
			} else {
				key.sumo = detID
			}
		case BankHighResolution, BankSans:
			if cols.sector >= 0 {
				if key.sector, err = intAt(cols.sector, "sector"); err != nil {
					return nil, err
				}
			}
		}
		if err := validateLogicalKey(bank, key); err != nil {
			return nil, fmt.Errorf("dream: row %d: %w", row+1, err)
		}

		x, err := floatAt(cols.xPos, "x_pos")
		if err != nil {
			return nil, err
		}
		y, err := floatAt(cols.yPos, "y_pos")
		if err != nil {
			return nil, err
		}
		tof, err := floatAt(cols.tof, "tof")
		if err != nil {
			return nil, err
		}
		lambda, err := floatAt(cols.lambda, "lambda")
		if err != nil {
			return nil, err
		}

		b, ok := builders[bank]
		if !ok {
			b = newBankBuilder(bank)
			builders[bank] = b
		}
		pos := powder.Vec3{X: x * cols.posScale, Y: y * cols.posScale, Z: z * cols.posScale}
		b.add(key, pos, tof*cols.tofScale, lambda)
	}

	if len(builders) == 0 {
		return nil, fmt.Errorf("dream: file contains no events for known detectors")
	}
	ins := &Instrument{Banks: make(map[string]*Bank, len(builders))}
	var total int
	for _, name := range bankOrder {
		b, ok := builders[name]
		if !ok {
			continue
		}
		bank, err := b.build()
		if err != nil {
			return nil, err
		}
		ins.Banks[name] = bank
		total += bank.Events.Len()
	}
	monitoring.Logf("Loaded %d DREAM events into %d banks (%d outside known detectors)",
		total, len(ins.Banks), skipped)
	return ins, nil
}

// validateLogicalKey checks the 1-based wire and strip indices against
// the day-1 layout where the layout defines them.
func validateLogicalKey(bank string, key logicalKey) error {
	shape := bankShapesDay1[bank]
	if n := shape["wire"]; n > 0 && (key.wire < 1 || key.wire > n) {
		return fmt.Errorf("bank %s: wire %d outside 1..%d", bank, key.wire, n)
	}
	if n := shape["strip"]; n > 0 && (key.strip < 1 || key.strip > n) {
		return fmt.Errorf("bank %s: strip %d outside 1..%d", bank, key.strip, n)
	}
	return nil
}

// LoadGeant4CSVFile reads a Geant4 dump from disk. Zip archives are
// unpacked transparently, reading the first member like the simulation
// pipeline produces them.
func LoadGeant4CSVFile(path string) (*Instrument, error) {
	if strings.HasSuffix(path, ".zip") {
		archive, err := zip.OpenReader(path)
		if err != nil {
			return nil, fmt.Errorf("dream: %w", err)
		}
		defer archive.Close()
		if len(archive.File) == 0 {
			return nil, fmt.Errorf("dream: %s: empty archive", path)
		}
		member, err := archive.File[0].Open()
		if err != nil {
			return nil, fmt.Errorf("dream: %w", err)
		}
		defer member.Close()
		return LoadGeant4CSV(member)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dream: %w", err)
	}
	defer f.Close()
	return LoadGeant4CSV(f)
}
