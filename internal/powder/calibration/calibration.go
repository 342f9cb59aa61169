// Package calibration loads diffractometer calibration tables and merges
// them into beamline geometries. A calibration relates time-of-flight to
// d-spacing per detector through tof = DIFA*d^2 + DIFC*d + TZERO.
package calibration

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/neutron-data/powder.report/internal/monitoring"
	"github.com/neutron-data/powder.report/internal/powder"
)

// Entry is the calibration of one detector: DIFA in us/angstrom^2, DIFC
// in us/angstrom, TZERO in us, plus the mask flag facilities use to mark
// dead or unreliable detectors.
type Entry struct {
	Difa   float64
	Difc   float64
	Tzero  float64
	Masked bool
}

// Table is a calibration table keyed by detector ID.
type Table struct {
	Entries map[int32]Entry
	// Source records where the table was loaded from.
	Source string
}

// Load reads a calibration table in CSV form with the header
// detector,difa,difc,tzero,mask. The mask column accepts 0/1 or
// true/false.
func Load(r io.Reader) (*Table, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("calibration: reading CSV: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("calibration: table has no data rows")
	}

	header := records[0]
	want := []string{"detector", "difa", "difc", "tzero", "mask"}
	if len(header) != len(want) {
		return nil, fmt.Errorf("calibration: header has %d columns, want %d", len(header), len(want))
	}
	for i, name := range want {
		if strings.ToLower(strings.TrimSpace(header[i])) != name {
			return nil, fmt.Errorf("calibration: header column %d is %q, want %q", i, header[i], name)
		}
	}

	t := &Table{Entries: make(map[int32]Entry, len(records)-1)}
	for i, record := range records[1:] {
		line := i + 2
		if len(record) != len(want) {
			return nil, fmt.Errorf("calibration: line %d has %d fields, want %d", line, len(record), len(want))
		}
		det, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("calibration: invalid detector ID at line %d: %w", line, err)
		}
		difa, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("calibration: invalid difa at line %d: %w", line, err)
		}
		difc, err := strconv.ParseFloat(strings.TrimSpace(record[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("calibration: invalid difc at line %d: %w", line, err)
		}
		if difc <= 0 {
			return nil, fmt.Errorf("calibration: difc %g at line %d not positive", difc, line)
		}
		tzero, err := strconv.ParseFloat(strings.TrimSpace(record[3]), 64)
		if err != nil {
			return nil, fmt.Errorf("calibration: invalid tzero at line %d: %w", line, err)
		}
		masked, err := strconv.ParseBool(strings.TrimSpace(record[4]))
		if err != nil {
			return nil, fmt.Errorf("calibration: invalid mask flag at line %d: %w", line, err)
		}
		id := int32(det)
		if _, dup := t.Entries[id]; dup {
			return nil, fmt.Errorf("calibration: duplicate detector %d at line %d", id, line)
		}
		t.Entries[id] = Entry{Difa: difa, Difc: difc, Tzero: tzero, Masked: masked}
	}
	return t, nil
}

// LoadFile reads a calibration table from a CSV file.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("calibration: %w", err)
	}
	defer f.Close()
	t, err := Load(f)
	if err != nil {
		return nil, err
	}
	t.Source = path
	return t, nil
}

// MergeInto writes the calibration constants onto the matching pixels of
// geom. Every table entry must match a pixel, and a pixel that already
// carries calibration is a conflict. Mask flags accumulate onto the
// pixel mask.
func (t *Table) MergeInto(geom *powder.Geometry) error {
	ids := make([]int32, 0, len(t.Entries))
	for id := range t.Entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var masked int
	for _, id := range ids {
		p, ok := geom.Pixel(id)
		if !ok {
			return fmt.Errorf("calibration: table references detector %d not present in geometry", id)
		}
		if p.HasCalibration {
			return fmt.Errorf("calibration: detector %d already calibrated", id)
		}
		e := t.Entries[id]
		p.Difa = e.Difa
		p.Difc = e.Difc
		p.Tzero = e.Tzero
		p.HasCalibration = true
		if e.Masked {
			p.Masked = true
			masked++
		}
	}
	monitoring.Logf("Merged calibration for %d detectors (%d masked)", len(ids), masked)
	return nil
}

// CoefficientRow is one row of the calibration block written to reduced
// output files.
type CoefficientRow struct {
	Name  string
	Power int
	Value float64
}

var coefficientNames = map[int]string{
	0: "ZERO",
	1: "DIFC",
	2: "DIFA",
}

// OutputCalibration holds the d-to-tof polynomial coefficients reported
// alongside reduced data, keyed by power.
type OutputCalibration struct {
	coeffs map[int]float64
}

// NewOutputCalibration builds an output calibration from a power to
// coefficient map. Only powers 0 through 2 have conventional names and
// are accepted.
func NewOutputCalibration(coeffs map[int]float64) (*OutputCalibration, error) {
	for power := range coeffs {
		if _, ok := coefficientNames[power]; !ok {
			return nil, fmt.Errorf("calibration: no coefficient name for power %d", power)
		}
	}
	c := make(map[int]float64, len(coeffs))
	for power, v := range coeffs {
		c[power] = v
	}
	return &OutputCalibration{coeffs: c}, nil
}

// MeanOverPixels summarizes the per-pixel calibration of a geometry into
// one output calibration by averaging over calibrated, unmasked pixels.
func MeanOverPixels(geom *powder.Geometry) (*OutputCalibration, error) {
	var n int
	var difa, difc, tzero float64
	for i := range geom.Pixels {
		p := &geom.Pixels[i]
		if !p.HasCalibration || p.Masked {
			continue
		}
		difa += p.Difa
		difc += p.Difc
		tzero += p.Tzero
		n++
	}
	if n == 0 {
		return nil, fmt.Errorf("calibration: geometry has no usable calibrated pixels")
	}
	return NewOutputCalibration(map[int]float64{
		0: tzero / float64(n),
		1: difc / float64(n),
		2: difa / float64(n),
	})
}

// Rows returns the coefficient rows in ascending power order, so a full
// calibration reads ZERO, DIFC, DIFA.
func (o *OutputCalibration) Rows() []CoefficientRow {
	powers := make([]int, 0, len(o.coeffs))
	for power := range o.coeffs {
		powers = append(powers, power)
	}
	sort.Ints(powers)
	rows := make([]CoefficientRow, 0, len(powers))
	for _, power := range powers {
		rows = append(rows, CoefficientRow{
			Name:  coefficientNames[power],
			Power: power,
			Value: o.coeffs[power],
		})
	}
	return rows
}
