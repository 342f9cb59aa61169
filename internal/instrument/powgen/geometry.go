package powgen

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/neutron-data/powder.report/internal/monitoring"
	"github.com/neutron-data/powder.report/internal/powder"
)

// LoadGeometry reads the pixel geometry table in CSV form with the
// header pixel,x,y,z, positions in metres relative to the sample. The
// returned geometry uses the POWGEN beamline defaults for source and
// sample.
func LoadGeometry(r io.Reader) (*powder.Geometry, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("powgen: reading geometry CSV: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("powgen: geometry table has no data rows")
	}

	header := records[0]
	want := []string{"pixel", "x", "y", "z"}
	if len(header) != len(want) {
		return nil, fmt.Errorf("powgen: geometry header has %d columns, want %d", len(header), len(want))
	}
	for i, name := range want {
		if strings.ToLower(strings.TrimSpace(header[i])) != name {
			return nil, fmt.Errorf("powgen: geometry header column %d is %q, want %q", i, header[i], name)
		}
	}

	seen := make(map[int32]bool, len(records)-1)
	pixels := make([]powder.Pixel, 0, len(records)-1)
	for i, record := range records[1:] {
		line := i + 2
		if len(record) != len(want) {
			return nil, fmt.Errorf("powgen: geometry line %d has %d fields, want %d", line, len(record), len(want))
		}
		id, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("powgen: invalid pixel ID at line %d: %w", line, err)
		}
		if seen[int32(id)] {
			return nil, fmt.Errorf("powgen: duplicate pixel %d at line %d", id, line)
		}
		seen[int32(id)] = true
		var pos [3]float64
		for j := 0; j < 3; j++ {
			pos[j], err = strconv.ParseFloat(strings.TrimSpace(record[j+1]), 64)
			if err != nil {
				return nil, fmt.Errorf("powgen: invalid %s at line %d: %w", want[j+1], line, err)
			}
		}
		pixels = append(pixels, powder.Pixel{
			ID:       int32(id),
			Position: powder.Vec3{X: pos[0], Y: pos[1], Z: pos[2]},
		})
	}

	geom, err := powder.NewGeometry(DefaultSourcePosition, DefaultSamplePosition, pixels)
	if err != nil {
		return nil, fmt.Errorf("powgen: %w", err)
	}
	monitoring.Logf("Loaded POWGEN geometry with %d pixels", geom.NPixels())
	return geom, nil
}

// LoadGeometryFile reads the pixel geometry table from disk.
func LoadGeometryFile(path string) (*powder.Geometry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("powgen: %w", err)
	}
	defer f.Close()
	return LoadGeometry(f)
}
