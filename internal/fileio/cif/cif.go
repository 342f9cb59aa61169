// Package cif writes reduced powder data as pdCIF blocks: beamline and
// author metadata, the time-of-flight calibration and the reduced
// intensity loop.
package cif

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/neutron-data/powder.report/internal/monitoring"
	"github.com/neutron-data/powder.report/internal/powder"
	"github.com/neutron-data/powder.report/internal/powder/calibration"
)

// Author is one contact author of a reduction. Name follows the CIF
// convention "Last, First". Email and Orcid may be empty.
type Author struct {
	Name  string
	Email string
	Orcid string
}

// Beamline identifies where the data was measured.
type Beamline struct {
	Name     string
	Facility string
}

// Software is one piece of the reduction stack, recorded in the
// _computing.diffrn_reduction loop.
type Software struct {
	Name    string
	Version string
}

func (s Software) String() string {
	if s.Version == "" {
		return s.Name
	}
	return s.Name + " v" + s.Version
}

// Block is one reduced-data CIF block. Data must be a histogram over
// time of flight; intensities are written at the bin midpoints, masked
// bins are skipped.
type Block struct {
	// Name becomes the data_<Name> heading.
	Name     string
	Authors  []Author
	Beamline Beamline
	Reducers []Software
	// Calibration rows are optional; they record the d-to-tof polynomial.
	Calibration *calibration.OutputCalibration

	Data *powder.Histogram
}

// Write renders the block. The layout follows the pdCIF dictionary:
// audit author loop, reduction software, source block, calibration loop
// and the reduced-data loop with intensities and their standard
// uncertainties.
func (b *Block) Write(w io.Writer) error {
	if b.Data == nil {
		return fmt.Errorf("cif: block %q has no data", b.Name)
	}
	if err := b.Data.Edges.Validate(); err != nil {
		return fmt.Errorf("cif: %w", err)
	}
	name := b.Name
	if name == "" {
		name = "reduced_tof"
	}

	var out strings.Builder
	out.WriteString("#\\#CIF_1.1\n")
	fmt.Fprintf(&out, "data_%s\n\n", name)

	if len(b.Authors) > 0 {
		writeAuthorLoop(&out, b.Authors)
	}
	if len(b.Reducers) > 0 {
		out.WriteString("loop_\n_computing.diffrn_reduction\n")
		for _, s := range b.Reducers {
			fmt.Fprintf(&out, "%s\n", quote(s.String()))
		}
		out.WriteString("\n")
	}
	if b.Beamline.Name != "" {
		fmt.Fprintf(&out, "_diffrn_source.beamline %s\n", quote(b.Beamline.Name))
		if b.Beamline.Facility != "" {
			fmt.Fprintf(&out, "_diffrn_source.facility %s\n", quote(b.Beamline.Facility))
		}
		out.WriteString("\n")
	}
	if b.Calibration != nil {
		out.WriteString("loop_\n_pd_calib_d_to_tof.id\n_pd_calib_d_to_tof.power\n_pd_calib_d_to_tof.coeff\n")
		for _, row := range b.Calibration.Rows() {
			fmt.Fprintf(&out, "%s %d %s\n", row.Name, row.Power, formatNumber(row.Value))
		}
		out.WriteString("\n")
	}

	writeDataLoop(&out, b.Data)

	if _, err := io.WriteString(w, out.String()); err != nil {
		return fmt.Errorf("cif: %w", err)
	}
	return nil
}

func writeAuthorLoop(out *strings.Builder, authors []Author) {
	var hasEmail, hasOrcid bool
	for _, a := range authors {
		hasEmail = hasEmail || a.Email != ""
		hasOrcid = hasOrcid || a.Orcid != ""
	}
	out.WriteString("loop_\n_audit_contact_author.name\n")
	if hasEmail {
		out.WriteString("_audit_contact_author.email\n")
	}
	if hasOrcid {
		out.WriteString("_audit_contact_author.id_orcid\n")
	}
	for _, a := range authors {
		fields := []string{quote(a.Name)}
		if hasEmail {
			fields = append(fields, orUnknown(a.Email))
		}
		if hasOrcid {
			fields = append(fields, orUnknown(a.Orcid))
		}
		fmt.Fprintf(out, "%s\n", strings.Join(fields, " "))
	}
	out.WriteString("\n")
}

func writeDataLoop(out *strings.Builder, hist *powder.Histogram) {
	withSu := hist.Variances != nil
	out.WriteString("loop_\n_pd_data.point_id\n_pd_meas.time_of_flight\n_pd_proc.intensity_norm\n")
	if withSu {
		out.WriteString("_pd_proc.intensity_norm_su\n")
	}
	centers := hist.Edges.Centers()
	point := 0
	for i, c := range hist.Counts {
		if hist.IsMasked(i) {
			continue
		}
		point++
		if withSu {
			su := math.Sqrt(hist.Variances[i])
			fmt.Fprintf(out, "%d %s %s %s\n", point, formatNumber(centers[i]), formatNumber(c), formatNumber(su))
		} else {
			fmt.Fprintf(out, "%d %s %s\n", point, formatNumber(centers[i]), formatNumber(c))
		}
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// quote wraps a value in single quotes when it contains whitespace or
// quote characters, per CIF string rules.
func quote(s string) string {
	if s == "" {
		return "?"
	}
	if strings.ContainsAny(s, " \t'") {
		if strings.Contains(s, "'") {
			return `"` + s + `"`
		}
		return "'" + s + "'"
	}
	return s
}

func orUnknown(s string) string {
	if s == "" {
		return "?"
	}
	return quote(s)
}

// Save writes the block to a file.
func (b *Block) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cif: %w", err)
	}
	if err := b.Write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cif: %w", err)
	}
	monitoring.Logf("Wrote CIF block data_%s to %s", b.Name, path)
	return nil
}
