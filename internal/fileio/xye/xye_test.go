package xye

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/neutron-data/powder.report/internal/powder"
)

func TestWrite(t *testing.T) {
	edges, err := powder.LinspaceEdges("dspacing", powder.UnitAngstrom, 1, 2.5, 3)
	if err != nil {
		t.Fatalf("LinspaceEdges: %v", err)
	}
	hist := powder.NewHistogram(edges)
	copy(hist.Counts, []float64{10, 20, 30})
	copy(hist.Variances, []float64{4, 9, 25})
	hist.SetMasked(2)

	var out strings.Builder
	if err := Write(&out, hist); err != nil {
		t.Fatalf("Write: %v", err)
	}
	want := "# dspacing [angstrom] intensity [counts] sigma [counts]\n" +
		"1.25 10 2\n" +
		"1.75 20 3\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestWriteWithoutVariances(t *testing.T) {
	edges, err := powder.LinspaceEdges("tof", powder.UnitMicroseconds, 0, 100, 2)
	if err != nil {
		t.Fatalf("LinspaceEdges: %v", err)
	}
	hist := powder.NewHistogram(edges)
	copy(hist.Counts, []float64{1, 2})
	hist.DropVariances()

	var out strings.Builder
	if err := Write(&out, hist); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.Contains(out.String(), "25 1 0\n") {
		t.Errorf("missing zero-sigma row in %q", out.String())
	}
}

func TestWriteFile(t *testing.T) {
	edges, err := powder.LinspaceEdges("tof", powder.UnitMicroseconds, 0, 10, 1)
	if err != nil {
		t.Fatalf("LinspaceEdges: %v", err)
	}
	hist := powder.NewHistogram(edges)
	hist.Counts[0] = 7

	path := filepath.Join(t.TempDir(), "profile.xye")
	if err := WriteFile(path, hist); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "5 7 0\n") {
		t.Errorf("file contents = %q", data)
	}
}
