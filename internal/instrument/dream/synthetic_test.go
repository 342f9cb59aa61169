package dream

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestSyntheticRoundTrip(t *testing.T) {
	gen := NewSynthetic(23)
	gen.Events = 3000
	var buf bytes.Buffer
	if err := gen.WriteGeant4CSV(&buf); err != nil {
		t.Fatalf("WriteGeant4CSV: %v", err)
	}
	ins, err := LoadGeant4CSV(&buf)
	if err != nil {
		t.Fatalf("LoadGeant4CSV: %v", err)
	}

	var total, near int
	for _, name := range gen.Banks {
		bank, ok := ins.Banks[name]
		if !ok {
			t.Fatalf("bank %s missing from generated data", name)
		}
		total += bank.Events.Len()
		for i := 0; i < bank.Events.Len(); i++ {
			px, ok := bank.Geometry.Pixel(bank.Events.Pixel[i])
			if !ok {
				t.Fatalf("bank %s event %d references an unknown pixel", name, i)
			}
			d := bank.Events.Wavelength[i] / (2 * math.Sin(px.TwoTheta/2))
			for _, r := range gen.Reflections {
				if math.Abs(d-r) < 0.04 {
					near++
					break
				}
			}
		}
	}
	if total != gen.Events {
		t.Errorf("loaded %d events, want %d", total, gen.Events)
	}
	if frac := float64(near) / float64(total); frac < 0.8 {
		t.Errorf("%.0f%% of events sit on a reflection, want at least 80%%", 100*frac)
	}

	mantle := ins.Banks[BankMantle]
	for _, px := range mantle.Geometry.Pixels {
		rho := math.Hypot(px.Position.X, px.Position.Y)
		if rho < 1.05 || rho > 1.3 {
			t.Fatalf("mantle pixel %d at radius %g, want the cylinder shell", px.ID, rho)
		}
	}
}

func TestSyntheticIncoherent(t *testing.T) {
	gen := NewSynthetic(5)
	gen.Events = 600
	gen.Reflections = nil
	var buf bytes.Buffer
	if err := gen.WriteGeant4CSV(&buf); err != nil {
		t.Fatalf("WriteGeant4CSV: %v", err)
	}
	ins, err := LoadGeant4CSV(&buf)
	if err != nil {
		t.Fatalf("LoadGeant4CSV: %v", err)
	}
	for name, bank := range ins.Banks {
		for i, lambda := range bank.Events.Wavelength {
			if lambda < gen.WavelengthLo || lambda > gen.WavelengthHi {
				t.Fatalf("bank %s event %d wavelength %g outside the flat band", name, i, lambda)
			}
		}
	}
}

func TestSyntheticZipRoundTrip(t *testing.T) {
	gen := NewSynthetic(9)
	gen.Events = 300
	path := filepath.Join(t.TempDir(), "events.csv.zip")
	if err := gen.WriteGeant4CSVFile(path); err != nil {
		t.Fatalf("WriteGeant4CSVFile: %v", err)
	}
	ins, err := LoadGeant4CSVFile(path)
	if err != nil {
		t.Fatalf("LoadGeant4CSVFile: %v", err)
	}
	var total int
	for _, bank := range ins.Banks {
		total += bank.Events.Len()
	}
	if total != gen.Events {
		t.Errorf("loaded %d events, want %d", total, gen.Events)
	}
}

func TestSyntheticPlainFile(t *testing.T) {
	gen := NewSynthetic(9)
	gen.Events = 120
	gen.Banks = []string{BankMantle}
	path := filepath.Join(t.TempDir(), "events.csv")
	if err := gen.WriteGeant4CSVFile(path); err != nil {
		t.Fatalf("WriteGeant4CSVFile: %v", err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.HasPrefix(body, []byte("det ID\t")) {
		t.Error("plain CSV does not start with the column header")
	}
	ins, err := LoadGeant4CSVFile(path)
	if err != nil {
		t.Fatalf("LoadGeant4CSVFile: %v", err)
	}
	if ins.Banks[BankMantle].Events.Len() != gen.Events {
		t.Errorf("mantle has %d events, want %d", ins.Banks[BankMantle].Events.Len(), gen.Events)
	}
}

func TestSyntheticMonitor(t *testing.T) {
	gen := NewSynthetic(1)
	var buf bytes.Buffer
	if err := gen.WriteMonitor(&buf); err != nil {
		t.Fatalf("WriteMonitor: %v", err)
	}
	hist, err := LoadMonitor(&buf)
	if err != nil {
		t.Fatalf("LoadMonitor: %v", err)
	}
	if hist.Edges.NBins() != gen.MonitorBins {
		t.Fatalf("monitor has %d bins, want %d", hist.Edges.NBins(), gen.MonitorBins)
	}
	if hist.Variances == nil {
		t.Fatal("monitor has no variances despite an error column")
	}
	for i, c := range hist.Counts {
		if c <= 0 {
			t.Fatalf("monitor bin %d holds %g, want positive intensity", i, c)
		}
	}
}

func TestSyntheticUnknownBank(t *testing.T) {
	gen := NewSynthetic(2)
	gen.Banks = []string{"sideways"}
	if err := gen.WriteGeant4CSV(&bytes.Buffer{}); err == nil {
		t.Error("want error for unknown bank, got nil")
	}
}
