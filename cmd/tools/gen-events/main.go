// Command gen-events generates synthetic instrument data for tests and
// demos: DREAM Geant4 CSV dumps with a matching monitor, POWGEN parquet
// extracts with geometry and charge log, or BEER bank dumps.
package main

import (
	"flag"
	"fmt"
	"log"
	"path/filepath"

	"github.com/neutron-data/powder.report/internal/instrument/beer"
	"github.com/neutron-data/powder.report/internal/instrument/dream"
	"github.com/neutron-data/powder.report/internal/instrument/powgen"
)

func main() {
	instrument := flag.String("instrument", "dream", "instrument to generate for (dream, powgen or beer)")
	out := flag.String("o", ".", "output directory")
	events := flag.Int("n", 20000, "number of events (per reflection for beer)")
	seed := flag.Int64("seed", 7, "random seed")
	vanadium := flag.Bool("vanadium", false, "generate an incoherent scatterer instead of a powder")
	banks := flag.Int("banks", 2, "number of detector banks (beer)")
	flag.Parse()

	switch *instrument {
	case "dream":
		gen := dream.NewSynthetic(*seed)
		gen.Events = *events
		name := "dream_events.csv.zip"
		if *vanadium {
			gen.Reflections = nil
			name = "dream_vanadium.csv.zip"
		}
		create(filepath.Join(*out, name), gen.WriteGeant4CSVFile)
		create(filepath.Join(*out, "dream_monitor.dat"), gen.WriteMonitorFile)
	case "powgen":
		gen := powgen.NewSynthetic(*seed)
		gen.Events = *events
		name := "powgen_events.parquet"
		if *vanadium {
			gen.Reflections = nil
			name = "powgen_vanadium.parquet"
		}
		create(filepath.Join(*out, name), gen.WriteEventsFile)
		create(filepath.Join(*out, "powgen_geometry.csv"), gen.WriteGeometryFile)
		create(filepath.Join(*out, "powgen_chargelog.csv"), gen.WriteChargeLogFile)
	case "beer":
		for b := 1; b <= *banks; b++ {
			gen := beer.NewSynthetic(*seed + int64(b))
			gen.Bank = b
			gen.Events = *events
			create(filepath.Join(*out, fmt.Sprintf("beer_bank_%d.dat", b)), gen.WriteTableFile)
		}
	default:
		log.Fatalf("Unknown instrument %q (expected dream, powgen or beer)", *instrument)
	}
}

func create(path string, write func(string) error) {
	if err := write(path); err != nil {
		log.Fatalf("Failed to write %s: %v", path, err)
	}
	log.Printf("✓ Created: %s", path)
}
