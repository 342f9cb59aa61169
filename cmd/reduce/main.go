// Package main runs one powder reduction from the command line: load
// the instrument files, walk the reduction workflow, write the reduced
// pattern in the requested formats and record the run in the
// provenance database.
package main

import (
	"crypto/md5"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/neutron-data/powder.report/internal/config"
	"github.com/neutron-data/powder.report/internal/diagnostics"
	"github.com/neutron-data/powder.report/internal/fileio/cif"
	"github.com/neutron-data/powder.report/internal/fileio/xye"
	"github.com/neutron-data/powder.report/internal/instrument/beer"
	"github.com/neutron-data/powder.report/internal/instrument/dream"
	"github.com/neutron-data/powder.report/internal/instrument/powgen"
	"github.com/neutron-data/powder.report/internal/powder"
	"github.com/neutron-data/powder.report/internal/powder/calibration"
	"github.com/neutron-data/powder.report/internal/powder/pipeline"
	"github.com/neutron-data/powder.report/internal/provenance"
	"github.com/neutron-data/powder.report/internal/security"
	"github.com/neutron-data/powder.report/internal/version"
)

// Config holds configuration for one batch reduction.
type Config struct {
	Instrument        string
	SampleFile        string
	VanadiumFile      string
	EmptyCanFile      string
	MonitorFile       string
	GeometryFile      string
	CalibrationFile   string
	ChargeLogFile     string
	VanChargeLogFile  string
	Configuration     string
	Banks             string
	Normalization     string
	Bins              int
	DspacingMin       float64
	DspacingMax       float64
	ProtonCharge      float64
	ConfigFile        string
	MasksFile         string
	OutputDir         string
	Formats           string
	DBFile            string
}

func main() {
	cfg := parseFlags()

	if cfg.Instrument == "" {
		fmt.Fprintln(os.Stderr, "Error: instrument is required")
		flag.Usage()
		os.Exit(1)
	}
	if cfg.SampleFile == "" {
		fmt.Fprintln(os.Stderr, "Error: sample file is required")
		flag.Usage()
		os.Exit(1)
	}

	formats, err := parseFormats(cfg.Formats)
	if err != nil {
		log.Fatalf("Invalid formats: %v", err)
	}

	rc, err := loadParams(cfg)
	if err != nil {
		log.Fatalf("Invalid parameters: %v", err)
	}

	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	// Provenance is optional: -db "" reduces without recording.
	var db *provenance.DB
	var run *provenance.Run
	var rec pipeline.RunRecorder
	if cfg.DBFile != "" {
		db, err = provenance.OpenAndMigrate(cfg.DBFile)
		if err != nil {
			log.Fatalf("Failed to open run database: %v", err)
		}
		defer db.Close()

		run = &provenance.Run{
			Instrument: cfg.Instrument,
			Workflow:   "powder_reduction",
			Params:     runParams(cfg, rc),
		}
		if err := db.StartRun(run); err != nil {
			log.Fatalf("Failed to record run: %v", err)
		}
		log.Printf("Recording run %s", run.ID)
		recordFiles(db, run.ID, provenance.RoleInput, inputFiles(cfg))
		rec = db.Recorder(run.ID)
	}

	res, err := runReduction(cfg, rc, rec)
	if err != nil {
		if db != nil {
			db.AppendLog(run.ID, err.Error())
			db.FinishRun(run.ID, provenance.StatusFailed)
		}
		log.Fatalf("Reduction failed: %v", err)
	}

	written, err := writeOutputs(cfg, formats, res)
	if err != nil {
		if db != nil {
			db.AppendLog(run.ID, err.Error())
			db.FinishRun(run.ID, provenance.StatusFailed)
		}
		log.Fatalf("Export failed: %v", err)
	}

	if db != nil {
		recordFiles(db, run.ID, provenance.RoleOutput, written)
		if err := db.FinishRun(run.ID, provenance.StatusCompleted); err != nil {
			log.Printf("Failed to finish run record: %v", err)
		}
	}

	printSummary(cfg, res, written)
}

func parseFlags() Config {
	config := Config{}

	flag.StringVar(&config.Instrument, "instrument", "", "Instrument to reduce for: dream, powgen or beer (required)")
	flag.StringVar(&config.SampleFile, "sample", "", "Sample run file; comma-separated per-bank tables for beer (required)")
	flag.StringVar(&config.VanadiumFile, "vanadium", "", "Vanadium run file for efficiency normalization")
	flag.StringVar(&config.EmptyCanFile, "empty-can", "", "Empty-can run file subtracted from the sample (dream)")
	flag.StringVar(&config.MonitorFile, "monitor", "", "Beam monitor histogram for the monitor normalization modes (dream)")
	flag.StringVar(&config.GeometryFile, "geometry", "", "Detector geometry file (powgen)")
	flag.StringVar(&config.CalibrationFile, "calibration", "", "d-to-tof calibration table (powgen)")
	flag.StringVar(&config.ChargeLogFile, "charge-log", "", "Proton charge log of the sample run (powgen)")
	flag.StringVar(&config.VanChargeLogFile, "vanadium-charge-log", "", "Proton charge log of the vanadium run (powgen)")
	flag.StringVar(&config.Configuration, "configuration", "", "Chopper configuration of the run (dream, default high_flux)")
	flag.StringVar(&config.Banks, "banks", "", "Comma-separated detector banks to reduce (dream, default all)")
	flag.StringVar(&config.Normalization, "normalization", "", "Flux normalization: proton_charge, monitor_histogram or monitor_integrated")
	flag.IntVar(&config.Bins, "bins", 0, "Number of d-spacing bins (0 uses the configured value)")
	flag.Float64Var(&config.DspacingMin, "dmin", -1, "Lower d-spacing edge in angstrom (-1 uses the configured value)")
	flag.Float64Var(&config.DspacingMax, "dmax", -1, "Upper d-spacing edge in angstrom (-1 uses the configured value)")
	flag.Float64Var(&config.ProtonCharge, "charge", 0, "Accumulated proton charge in uAh (0 uses the nominal charge)")
	flag.StringVar(&config.ConfigFile, "config", "", "Reduction parameter JSON file")
	flag.StringVar(&config.MasksFile, "masks", "", "Mask interval JSON file (tof_masks, wavelength_masks, two_theta_masks)")
	flag.StringVar(&config.OutputDir, "output", ".", "Output directory for reduced data")
	flag.StringVar(&config.Formats, "formats", "xye,png", "Comma-separated output formats: xye, cif, png")
	flag.StringVar(&config.DBFile, "db", "reductions.db", "Run database path; empty disables provenance recording")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Batch Powder Reduction\n\n")
		fmt.Fprintf(os.Stderr, "This tool reduces one run to a d-spacing pattern:\n")
		fmt.Fprintf(os.Stderr, "  1. Load the sample and auxiliary runs of the instrument\n")
		fmt.Fprintf(os.Stderr, "  2. Filter bad pulses, mask events and convert to d-spacing\n")
		fmt.Fprintf(os.Stderr, "  3. Normalize by flux and divide by the vanadium reference\n")
		fmt.Fprintf(os.Stderr, "  4. Histogram and write the pattern as xye, CIF and PNG\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -instrument dream -sample data_dream_diamond_vana_container_sample_union.csv.zip -vanadium data_dream_vanadium.csv.zip -bins 500\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -instrument powgen -sample PG3_4844_event.parquet -geometry PG3_geometry.csv -calibration PG3_FERNS_d4832_2011_08_24.cal\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -instrument beer -sample bank1.txt,bank2.txt -formats xye,cif\n", os.Args[0])
	}

	flag.Parse()
	return config
}

// loadParams merges the parameter file, the mask file and the explicit
// flag overrides into one validated reduction configuration.
func loadParams(cfg Config) (*config.ReductionConfig, error) {
	rc := config.EmptyReductionConfig()
	if cfg.ConfigFile != "" {
		loaded, err := config.LoadReductionConfig(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		rc = loaded
	}
	if cfg.MasksFile != "" {
		masks, err := config.LoadReductionConfig(cfg.MasksFile)
		if err != nil {
			return nil, err
		}
		rc.TofMasks = masks.TofMasks
		rc.WavelengthMasks = masks.WavelengthMasks
		rc.TwoThetaMasks = masks.TwoThetaMasks
	}
	if cfg.Normalization != "" {
		rc.Normalization = &cfg.Normalization
	}
	if cfg.Bins > 0 {
		rc.DspacingBins = &cfg.Bins
	}
	if cfg.DspacingMin >= 0 {
		rc.DspacingMin = &cfg.DspacingMin
	}
	if cfg.DspacingMax >= 0 {
		rc.DspacingMax = &cfg.DspacingMax
	}
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return rc, nil
}

func parseFormats(s string) ([]string, error) {
	var formats []string
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		switch f {
		case "xye", "cif", "png":
			formats = append(formats, f)
		default:
			return nil, fmt.Errorf("unknown output format %q (expected xye, cif or png)", f)
		}
	}
	if len(formats) == 0 {
		return nil, fmt.Errorf("no output formats selected")
	}
	return formats, nil
}

func runReduction(cfg Config, rc *config.ReductionConfig, rec pipeline.RunRecorder) (*pipeline.Result, error) {
	edges, err := rc.DspacingEdges()
	if err != nil {
		return nil, err
	}
	switch cfg.Instrument {
	case "dream":
		return reduceDream(cfg, rc, edges, rec)
	case "powgen":
		return reducePowgen(cfg, rc, edges, rec)
	case "beer":
		return reduceBeer(cfg, rc, edges, rec)
	default:
		return nil, fmt.Errorf("unknown instrument %q (expected dream, powgen or beer)", cfg.Instrument)
	}
}

func reduceDream(cfg Config, rc *config.ReductionConfig, edges powder.Edges, rec pipeline.RunRecorder) (*pipeline.Result, error) {
	sample, err := dream.LoadGeant4CSVFile(cfg.SampleFile)
	if err != nil {
		return nil, err
	}

	pcfg := &pipeline.DreamConfig{
		Sample:              sample,
		MonitorSmoothCutoff: rc.GetMonitorSmoothCutoff(),
		Normalization:       rc.GetNormalization(),
		ProtonCharge:        cfg.ProtonCharge,
		Banks:               splitList(cfg.Banks),
		Masks:               rc.GetMasks(),
		DspacingEdges:       edges,
		Uncertainty:         rc.GetUncertainty(),
		Recorder:            rec,
	}

	if cfg.Configuration != "" {
		ic, err := dream.ParseInstrumentConfiguration(cfg.Configuration)
		if err != nil {
			return nil, err
		}
		pcfg.Configuration = ic
	}
	if cfg.VanadiumFile != "" {
		if pcfg.Vanadium, err = dream.LoadGeant4CSVFile(cfg.VanadiumFile); err != nil {
			return nil, err
		}
	}
	if cfg.EmptyCanFile != "" {
		if pcfg.EmptyCan, err = dream.LoadGeant4CSVFile(cfg.EmptyCanFile); err != nil {
			return nil, err
		}
	}
	if cfg.MonitorFile != "" {
		if pcfg.Monitor, err = dream.LoadMonitorFile(cfg.MonitorFile); err != nil {
			return nil, err
		}
	}
	if pcfg.TwoThetaEdges, err = rc.TwoThetaEdges(); err != nil {
		return nil, err
	}

	return pcfg.Reduce()
}

func reducePowgen(cfg Config, rc *config.ReductionConfig, edges powder.Edges, rec pipeline.RunRecorder) (*pipeline.Result, error) {
	if cfg.GeometryFile == "" {
		return nil, fmt.Errorf("powgen: -geometry is required")
	}
	events, err := powgen.LoadEvents(cfg.SampleFile)
	if err != nil {
		return nil, err
	}
	geom, err := powgen.LoadGeometryFile(cfg.GeometryFile)
	if err != nil {
		return nil, err
	}

	pcfg := &pipeline.PowgenConfig{
		Events:            events,
		Geometry:          geom,
		BadPulseThreshold: rc.GetBadPulseThreshold(),
		StripPeaks:        rc.GetStripPeaks(),
		PeakHalfWidth:     rc.GetPeakHalfWidth(),
		SmoothCutoff:      rc.GetVanadiumSmoothCutoff(),
		Masks:             rc.GetMasks(),
		DspacingEdges:     edges,
		Uncertainty:       rc.GetUncertainty(),
		Recorder:          rec,
	}

	if cfg.CalibrationFile != "" {
		if pcfg.Calibration, err = calibration.LoadFile(cfg.CalibrationFile); err != nil {
			return nil, err
		}
	}
	if cfg.ChargeLogFile != "" {
		if pcfg.ChargeLog, err = powgen.LoadChargeLogFile(cfg.ChargeLogFile); err != nil {
			return nil, err
		}
	}
	if cfg.VanadiumFile != "" {
		if pcfg.Vanadium, err = powgen.LoadEvents(cfg.VanadiumFile); err != nil {
			return nil, err
		}
	}
	if cfg.VanChargeLogFile != "" {
		if pcfg.VanadiumChargeLog, err = powgen.LoadChargeLogFile(cfg.VanChargeLogFile); err != nil {
			return nil, err
		}
	}

	return pcfg.Reduce()
}

func reduceBeer(cfg Config, rc *config.ReductionConfig, edges powder.Edges, rec pipeline.RunRecorder) (*pipeline.Result, error) {
	paths := splitList(cfg.SampleFile)
	tables := make([]*beer.EventTable, 0, len(paths))
	for _, p := range paths {
		tab, err := beer.LoadEventTableFile(p)
		if err != nil {
			return nil, err
		}
		tables = append(tables, tab)
	}

	pcfg := &pipeline.BeerConfig{
		Tables:        tables,
		DspacingEdges: edges,
		Workers:       rc.GetWorkers(),
		Recorder:      rec,
	}
	return pcfg.Reduce()
}

func writeOutputs(cfg Config, formats []string, res *pipeline.Result) ([]string, error) {
	var written []string
	for _, format := range formats {
		switch format {
		case "xye":
			p := filepath.Join(cfg.OutputDir, "reduced.xye")
			if err := xye.WriteFile(p, res.Reduced); err != nil {
				return written, err
			}
			written = append(written, p)
			if len(res.Banks) > 1 {
				for _, name := range sortedBanks(res.Banks) {
					bp := filepath.Join(cfg.OutputDir, fmt.Sprintf("reduced_%s.xye", security.SanitizeFilename(name)))
					if err := xye.WriteFile(bp, res.Banks[name]); err != nil {
						return written, err
					}
					written = append(written, bp)
				}
			}
		case "cif":
			p := filepath.Join(cfg.OutputDir, "reduced.cif")
			block := cif.Block{
				Name:     fmt.Sprintf("%s_reduced", res.Instrument),
				Beamline: beamlineFor(res.Instrument),
				Reducers: []cif.Software{
					{Name: "powder.report", Version: version.Version},
				},
				Calibration: res.Calibration,
				Data:        res.Reduced,
			}
			if err := block.Save(p); err != nil {
				return written, err
			}
			written = append(written, p)
		case "png":
			paths, err := diagnostics.WriteRunPlots(cfg.OutputDir, res)
			written = append(written, paths...)
			if err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func beamlineFor(instrument string) cif.Beamline {
	b := cif.Beamline{Name: strings.ToUpper(instrument)}
	switch instrument {
	case "dream", "beer":
		b.Facility = "ESS"
	case "powgen":
		b.Facility = "SNS"
	}
	return b
}

func sortedBanks(banks map[string]*powder.Histogram) []string {
	names := make([]string, 0, len(banks))
	for name := range banks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// inputFiles lists the data files of this invocation for the run
// record. Parameter files are captured in the params JSON instead.
func inputFiles(cfg Config) []string {
	var files []string
	files = append(files, splitList(cfg.SampleFile)...)
	for _, p := range []string{
		cfg.VanadiumFile, cfg.EmptyCanFile, cfg.MonitorFile,
		cfg.GeometryFile, cfg.CalibrationFile, cfg.ChargeLogFile, cfg.VanChargeLogFile,
	} {
		if p != "" {
			files = append(files, p)
		}
	}
	return files
}

func recordFiles(db *provenance.DB, runID, role string, paths []string) {
	for _, p := range paths {
		err := db.AddFile(provenance.FileRecord{
			RunID: runID,
			Role:  role,
			Name:  filepath.Base(p),
			Path:  p,
			MD5:   fileMD5(p),
		})
		if err != nil {
			log.Printf("Failed to record %s file %s: %v", role, p, err)
		}
	}
}

// fileMD5 hashes a file for the provenance record. Unreadable files
// hash to the empty string; recording must not fail the reduction.
func fileMD5(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

func runParams(cfg Config, rc *config.ReductionConfig) map[string]any {
	params := map[string]any{
		"dspacing_min":     rc.GetDspacingMin(),
		"dspacing_max":     rc.GetDspacingMax(),
		"dspacing_bins":    rc.GetDspacingBins(),
		"normalization":    string(rc.GetNormalization()),
		"uncertainty":      string(rc.GetUncertainty()),
		"formats":          cfg.Formats,
		"software_version": version.Version,
	}
	if masks := rc.GetMasks(); !masks.Empty() {
		params["masked"] = true
	}
	if cfg.VanadiumFile != "" {
		params["vanadium"] = true
	}
	return params
}

func printSummary(cfg Config, res *pipeline.Result, written []string) {
	fmt.Println("\n========== Reduction Summary ==========")
	fmt.Printf("Instrument: %s\n", res.Instrument)
	fmt.Printf("Events: %d loaded, %d masked, %d dropped\n",
		res.Stats.EventsLoaded, res.Stats.EventsMasked, res.Stats.EventsDropped)
	fmt.Printf("Reduced: %d events into %d bins\n", res.Stats.EventsReduced, res.Reduced.Edges.NBins())
	if n := len(res.Banks); n > 1 {
		fmt.Printf("Banks: %s\n", strings.Join(sortedBanks(res.Banks), ", "))
	}
	if len(res.Streaks) > 0 {
		total := 0
		for _, fit := range res.Streaks {
			total += len(fit.Streaks)
		}
		fmt.Printf("Streaks: %d across %d banks\n", total, len(res.Streaks))
	}
	if res.Groups != nil {
		fmt.Printf("Two-theta groups: %d\n", res.Groups.Row.NBins())
	}
	fmt.Println("\nOutputs:")
	for _, p := range written {
		fmt.Printf("  %s\n", p)
	}
}
