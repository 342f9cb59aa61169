//go:build pcap
// +build pcap

// Package main analyzes UDP captures of the facility readout stream.
// It summarizes a capture into pulse and event statistics and optionally
// exports the parsed events for downstream reduction tests.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"

	"github.com/neutron-data/powder.report/internal/daq"
	"github.com/neutron-data/powder.report/internal/powder"
)

// Config holds configuration for the capture analysis.
type Config struct {
	CaptureFile  string
	UDPPort      int
	OutputDir    string
	ExportJSON   bool
	ExportEvents bool
}

func main() {
	config := parseFlags()

	if config.CaptureFile == "" {
		fmt.Fprintln(os.Stderr, "Error: capture file is required")
		flag.Usage()
		os.Exit(1)
	}

	if _, err := os.Stat(config.CaptureFile); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Error: capture file not found: %s\n", config.CaptureFile)
		os.Exit(1)
	}

	if config.OutputDir != "" {
		if err := os.MkdirAll(config.OutputDir, 0755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, events, err := analyzeCapture(ctx, config)
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}

	printSummary(config, summary)

	if err := exportResults(config, summary, events); err != nil {
		log.Fatalf("Export failed: %v", err)
	}
}

func parseFlags() Config {
	config := Config{}

	flag.StringVar(&config.CaptureFile, "pcap", "", "Path to capture file (required)")
	flag.IntVar(&config.UDPPort, "port", daq.DefaultPort, "UDP port of the readout stream")
	flag.StringVar(&config.OutputDir, "output", ".", "Output directory for results")
	flag.BoolVar(&config.ExportJSON, "json", true, "Export summary to JSON")
	flag.BoolVar(&config.ExportEvents, "events", false, "Export parsed events to CSV")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Readout Capture Analysis for Detector Commissioning\n\n")
		fmt.Fprintf(os.Stderr, "This tool reads a UDP capture of the readout stream and reports:\n")
		fmt.Fprintf(os.Stderr, "  1. Packet and frame counts, including malformed frames\n")
		fmt.Fprintf(os.Stderr, "  2. Pulse count and covered time span\n")
		fmt.Fprintf(os.Stderr, "  3. Event counts per fiber, time-of-flight and pixel ranges\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -pcap readout.pcap\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -pcap readout.pcap -events -output ./analysis\n", os.Args[0])
	}

	flag.Parse()
	return config
}

func analyzeCapture(ctx context.Context, config Config) (*daq.Summary, *powder.EventList, error) {
	reader := daq.NewCaptureReader()
	if config.ExportEvents {
		events, summary, err := daq.CollectEvents(ctx, reader, config.CaptureFile, config.UDPPort)
		return summary, events, err
	}
	summary, err := daq.Summarize(ctx, reader, config.CaptureFile, config.UDPPort)
	return summary, nil, err
}

func printSummary(config Config, s *daq.Summary) {
	fmt.Println("\n========== Readout Capture Summary ==========")
	fmt.Printf("File: %s\n", config.CaptureFile)
	fmt.Printf("Filter: udp port %d\n", config.UDPPort)
	fmt.Println()
	fmt.Printf("Packets: %d (%d bytes)\n", s.Packets, s.Bytes)
	fmt.Printf("Frames: %d parsed, %d malformed\n", s.Frames, s.BadFrames)
	fmt.Printf("Pulses: %d over %.3f seconds\n", s.Pulses, s.Duration().Seconds())
	fmt.Println()
	fmt.Printf("Events: %d (%.1f per pulse)\n", s.Events, s.EventsPerPulse())
	if s.Events > 0 {
		fmt.Printf("Tof range: [%.6f, %.6f] s\n", s.MinTof, s.MaxTof)
		fmt.Printf("Pixel range: [%d, %d]\n", s.MinPixel, s.MaxPixel)
		fmt.Println("\nEvents by fiber:")
		fibers := make([]int, 0, len(s.EventsByFiber))
		for fiber := range s.EventsByFiber {
			fibers = append(fibers, int(fiber))
		}
		sort.Ints(fibers)
		for _, fiber := range fibers {
			count := s.EventsByFiber[uint8(fiber)]
			fmt.Printf("  fiber %d: %d (%.1f%%)\n", fiber, count, 100*float64(count)/float64(s.Events))
		}
	}
	fmt.Println("=============================================")
}

func exportResults(config Config, s *daq.Summary, events *powder.EventList) error {
	if config.ExportJSON {
		path := filepath.Join(config.OutputDir, "capture_summary.json")
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal summary: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
		fmt.Printf("Summary written to %s\n", path)
	}

	if config.ExportEvents && events != nil {
		path := filepath.Join(config.OutputDir, "events.csv")
		if err := writeEventsCSV(path, events); err != nil {
			return fmt.Errorf("write events: %w", err)
		}
		fmt.Printf("%d events written to %s\n", events.Len(), path)
	}
	return nil
}

func writeEventsCSV(path string, events *powder.EventList) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if err := w.Write([]string{"tof_s", "pulse_time_ns", "pixel"}); err != nil {
		f.Close()
		return err
	}
	for i := 0; i < events.Len(); i++ {
		record := []string{
			strconv.FormatFloat(events.Tof[i], 'g', -1, 64),
			strconv.FormatInt(events.PulseTime[i], 10),
			strconv.FormatInt(int64(events.Pixel[i]), 10),
		}
		if err := w.Write(record); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
