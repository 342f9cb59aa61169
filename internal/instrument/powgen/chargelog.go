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
	"github.com/neutron-data/powder.report/internal/powder/filtering"
)

// LoadChargeLog reads the per-pulse proton charge log in CSV form with
// the header pulse_time,charge: pulse times in nanoseconds since the
// epoch, charge in picocoulombs.
func LoadChargeLog(r io.Reader) (filtering.ChargeLog, error) {
	var log filtering.ChargeLog
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return log, fmt.Errorf("powgen: reading charge log CSV: %w", err)
	}
	if len(records) < 2 {
		return log, fmt.Errorf("powgen: charge log has no data rows")
	}

	header := records[0]
	want := []string{"pulse_time", "charge"}
	if len(header) != len(want) {
		return log, fmt.Errorf("powgen: charge log header has %d columns, want %d", len(header), len(want))
	}
	for i, name := range want {
		if strings.ToLower(strings.TrimSpace(header[i])) != name {
			return log, fmt.Errorf("powgen: charge log header column %d is %q, want %q", i, header[i], name)
		}
	}

	log.Unit = powder.UnitPicocoulomb
	for i, record := range records[1:] {
		line := i + 2
		if len(record) != len(want) {
			return log, fmt.Errorf("powgen: charge log line %d has %d fields, want %d", line, len(record), len(want))
		}
		t, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
		if err != nil {
			return log, fmt.Errorf("powgen: invalid pulse time at line %d: %w", line, err)
		}
		charge, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		if err != nil {
			return log, fmt.Errorf("powgen: invalid charge at line %d: %w", line, err)
		}
		log.PulseTime = append(log.PulseTime, t)
		log.Charge = append(log.Charge, charge)
	}
	if err := log.Validate(); err != nil {
		return log, fmt.Errorf("powgen: %w", err)
	}
	monitoring.Logf("Loaded POWGEN charge log with %d pulses", len(log.Charge))
	return log, nil
}

// LoadChargeLogFile reads the proton charge log from disk.
func LoadChargeLogFile(path string) (filtering.ChargeLog, error) {
	f, err := os.Open(path)
	if err != nil {
		return filtering.ChargeLog{}, fmt.Errorf("powgen: %w", err)
	}
	defer f.Close()
	return LoadChargeLog(f)
}
