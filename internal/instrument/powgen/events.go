// Package powgen loads POWGEN data extracts: columnar event files, the
// pixel geometry table and the proton charge log of a run.
package powgen

import (
	"fmt"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/neutron-data/powder.report/internal/monitoring"
	"github.com/neutron-data/powder.report/internal/powder"
)

// EventRow is one event record of a columnar extract. Extracts carry raw
// counts, so an event's variance equals its weight.
type EventRow struct {
	Tof       float64 `parquet:"name=tof, type=DOUBLE"`
	PulseTime int64   `parquet:"name=pulse_time, type=INT64"`
	Weight    float64 `parquet:"name=weight, type=DOUBLE"`
	Pixel     int32   `parquet:"name=pixel, type=INT32"`
}

const readBatch = 1 << 16

// LoadEvents reads a columnar event extract. Times of flight are
// microseconds, pulse times nanoseconds since the epoch.
func LoadEvents(path string) (*powder.EventList, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("powgen: %w", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(EventRow), 4)
	if err != nil {
		return nil, fmt.Errorf("powgen: %s: %w", path, err)
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	out := &powder.EventList{
		Weights:    make([]float64, 0, n),
		Variances:  make([]float64, 0, n),
		Tof:        make([]float64, 0, n),
		PulseTime:  make([]int64, 0, n),
		Pixel:      make([]int32, 0, n),
		WeightUnit: powder.UnitCounts,
	}
	for read := 0; read < n; {
		batch := readBatch
		if rest := n - read; rest < batch {
			batch = rest
		}
		rows := make([]EventRow, batch)
		if err := pr.Read(&rows); err != nil {
			return nil, fmt.Errorf("powgen: reading %s: %w", path, err)
		}
		for _, r := range rows {
			out.Weights = append(out.Weights, r.Weight)
			out.Variances = append(out.Variances, r.Weight)
			out.Tof = append(out.Tof, r.Tof)
			out.PulseTime = append(out.PulseTime, r.PulseTime)
			out.Pixel = append(out.Pixel, r.Pixel)
		}
		read += batch
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("powgen: %s: %w", path, err)
	}
	monitoring.Logf("Loaded %d POWGEN events from %s", out.Len(), path)
	return out, nil
}

// WriteEvents writes an event list as a columnar extract. Variances are
// not stored; extracts hold raw counts where the variance equals the
// weight.
func WriteEvents(path string, events *powder.EventList) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("powgen: %w", err)
	}
	pw, err := writer.NewParquetWriter(fw, new(EventRow), 4)
	if err != nil {
		fw.Close()
		return fmt.Errorf("powgen: %s: %w", path, err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i := range events.Weights {
		row := EventRow{
			Tof:       events.Tof[i],
			PulseTime: events.PulseTime[i],
			Weight:    events.Weights[i],
			Pixel:     events.Pixel[i],
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			fw.Close()
			return fmt.Errorf("powgen: writing %s: %w", path, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("powgen: finalizing %s: %w", path, err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("powgen: %w", err)
	}
	monitoring.Logf("Wrote %d POWGEN events to %s", events.Len(), path)
	return nil
}
