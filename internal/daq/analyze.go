package daq

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/neutron-data/powder.report/internal/monitoring"
	"github.com/neutron-data/powder.report/internal/powder"
)

// Summary aggregates one capture into pulse and event statistics.
type Summary struct {
	Packets   uint64 `json:"packets"`
	Bytes     uint64 `json:"bytes"`
	Frames    uint64 `json:"frames"`
	BadFrames uint64 `json:"bad_frames"`
	Blocks    uint64 `json:"blocks"`
	Events    uint64 `json:"events"`
	Pulses    uint64 `json:"pulses"`

	FirstPulse time.Time `json:"first_pulse,omitempty"`
	LastPulse  time.Time `json:"last_pulse,omitempty"`

	// Time of flight range in seconds, zero when no events parsed.
	MinTof float64 `json:"min_tof"`
	MaxTof float64 `json:"max_tof"`

	MinPixel uint32 `json:"min_pixel"`
	MaxPixel uint32 `json:"max_pixel"`

	EventsByFiber map[uint8]uint64 `json:"events_by_fiber,omitempty"`
}

// Duration returns the pulse time span covered by the capture.
func (s *Summary) Duration() time.Duration {
	if s.FirstPulse.IsZero() {
		return 0
	}
	return s.LastPulse.Sub(s.FirstPulse)
}

// EventsPerPulse returns the mean event count per pulse.
func (s *Summary) EventsPerPulse() float64 {
	if s.Pulses == 0 {
		return 0
	}
	return float64(s.Events) / float64(s.Pulses)
}

// Summarize reads a capture and aggregates pulse and event statistics.
// The reader is opened on path, filtered to UDP traffic on port, and
// closed before returning.
func Summarize(ctx context.Context, r CaptureReader, path string, port int) (*Summary, error) {
	return scan(ctx, r, path, port, nil)
}

// CollectEvents reads a capture into an event list with unit weights,
// alongside the capture summary. Pixel ids carry over unchanged; mapping
// them onto detector geometry is the caller's job.
func CollectEvents(ctx context.Context, r CaptureReader, path string, port int) (*powder.EventList, *Summary, error) {
	events := powder.NewEventList(0)
	sum, err := scan(ctx, r, path, port, func(f *Frame) {
		for _, b := range f.Blocks {
			for _, ev := range b.Events {
				events.Append(1, 1, f.Header.Tof(ev), f.Header.PulseFor(ev).Nanos(), int32(ev.Pixel))
			}
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return events, sum, nil
}

func scan(ctx context.Context, r CaptureReader, path string, port int, fn func(*Frame)) (*Summary, error) {
	if err := r.Open(path); err != nil {
		return nil, fmt.Errorf("open capture %s: %w", path, err)
	}
	defer r.Close()

	filter := fmt.Sprintf("udp port %d", port)
	if err := r.SetBPFFilter(filter); err != nil {
		return nil, fmt.Errorf("set capture filter %q: %w", filter, err)
	}

	sum := &Summary{
		MinTof:        math.Inf(1),
		MaxTof:        math.Inf(-1),
		MinPixel:      math.MaxUint32,
		EventsByFiber: make(map[uint8]uint64),
	}
	var lastPulse ReadoutTime

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		pkt, err := r.NextPacket()
		if err != nil {
			return nil, fmt.Errorf("read capture: %w", err)
		}
		if pkt == nil {
			break
		}
		sum.Packets++
		sum.Bytes += uint64(len(pkt.Data))

		frame, err := ParseFrame(pkt.Data)
		if err != nil {
			sum.BadFrames++
			monitoring.Logf("daq: packet %d: %v", sum.Packets, err)
			continue
		}
		sum.Frames++

		if sum.Frames == 1 || frame.Header.Pulse != lastPulse {
			sum.Pulses++
			lastPulse = frame.Header.Pulse
			if sum.FirstPulse.IsZero() {
				sum.FirstPulse = frame.Header.Pulse.Time()
			}
			sum.LastPulse = frame.Header.Pulse.Time()
		}

		for _, b := range frame.Blocks {
			sum.Blocks++
			sum.EventsByFiber[b.Fiber] += uint64(len(b.Events))
			for _, ev := range b.Events {
				sum.Events++
				tof := frame.Header.Tof(ev)
				sum.MinTof = math.Min(sum.MinTof, tof)
				sum.MaxTof = math.Max(sum.MaxTof, tof)
				if ev.Pixel < sum.MinPixel {
					sum.MinPixel = ev.Pixel
				}
				if ev.Pixel > sum.MaxPixel {
					sum.MaxPixel = ev.Pixel
				}
			}
		}

		if fn != nil {
			fn(frame)
		}
	}

	if sum.Events == 0 {
		sum.MinTof, sum.MaxTof = 0, 0
		sum.MinPixel = 0
	}
	return sum, nil
}
