// Package daq parses offline captures of the facility readout stream.
//
// Readout frames arrive as UDP payloads. Each frame starts with a 30 byte
// header, all integers little endian:
//
//	offset 0   padding, always zero
//	offset 1   protocol version
//	offset 2   cookie "ESS"
//	offset 5   detector type
//	offset 6   total frame length, uint16
//	offset 8   output queue
//	offset 9   time source
//	offset 10  pulse time, seconds uint32 + clock ticks uint32
//	offset 18  previous pulse time, same layout
//	offset 26  sequence number, uint32
//
// Data blocks follow back to back: fiber, FEN, block length uint16 with
// the 4 byte block header included, then 12 byte event readouts of time
// seconds, time ticks, pixel id. Sub-second time counts ticks of the
// 88.0525 MHz facility clock.
package daq

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// TickHz is the tick rate of the facility timing clock.
const TickHz = 88_052_500

// DefaultPort is the UDP port the readout system transmits on.
const DefaultPort = 9000

const (
	headerLen      = 30
	blockHeaderLen = 4
	eventLen       = 12
)

var cookie = [3]byte{'E', 'S', 'S'}

// ReadoutTime is a timestamp of the readout clock: whole seconds since the
// epoch plus sub-second ticks.
type ReadoutTime struct {
	Sec  uint32
	Tick uint32
}

// Seconds returns the timestamp as fractional seconds since the epoch.
func (t ReadoutTime) Seconds() float64 {
	return float64(t.Sec) + float64(t.Tick)/TickHz
}

// Nanos returns the timestamp as nanoseconds since the epoch.
func (t ReadoutTime) Nanos() int64 {
	return int64(t.Sec)*1e9 + int64(math.Round(float64(t.Tick)/TickHz*1e9))
}

// Sub returns t minus other in seconds.
func (t ReadoutTime) Sub(other ReadoutTime) float64 {
	return float64(int64(t.Sec)-int64(other.Sec)) + (float64(t.Tick)-float64(other.Tick))/TickHz
}

// Before reports whether t is earlier than other.
func (t ReadoutTime) Before(other ReadoutTime) bool {
	return t.Sec < other.Sec || (t.Sec == other.Sec && t.Tick < other.Tick)
}

// Time converts the timestamp to wall-clock time.
func (t ReadoutTime) Time() time.Time {
	return time.Unix(int64(t.Sec), int64(math.Round(float64(t.Tick)/TickHz*1e9)))
}

// Header is the fixed frame header of the readout protocol.
type Header struct {
	Version     uint8
	Type        uint8
	Length      uint16
	OutputQueue uint8
	TimeSource  uint8
	Pulse       ReadoutTime
	PrevPulse   ReadoutTime
	Seq         uint32
}

// Event is a single detector readout.
type Event struct {
	Time  ReadoutTime
	Pixel uint32
}

// Block groups the events of one fiber/FEN pair within a frame.
type Block struct {
	Fiber  uint8
	FEN    uint8
	Events []Event
}

// Frame is one parsed readout frame.
type Frame struct {
	Header Header
	Blocks []Block
}

// NumEvents returns the event count across all blocks.
func (f *Frame) NumEvents() int {
	n := 0
	for _, b := range f.Blocks {
		n += len(b.Events)
	}
	return n
}

// PulseFor returns the pulse an event belongs to. Events stamped before
// the current pulse carry over from the previous one.
func (h Header) PulseFor(ev Event) ReadoutTime {
	if ev.Time.Before(h.Pulse) {
		return h.PrevPulse
	}
	return h.Pulse
}

// Tof returns the event's time of flight in seconds relative to its pulse.
func (h Header) Tof(ev Event) float64 {
	return ev.Time.Sub(h.PulseFor(ev))
}

// ParseFrame decodes a single readout frame from a UDP payload.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("readout frame too short: %d bytes", len(data))
	}
	if data[2] != cookie[0] || data[3] != cookie[1] || data[4] != cookie[2] {
		return nil, fmt.Errorf("not a readout frame: bad cookie %q", data[2:5])
	}
	if v := data[1]; v != 0 {
		return nil, fmt.Errorf("unsupported readout version %d", v)
	}

	h := Header{
		Version:     data[1],
		Type:        data[5],
		Length:      binary.LittleEndian.Uint16(data[6:8]),
		OutputQueue: data[8],
		TimeSource:  data[9],
		Pulse: ReadoutTime{
			Sec:  binary.LittleEndian.Uint32(data[10:14]),
			Tick: binary.LittleEndian.Uint32(data[14:18]),
		},
		PrevPulse: ReadoutTime{
			Sec:  binary.LittleEndian.Uint32(data[18:22]),
			Tick: binary.LittleEndian.Uint32(data[22:26]),
		},
		Seq: binary.LittleEndian.Uint32(data[26:30]),
	}
	if int(h.Length) != len(data) {
		return nil, fmt.Errorf("frame length field %d does not match payload of %d bytes", h.Length, len(data))
	}

	f := &Frame{Header: h}
	for off := headerLen; off < len(data); {
		if len(data)-off < blockHeaderLen {
			return nil, fmt.Errorf("truncated block header at offset %d", off)
		}
		blockLen := int(binary.LittleEndian.Uint16(data[off+2 : off+4]))
		if blockLen < blockHeaderLen || off+blockLen > len(data) {
			return nil, fmt.Errorf("block length %d out of range at offset %d", blockLen, off)
		}
		payload := blockLen - blockHeaderLen
		if payload%eventLen != 0 {
			return nil, fmt.Errorf("block payload of %d bytes at offset %d is not whole events", payload, off)
		}

		b := Block{
			Fiber:  data[off],
			FEN:    data[off+1],
			Events: make([]Event, 0, payload/eventLen),
		}
		for p := off + blockHeaderLen; p < off+blockLen; p += eventLen {
			b.Events = append(b.Events, Event{
				Time: ReadoutTime{
					Sec:  binary.LittleEndian.Uint32(data[p : p+4]),
					Tick: binary.LittleEndian.Uint32(data[p+4 : p+8]),
				},
				Pixel: binary.LittleEndian.Uint32(data[p+8 : p+12]),
			})
		}
		f.Blocks = append(f.Blocks, b)
		off += blockLen
	}
	return f, nil
}

// MarshalBinary encodes the frame as a UDP payload. The header length
// field is computed from the blocks, overriding Header.Length.
func (f *Frame) MarshalBinary() ([]byte, error) {
	total := headerLen
	for _, b := range f.Blocks {
		total += blockHeaderLen + len(b.Events)*eventLen
	}
	if total > math.MaxUint16 {
		return nil, fmt.Errorf("frame of %d bytes exceeds the length field", total)
	}

	out := make([]byte, 0, total)
	out = append(out, 0, f.Header.Version, cookie[0], cookie[1], cookie[2], f.Header.Type)
	out = binary.LittleEndian.AppendUint16(out, uint16(total))
	out = append(out, f.Header.OutputQueue, f.Header.TimeSource)
	out = binary.LittleEndian.AppendUint32(out, f.Header.Pulse.Sec)
	out = binary.LittleEndian.AppendUint32(out, f.Header.Pulse.Tick)
	out = binary.LittleEndian.AppendUint32(out, f.Header.PrevPulse.Sec)
	out = binary.LittleEndian.AppendUint32(out, f.Header.PrevPulse.Tick)
	out = binary.LittleEndian.AppendUint32(out, f.Header.Seq)
	for _, b := range f.Blocks {
		out = append(out, b.Fiber, b.FEN)
		out = binary.LittleEndian.AppendUint16(out, uint16(blockHeaderLen+len(b.Events)*eventLen))
		for _, ev := range b.Events {
			out = binary.LittleEndian.AppendUint32(out, ev.Time.Sec)
			out = binary.LittleEndian.AppendUint32(out, ev.Time.Tick)
			out = binary.LittleEndian.AppendUint32(out, ev.Pixel)
		}
	}
	return out, nil
}
