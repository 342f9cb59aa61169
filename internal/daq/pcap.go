//go:build pcap
// +build pcap

package daq

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// PcapReader reads capture files through libpcap. Only available when
// building with the 'pcap' build tag.
type PcapReader struct {
	handle *pcap.Handle
	source *gopacket.PacketSource
}

// NewCaptureReader returns a reader backed by libpcap.
func NewCaptureReader() CaptureReader {
	return &PcapReader{}
}

// Open opens a capture file for offline reading.
func (r *PcapReader) Open(filename string) error {
	handle, err := pcap.OpenOffline(filename)
	if err != nil {
		return fmt.Errorf("failed to open capture file %s: %w", filename, err)
	}
	r.handle = handle
	r.source = gopacket.NewPacketSource(handle, handle.LinkType())
	return nil
}

// SetBPFFilter restricts reading to packets matching the filter.
func (r *PcapReader) SetBPFFilter(filter string) error {
	if r.handle == nil {
		return errors.New("capture not open")
	}
	if err := r.handle.SetBPFFilter(filter); err != nil {
		return fmt.Errorf("failed to set BPF filter %q: %w", filter, err)
	}
	return nil
}

// NextPacket returns the next UDP payload, skipping packets without one.
// Returns nil at end of capture.
func (r *PcapReader) NextPacket() (*Packet, error) {
	if r.source == nil {
		return nil, errors.New("capture not open")
	}
	for {
		packet, err := r.source.NextPacket()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}

		// The payload aliases the decode buffer; copy before handing out.
		data := make([]byte, len(udp.Payload))
		copy(data, udp.Payload)
		return &Packet{Data: data, Timestamp: packet.Metadata().Timestamp}, nil
	}
}

// Close closes the underlying handle. Safe to call more than once.
func (r *PcapReader) Close() {
	if r.handle != nil {
		r.handle.Close()
		r.handle = nil
		r.source = nil
	}
}

// LinkType returns the link type of the open capture.
func (r *PcapReader) LinkType() int {
	if r.handle == nil {
		return 0
	}
	return int(r.handle.LinkType())
}
