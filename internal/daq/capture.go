package daq

import (
	"sync"
	"time"
)

// Packet is a single UDP payload read from a capture file.
type Packet struct {
	Data      []byte
	Timestamp time.Time
}

// CaptureReader reads readout payloads from a capture file. The
// abstraction keeps the libpcap dependency behind the pcap build tag and
// enables unit testing without real capture files.
type CaptureReader interface {
	// Open opens a capture file for reading.
	Open(filename string) error

	// SetBPFFilter restricts reading to packets matching a BPF filter.
	SetBPFFilter(filter string) error

	// NextPacket returns the next UDP payload, or nil at end of capture.
	NextPacket() (*Packet, error)

	// Close closes the reader and releases resources.
	Close()

	// LinkType returns the link type of the capture. Uses int to
	// accommodate link types > 255 (Linux cooked capture v2 is 276).
	LinkType() int
}

// MockCaptureReader implements CaptureReader for testing.
type MockCaptureReader struct {
	mu sync.Mutex

	// Packets holds the payloads to return from NextPacket.
	Packets []Packet

	// ReadIndex tracks the current position in Packets.
	ReadIndex int

	// OpenError is returned by Open if set.
	OpenError error

	// FilterError is returned by SetBPFFilter if set.
	FilterError error

	// ReadError is returned by NextPacket if set.
	ReadError error

	// OpenedFile records the filename passed to Open.
	OpenedFile string

	// AppliedFilter records the filter passed to SetBPFFilter.
	AppliedFilter string

	// Closed indicates whether Close was called.
	Closed bool

	// MockLinkType is the link type to return.
	MockLinkType int
}

// NewMockCaptureReader creates a MockCaptureReader with the given packets.
func NewMockCaptureReader(packets []Packet) *MockCaptureReader {
	return &MockCaptureReader{
		Packets:      packets,
		MockLinkType: 1, // Ethernet
	}
}

// Open records the filename and returns any configured error.
func (m *MockCaptureReader) Open(filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.OpenedFile = filename
	return m.OpenError
}

// SetBPFFilter records the filter and returns any configured error.
func (m *MockCaptureReader) SetBPFFilter(filter string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppliedFilter = filter
	return m.FilterError
}

// NextPacket returns the next payload from the mock buffer.
func (m *MockCaptureReader) NextPacket() (*Packet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ReadError != nil {
		return nil, m.ReadError
	}
	if m.ReadIndex >= len(m.Packets) {
		return nil, nil // end of capture
	}
	pkt := m.Packets[m.ReadIndex]
	m.ReadIndex++
	return &pkt, nil
}

// Close marks the reader as closed.
func (m *MockCaptureReader) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Closed = true
}

// LinkType returns the mock link type.
func (m *MockCaptureReader) LinkType() int {
	return m.MockLinkType
}

// AddPacket appends a payload to the mock reader.
func (m *MockCaptureReader) AddPacket(data []byte, timestamp time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Packets = append(m.Packets, Packet{Data: data, Timestamp: timestamp})
}

// Reset rewinds the mock reader for reuse.
func (m *MockCaptureReader) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReadIndex = 0
	m.Closed = false
	m.OpenedFile = ""
	m.AppliedFilter = ""
	m.OpenError = nil
	m.FilterError = nil
	m.ReadError = nil
}
