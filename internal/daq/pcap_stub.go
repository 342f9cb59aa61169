//go:build !pcap
// +build !pcap

package daq

import "fmt"

// NewCaptureReader is a stub when pcap support is disabled. The returned
// reader fails on Open. Build with -tags=pcap to read capture files.
func NewCaptureReader() CaptureReader {
	return stubReader{}
}

type stubReader struct{}

func (stubReader) Open(string) error {
	return fmt.Errorf("pcap support not enabled: rebuild with -tags=pcap to read capture files")
}

func (stubReader) SetBPFFilter(string) error    { return nil }
func (stubReader) NextPacket() (*Packet, error) { return nil, nil }
func (stubReader) Close()                       {}
func (stubReader) LinkType() int                { return 0 }
