// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usb implements a polled USB device control endpoint engine, serving
// standard requests and descriptors while delegating class requests and data
// endpoints to a class driver.
package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// p279, Table 9-4. Standard Request Codes, USB2.0
const (
	GET_STATUS        = 0
	CLEAR_FEATURE     = 1
	SET_FEATURE       = 3
	SET_ADDRESS       = 5
	GET_DESCRIPTOR    = 6
	SET_DESCRIPTOR    = 7
	GET_CONFIGURATION = 8
	SET_CONFIGURATION = 9
	GET_INTERFACE     = 10
	SET_INTERFACE     = 11
	SYNCH_FRAME       = 12
)

// p280, Table 9-6. Standard Feature Selectors, USB2.0
const (
	ENDPOINT_HALT        = 0
	DEVICE_REMOTE_WAKEUP = 1
	TEST_MODE            = 2
)

// p248, Table 9-2. Format of Setup Data, USB2.0
const (
	REQUEST_DIR_IN    = 0x80
	REQUEST_TYPE_MASK = 0x60
	REQUEST_STANDARD  = 0x00
	REQUEST_CLASS     = 0x20
	REQUEST_VENDOR    = 0x40
	RECIPIENT_MASK    = 0x1f
	RECIPIENT_DEVICE  = 0x00
	RECIPIENT_IFACE   = 0x01
	RECIPIENT_EP      = 0x02
)

const (
	// SETUP_LENGTH is the size of a setup packet
	SETUP_LENGTH = 8
	// EP0_MAX_PACKET_SIZE is the control endpoint maximum packet size
	EP0_MAX_PACKET_SIZE = 64

	FULL_SPEED_MAX_PACKET_SIZE = 64
	HIGH_SPEED_MAX_PACKET_SIZE = 512
)

// ErrUnsupportedRequest is returned by class drivers for requests which must
// be answered with a stall.
var ErrUnsupportedRequest = errors.New("unsupported request")

// SetupData implements
// p276, Table 9-2. Format of Setup Data, USB2.0.
type SetupData struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetup decodes a setup packet from its little-endian wire format.
func ParseSetup(buf []byte) (setup *SetupData, err error) {
	if len(buf) != SETUP_LENGTH {
		return nil, fmt.Errorf("invalid setup packet length %d", len(buf))
	}

	setup = &SetupData{
		RequestType: buf[0],
		Request:     buf[1],
		Value:       binary.LittleEndian.Uint16(buf[2:]),
		Index:       binary.LittleEndian.Uint16(buf[4:]),
		Length:      binary.LittleEndian.Uint16(buf[6:]),
	}

	return
}

// Bytes encodes the setup packet in little-endian wire format.
func (s *SetupData) Bytes() []byte {
	buf := make([]byte, SETUP_LENGTH)

	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:], s.Value)
	binary.LittleEndian.PutUint16(buf[4:], s.Index)
	binary.LittleEndian.PutUint16(buf[6:], s.Length)

	return buf
}

// In reports whether the request has a device-to-host data stage.
func (s *SetupData) In() bool {
	return s.RequestType&REQUEST_DIR_IN != 0
}

// Type returns the request type bits.
func (s *SetupData) Type() uint8 {
	return s.RequestType & REQUEST_TYPE_MASK
}

// Events represents pending controller interrupt conditions.
type Events struct {
	Reset   bool
	Suspend bool
	Resume  bool

	// EP0 signals a control endpoint event
	EP0 bool
	// IN holds a bit for every IN endpoint which completed a transfer
	IN uint16
	// OUT holds a bit for every OUT endpoint which received a packet
	OUT uint16
}

// EndpointConfig represents the hardware configuration of a data endpoint.
type EndpointConfig struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16

	// FIFO placement in controller memory
	FIFOAddress int
	FIFOSize    int
}

// Number returns the endpoint number.
func (ep EndpointConfig) Number() int {
	return int(ep.Address & 0x0f)
}

// In reports whether the endpoint direction is device-to-host.
func (ep EndpointConfig) In() bool {
	return ep.Address&0x80 != 0
}

// Controller represents the device controller hardware.
type Controller interface {
	// Events returns and acknowledges pending interrupt events.
	Events() Events
	// HighSpeed reports a high speed bus connection.
	HighSpeed() bool
	// SetAddress programs the function address once the status stage of
	// the current control transfer has completed.
	SetAddress(addr uint8) error

	// EP0Status services pending control endpoint conditions (sent stall,
	// setup end) and reports whether a packet has been received.
	EP0Status() (ready bool, count int)
	// ReadEP0 reads the received control endpoint packet.
	ReadEP0(buf []byte) int
	// AckEP0 marks the received packet as serviced, with dataEnd the
	// status stage of the current transfer is also started.
	AckEP0(dataEnd bool)
	// StallEP0 marks the received packet as serviced and stalls the
	// current transfer.
	StallEP0()
	// WriteEP0 sends the data stage of the current transfer.
	WriteEP0(data []byte) error

	// ConfigureEndpoint sets up a data endpoint.
	ConfigureEndpoint(ep EndpointConfig) error
	// Read reads a received packet from OUT endpoint n, ok is false when
	// no packet is available.
	Read(n int, buf []byte) (count int, ok bool)
	// Write sends a single packet on IN endpoint n.
	Write(n int, data []byte) error
	// SetStall sets or clears the halt condition of an endpoint, clearing
	// also resets its data toggle.
	SetStall(address uint8, stall bool) error
}

// Class represents a USB class driver.
type Class interface {
	// Setup handles class specific requests, for requests with a
	// device-to-host data stage in holds the response.
	Setup(setup *SetupData) (in []byte, err error)
	// Data handles the host-to-device data stage of a class request.
	Data(setup *SetupData, out []byte) error
	// Configure is invoked once the configuration endpoints are set up.
	Configure(ctrl Controller, conf *ConfigurationDescriptor) error
	// Handle processes data endpoint events.
	Handle(ctrl Controller, ev Events) error
	// Reset is invoked on bus reset.
	Reset()
}
