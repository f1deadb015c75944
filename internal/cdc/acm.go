// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package cdc implements a USB Communications Device Class Abstract Control
// Model (serial port) class driver for usb.Device.
package cdc

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/f-secure-foundry/armory-sdbridge/internal/ring"
	"github.com/f-secure-foundry/armory-sdbridge/internal/usb"
)

// p20, Table 13: Class-Specific Request Codes for PSTN subclasses,
// USB PSTN1.2
const (
	SET_LINE_CODING        = 0x20
	GET_LINE_CODING        = 0x21
	SET_CONTROL_LINE_STATE = 0x22
	SEND_BREAK             = 0x23
)

// endpoint layout
const (
	NOTIFY_EP              = 0x81
	NOTIFY_MAX_PACKET_SIZE = 16
	NOTIFY_FIFO_SIZE       = 128

	BULK_IN_EP  = 0x82
	BULK_OUT_EP = 0x03
)

// DefaultBufferSize is the default size of each ring buffer.
const DefaultBufferSize = 512

// LINE_CODING_LENGTH is the size of the line coding structure.
const LINE_CODING_LENGTH = 7

// LineCoding implements
// p24, Table 17: Line Coding Structure, USB PSTN1.2.
type LineCoding struct {
	// DTE rate in bits per second
	Rate uint32
	// 0: 1 stop bit, 1: 1.5 stop bits, 2: 2 stop bits
	StopBits uint8
	// 0: none, 1: odd, 2: even, 3: mark, 4: space
	Parity   uint8
	DataBits uint8
}

// DefaultLineCoding is 115200 baud 8N1.
var DefaultLineCoding = LineCoding{
	Rate:     115200,
	DataBits: 8,
}

// ParseLineCoding decodes a line coding structure.
func ParseLineCoding(buf []byte) (l LineCoding, err error) {
	if len(buf) != LINE_CODING_LENGTH {
		return l, fmt.Errorf("invalid line coding length %d", len(buf))
	}

	l.Rate = binary.LittleEndian.Uint32(buf[0:])
	l.StopBits = buf[4]
	l.Parity = buf[5]
	l.DataBits = buf[6]

	return
}

// Bytes converts the line coding to its wire format.
func (l LineCoding) Bytes() []byte {
	buf := make([]byte, LINE_CODING_LENGTH)

	binary.LittleEndian.PutUint32(buf[0:], l.Rate)
	buf[4] = l.StopBits
	buf[5] = l.Parity
	buf[6] = l.DataBits

	return buf
}

func (l LineCoding) String() string {
	parity := "?"

	if int(l.Parity) < len("NOEMS") {
		parity = string("NOEMS"[l.Parity])
	}

	stop := []string{"1", "1.5", "2"}
	stopBits := "?"

	if int(l.StopBits) < len(stop) {
		stopBits = stop[l.StopBits]
	}

	return fmt.Sprintf("%d %d%s%s", l.Rate, l.DataBits, parity, stopBits)
}

// ACM implements usb.Class for a virtual serial port, received bytes are
// queued in a receive ring buffer while written bytes are queued in a
// transmit ring buffer drained one packet at a time.
//
// ACM methods must be invoked from the context polling the usb.Device.
type ACM struct {
	// Notify, In and Out are set by Descriptors
	Notify *usb.EndpointDescriptor
	In     *usb.EndpointDescriptor
	Out    *usb.EndpointDescriptor

	line LineCoding
	dtr  bool
	rts  bool

	rx *ring.Buffer
	tx *ring.Buffer

	ctrl usb.Controller
	// one IN transfer in flight
	busy bool

	overflows int
	packet    []byte
}

// New returns an ACM instance with ring buffers of the given size.
func New(size int) *ACM {
	if size <= 0 {
		size = DefaultBufferSize
	}

	return &ACM{
		line:   DefaultLineCoding,
		rx:     ring.New(size),
		tx:     ring.New(size),
		packet: make([]byte, usb.HIGH_SPEED_MAX_PACKET_SIZE),
	}
}

// LineCoding returns the line coding set by the host.
func (acm *ACM) LineCoding() LineCoding {
	return acm.line
}

// DTR reports whether the host signalled a present terminal.
func (acm *ACM) DTR() bool {
	return acm.dtr
}

// RTS reports the host carrier control.
func (acm *ACM) RTS() bool {
	return acm.rts
}

// Overflows returns the number of received bytes lost to a full receive
// buffer.
func (acm *ACM) Overflows() int {
	return acm.overflows
}

// Buffered returns the number of received bytes available to Read.
func (acm *ACM) Buffered() int {
	return acm.rx.Len()
}

// Read moves buffered received bytes into p, it never blocks and returns 0
// when nothing has been received.
func (acm *ACM) Read(p []byte) (n int, err error) {
	return acm.rx.ReadTo(p), nil
}

// Write queues p for transmission.
func (acm *ACM) Write(p []byte) (n int, err error) {
	n, overflow := acm.tx.WriteFrom(p)

	if overflow {
		logrus.Warn("cdc: transmit buffer overflow")
	}

	return n, acm.flush()
}

// WriteByte queues c for transmission.
func (acm *ACM) WriteByte(c byte) error {
	if acm.tx.Write(c) {
		logrus.Warn("cdc: transmit buffer overflow")
	}

	return acm.flush()
}

// flush starts a transfer of up to one maximum size packet when none is in
// flight.
func (acm *ACM) flush() (err error) {
	if acm.ctrl == nil || acm.busy || acm.tx.Len() == 0 {
		return
	}

	size := int(acm.In.MaxPacketSize)

	if size > len(acm.packet) {
		size = len(acm.packet)
	}

	n := acm.tx.ReadTo(acm.packet[:size])

	if err = acm.ctrl.Write(acm.In.Number(), acm.packet[:n]); err != nil {
		return fmt.Errorf("cdc transmit, %w", err)
	}

	acm.busy = true

	return
}

// Setup implements usb.Class.
func (acm *ACM) Setup(setup *usb.SetupData) (in []byte, err error) {
	switch setup.Request {
	case GET_LINE_CODING:
		if !setup.In() {
			return nil, usb.ErrUnsupportedRequest
		}

		return acm.line.Bytes(), nil
	case SET_LINE_CODING:
		// applied on data stage
	case SET_CONTROL_LINE_STATE:
		acm.dtr = setup.Value&(1<<0) != 0
		acm.rts = setup.Value&(1<<1) != 0

		logrus.WithFields(logrus.Fields{
			"dtr": acm.dtr,
			"rts": acm.rts,
		}).Debug("cdc: control line state")
	case SEND_BREAK:
		logrus.WithField("duration", setup.Value).Debug("cdc: break")
	default:
		return nil, usb.ErrUnsupportedRequest
	}

	return
}

// Data implements usb.Class.
func (acm *ACM) Data(setup *usb.SetupData, out []byte) (err error) {
	if setup.Request != SET_LINE_CODING {
		return
	}

	line, err := ParseLineCoding(out)

	if err != nil {
		logrus.WithError(err).Warn("cdc: line coding ignored")
		return nil
	}

	acm.line = line
	logrus.WithField("line", line.String()).Info("cdc: line coding")

	return
}

// Configure implements usb.Class.
func (acm *ACM) Configure(ctrl usb.Controller, conf *usb.ConfigurationDescriptor) error {
	acm.ctrl = ctrl
	acm.busy = false

	return acm.flush()
}

// Handle implements usb.Class.
func (acm *ACM) Handle(ctrl usb.Controller, ev usb.Events) (err error) {
	if ev.OUT&(1<<acm.Out.Number()) != 0 {
		acm.receive(ctrl)
	}

	if ev.IN&(1<<acm.In.Number()) != 0 {
		acm.busy = false
		err = acm.flush()
	}

	return
}

func (acm *ACM) receive(ctrl usb.Controller) {
	lost := 0

	for {
		n, ok := ctrl.Read(acm.Out.Number(), acm.packet)

		if !ok {
			break
		}

		for _, c := range acm.packet[:n] {
			if acm.rx.Write(c) {
				lost++
			}
		}
	}

	if lost > 0 {
		acm.overflows += lost
		logrus.WithField("lost", lost).Warn("cdc: receive buffer overflow")
	}
}

// Reset implements usb.Class.
func (acm *ACM) Reset() {
	acm.ctrl = nil
	acm.busy = false
	acm.dtr = false
	acm.rts = false
	acm.line = DefaultLineCoding
	acm.rx.Reset()
	acm.tx.Reset()
}
