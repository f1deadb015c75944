// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ums

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/f-secure-foundry/armory-sdbridge/internal/usb"
)

// p7, 3.1 - 3.2, USB Mass Storage Class 1.0
const (
	BULK_ONLY_MASS_STORAGE_RESET = 0xff
	GET_MAX_LUN                  = 0xfe
)

// p11, 4.3 Data Structures, USB Mass Storage Class 1.0
const (
	MASS_STORAGE_CLASS = 0x08
	SCSI_SUBCLASS      = 0x06
	BULK_ONLY_PROTOCOL = 0x50
)

// endpoint layout
const (
	BULK_IN_EP  = 0x81
	BULK_OUT_EP = 0x01
)

// p13, 5.1 Command Block Wrapper (CBW), USB Mass Storage Class 1.0
const (
	CBW_LENGTH        = 31
	CBW_SIGNATURE     = 0x43425355
	CBW_CB_MIN_LENGTH = 1
	CBW_CB_MAX_LENGTH = 16
	CBW_FLAGS_DATA_IN = 0x80
	CSW_LENGTH        = 13
	CSW_SIGNATURE     = 0x53425355
)

// p15, Table 5.3 - Command Block Status Values, USB Mass Storage Class 1.0
const (
	CSW_STATUS_COMMAND_PASSED = 0x00
	CSW_STATUS_COMMAND_FAILED = 0x01
	CSW_STATUS_PHASE_ERROR    = 0x02
)

// CBW implements p13, 5.1 Command Block Wrapper (CBW),
// USB Mass Storage Class 1.0.
type CBW struct {
	Signature          uint32
	Tag                uint32
	DataTransferLength uint32
	Flags              uint8
	LUN                uint8
	Length             uint8
	CommandBlock       [16]byte
}

// In reports whether the data phase direction is device to host.
func (cbw *CBW) In() bool {
	return cbw.Flags&CBW_FLAGS_DATA_IN != 0
}

// Bytes converts the CBW structure to byte array format.
func (cbw *CBW) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, cbw)
	return buf.Bytes()
}

// CSW implements p14, 5.2 Command Status Wrapper (CSW),
// USB Mass Storage Class 1.0.
type CSW struct {
	Signature   uint32
	Tag         uint32
	DataResidue uint32
	Status      uint8
}

// SetDefaults initializes default values for the CSW.
func (csw *CSW) SetDefaults() {
	csw.Signature = CSW_SIGNATURE
	csw.Status = CSW_STATUS_COMMAND_PASSED
}

// Bytes converts the CSW structure to byte array format.
func (csw *CSW) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, csw)
	return buf.Bytes()
}

// ParseCBW decodes a Command Block Wrapper, a CBW is valid only when it
// carries exactly CBW_LENGTH bytes, the CBW signature and a supported command
// block length.
func ParseCBW(buf []byte) (cbw *CBW, err error) {
	if len(buf) != CBW_LENGTH {
		return nil, fmt.Errorf("invalid CBW size %d != %d", len(buf), CBW_LENGTH)
	}

	cbw = &CBW{}
	err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, cbw)

	if err != nil {
		return nil, err
	}

	if cbw.Signature != CBW_SIGNATURE {
		return nil, fmt.Errorf("invalid CBW signature %x", cbw.Signature)
	}

	if cbw.Length < CBW_CB_MIN_LENGTH || cbw.Length > CBW_CB_MAX_LENGTH {
		return nil, fmt.Errorf("invalid Command Block Length %d", cbw.Length)
	}

	return
}

// ParseCSW decodes a Command Status Wrapper.
func ParseCSW(buf []byte) (csw *CSW, err error) {
	if len(buf) != CSW_LENGTH {
		return nil, fmt.Errorf("invalid CSW size %d != %d", len(buf), CSW_LENGTH)
	}

	csw = &CSW{}
	err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, csw)

	if err != nil {
		return nil, err
	}

	if csw.Signature != CSW_SIGNATURE {
		return nil, fmt.Errorf("invalid CSW signature %x", csw.Signature)
	}

	return
}

// Descriptors builds the mass storage configuration: a single SCSI
// transparent command set interface with a pair of bulk endpoints.
func (d *Drive) Descriptors() (conf *usb.ConfigurationDescriptor) {
	conf = &usb.ConfigurationDescriptor{}
	conf.SetDefaults()

	iface := &usb.InterfaceDescriptor{}
	iface.SetDefaults()
	iface.InterfaceClass = MASS_STORAGE_CLASS
	iface.InterfaceSubClass = SCSI_SUBCLASS
	iface.InterfaceProtocol = BULK_ONLY_PROTOCOL

	d.In = &usb.EndpointDescriptor{}
	d.In.SetDefaults()
	d.In.EndpointAddress = BULK_IN_EP
	iface.AddEndpoint(d.In)

	d.Out = &usb.EndpointDescriptor{}
	d.Out.SetDefaults()
	d.Out.EndpointAddress = BULK_OUT_EP
	iface.AddEndpoint(d.Out)

	conf.AddInterface(iface)

	return
}

// Attach adds the mass storage configuration to a device and installs the
// drive as its class driver.
func (d *Drive) Attach(dev *usb.Device) {
	if d.packet == nil {
		d.Init()
	}

	dev.AddConfiguration(d.Descriptors())
	dev.Class = d
}

// Setup implements usb.Class for the class specific control requests
// specified at p7, 3.1 - 3.2, USB Mass Storage Class 1.0.
func (d *Drive) Setup(setup *usb.SetupData) (in []byte, err error) {
	switch setup.Request {
	case BULK_ONLY_MASS_STORAGE_RESET:
		if setup.In() || setup.Length != 0 {
			return nil, usb.ErrUnsupportedRequest
		}

		logrus.Debug("ums: bulk-only reset")
		d.reset()
	case GET_MAX_LUN:
		if !setup.In() {
			return nil, usb.ErrUnsupportedRequest
		}

		// single LUN
		in = []byte{0x00}
	default:
		return nil, usb.ErrUnsupportedRequest
	}

	return
}

// Data implements usb.Class, no mass storage request carries an OUT data
// stage.
func (d *Drive) Data(_ *usb.SetupData, _ []byte) error {
	return nil
}

// Configure implements usb.Class.
func (d *Drive) Configure(_ usb.Controller, _ *usb.ConfigurationDescriptor) error {
	d.reset()

	return nil
}

// Reset implements usb.Class.
func (d *Drive) Reset() {
	d.reset()
}

func (d *Drive) reset() {
	d.state = WaitCBW
	d.write = nil
}

// Handle implements usb.Class, bulk-out packets drive the transport state
// machine while bulk-in transfers are completed synchronously.
func (d *Drive) Handle(ctrl usb.Controller, ev usb.Events) (err error) {
	if ev.OUT&(1<<d.Out.Number()) == 0 {
		return
	}

	for {
		n, ok := ctrl.Read(d.Out.Number(), d.packet)

		if !ok {
			return
		}

		if err = d.receive(ctrl, d.packet[:n]); err != nil {
			d.reset()
			return
		}
	}
}

func (d *Drive) receive(ctrl usb.Controller, buf []byte) (err error) {
	if d.state == WriteData {
		return d.writeData(ctrl, buf)
	}

	cbw, err := ParseCBW(buf)

	if err != nil {
		// resynchronize on the next packet
		logrus.WithError(err).Warn("ums: CBW discarded")
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"tag":    cbw.Tag,
		"opcode": fmt.Sprintf("%#x", cbw.CommandBlock[0]),
		"length": cbw.DataTransferLength,
	}).Debug("ums: CBW")

	csw, data, err := d.handleCDB(ctrl, cbw.CommandBlock, cbw)

	if errors.Is(err, errUnsupportedCommand) {
		logrus.WithError(err).Warn("ums: command stalled")
		return ctrl.SetStall(d.In.EndpointAddress, true)
	}

	if err != nil {
		return
	}

	if csw == nil {
		// data phase pending
		return
	}

	if data != nil {
		if len(data) > int(cbw.DataTransferLength) {
			data = data[:cbw.DataTransferLength]
		}

		if err = d.send(ctrl, data, int(cbw.DataTransferLength)); err != nil {
			return
		}

		csw.DataResidue = cbw.DataTransferLength - uint32(len(data))
	}

	return d.status(ctrl, csw)
}

// send transmits data on the bulk-in endpoint in maximum size packets, a
// zero length packet terminates transfers shorter than the host expects
// which end on a packet boundary.
func (d *Drive) send(ctrl usb.Controller, data []byte, length int) (err error) {
	size := int(d.In.MaxPacketSize)
	n := d.In.Number()

	for off := 0; off < len(data); off += size {
		end := off + size

		if end > len(data) {
			end = len(data)
		}

		if err = ctrl.Write(n, data[off:end]); err != nil {
			return fmt.Errorf("ums transmit, %w", err)
		}
	}

	if len(data) < length && len(data)%size == 0 {
		if err = ctrl.Write(n, nil); err != nil {
			return fmt.Errorf("ums transmit, %w", err)
		}
	}

	return
}

func (d *Drive) status(ctrl usb.Controller, csw *CSW) (err error) {
	d.state = WaitCBW

	logrus.WithFields(logrus.Fields{
		"tag":     csw.Tag,
		"status":  csw.Status,
		"residue": csw.DataResidue,
	}).Debug("ums: CSW")

	return d.send(ctrl, csw.Bytes(), CSW_LENGTH)
}
